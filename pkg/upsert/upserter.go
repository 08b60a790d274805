// Package upsert writes normalized records to the store in fixed-size
// transactional chunks. Each chunk is atomic; a failed chunk is
// recorded and the run continues with the next one, so one poison
// record costs at most its own chunk.
package upsert

import (
	"context"

	"go.uber.org/zap"

	"github.com/revlens/syncengine/pkg/errors"
	"github.com/revlens/syncengine/pkg/models"
	"github.com/revlens/syncengine/pkg/store"
)

// DefaultChunkSize is the records-per-transaction default.
const DefaultChunkSize = 500

// Config controls chunking behavior.
type Config struct {
	// ChunkSize is the number of records written per transaction.
	// Zero or negative selects DefaultChunkSize.
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`
}

// DefaultConfig returns the default upserter configuration.
func DefaultConfig() Config {
	return Config{ChunkSize: DefaultChunkSize}
}

// ChunkFailure describes one chunk that rolled back.
type ChunkFailure struct {
	// Index is the zero-based chunk position within the run.
	Index int
	// Records is the number of records the chunk carried.
	Records int
	// Err is the error that aborted the chunk's transaction.
	Err error
}

// Result summarizes one upsert run.
type Result struct {
	Inserted int
	Failed   int
	Failures []ChunkFailure
}

// Upserter writes records through store transactions.
type Upserter struct {
	config Config
	store  store.RecordStore
	logger *zap.Logger
}

// New creates an upserter.
func New(config Config, st store.RecordStore, logger *zap.Logger) *Upserter {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	return &Upserter{
		config: config,
		store:  st,
		logger: logger.With(zap.String("component", "upserter")),
	}
}

// UpsertAll writes records in chunks of ChunkSize, one transaction per
// chunk. A chunk that fails rolls back entirely and is reported in the
// result; remaining chunks still run. Records written by earlier
// committed chunks stay visible regardless of later failures.
func (u *Upserter) UpsertAll(ctx context.Context, records []*models.NormalizedRecord) (*Result, error) {
	res := &Result{}

	for start := 0; start < len(records); start += u.config.ChunkSize {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrap(err, errors.ErrorTypeCanceled, "upsert canceled")
		}

		end := start + u.config.ChunkSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]
		chunkIndex := start / u.config.ChunkSize

		err := u.store.RunInTransaction(ctx, func(tx store.Tx) error {
			for _, rec := range chunk {
				if err := tx.UpsertRecord(ctx, rec); err != nil {
					return err
				}
			}
			return nil
		})

		if err != nil {
			res.Failed += len(chunk)
			res.Failures = append(res.Failures, ChunkFailure{
				Index:   chunkIndex,
				Records: len(chunk),
				Err:     err,
			})
			u.logger.Error("chunk rolled back",
				zap.Int("chunk", chunkIndex),
				zap.Int("records", len(chunk)),
				zap.Error(err))
			continue
		}

		res.Inserted += len(chunk)
	}

	return res, nil
}
