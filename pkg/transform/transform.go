// Package transform maps raw vendor records to the normalized schema,
// isolating per-record failures so one malformed record never forfeits
// a batch of valid ones.
package transform

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/revlens/syncengine/pkg/errors"
)

// Failure pairs a failed item with the error that rejected it.
type Failure[T any] struct {
	Item T
	ID   string
	Err  error
}

// Outcome partitions a batch into transformed records and captured
// failures.
type Outcome[R, T any] struct {
	Succeeded []R
	Failed    []Failure[T]
}

// ErrorStrings renders failure errors for a SyncResult errors list.
func (o *Outcome[R, T]) ErrorStrings() []string {
	out := make([]string, 0, len(o.Failed))
	for _, f := range o.Failed {
		out = append(out, fmt.Sprintf("%s: %v", f.ID, f.Err))
	}
	return out
}

// WithCapture applies fn to each item independently. Vendor payloads
// are not contractually well-formed, so both returned errors and
// panics inside fn are captured per item; the batch always completes.
func WithCapture[T, R any](items []T, fn func(T) (R, error), label string, idFn func(T) string, logger *zap.Logger) *Outcome[R, T] {
	out := &Outcome[R, T]{
		Succeeded: make([]R, 0, len(items)),
	}

	for _, item := range items {
		record, err := applySafe(item, fn)
		if err != nil {
			id := idFn(item)
			logger.Warn("record transform failed",
				zap.String("label", label),
				zap.String("record_id", id),
				zap.Error(err))
			out.Failed = append(out.Failed, Failure[T]{Item: item, ID: id, Err: err})
			continue
		}
		out.Succeeded = append(out.Succeeded, record)
	}

	if len(out.Failed) > 0 {
		logger.Info("transform batch completed with failures",
			zap.String("label", label),
			zap.Int("succeeded", len(out.Succeeded)),
			zap.Int("failed", len(out.Failed)))
	}

	return out
}

// applySafe runs fn, converting panics into transform errors.
func applySafe[T, R any](item T, fn func(T) (R, error)) (record R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrorTypeTransform, "panic during transform: %v", r)
		}
	}()

	record, err = fn(item)
	if err != nil {
		err = errors.Wrap(err, errors.ErrorTypeTransform, "transform failed")
	}
	return record, err
}
