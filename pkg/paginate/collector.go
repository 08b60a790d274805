// Package paginate drives source-supplied page fetchers through large
// result sets with bounded error tolerance, so a long paginated walk
// survives isolated vendor hiccups without looping forever or
// discarding everything fetched so far.
package paginate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/revlens/syncengine/pkg/errors"
	"github.com/revlens/syncengine/pkg/models"
)

// Page is what a source-specific fetcher returns for one page index.
type Page struct {
	Records []models.RawRecord
	// NextCursor resumes the walk; empty means the source reported no
	// further pages.
	NextCursor string
	HasMore    bool
}

// FetchPageFunc fetches one page. The cursor is the NextCursor of the
// previous page, empty for page 0.
type FetchPageFunc func(ctx context.Context, pageIndex int, cursor string) (*Page, error)

// Config bounds one paginated collection.
type Config struct {
	// MaxPages stops the walk unconditionally. Zero means 1000.
	MaxPages int `yaml:"max_pages" json:"max_pages"`
	// PageDelay sleeps between successful pages.
	PageDelay time.Duration `yaml:"page_delay" json:"page_delay"`
	// ConsecutiveErrorLimit stops the walk after this many page
	// failures in a row. Zero means 3.
	ConsecutiveErrorLimit int `yaml:"consecutive_error_limit" json:"consecutive_error_limit"`
	// OnProgress receives the cumulative record count after each page.
	OnProgress func(fetched int) `yaml:"-" json:"-"`
}

// DefaultConfig returns the collector defaults.
func DefaultConfig() Config {
	return Config{
		MaxPages:              1000,
		ConsecutiveErrorLimit: 3,
	}
}

// Result is the outcome of one collection. Err is non-nil when the
// walk stopped on the consecutive-error limit or cancellation; the
// records accumulated before the failure are always returned.
type Result struct {
	Records    []models.RawRecord
	Pages      int
	LastCursor string
	Err        error
}

// Collector drives a fetch-page function repeatedly.
type Collector struct {
	logger *zap.Logger

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCollector creates a collector.
func NewCollector(logger *zap.Logger) *Collector {
	return &Collector{
		logger: logger.With(zap.String("component", "paginate")),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSleep overrides the inter-page sleeper. Tests only.
func (c *Collector) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	c.sleep = sleep
}

// Collect walks pages until MaxPages, an empty page, an exhausted
// cursor, the consecutive-error limit, or cancellation. Partial
// results are valuable: failures never discard accumulated records.
func (c *Collector) Collect(ctx context.Context, fetchPage FetchPageFunc, cfg Config) *Result {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1000
	}
	if cfg.ConsecutiveErrorLimit <= 0 {
		cfg.ConsecutiveErrorLimit = 3
	}

	res := &Result{}
	consecutiveErrors := 0
	cursor := ""

	for pageIndex := 0; pageIndex < cfg.MaxPages; pageIndex++ {
		if err := ctx.Err(); err != nil {
			res.Err = errors.Wrap(err, errors.ErrorTypeCanceled, "collection canceled")
			return res
		}

		page, err := fetchPage(ctx, pageIndex, cursor)
		if err != nil {
			consecutiveErrors++
			c.logger.Warn("page fetch failed",
				zap.Int("page", pageIndex),
				zap.Int("consecutive_errors", consecutiveErrors),
				zap.Error(err))

			if consecutiveErrors >= cfg.ConsecutiveErrorLimit {
				res.Err = errors.Wrap(err, errors.TypeOf(err), "consecutive page error limit reached").
					WithDetail("pages_fetched", res.Pages).
					WithDetail("records_fetched", len(res.Records))
				return res
			}
			continue
		}

		consecutiveErrors = 0
		res.Records = append(res.Records, page.Records...)
		res.Pages++
		if page.NextCursor != "" {
			res.LastCursor = page.NextCursor
		}

		if cfg.OnProgress != nil {
			cfg.OnProgress(len(res.Records))
		}

		if len(page.Records) == 0 || !page.HasMore {
			return res
		}
		cursor = page.NextCursor

		if serr := c.sleep(ctx, cfg.PageDelay); serr != nil {
			res.Err = errors.Wrap(serr, errors.ErrorTypeCanceled, "collection canceled")
			return res
		}
	}

	c.logger.Info("max pages reached",
		zap.Int("pages", res.Pages),
		zap.Int("records", len(res.Records)))
	return res
}
