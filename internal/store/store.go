package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"campushub/internal/metrics"
	dbconfig "campushub/pkg/database"
	"campushub/pkg/interfaces"
	"campushub/pkg/types"
)

// Options carries the settings shared by every store implementation.
type Options struct {
	// Timeout bounds each store call on top of the caller's context.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Open builds the store selected by cfg.Driver and brings its schema up to date.
func Open(ctx context.Context, cfg *dbconfig.Config, opts Options) (interfaces.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	switch cfg.Driver {
	case dbconfig.SQLite:
		return NewSQLiteStore(ctx, cfg, opts)
	case dbconfig.Postgres:
		return NewPostgresStore(ctx, cfg, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}

// tracker times store calls, applies the per-call timeout and normalizes errors.
type tracker struct {
	driver  string
	timeout time.Duration
	logger  zerolog.Logger
}

type operation struct {
	t      *tracker
	name   string
	began  time.Time
	cancel context.CancelFunc
}

func (t *tracker) start(ctx context.Context, name string) (context.Context, *operation) {
	op := &operation{t: t, name: name, began: time.Now(), cancel: func() {}}
	if t.timeout > 0 {
		ctx, op.cancel = context.WithTimeout(ctx, t.timeout)
	}
	return ctx, op
}

// end records the call and rewrites *errp: not-found and validation errors
// pass through, anything else becomes ErrStorageUnavailable.
func (op *operation) end(errp *error) {
	op.cancel()
	metrics.StoreLatency.WithLabelValues(op.t.driver, op.name).Observe(time.Since(op.began).Seconds())

	err := *errp
	if err == nil || errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrValidation) {
		return
	}

	metrics.StoreErrors.WithLabelValues(op.t.driver, op.name).Inc()
	op.t.logger.Warn().Err(err).Str("op", op.name).Msg("store operation failed")
	*errp = types.Unavailable(op.name, err)
}

// uniqueIDs drops duplicates and non-positive ids, keeping first-seen order.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
