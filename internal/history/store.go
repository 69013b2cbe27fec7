// Package history archives terminal tasks and their output, so they can be
// looked up after the registry evicted them or the service restarted.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/CZERTAINLY/taskd/internal/model"
)

// Record is an archived task.
type Record struct {
	Task   model.Task `json:"task"`
	Output []byte     `json:"output"`
}

// Store is a durable archive of terminal tasks. Get returns an error
// matching model.ErrNotFound for unknown IDs.
type Store interface {
	Save(ctx context.Context, task model.Task, output []byte) error
	Get(ctx context.Context, id string) (Record, error)
	// Prune removes records which finished before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Open returns the store configured by cfg, or nil when history is
// disabled.
func Open(ctx context.Context, cfg model.History) (Store, error) {
	switch {
	case cfg.SQLite != "":
		s, err := OpenSQLite(ctx, cfg.SQLite)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite history: %w", err)
		}
		return s, nil
	case cfg.RedisAddr != "":
		s, err := OpenRedis(ctx, cfg.RedisAddr, cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("opening redis history: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}
