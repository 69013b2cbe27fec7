package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CZERTAINLY/taskd/internal/model"
)

type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at dbPath. Use ":memory:" for a
// private in-memory database.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection: an in-memory database is per connection, and sqlite
	// serializes writers anyway
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			state TEXT NOT NULL,
			finished_at INTEGER NOT NULL,
			task TEXT NOT NULL,
			output BLOB
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating tasks table: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS tasks_finished_at ON tasks (finished_at)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating tasks index: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Save inserts or replaces the record of a terminal task.
func (s *SQLite) Save(ctx context.Context, task model.Task, output []byte) error {
	if !task.State.IsTerminal() || task.FinishedAt == nil {
		return fmt.Errorf("task %s is not terminal", task.ID)
	}
	b, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tasks (id, type, state, finished_at, task, output)
		 VALUES (?, ?, ?, ?, ?, ?);`,
		task.ID, task.Type, string(task.State), task.FinishedAt.UnixNano(), string(b), output,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// Get returns a record by task ID.
func (s *SQLite) Get(ctx context.Context, id string) (Record, error) {
	var (
		raw string
		rec Record
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT task, output FROM tasks WHERE id=?`, id,
	)
	err := row.Scan(&raw, &rec.Output)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Record{}, &model.TaskNotFoundError{TaskID: id}
	case err != nil:
		return Record{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &rec.Task); err != nil {
		return Record{}, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLite) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE finished_at < ?`, before.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql delete failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if n > 0 {
		slog.DebugContext(ctx, "pruned history", "count", n)
	}
	return n, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
