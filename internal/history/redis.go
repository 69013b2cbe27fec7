package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CZERTAINLY/taskd/internal/model"
)

const defaultTTL = 7 * 24 * time.Hour

func recordKey(taskID string) string { return "taskd:task:" + taskID }

// Redis keeps records as JSON values which expire after ttl.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// OpenRedis connects to addr and checks the connection.
func OpenRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     4,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedis(client, ttl), nil
}

// NewRedis wraps an existing client. Zero ttl means seven days.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (s *Redis) Save(ctx context.Context, task model.Task, output []byte) error {
	if !task.State.IsTerminal() {
		return fmt.Errorf("task %s is not terminal", task.ID)
	}
	data, err := json.Marshal(Record{Task: task, Output: output})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.Set(ctx, recordKey(task.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set record for %s: %w", task.ID, err)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, id string) (Record, error) {
	data, err := s.client.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, &model.TaskNotFoundError{TaskID: id}
		}
		return Record{}, fmt.Errorf("redis get record for %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

// Prune is a no-op, records expire on their own.
func (s *Redis) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
