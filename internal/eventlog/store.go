// Package eventlog implements the append-only, per-room ordered log of
// collaboration events. Appending assigns the room-local sequence number
// and the event's vector clock under a single per-room mutex — the one
// place in the core that requires true mutual exclusion.
package eventlog

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/vowsync/collab-core/pkg/models"
)

// Store is the durable append-only store behind the in-memory replay
// window. Implementations must preserve append order per room.
type Store interface {
	Append(ctx context.Context, roomID string, event *models.CollaborationEvent) error
	Range(ctx context.Context, roomID string, fromSequence uint64) ([]*models.CollaborationEvent, error)
	Trim(ctx context.Context, roomID string, keep int64) error
	Close() error
}

const redisLogKeyPrefix = "collab:log:"

// RedisStore persists room logs as Redis lists, one list per room
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store backed by the given Redis client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(roomID string) string {
	return redisLogKeyPrefix + roomID
}

// Append pushes the event onto the room's list
func (s *RedisStore) Append(ctx context.Context, roomID string, event *models.CollaborationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if err := s.client.RPush(ctx, s.key(roomID), data).Err(); err != nil {
		return errors.Wrap(err, "append to redis")
	}
	return nil
}

// Range returns events with sequence >= fromSequence in append order
func (s *RedisStore) Range(ctx context.Context, roomID string, fromSequence uint64) ([]*models.CollaborationEvent, error) {
	raw, err := s.client.LRange(ctx, s.key(roomID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "range from redis")
	}

	events := make([]*models.CollaborationEvent, 0, len(raw))
	for _, item := range raw {
		var event models.CollaborationEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, errors.Wrap(err, "unmarshal event")
		}
		if event.Sequence >= fromSequence {
			events = append(events, &event)
		}
	}
	return events, nil
}

// Trim keeps only the newest `keep` events of the room
func (s *RedisStore) Trim(ctx context.Context, roomID string, keep int64) error {
	if err := s.client.LTrim(ctx, s.key(roomID), -keep, -1).Err(); err != nil {
		return errors.Wrap(err, "trim redis list")
	}
	return nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
