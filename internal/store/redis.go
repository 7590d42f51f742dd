package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"studentvc/pkg/platform/sentinel"
)

const (
	redisRecordKeyPrefix = "studentvc:credential:"
	redisIndexKey        = "studentvc:credentials"
	redisMaxRetries      = 8
	redisListBatch       = 200
)

// Redis stores each record as a JSON string plus a set of subject ids for
// List. Every write runs in a WATCH/MULTI transaction on the record key and
// retries on conflict, so concurrent writers to one subject never lose
// updates.
type Redis struct {
	client redis.UniversalClient
	clock  Clock
}

type RedisOption func(*Redis)

func WithRedisClock(clock Clock) RedisOption {
	return func(r *Redis) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRedis wraps an existing client; its lifecycle stays with the caller.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func redisKey(subjectID string) string {
	return redisRecordKeyPrefix + subjectID
}

func (r *Redis) Put(ctx context.Context, subjectID, token string, status Status) (*Record, error) {
	if err := validate(subjectID, status); err != nil {
		return nil, err
	}
	var out *Record
	err := r.update(ctx, subjectID, func(prev *Record) (*Record, error) {
		out = &Record{
			SubjectID: subjectID,
			Token:     token,
			Status:    status,
			IssuedAt:  r.clock().UTC(),
			Version:   1,
		}
		if prev != nil {
			out.Version = prev.Version + 1
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Redis) Insert(ctx context.Context, subjectID, token string, status Status) (*Record, error) {
	if err := validate(subjectID, status); err != nil {
		return nil, err
	}
	var out *Record
	err := r.update(ctx, subjectID, func(prev *Record) (*Record, error) {
		if prev != nil {
			return nil, sentinel.ErrConflict
		}
		out = &Record{
			SubjectID: subjectID,
			Token:     token,
			Status:    status,
			IssuedAt:  r.clock().UTC(),
			Version:   1,
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Redis) Get(ctx context.Context, subjectID string) (*Record, error) {
	raw, err := r.client.Get(ctx, redisKey(subjectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get record: %w", err)
	}
	return decodeRedisRecord(raw)
}

func (r *Redis) List(ctx context.Context) ([]*Record, error) {
	ids, err := r.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list subjects: %w", err)
	}

	out := make([]*Record, 0, len(ids))
	for start := 0; start < len(ids); start += redisListBatch {
		end := min(start+redisListBatch, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, redisKey(id))
		}
		values, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis load records: %w", err)
		}
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				// indexed but deleted out of band
				continue
			}
			rec, err := decodeRedisRecord([]byte(s))
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *Redis) SetStatus(ctx context.Context, subjectID string, status Status) (bool, error) {
	if err := validate(subjectID, status); err != nil {
		return false, err
	}
	found := false
	err := r.update(ctx, subjectID, func(prev *Record) (*Record, error) {
		if prev == nil {
			found = false
			return nil, nil
		}
		found = true
		now := r.clock().UTC()
		prev.Status = status
		prev.StatusUpdatedAt = &now
		prev.Version++
		return prev, nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (r *Redis) SetStatusMany(ctx context.Context, subjectIDs []string, status Status) ([]string, error) {
	return setStatusEach(ctx, r, subjectIDs, status)
}

// update runs mutate inside an optimistic transaction on the subject's key.
// mutate sees the current record (nil if absent) and returns the record to
// write, or nil to write nothing. It may run more than once.
func (r *Redis) update(ctx context.Context, subjectID string, mutate func(prev *Record) (*Record, error)) error {
	key := redisKey(subjectID)
	txf := func(tx *redis.Tx) error {
		var prev *Record
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get record: %w", err)
		default:
			if prev, err = decodeRedisRecord(raw); err != nil {
				return err
			}
		}

		next, err := mutate(prev)
		if err != nil || next == nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, redisIndexKey, subjectID)
			return nil
		})
		return err
	}

	for range redisMaxRetries {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis update %s: %w", subjectID, sentinel.ErrConflict)
}

func decodeRedisRecord(raw []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}
