package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/stepflow/pkg/schema"
)

const (
	defaultRedisPrefix = "stepflow"
	redisUpdateRetries = 16
)

// RedisStore implements Store on Redis. Each execution is one JSON value;
// updates use WATCH/MULTI so concurrent writers retry instead of clobbering.
// A sorted set indexes executions by creation time for List.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key namespace (default "stepflow").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore wraps an existing client. The store does not own the client
// unless Close is called.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: defaultRedisPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenRedisStore connects to addr and verifies the connection.
func OpenRedisStore(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return NewRedisStore(client, opts...), nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":execution:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":executions"
}

func (s *RedisStore) Create(ctx context.Context, exec NewExecution) (*ExecutionState, error) {
	st := newState(exec, s.now())
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal execution: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(st.ExecutionID), data, 0).Result()
	if err != nil {
		return nil, storeError("create", err)
	}
	if !ok {
		return nil, storeExists(st.ExecutionID)
	}
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(st.CreatedAt.UnixNano()),
		Member: st.ExecutionID,
	}).Err(); err != nil {
		return nil, storeError("index", err)
	}
	return st, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*ExecutionState, error) {
	return s.get(ctx, s.client, id)
}

// stringGetter is satisfied by both the client and a WATCH transaction.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c stringGetter, id string) (*ExecutionState, error) {
	data, err := c.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound(id)
	}
	if err != nil {
		return nil, storeError("get", err)
	}
	return decodeState(data)
}

func (s *RedisStore) Update(ctx context.Context, id string, update ExecutionUpdate) (*ExecutionState, error) {
	key := s.key(id)
	var result *ExecutionState

	txf := func(tx *redis.Tx) error {
		st, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := st.apply(update, s.now()); err != nil {
			return err
		}
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = st
		return nil
	}

	for attempt := 0; attempt < redisUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			var se *schema.Error
			if errors.As(err, &se) {
				return nil, err
			}
			return nil, storeError("update", err)
		}
		return result, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict,
		"execution %q: too much contention, gave up after %d attempts", id, redisUpdateRetries)
}

func (s *RedisStore) List(ctx context.Context, filter ExecutionFilter) ([]*ExecutionState, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, storeError("list", err)
	}

	var out []*ExecutionState
	for _, id := range ids {
		st, err := s.Get(ctx, id)
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !filter.matches(st) {
			continue
		}
		out = append(out, st)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }

func decodeState(data []byte) (*ExecutionState, error) {
	st := &ExecutionState{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	if st.Inputs == nil {
		st.Inputs = map[string]any{}
	}
	if st.Outputs == nil {
		st.Outputs = map[string]map[string]any{}
	}
	if st.OutputOrder == nil {
		st.OutputOrder = []string{}
	}
	return st, nil
}

func storeError(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStore, "redis %s: %s", op, err.Error()).WithCause(err)
}

var _ Store = (*RedisStore)(nil)
