package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rendis/flowscript/pkg/schema"
)

// RedisStore implements the Store interface on Redis.
//
// Layout, under a configurable prefix:
//
//	run:<id>      string  JSON-encoded run record
//	runs          zset    run ids scored by creation time
//	nodes:<id>    hash    node_id -> JSON-encoded node state
//	events:<id>   list    JSON-encoded events, sequence = list position
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix. Defaults to "flowscript:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRedisLogger sets the logger. Defaults to zap.NewNop().
func WithRedisLogger(l *zap.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = l }
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "flowscript:", logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return NewRedisStore(client, opts...), nil
}

func (s *RedisStore) runKey(id string) string    { return s.prefix + "run:" + id }
func (s *RedisStore) runsKey() string            { return s.prefix + "runs" }
func (s *RedisStore) nodesKey(id string) string  { return s.prefix + "nodes:" + id }
func (s *RedisStore) eventsKey(id string) string { return s.prefix + "events:" + id }

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }

// Migrate only verifies connectivity; Redis needs no schema.
func (s *RedisStore) Migrate(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// --- Runs ---

func (s *RedisStore) CreateRun(ctx context.Context, run *schema.Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.runKey(run.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	return s.client.ZAdd(ctx, s.runsKey(), redis.Z{
		Score:  float64(run.CreatedAt.UnixNano()),
		Member: run.ID,
	}).Err()
}

func (s *RedisStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	data, err := s.client.Get(ctx, s.runKey(id)).Bytes()
	if err == redis.Nil {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run, err := decodeRun(data)
	if err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, nil
}

// UpdateRunStatus rewrites the run record inside an optimistic transaction.
func (s *RedisStore) UpdateRunStatus(ctx context.Context, id string, status schema.RunStatus, errMsg string) error {
	key := s.runKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return storeNotFound("run", id)
		}
		if err != nil {
			return err
		}
		run := &schema.Run{}
		if err := json.Unmarshal(data, run); err != nil {
			return fmt.Errorf("decode run %s: %w", id, err)
		}
		run.Status = status
		run.Error = errMsg
		run.UpdatedAt = time.Now().UTC()
		if data, err = json.Marshal(run); err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	ids, err := s.client.ZRevRange(ctx, s.runsKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var runs []*schema.Run
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable run", zap.String("run_id", id), zap.Error(err))
			continue
		}
		if !filter.matches(run) {
			continue
		}
		runs = append(runs, run)
		if filter.Limit > 0 && len(runs) == filter.Limit {
			break
		}
	}
	return runs, nil
}

// --- Node State ---

// UpsertNodeStates writes all states with one HSET inside MULTI/EXEC.
func (s *RedisStore) UpsertNodeStates(ctx context.Context, states []*schema.NodeState) error {
	if len(states) == 0 {
		return nil
	}

	byRun := make(map[string][]any)
	for _, ns := range states {
		cp := ns.Clone()
		if cp.UpdatedAt.IsZero() {
			cp.UpdatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("marshal node %s: %w", ns.NodeID, err)
		}
		byRun[ns.RunID] = append(byRun[ns.RunID], ns.NodeID, data)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for runID, fields := range byRun {
			pipe.HSet(ctx, s.nodesKey(runID), fields...)
		}
		return nil
	})
	return err
}

func (s *RedisStore) ListNodeStates(ctx context.Context, runID string) ([]*schema.NodeState, error) {
	fields, err := s.client.HGetAll(ctx, s.nodesKey(runID)).Result()
	if err != nil {
		return nil, err
	}

	states := make([]*schema.NodeState, 0, len(fields))
	for nodeID, data := range fields {
		ns := &schema.NodeState{}
		if err := json.Unmarshal([]byte(data), ns); err != nil {
			return nil, fmt.Errorf("decode node %s: %w", nodeID, err)
		}
		states = append(states, ns)
	}
	sortNodeStates(states)
	return states, nil
}

func (s *RedisStore) DeleteNodeStates(ctx context.Context, runID string) error {
	return s.client.Del(ctx, s.nodesKey(runID)).Err()
}

// --- Events ---

func (s *RedisStore) AppendEvent(ctx context.Context, event *schema.ProgressEvent) error {
	if event.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no run id")
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	n, err := s.client.RPush(ctx, s.eventsKey(event.RunID), data).Result()
	if err != nil {
		return err
	}
	event.Sequence = n
	return nil
}

func (s *RedisStore) ListEvents(ctx context.Context, runID string, since int64) ([]*schema.ProgressEvent, error) {
	items, err := s.client.LRange(ctx, s.eventsKey(runID), since, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]*schema.ProgressEvent, 0, len(items))
	for i, data := range items {
		ev := &schema.ProgressEvent{}
		if err := json.Unmarshal([]byte(data), ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		ev.Sequence = since + int64(i) + 1
		events = append(events, ev)
	}
	return events, nil
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
