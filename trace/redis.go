package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/baton-ai/baton/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStoreConfig contains Redis-specific trace store configuration.
type RedisStoreConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr" json:"addr"`

	// Password is the Redis password (optional).
	Password string `yaml:"password" json:"password"`

	// DB is the Redis database number.
	DB int `yaml:"db" json:"db"`

	// PoolSize is the connection pool size.
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// KeyPrefix is the prefix for all trace keys.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// TTL is how long completed traces are retained. Zero disables expiry.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultRedisStoreConfig returns the default Redis trace store configuration.
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		Addr:      "localhost:6379",
		PoolSize:  10,
		KeyPrefix: "baton:",
		TTL:       24 * time.Hour,
	}
}

// RedisStore is a Redis-backed trace store for deployments where traces must
// survive orchestrator restarts. Meta is stored as a JSON string per session,
// events and stages as lists, handoffs as a hash keyed by handoff number, and
// a sorted set indexes sessions by start time for newest-first queries.
type RedisStore struct {
	client *redis.Client
	prefix string
	config RedisStoreConfig
	logger *zap.Logger

	// per-session write serialization and timestamp monotonicity
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	lastTS map[string]time.Time
}

type redisTraceMeta struct {
	SessionID      string     `json:"session_id"`
	Query          string     `json:"query"`
	Strategy       string     `json:"execution_strategy"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	Success        bool       `json:"success"`
	Completed      bool       `json:"completed"`
	AgentsInvolved []string   `json:"agents_involved"`
	FinalResponse  string     `json:"final_response,omitempty"`
}

// NewRedisStore creates a Redis-backed trace store and verifies connectivity.
func NewRedisStore(config RedisStoreConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "baton:"
	}

	return &RedisStore{
		client: client,
		prefix: prefix + "trace:",
		config: config,
		logger: logger.With(zap.String("component", "trace_store_redis")),
		locks:  make(map[string]*sync.Mutex),
		lastTS: make(map[string]time.Time),
	}, nil
}

func (s *RedisStore) metaKey(sid string) string     { return s.prefix + "meta:" + sid }
func (s *RedisStore) eventsKey(sid string) string   { return s.prefix + "events:" + sid }
func (s *RedisStore) handoffsKey(sid string) string { return s.prefix + "handoffs:" + sid }
func (s *RedisStore) stagesKey(sid string) string   { return s.prefix + "stages:" + sid }
func (s *RedisStore) indexKey() string              { return s.prefix + "index" }

func (s *RedisStore) sessionLock(sid string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sid]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sid] = lock
	}
	return lock
}

func (s *RedisStore) dropSessionLock(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, sid)
	delete(s.lastTS, sid)
}

func (s *RedisStore) logWriteErr(op, sid string, err error) {
	if err != nil {
		s.logger.Error("trace write failed",
			zap.String("op", op),
			zap.String("session_id", sid),
			zap.Error(err),
		)
	}
}

func (s *RedisStore) loadMeta(ctx context.Context, sid string) (*redisTraceMeta, error) {
	raw, err := s.client.Get(ctx, s.metaKey(sid)).Result()
	if err == redis.Nil {
		return nil, types.NewError(types.ErrTraceNotFound, "no trace for session "+sid).
			WithHTTPStatus(http.StatusNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load trace meta: %w", err)
	}
	var meta redisTraceMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode trace meta: %w", err)
	}
	return &meta, nil
}

func (s *RedisStore) saveMeta(ctx context.Context, meta *redisTraceMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.metaKey(meta.SessionID), raw, 0).Err()
}

// StartSession implements Store.
func (s *RedisStore) StartSession(ctx context.Context, sessionID, query, strategy string) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	meta := &redisTraceMeta{
		SessionID: sessionID,
		Query:     query,
		Strategy:  strategy,
		StartTime: time.Now(),
	}
	if err := s.saveMeta(ctx, meta); err != nil {
		s.logWriteErr("start_session", sessionID, err)
		return
	}
	err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(meta.StartTime.UnixNano()),
		Member: sessionID,
	}).Err()
	s.logWriteErr("start_session_index", sessionID, err)

	s.appendEventLocked(ctx, Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      EventSessionStarted,
		Timestamp: meta.StartTime,
		Content:   query,
	})
}

// appendEventLocked serializes and pushes an event; the caller holds the
// session lock.
func (s *RedisStore) appendEventLocked(ctx context.Context, ev Event) {
	s.mu.Lock()
	ev.Timestamp = monotonicTimestamp(ev.Timestamp, s.lastTS[ev.SessionID])
	s.lastTS[ev.SessionID] = ev.Timestamp
	s.mu.Unlock()

	raw, err := json.Marshal(ev)
	if err != nil {
		s.logWriteErr("record_event", ev.SessionID, err)
		return
	}
	s.logWriteErr("record_event", ev.SessionID,
		s.client.RPush(ctx, s.eventsKey(ev.SessionID), raw).Err())
}

// CompleteSession implements Store.
func (s *RedisStore) CompleteSession(ctx context.Context, sessionID string, success bool, finalResponse string) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.loadMeta(ctx, sessionID)
	if err != nil {
		s.logWriteErr("complete_session", sessionID, err)
		return
	}
	if meta.Completed {
		s.logger.Warn("session trace already completed", zap.String("session_id", sessionID))
		return
	}
	status := "failed"
	if success {
		status = "succeeded"
	}
	s.appendEventLocked(ctx, Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      EventSessionCompleted,
		Timestamp: time.Now(),
		Status:    status,
	})

	now := time.Now()
	meta.Completed = true
	meta.Success = success
	meta.FinalResponse = finalResponse
	meta.EndTime = &now
	if err := s.saveMeta(ctx, meta); err != nil {
		s.logWriteErr("complete_session", sessionID, err)
		return
	}

	if s.config.TTL > 0 {
		for _, key := range []string{
			s.metaKey(sessionID), s.eventsKey(sessionID),
			s.handoffsKey(sessionID), s.stagesKey(sessionID),
		} {
			s.logWriteErr("expire", sessionID, s.client.Expire(ctx, key, s.config.TTL).Err())
		}
	}
	s.dropSessionLock(sessionID)
}

// SetStrategy records the execution strategy once analysis has chosen it.
// Ignored after completion.
func (s *RedisStore) SetStrategy(ctx context.Context, sessionID, strategy string) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.loadMeta(ctx, sessionID)
	if err != nil || meta.Completed {
		return
	}
	meta.Strategy = strategy
	s.logWriteErr("set_strategy", sessionID, s.saveMeta(ctx, meta))
}

// RecordEvent implements Store.
func (s *RedisStore) RecordEvent(ctx context.Context, ev Event) {
	lock := s.sessionLock(ev.SessionID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.loadMeta(ctx, ev.SessionID)
	if err != nil || meta.Completed {
		return
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.appendEventLocked(ctx, ev)

	if ev.AgentID != "" {
		found := false
		for _, a := range meta.AgentsInvolved {
			if a == ev.AgentID {
				found = true
				break
			}
		}
		if !found {
			meta.AgentsInvolved = append(meta.AgentsInvolved, ev.AgentID)
			s.logWriteErr("record_event_meta", ev.SessionID, s.saveMeta(ctx, meta))
		}
	}
}

// RecordHandoff implements Store.
func (s *RedisStore) RecordHandoff(ctx context.Context, h Handoff) {
	lock := s.sessionLock(h.SessionID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.loadMeta(ctx, h.SessionID)
	if err != nil || meta.Completed {
		return
	}

	field := strconv.Itoa(h.HandoffNumber)
	existingRaw, err := s.client.HGet(ctx, s.handoffsKey(h.SessionID), field).Result()
	if err == nil {
		var existing Handoff
		if json.Unmarshal([]byte(existingRaw), &existing) == nil {
			if existing.Status == HandoffCompleted || existing.Status == HandoffFailed {
				s.logger.Warn("handoff already terminal",
					zap.String("session_id", h.SessionID),
					zap.Int("handoff_number", h.HandoffNumber),
				)
				return
			}
			h.ID = existing.ID
		}
	}
	if h.ID == "" {
		h.ID = uuid.New().String()
	}

	raw, err := json.Marshal(h)
	if err != nil {
		s.logWriteErr("record_handoff", h.SessionID, err)
		return
	}
	s.logWriteErr("record_handoff", h.SessionID,
		s.client.HSet(ctx, s.handoffsKey(h.SessionID), field, raw).Err())
}

// RecordStage implements Store.
func (s *RedisStore) RecordStage(ctx context.Context, sessionID string, sr StageResult) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.loadMeta(ctx, sessionID)
	if err != nil || meta.Completed {
		return
	}

	raw, err := json.Marshal(sr)
	if err != nil {
		s.logWriteErr("record_stage", sessionID, err)
		return
	}
	s.logWriteErr("record_stage", sessionID,
		s.client.RPush(ctx, s.stagesKey(sessionID), raw).Err())
}

func (s *RedisStore) buildTrace(ctx context.Context, sid string) (*Trace, error) {
	meta, err := s.loadMeta(ctx, sid)
	if err != nil {
		return nil, err
	}

	t := &Trace{
		SessionID:      meta.SessionID,
		Query:          meta.Query,
		Strategy:       meta.Strategy,
		StartTime:      meta.StartTime,
		EndTime:        meta.EndTime,
		Success:        meta.Success,
		Completed:      meta.Completed,
		AgentsInvolved: meta.AgentsInvolved,
		FinalResponse:  meta.FinalResponse,
	}

	rawEvents, err := s.client.LRange(ctx, s.eventsKey(sid), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	for _, raw := range rawEvents {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err == nil {
			t.Events = append(t.Events, ev)
		}
	}

	rawHandoffs, err := s.client.HGetAll(ctx, s.handoffsKey(sid)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load handoffs: %w", err)
	}
	for _, raw := range rawHandoffs {
		var h Handoff
		if err := json.Unmarshal([]byte(raw), &h); err == nil {
			t.Handoffs = append(t.Handoffs, h)
		}
	}
	sort.Slice(t.Handoffs, func(i, j int) bool {
		return t.Handoffs[i].HandoffNumber < t.Handoffs[j].HandoffNumber
	})
	for _, h := range t.Handoffs {
		if h.ContextTransferred != nil {
			t.ContextEvolution = append(t.ContextEvolution, ContextSnapshot{
				HandoffNumber: h.HandoffNumber,
				Context:       h.ContextTransferred,
				Timestamp:     h.StartTime,
			})
		}
	}

	rawStages, err := s.client.LRange(ctx, s.stagesKey(sid), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load stages: %w", err)
	}
	for _, raw := range rawStages {
		var sr StageResult
		if err := json.Unmarshal([]byte(raw), &sr); err == nil {
			t.Stages = append(t.Stages, sr)
		}
	}

	return t, nil
}

// GetTrace implements Store.
func (s *RedisStore) GetTrace(ctx context.Context, sessionID string) (*Trace, error) {
	return s.buildTrace(ctx, sessionID)
}

// GetRealTime implements Store.
func (s *RedisStore) GetRealTime(ctx context.Context, sessionID string) (*Trace, error) {
	t, err := s.buildTrace(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if t.Completed {
		return nil, types.NewError(types.ErrTraceNotFound, "session is not in progress: "+sessionID).
			WithHTTPStatus(http.StatusNotFound)
	}
	return t, nil
}

// GetRecentTraces implements Store.
func (s *RedisStore) GetRecentTraces(ctx context.Context, limit int) ([]*Trace, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load trace index: %w", err)
	}
	out := make([]*Trace, 0, len(ids))
	for _, sid := range ids {
		t, err := s.buildTrace(ctx, sid)
		if err != nil {
			// Index entries may outlive expired traces.
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Metrics implements Store.
func (s *RedisStore) Metrics(ctx context.Context) (*Metrics, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load trace index: %w", err)
	}

	m := &Metrics{SessionsByStrategy: make(map[string]int64)}
	var totalDuration time.Duration
	var completed int64
	for _, sid := range ids {
		meta, err := s.loadMeta(ctx, sid)
		if err != nil {
			continue
		}
		m.TotalSessions++
		if meta.Strategy != "" {
			m.SessionsByStrategy[meta.Strategy]++
		}
		m.TotalEvents += s.client.LLen(ctx, s.eventsKey(sid)).Val()
		m.TotalHandoffs += s.client.HLen(ctx, s.handoffsKey(sid)).Val()
		if meta.Completed {
			completed++
			if meta.EndTime != nil {
				totalDuration += meta.EndTime.Sub(meta.StartTime)
			}
			if meta.Success {
				m.SucceededSessions++
			} else {
				m.FailedSessions++
			}
		} else {
			m.ActiveSessions++
		}
	}
	if completed > 0 {
		m.AvgDurationMillis = (totalDuration / time.Duration(completed)).Milliseconds()
		m.SuccessRate = float64(m.SucceededSessions) / float64(completed)
	}
	return m, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
