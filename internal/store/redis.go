package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// read-heavy portfolio queries. Commit goes to the primary and invalidates
// the affected user's keys. Reads that return versioned records for a
// subsequent Commit (GetUser, GetOpenPosition) always hit the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) Commit(ctx context.Context, m *Mutation) error {
	if err := s.primary.Commit(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, affectedUsers(m))
	return nil
}

func (s *CachedStore) RecordResolution(ctx context.Context, res *model.Resolution) (*model.Resolution, error) {
	out, err := s.primary.RecordResolution(ctx, res)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, resolutionKey(out.EventID), out)
	return out, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListPositions(ctx context.Context, userID string, status model.PositionStatus) ([]model.Position, error) {
	key := positionsKey(userID, status)
	var positions []model.Position
	if s.readJSON(ctx, key, &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositions(ctx, userID, status)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, key, positions)
	return positions, nil
}

func (s *CachedStore) CountTrades(ctx context.Context, userID string) (int, error) {
	if v, err := s.rdb.Get(ctx, tradeCountKey(userID)).Result(); err == nil {
		if n, err := strconv.Atoi(v); err == nil {
			return n, nil
		}
	}

	n, err := s.primary.CountTrades(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, tradeCountKey(userID), n, s.ttl)
	return n, nil
}

// GetResolution caches hits only; a resolution never changes once recorded.
func (s *CachedStore) GetResolution(ctx context.Context, eventID string) (*model.Resolution, error) {
	var r model.Resolution
	if s.readJSON(ctx, resolutionKey(eventID), &r) {
		return &r, nil
	}

	out, err := s.primary.GetResolution(ctx, eventID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, resolutionKey(eventID), out)
	return out, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) GetOpenPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	return s.primary.GetOpenPosition(ctx, userID, marketID, outcome)
}

func (s *CachedStore) ListOpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListOpenPositionsByUser(ctx, userID)
}

func (s *CachedStore) ListOpenPositionsByEvent(ctx context.Context, eventID string) ([]model.Position, error) {
	return s.primary.ListOpenPositionsByEvent(ctx, eventID)
}

func (s *CachedStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListOpenPositions(ctx)
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) readJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, userIDs []string) {
	var keys []string
	for _, uid := range userIDs {
		keys = append(keys, tradeCountKey(uid))
		for _, st := range []model.PositionStatus{"", model.StatusOpen, model.StatusClosed, model.StatusSettled} {
			keys = append(keys, positionsKey(uid, st))
		}
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
}

// affectedUsers lists every user whose cached views a mutation touches.
func affectedUsers(m *Mutation) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if m.User != nil {
		add(m.User.ID)
	}
	for _, p := range m.Positions {
		add(p.UserID)
	}
	for _, t := range m.Trades {
		add(t.UserID)
	}
	return out
}

func positionsKey(uid string, status model.PositionStatus) string {
	if status == "" {
		status = "all"
	}
	return fmt.Sprintf("positions:%s:%s", uid, status)
}

func tradeCountKey(uid string) string    { return fmt.Sprintf("trades:count:%s", uid) }
func resolutionKey(eventID string) string { return fmt.Sprintf("resolution:%s", eventID) }
