package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/papertrade/engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*model.User
	positions   map[string]*model.Position
	order       []string // position IDs in insertion order
	trades      []model.Trade
	resolutions map[string]*model.Resolution
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*model.User),
		positions:   make(map[string]*model.Position),
		resolutions: make(map[string]*model.Resolution),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	u.Version = 1
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return clonePosition(p), nil
}

func (s *MemoryStore) GetOpenPosition(_ context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p := s.findOpen(userID, marketID, outcome); p != nil {
		return clonePosition(p), nil
	}
	return nil, fmt.Errorf("open position %s/%s/%s: %w", userID, marketID, outcome, ErrNotFound)
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string, status model.PositionStatus) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for i := len(s.order) - 1; i >= 0; i-- {
		p := s.positions[s.order[i]]
		if p.UserID != userID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		result = append(result, *clonePosition(p))
	}
	return result, nil
}

func (s *MemoryStore) ListOpenPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, id := range s.order {
		p := s.positions[id]
		if p.UserID == userID && p.Status == model.StatusOpen {
			result = append(result, *clonePosition(p))
		}
	}
	return result, nil
}

func (s *MemoryStore) ListOpenPositionsByEvent(_ context.Context, eventID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, id := range s.order {
		p := s.positions[id]
		if p.EventID == eventID && p.Status == model.StatusOpen {
			result = append(result, *clonePosition(p))
		}
	}
	return result, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, id := range s.order {
		if p := s.positions[id]; p.Status == model.StatusOpen {
			result = append(result, *clonePosition(p))
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) CountTrades(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.trades {
		if t.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetResolution(_ context.Context, eventID string) (*model.Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resolutions[eventID]
	if !ok {
		return nil, fmt.Errorf("resolution %s: %w", eventID, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) RecordResolution(_ context.Context, res *model.Resolution) (*model.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.resolutions[res.EventID]; ok {
		copy := *existing
		return &copy, nil
	}
	copy := *res
	s.resolutions[res.EventID] = &copy
	out := copy
	return &out, nil
}

// Commit validates every version and resolution under the write lock before
// applying anything, so a rejected mutation leaves the store untouched.
func (s *MemoryStore) Commit(_ context.Context, m *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, eventID := range guardedEvents(m) {
		if _, ok := s.resolutions[eventID]; ok {
			return fmt.Errorf("event %s: %w", eventID, ErrEventResolved)
		}
	}

	if m.User != nil {
		cur, ok := s.users[m.User.ID]
		if !ok {
			return fmt.Errorf("user %s: %w", m.User.ID, ErrNotFound)
		}
		if cur.Version != m.User.Version {
			return ErrVersionConflict
		}
	}
	for _, p := range m.Positions {
		if p.Version == 0 {
			if _, exists := s.positions[p.ID]; exists {
				return ErrVersionConflict
			}
			if p.Status == model.StatusOpen && s.findOpen(p.UserID, p.MarketID, p.Outcome) != nil {
				return ErrVersionConflict
			}
			continue
		}
		cur, ok := s.positions[p.ID]
		if !ok {
			return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
		}
		if cur.Version != p.Version {
			return ErrVersionConflict
		}
	}

	bumpVersions(m, time.Now().UTC())

	if m.User != nil {
		copy := *m.User
		s.users[copy.ID] = &copy
	}
	for _, p := range m.Positions {
		if _, exists := s.positions[p.ID]; !exists {
			s.order = append(s.order, p.ID)
		}
		s.positions[p.ID] = clonePosition(p)
	}
	s.trades = append(s.trades, m.Trades...)
	return nil
}

// findOpen must be called with s.mu held.
func (s *MemoryStore) findOpen(userID, marketID string, outcome model.Outcome) *model.Position {
	for _, p := range s.positions {
		if p.UserID == userID && p.MarketID == marketID && p.Outcome == outcome && p.Status == model.StatusOpen {
			return p
		}
	}
	return nil
}

// clonePosition copies p including its pointer fields.
func clonePosition(p *model.Position) *model.Position {
	copy := *p
	if p.SettlementOutcome != nil {
		o := *p.SettlementOutcome
		copy.SettlementOutcome = &o
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		copy.ClosedAt = &t
	}
	return &copy
}
