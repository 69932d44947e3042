// Package store defines the persistence interface for the paper-trading
// engine. Implementations include PostgreSQL, SQLite (single node), Redis
// (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/papertrade/engine/internal/model"
)

var (
	// ErrNotFound is returned by point lookups that match nothing.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by Commit when a record changed since it
	// was read, or when an insert would create a second open position for the
	// same (user, market, outcome). Nothing is written.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrEventResolved is returned by Commit when the mutation would leave an
	// open position, or record a non-settlement trade, on a resolved event.
	// Nothing is written.
	ErrEventResolved = errors.New("store: event resolved")
)

// Mutation is one atomic unit of writes.
//
// User and positions are compare-and-swapped on Version: a record read at
// version N is written only if the stored version is still N, and leaves the
// store at N+1. Positions with Version 0 are inserted. On success Commit bumps
// the Version fields of the passed records so they can be reused.
//
// The resolution check runs inside the same atomic unit, so a trade can never
// land on an event after RecordResolution has returned for it.
type Mutation struct {
	User      *model.User
	Positions []*model.Position
	Trades    []model.Trade
}

// Store is the Account Store.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user at version 1.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Positions ---

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// GetOpenPosition returns the single open position for the key.
	GetOpenPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error)

	// ListPositions returns a user's positions, newest first. An empty status
	// returns every position.
	ListPositions(ctx context.Context, userID string, status model.PositionStatus) ([]model.Position, error)

	// ListOpenPositionsByUser returns a user's open positions from the
	// primary store, never from a cache.
	ListOpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// ListOpenPositionsByEvent returns every open position on an event.
	ListOpenPositionsByEvent(ctx context.Context, eventID string) ([]model.Position, error)

	// ListOpenPositions returns every open position across all users.
	ListOpenPositions(ctx context.Context) ([]model.Position, error)

	// --- Trade log ---

	// ListTrades returns a user's trades, oldest first.
	ListTrades(ctx context.Context, userID string) ([]model.Trade, error)

	// CountTrades returns the number of trades a user has made.
	CountTrades(ctx context.Context, userID string) (int, error)

	// --- Resolutions ---

	// GetResolution returns the recorded resolution of an event.
	GetResolution(ctx context.Context, eventID string) (*model.Resolution, error)

	// RecordResolution stores res unless the event is already resolved, and
	// returns whichever resolution is stored afterwards.
	RecordResolution(ctx context.Context, res *model.Resolution) (*model.Resolution, error)

	// --- Writes ---

	// Commit applies m atomically.
	Commit(ctx context.Context, m *Mutation) error
}

// bumpVersions advances the versions of a committed mutation's records and
// stamps the user with the commit time.
func bumpVersions(m *Mutation, now time.Time) {
	if m.User != nil {
		m.User.Version++
		m.User.UpdatedAt = now
	}
	for _, p := range m.Positions {
		p.Version++
	}
}

// guardedEvents returns the sorted, distinct events m trades on: events of
// positions it leaves open and of its non-settlement trades. Commit refuses
// the mutation if any of them is resolved.
func guardedEvents(m *Mutation) []string {
	seen := make(map[string]struct{})
	for _, p := range m.Positions {
		if p.Status == model.StatusOpen {
			seen[p.EventID] = struct{}{}
		}
	}
	for _, t := range m.Trades {
		if !t.Settlement {
			seen[t.EventID] = struct{}{}
		}
	}
	events := make([]string, 0, len(seen))
	for id := range seen {
		events = append(events, id)
	}
	sort.Strings(events)
	return events
}
