// Package quote supplies order books for outcome tokens. The engine only
// reads books; a failed fetch is treated as an empty book.
package quote

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Level is one price level of a book.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Book is a snapshot of one token's order book.
type Book struct {
	TokenID string  `json:"token_id"`
	Bids    []Level `json:"bids"`
	Asks    []Level `json:"asks"`
}

// Empty reports whether the book has no levels on either side.
func (b *Book) Empty() bool {
	return b == nil || (len(b.Bids) == 0 && len(b.Asks) == 0)
}

// BestBid returns the highest bid price. Levels are not assumed sorted.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	if b == nil || len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	best := b.Bids[0].Price
	for _, l := range b.Bids[1:] {
		if l.Price.GreaterThan(best) {
			best = l.Price
		}
	}
	return best, true
}

// BestAsk returns the lowest ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	if b == nil || len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	best := b.Asks[0].Price
	for _, l := range b.Asks[1:] {
		if l.Price.LessThan(best) {
			best = l.Price
		}
	}
	return best, true
}

// Mid returns the midpoint of the best bid and ask, or whichever side exists.
func (b *Book) Mid() (decimal.Decimal, bool) {
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	switch {
	case hasBid && hasAsk:
		return bid.Add(ask).Div(decimal.NewFromInt(2)), true
	case hasBid:
		return bid, true
	case hasAsk:
		return ask, true
	}
	return decimal.Zero, false
}

// Source fetches the current book for a token.
type Source interface {
	Book(ctx context.Context, tokenID string) (*Book, error)
}

// StaticSource serves books from memory. Used in tests and offline mode.
type StaticSource struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{books: make(map[string]*Book)}
}

// Set replaces the book for a token.
func (s *StaticSource) Set(b *Book) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[b.TokenID] = b
}

func (s *StaticSource) Book(_ context.Context, tokenID string) (*Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[tokenID]
	if !ok {
		return nil, fmt.Errorf("quote: no book for token %s", tokenID)
	}
	copy := *b
	return &copy, nil
}
