package portfolio

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/metrics"
	"github.com/papertrade/engine/internal/model"
	"github.com/papertrade/engine/internal/quote"
	"github.com/papertrade/engine/internal/store"
)

// DefaultMarkSchedule runs the mark refresher once a minute.
const DefaultMarkSchedule = "@every 1m"

// Marker re-prices open positions from live order books. The mark is the
// best bid, which is what the position could be sold at now; books without
// bids fall back to the mid. Only CurrentPrice changes, so balances and cost
// basis are never touched.
type Marker struct {
	store   store.Store
	quotes  quote.Source
	timeout time.Duration
	cron    *cron.Cron
}

// NewMarker creates a marker. timeout bounds each book fetch.
func NewMarker(st store.Store, src quote.Source, timeout time.Duration) *Marker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Marker{store: st, quotes: src, timeout: timeout}
}

// Start schedules MarkAll on spec (standard cron or @every syntax).
func (m *Marker) Start(spec string) error {
	if spec == "" {
		spec = DefaultMarkSchedule
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := m.MarkAll(ctx); err != nil {
			slog.Error("mark refresh failed", "err", err)
		}
	}); err != nil {
		return err
	}
	m.cron = c
	c.Start()
	slog.Info("mark refresher started", "schedule", spec)
	return nil
}

// Stop halts the schedule and waits for a running refresh to finish.
func (m *Marker) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

// MarkAll re-marks every open position that carries a token ID and returns
// how many were updated. Books are fetched once per token.
func (m *Marker) MarkAll(ctx context.Context) (int, error) {
	open, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return 0, err
	}

	marks := make(map[string]decimal.Decimal)
	updated := 0
	for i := range open {
		p := &open[i]
		if p.TokenID == "" {
			continue
		}
		mark, ok := marks[p.TokenID]
		if !ok {
			mark, ok = m.mark(ctx, p.TokenID)
			if !ok {
				continue
			}
			marks[p.TokenID] = mark
		}
		if p.CurrentPrice.Equal(mark) {
			continue
		}

		p.CurrentPrice = mark
		p.UpdatedAt = time.Now().UTC()
		err := m.store.Commit(ctx, &store.Mutation{Positions: []*model.Position{p}})
		if errors.Is(err, store.ErrVersionConflict) {
			// A trade or settlement got there first; it carries a fresher price.
			continue
		}
		if errors.Is(err, store.ErrEventResolved) {
			// Settlement will price it at 1 or 0.
			continue
		}
		if err != nil {
			return updated, err
		}
		updated++
		metrics.MarksUpdated.Inc()
	}

	slog.Debug("marks refreshed", "open", len(open), "updated", updated)
	return updated, nil
}

// mark returns the liquidation price for tokenID, or false when the book is
// unavailable or empty.
func (m *Marker) mark(ctx context.Context, tokenID string) (decimal.Decimal, bool) {
	fctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	book, err := m.quotes.Book(fctx, tokenID)
	if err != nil {
		metrics.QuoteFetchFailures.WithLabelValues("mark").Inc()
		slog.Warn("mark fetch failed", "token", tokenID, "err", err)
		return decimal.Zero, false
	}
	if bid, ok := book.BestBid(); ok {
		return bid, true
	}
	return book.Mid()
}
