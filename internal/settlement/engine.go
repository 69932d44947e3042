// Package settlement closes every open position on a resolved event, paying
// winners 1 per share and losers nothing.
//
// Each position settles in its own commit, so one bad row never blocks the
// rest of the batch. Re-running a settlement is safe: positions that are no
// longer open are skipped.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/metrics"
	"github.com/papertrade/engine/internal/model"
	"github.com/papertrade/engine/internal/store"
	"github.com/papertrade/engine/internal/stream"
)

const maxCommitAttempts = 5

// PnLMode controls how settlement P&L combines with P&L already realized by
// earlier partial sells.
type PnLMode string

const (
	// PnLAccumulate adds settlement P&L to prior realized P&L.
	PnLAccumulate PnLMode = "accumulate"
	// PnLOverwrite replaces the position's P&L with the settlement P&L.
	PnLOverwrite PnLMode = "overwrite"
)

// ParsePnLMode maps a config string to a mode. Empty means accumulate.
func ParsePnLMode(s string) (PnLMode, error) {
	switch PnLMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", PnLAccumulate:
		return PnLAccumulate, nil
	case PnLOverwrite:
		return PnLOverwrite, nil
	}
	return "", fmt.Errorf("unknown settlement pnl mode %q", s)
}

// Item statuses.
const (
	ItemOK      = "ok"
	ItemAnomaly = "anomaly"
	ItemFailed  = "failed"
)

// Item is the settlement outcome of one position.
type Item struct {
	PositionID      string          `json:"position_id"`
	UserID          string          `json:"user_id"`
	Outcome         model.Outcome   `json:"outcome"`
	Shares          decimal.Decimal `json:"shares"`
	SettlementValue decimal.Decimal `json:"settlement_value"`
	ProfitLoss      decimal.Decimal `json:"profit_loss"`
	Status          string          `json:"status"`
	Kind            model.Kind      `json:"kind,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Report summarizes one SettleMarket call.
type Report struct {
	EventID        string        `json:"event_id"`
	WinningOutcome model.Outcome `json:"winning_outcome"`
	SettledCount   int           `json:"settled_count"`
	AnomalyCount   int           `json:"anomaly_count"`
	FailedCount    int           `json:"failed_count"`
	Settlements    []Item        `json:"settlements"`
}

// Engine is the Settlement Engine.
type Engine struct {
	store store.Store
	mode  PnLMode
	hub   *stream.Hub
}

// NewEngine creates a settlement engine. hub may be nil.
func NewEngine(st store.Store, mode PnLMode, hub *stream.Hub) *Engine {
	if mode == "" {
		mode = PnLAccumulate
	}
	return &Engine{store: st, mode: mode, hub: hub}
}

// errSkip marks a position that stopped being open before it could settle.
var errSkip = errors.New("position no longer open")

// SettleMarket settles every open position on eventID against the winning
// outcome. A second call for the same event and winner settles nothing. A
// call naming a different winner than the recorded one is rejected.
func (e *Engine) SettleMarket(ctx context.Context, eventID string, winning model.Outcome) (*Report, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, model.Errorf(model.KindInvalidInput, "event_id is required")
	}
	winning, err := model.ParseOutcome(string(winning))
	if err != nil {
		return nil, err
	}

	res, err := e.store.RecordResolution(ctx, &model.Resolution{
		EventID:        eventID,
		WinningOutcome: winning,
		ResolvedAt:     time.Now().UTC(),
	})
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "record resolution")
	}
	if res.WinningOutcome != winning {
		return nil, model.Errorf(model.KindInvalidInput,
			"event %s already resolved %s", eventID, res.WinningOutcome)
	}

	open, err := e.store.ListOpenPositionsByEvent(ctx, eventID)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "list open positions")
	}

	report := &Report{EventID: eventID, WinningOutcome: winning, Settlements: []Item{}}
	for _, p := range open {
		item, err := e.settleOne(ctx, p.ID, winning)
		if errors.Is(err, errSkip) {
			continue
		}
		switch item.Status {
		case ItemOK:
			report.SettledCount++
		case ItemAnomaly:
			report.SettledCount++
			report.AnomalyCount++
		case ItemFailed:
			report.FailedCount++
		}
		metrics.SettlementsTotal.WithLabelValues(item.Status).Inc()
		report.Settlements = append(report.Settlements, item)
	}

	slog.Info("market settled",
		"event", eventID,
		"winner", winning,
		"settled", report.SettledCount,
		"anomalies", report.AnomalyCount,
		"failed", report.FailedCount,
	)
	e.hub.Broadcast(stream.WSMessage{
		Type:    stream.TypeMarketSettled,
		EventID: eventID,
		Data:    report,
	})
	return report, nil
}

// settleOne settles a single position, retrying on version conflicts with
// fresh reads. It returns errSkip when the position is no longer open.
func (e *Engine) settleOne(ctx context.Context, positionID string, winning model.Outcome) (Item, error) {
	var item Item
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		pos, err := e.store.GetPosition(ctx, positionID)
		if err != nil {
			return failed(Item{PositionID: positionID}, model.Wrap(model.KindInternal, err, "load position")), nil
		}
		if pos.Status != model.StatusOpen {
			return Item{}, errSkip
		}
		item = Item{
			PositionID: pos.ID,
			UserID:     pos.UserID,
			Outcome:    pos.Outcome,
			Shares:     pos.Shares,
		}

		user, err := e.store.GetUser(ctx, pos.UserID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return failed(item, model.Wrap(model.KindInternal, err, "load user")), nil
		}

		now := time.Now().UTC()
		isWinner := pos.Outcome == winning
		value, price := decimal.Zero, decimal.Zero
		if isWinner {
			value, price = pos.Shares, decimal.NewFromInt(1)
		}
		pnl := value.Sub(pos.InvestedAmount)
		invested := pos.InvestedAmount

		outcome := winning
		pos.Status = model.StatusSettled
		pos.SettlementOutcome = &outcome
		pos.CurrentPrice = price
		pos.ClosedAt = &now
		pos.UpdatedAt = now
		if e.mode == PnLOverwrite {
			pos.ProfitLoss = pnl
		} else {
			pos.ProfitLoss = pos.ProfitLoss.Add(pnl)
		}

		trade := model.Trade{
			ID:         uuid.New().String(),
			UserID:     pos.UserID,
			PositionID: pos.ID,
			MarketID:   pos.MarketID,
			EventID:    pos.EventID,
			Outcome:    pos.Outcome,
			Type:       model.TradeSell,
			Shares:     pos.Shares,
			Price:      price,
			Total:      value,
			Settlement: true,
			CreatedAt:  now,
		}

		m := &store.Mutation{Positions: []*model.Position{pos}, Trades: []model.Trade{trade}}
		if user != nil {
			user.Balance = user.Balance.Add(value)
			user.PortfolioValue = decimal.Max(decimal.Zero, user.PortfolioValue.Sub(invested))
			user.UpdatedAt = now
			m.User = user
		}

		err = e.store.Commit(ctx, m)
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.VersionConflicts.WithLabelValues("settle").Inc()
			continue
		}
		if err != nil {
			return failed(item, model.Wrap(model.KindInternal, err, "commit settlement")), nil
		}

		item.SettlementValue = value
		item.ProfitLoss = pnl
		item.Status = ItemOK
		if user == nil {
			item.Status = ItemAnomaly
			item.Kind = model.KindPartialAnomaly
			item.Error = fmt.Sprintf("user %s not found; position settled without credit", pos.UserID)
			metrics.SettlementAnomalies.Inc()
			slog.Error("settlement anomaly: user missing",
				"event", pos.EventID,
				"position", pos.ID,
				"user", pos.UserID,
				"uncredited", value.String(),
			)
		}
		return item, nil
	}
	return failed(item, model.Errorf(model.KindConflict,
		"gave up after %d conflicting attempts", maxCommitAttempts)), nil
}

func failed(item Item, err error) Item {
	item.Status = ItemFailed
	item.Kind = model.KindOf(err)
	item.Error = err.Error()
	slog.Error("settlement failed", "position", item.PositionID, "user", item.UserID, "err", err)
	return item
}
