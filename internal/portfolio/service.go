// Package portfolio provides read views over a user's positions and a
// scheduled job that marks open positions to live books.
package portfolio

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/model"
	"github.com/papertrade/engine/internal/store"
)

// Service answers portfolio queries.
type Service struct {
	store store.Store
}

// NewService creates a portfolio service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// User returns the account for id.
func (s *Service) User(ctx context.Context, id string) (*model.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.Errorf(model.KindNotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "load user")
	}
	return u, nil
}

// Positions lists a user's positions, newest first, optionally filtered by a
// status string (open, closed, settled, all).
func (s *Service) Positions(ctx context.Context, userID, status string) ([]model.Position, error) {
	st, err := model.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	if _, err := s.User(ctx, userID); err != nil {
		return nil, err
	}
	ps, err := s.store.ListPositions(ctx, userID, st)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "list positions")
	}
	if ps == nil {
		ps = []model.Position{}
	}
	return ps, nil
}

// OpenPosition returns the open position for (user, market, outcome).
func (s *Service) OpenPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	p, err := s.store.GetOpenPosition(ctx, userID, marketID, outcome)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.Errorf(model.KindNoOpenPosition,
			"no open %s position on market %s", outcome, marketID)
	}
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "load position")
	}
	return p, nil
}

// Trades returns a user's trade history, oldest first.
func (s *Service) Trades(ctx context.Context, userID string) ([]model.Trade, error) {
	if _, err := s.User(ctx, userID); err != nil {
		return nil, err
	}
	ts, err := s.store.ListTrades(ctx, userID)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "list trades")
	}
	if ts == nil {
		ts = []model.Trade{}
	}
	return ts, nil
}

// Summary aggregates balance, open exposure and P&L for a user.
func (s *Service) Summary(ctx context.Context, userID string) (*model.ProfileSummary, error) {
	u, err := s.User(ctx, userID)
	if err != nil {
		return nil, err
	}
	ps, err := s.store.ListPositions(ctx, userID, "")
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "list positions")
	}
	n, err := s.store.CountTrades(ctx, userID)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "count trades")
	}

	sum := &model.ProfileSummary{
		UserID:          u.ID,
		Balance:         u.Balance,
		PortfolioValue:  u.PortfolioValue,
		OpenMarketValue: decimal.Zero,
		UnrealizedPnL:   decimal.Zero,
		RealizedPnL:     decimal.Zero,
		TradeCount:      n,
	}
	for i := range ps {
		p := &ps[i]
		sum.RealizedPnL = sum.RealizedPnL.Add(p.ProfitLoss)
		switch p.Status {
		case model.StatusOpen:
			sum.OpenPositions++
			sum.OpenMarketValue = sum.OpenMarketValue.Add(p.MarketValue())
			sum.UnrealizedPnL = sum.UnrealizedPnL.Add(p.UnrealizedPnL())
		case model.StatusClosed:
			sum.ClosedPositions++
		case model.StatusSettled:
			sum.SettledPositions++
			if p.SettlementOutcome != nil && *p.SettlementOutcome == p.Outcome {
				sum.WinningPositions++
			}
		}
	}
	sum.Equity = u.Balance.Add(sum.OpenMarketValue)
	sum.TotalPnL = sum.RealizedPnL.Add(sum.UnrealizedPnL)
	return sum, nil
}
