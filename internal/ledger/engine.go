// Package ledger applies paper buys, sells and balance adjustments to user
// accounts and positions.
//
// Every operation is read → compute → store.Commit, where Commit is a
// compare-and-swap on the user's and position's versions. A lost race is
// retried from fresh reads; nothing is ever written from a stale read.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/metrics"
	"github.com/papertrade/engine/internal/model"
	"github.com/papertrade/engine/internal/store"
)

// maxCommitAttempts bounds optimistic-concurrency retries per operation.
const maxCommitAttempts = 5

var (
	// ShareEpsilon is the remaining share count below which a position is
	// treated as fully sold.
	ShareEpsilon = decimal.New(1, -6)

	// DefaultBaselineBalance is the starting and reset balance.
	DefaultBaselineBalance = decimal.NewFromInt(10000)
)

// Engine is the Ledger Engine.
type Engine struct {
	store    store.Store
	baseline decimal.Decimal
	locks    *userLocks
}

// NewEngine creates a ledger engine. A non-positive baseline falls back to
// DefaultBaselineBalance.
func NewEngine(st store.Store, baseline decimal.Decimal) *Engine {
	if !baseline.IsPositive() {
		baseline = DefaultBaselineBalance
	}
	return &Engine{
		store:    st,
		baseline: baseline,
		locks:    newUserLocks(),
	}
}

// BuyResult is the outcome of a buy.
type BuyResult struct {
	Position   *model.Position `json:"position"`
	Trade      model.Trade     `json:"trade"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// SellResult is the outcome of a sell.
type SellResult struct {
	Position    *model.Position `json:"position"`
	Trade       model.Trade     `json:"trade"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	NewBalance  decimal.Decimal `json:"new_balance"`
}

// BalanceResult is the outcome of a balance adjustment.
type BalanceResult struct {
	User            *model.User `json:"user"`
	ClosedPositions int         `json:"closed_positions"`
}

// CreateUser opens a new account at the baseline balance.
func (e *Engine) CreateUser(ctx context.Context, req CreateUserRequest) (*model.User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	u := &model.User{
		ID:             uuid.New().String(),
		Username:       req.Username,
		Balance:        e.baseline,
		PortfolioValue: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateUser(ctx, u); err != nil {
		return nil, model.Wrap(model.KindInternal, err, "create user")
	}
	slog.Info("user created", "user", u.ID, "username", u.Username, "balance", u.Balance.String())
	return u, nil
}

// Buy spends req.Amount at req.Price, merging into the open position for
// (user, market, outcome) with a dollar-weighted average price.
func (e *Engine) Buy(ctx context.Context, req BuyRequest) (*BuyResult, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, reject(err)
	}

	unlock := e.locks.lock(req.UserID)
	defer unlock()

	var result *BuyResult
	err := e.withRetry(ctx, "buy", func() error {
		if err := e.ensureUnresolved(ctx, req.Event.EventID); err != nil {
			return err
		}
		user, err := e.loadUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		if user.Balance.LessThan(req.Amount) {
			return model.Errorf(model.KindInsufficientBalance,
				"balance %s is below order amount %s", user.Balance, req.Amount)
		}

		pos, err := e.store.GetOpenPosition(ctx, req.UserID, req.MarketID, req.Outcome)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return model.Wrap(model.KindInternal, err, "load position")
		}

		now := time.Now().UTC()
		shares := req.Amount.Div(req.Price)

		if pos == nil {
			pos = &model.Position{
				ID:             uuid.New().String(),
				UserID:         req.UserID,
				MarketID:       req.MarketID,
				EventID:        req.Event.EventID,
				Outcome:        req.Outcome,
				TokenID:        req.Event.TokenID,
				Question:       req.Event.Question,
				Shares:         shares,
				AveragePrice:   req.Price,
				InvestedAmount: req.Amount,
				CurrentPrice:   req.Price,
				Status:         model.StatusOpen,
				ProfitLoss:     decimal.Zero,
				OpenedAt:       now,
				UpdatedAt:      now,
			}
		} else {
			pos.Shares = pos.Shares.Add(shares)
			pos.InvestedAmount = pos.InvestedAmount.Add(req.Amount)
			pos.AveragePrice = pos.InvestedAmount.Div(pos.Shares)
			pos.CurrentPrice = req.Price
			pos.UpdatedAt = now
			if pos.TokenID == "" {
				pos.TokenID = req.Event.TokenID
			}
		}

		user.Balance = user.Balance.Sub(req.Amount)
		user.PortfolioValue = user.PortfolioValue.Add(req.Amount)

		trade := model.Trade{
			ID:         uuid.New().String(),
			UserID:     req.UserID,
			PositionID: pos.ID,
			MarketID:   req.MarketID,
			EventID:    pos.EventID,
			Outcome:    req.Outcome,
			Type:       model.TradeBuy,
			Shares:     shares,
			Price:      req.Price,
			Total:      req.Amount,
			CreatedAt:  now,
		}

		if err := e.commit(ctx, &store.Mutation{
			User:      user,
			Positions: []*model.Position{pos},
			Trades:    []model.Trade{trade},
		}); err != nil {
			return err
		}

		result = &BuyResult{Position: pos, Trade: trade, NewBalance: user.Balance}
		return nil
	})
	if err != nil {
		return nil, reject(err)
	}

	metrics.TradesTotal.WithLabelValues(string(model.TradeBuy)).Inc()
	metrics.TradeLatency.WithLabelValues(string(model.TradeBuy)).Observe(time.Since(start).Seconds())
	slog.Info("buy applied",
		"trade_id", result.Trade.ID,
		"user", req.UserID,
		"market", req.MarketID,
		"outcome", req.Outcome,
		"amount", req.Amount.String(),
		"price", req.Price.String(),
		"shares", result.Trade.Shares.String(),
		"avg_price", result.Position.AveragePrice.String(),
	)
	return result, nil
}

// Sell sells up to req.Shares of the open position at req.Price. Requests
// above the held amount are clamped.
func (e *Engine) Sell(ctx context.Context, req SellRequest) (*SellResult, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, reject(err)
	}

	unlock := e.locks.lock(req.UserID)
	defer unlock()

	var result *SellResult
	err := e.withRetry(ctx, "sell", func() error {
		pos, err := e.store.GetOpenPosition(ctx, req.UserID, req.MarketID, req.Outcome)
		if errors.Is(err, store.ErrNotFound) {
			return model.Errorf(model.KindNoOpenPosition,
				"no open %s position on market %s", req.Outcome, req.MarketID)
		}
		if err != nil {
			return model.Wrap(model.KindInternal, err, "load position")
		}
		// Once the event resolves, only settlement may close the position.
		if err := e.ensureUnresolved(ctx, pos.EventID); err != nil {
			return err
		}
		user, err := e.loadUser(ctx, req.UserID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		sold := decimal.Min(req.Shares, pos.Shares)
		costBasis := sold.Mul(pos.AveragePrice)
		saleValue := sold.Mul(req.Price)
		realized := saleValue.Sub(costBasis)

		pos.Shares = pos.Shares.Sub(sold)
		pos.InvestedAmount = pos.InvestedAmount.Sub(costBasis)
		pos.ProfitLoss = pos.ProfitLoss.Add(realized)
		pos.CurrentPrice = req.Price
		pos.UpdatedAt = now
		if pos.Shares.LessThan(ShareEpsilon) {
			pos.Shares = decimal.Zero
			pos.InvestedAmount = decimal.Zero
			pos.Status = model.StatusClosed
			pos.ClosedAt = &now
		}

		user.Balance = user.Balance.Add(saleValue)
		user.PortfolioValue = decimal.Max(decimal.Zero, user.PortfolioValue.Sub(costBasis))

		trade := model.Trade{
			ID:         uuid.New().String(),
			UserID:     req.UserID,
			PositionID: pos.ID,
			MarketID:   req.MarketID,
			EventID:    pos.EventID,
			Outcome:    req.Outcome,
			Type:       model.TradeSell,
			Shares:     sold,
			Price:      req.Price,
			Total:      saleValue,
			CreatedAt:  now,
		}

		if err := e.commit(ctx, &store.Mutation{
			User:      user,
			Positions: []*model.Position{pos},
			Trades:    []model.Trade{trade},
		}); err != nil {
			return err
		}

		result = &SellResult{Position: pos, Trade: trade, RealizedPnL: realized, NewBalance: user.Balance}
		return nil
	})
	if err != nil {
		return nil, reject(err)
	}

	metrics.TradesTotal.WithLabelValues(string(model.TradeSell)).Inc()
	metrics.TradeLatency.WithLabelValues(string(model.TradeSell)).Observe(time.Since(start).Seconds())
	slog.Info("sell applied",
		"trade_id", result.Trade.ID,
		"user", req.UserID,
		"market", req.MarketID,
		"outcome", req.Outcome,
		"shares", result.Trade.Shares.String(),
		"price", req.Price.String(),
		"realized_pnl", result.RealizedPnL.String(),
		"status", result.Position.Status,
	)
	return result, nil
}

// AdjustBalance deposits, withdraws, or resets an account. Reset restores the
// baseline balance and force-closes every open position without cash
// movement.
func (e *Engine) AdjustBalance(ctx context.Context, req BalanceRequest) (*BalanceResult, error) {
	if err := req.Validate(); err != nil {
		return nil, reject(err)
	}

	unlock := e.locks.lock(req.UserID)
	defer unlock()

	var result *BalanceResult
	err := e.withRetry(ctx, "balance", func() error {
		user, err := e.loadUser(ctx, req.UserID)
		if err != nil {
			return err
		}

		m := &store.Mutation{User: user}
		switch req.Action {
		case ActionDeposit:
			user.Balance = user.Balance.Add(req.Amount)
		case ActionWithdraw:
			if user.Balance.LessThan(req.Amount) {
				return model.Errorf(model.KindInsufficientBalance,
					"balance %s is below withdrawal %s", user.Balance, req.Amount)
			}
			user.Balance = user.Balance.Sub(req.Amount)
		case ActionReset:
			open, err := e.store.ListOpenPositionsByUser(ctx, req.UserID)
			if err != nil {
				return model.Wrap(model.KindInternal, err, "list open positions")
			}
			now := time.Now().UTC()
			for i := range open {
				p := &open[i]
				p.Status = model.StatusClosed
				p.ClosedAt = &now
				p.UpdatedAt = now
				m.Positions = append(m.Positions, p)
			}
			user.Balance = e.baseline
			user.PortfolioValue = decimal.Zero
		}

		if err := e.commit(ctx, m); err != nil {
			return err
		}
		result = &BalanceResult{User: user, ClosedPositions: len(m.Positions)}
		return nil
	})
	if err != nil {
		return nil, reject(err)
	}

	slog.Info("balance adjusted",
		"user", req.UserID,
		"action", req.Action,
		"amount", req.Amount.String(),
		"balance", result.User.Balance.String(),
		"closed_positions", result.ClosedPositions,
	)
	return result, nil
}

// withRetry runs fn until it commits, fails with something other than a
// version conflict, or runs out of attempts.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.Wrap(model.KindInternal, err, op+" cancelled")
		}
		err := fn()
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		metrics.VersionConflicts.WithLabelValues(op).Inc()
		slog.Debug("version conflict, retrying", "op", op, "attempt", attempt)
	}
	return model.Errorf(model.KindConflict, "%s: gave up after %d conflicting attempts", op, maxCommitAttempts)
}

func (e *Engine) loadUser(ctx context.Context, id string) (*model.User, error) {
	u, err := e.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.Errorf(model.KindNotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "load user")
	}
	return u, nil
}

// commit applies m, reporting a trade that lost the race to a resolution as
// invalid input.
func (e *Engine) commit(ctx context.Context, m *store.Mutation) error {
	err := e.store.Commit(ctx, m)
	if errors.Is(err, store.ErrEventResolved) {
		return model.Wrap(model.KindInvalidInput, err, "event already resolved")
	}
	return err
}

// ensureUnresolved refuses trading on an event that has already resolved.
func (e *Engine) ensureUnresolved(ctx context.Context, eventID string) error {
	res, err := e.store.GetResolution(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return model.Wrap(model.KindInternal, err, "check resolution")
	}
	return model.Errorf(model.KindInvalidInput,
		"event %s already resolved %s", eventID, res.WinningOutcome)
}

// reject classifies err and counts it. Unclassified errors become internal.
func reject(err error) error {
	var me *model.Error
	if !errors.As(err, &me) {
		err = model.Wrap(model.KindInternal, err, "ledger")
	}
	metrics.TradeRejections.WithLabelValues(string(model.KindOf(err))).Inc()
	return err
}
