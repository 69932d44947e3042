// Package model defines the core domain types shared across the paper-trading
// engine. All monetary values and share counts use shopspring/decimal, never
// float64.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "Yes"
	OutcomeNo  Outcome = "No"
)

// ParseOutcome accepts "yes"/"no" in any case.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return OutcomeYes, nil
	case "no":
		return OutcomeNo, nil
	}
	return "", Errorf(KindInvalidInput, "outcome must be Yes or No, got %q", s)
}

// PositionStatus is the lifecycle state of a position. Both closed and
// settled are terminal.
type PositionStatus string

const (
	StatusOpen    PositionStatus = "open"
	StatusClosed  PositionStatus = "closed"
	StatusSettled PositionStatus = "settled"
)

// ParseStatus maps a filter string to a status. "" and "all" return "".
func ParseStatus(s string) (PositionStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return "", nil
	case "open":
		return StatusOpen, nil
	case "closed":
		return StatusClosed, nil
	case "settled":
		return StatusSettled, nil
	}
	return "", Errorf(KindInvalidInput, "unknown position status %q", s)
}

// TradeType is the direction of a fill.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// User is a paper-trading account. Balance is authoritative; PortfolioValue is
// a running total of cost basis held in open positions.
type User struct {
	ID             string          `json:"id"`
	Username       string          `json:"username"`
	Balance        decimal.Decimal `json:"balance"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EventMeta describes the external market a buy refers to.
type EventMeta struct {
	EventID         string     `json:"event_id"`
	Question        string     `json:"question,omitempty"`
	Slug            string     `json:"slug,omitempty"`
	TokenID         string     `json:"token_id,omitempty"`          // book of the bought outcome
	OpposingTokenID string     `json:"opposing_token_id,omitempty"` // book of the other outcome
	EndDate         *time.Time `json:"end_date,omitempty"`
}

// Position is a user's holding in one outcome of one market.
// InvestedAmount is maintained incrementally, not recomputed from
// Shares*AveragePrice.
type Position struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	MarketID          string          `json:"market_id"`
	EventID           string          `json:"event_id"`
	Outcome           Outcome         `json:"outcome"`
	TokenID           string          `json:"token_id,omitempty"`
	Question          string          `json:"question,omitempty"`
	Shares            decimal.Decimal `json:"shares"`
	AveragePrice      decimal.Decimal `json:"average_price"`
	InvestedAmount    decimal.Decimal `json:"invested_amount"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	Status            PositionStatus  `json:"status"`
	ProfitLoss        decimal.Decimal `json:"profit_loss"`
	SettlementOutcome *Outcome        `json:"settlement_outcome,omitempty"`
	Version           int64           `json:"version"`
	OpenedAt          time.Time       `json:"opened_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
}

// MarketValue is shares marked at the current price.
func (p *Position) MarketValue() decimal.Decimal {
	return p.Shares.Mul(p.CurrentPrice)
}

// UnrealizedPnL is zero for anything but open positions.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	if p.Status != StatusOpen {
		return decimal.Zero
	}
	return p.MarketValue().Sub(p.InvestedAmount)
}

// Trade is an immutable record of one fill. Settlement emits sell trades with
// Settlement set.
type Trade struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	PositionID string          `json:"position_id"`
	MarketID   string          `json:"market_id"`
	EventID    string          `json:"event_id"`
	Outcome    Outcome         `json:"outcome"`
	Type       TradeType       `json:"type"`
	Shares     decimal.Decimal `json:"shares"`
	Price      decimal.Decimal `json:"price"`
	Total      decimal.Decimal `json:"total"`
	Settlement bool            `json:"settlement"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Resolution records the winning outcome of a settled event.
type Resolution struct {
	EventID        string    `json:"event_id"`
	WinningOutcome Outcome   `json:"winning_outcome"`
	ResolvedAt     time.Time `json:"resolved_at"`
}

// ProfileSummary aggregates a user's account into equity and P&L figures.
type ProfileSummary struct {
	UserID           string          `json:"user_id"`
	Balance          decimal.Decimal `json:"balance"`
	PortfolioValue   decimal.Decimal `json:"portfolio_value"`
	OpenMarketValue  decimal.Decimal `json:"open_market_value"`
	Equity           decimal.Decimal `json:"equity"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	OpenPositions    int             `json:"open_positions"`
	ClosedPositions  int             `json:"closed_positions"`
	SettledPositions int             `json:"settled_positions"`
	WinningPositions int             `json:"winning_positions"`
	TradeCount       int             `json:"trade_count"`
}
