package ledger

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/model"
)

var one = decimal.NewFromInt(1)

// BuyRequest is a validated buy intent.
type BuyRequest struct {
	UserID   string          `json:"user_id"`
	MarketID string          `json:"market_id"`
	Outcome  model.Outcome   `json:"outcome"`
	Amount   decimal.Decimal `json:"amount"` // notional in dollars
	Price    decimal.Decimal `json:"price"`  // fill price per share
	Event    model.EventMeta `json:"event"`
}

// Validate checks every field and normalizes Outcome and Event.EventID.
func (r *BuyRequest) Validate() error {
	if err := validateKey(&r.UserID, &r.MarketID, &r.Outcome); err != nil {
		return err
	}
	if !r.Amount.IsPositive() {
		return model.Errorf(model.KindInvalidInput, "amount must be positive")
	}
	if err := validatePrice(r.Price); err != nil {
		return err
	}
	r.Event.EventID = strings.TrimSpace(r.Event.EventID)
	if r.Event.EventID == "" {
		r.Event.EventID = r.MarketID
	}
	return nil
}

// SellRequest is a validated sell intent. Shares above the held amount are
// clamped, not rejected.
type SellRequest struct {
	UserID   string          `json:"user_id"`
	MarketID string          `json:"market_id"`
	Outcome  model.Outcome   `json:"outcome"`
	Shares   decimal.Decimal `json:"shares"`
	Price    decimal.Decimal `json:"price"`
}

// Validate checks every field and normalizes Outcome.
func (r *SellRequest) Validate() error {
	if err := validateKey(&r.UserID, &r.MarketID, &r.Outcome); err != nil {
		return err
	}
	if !r.Shares.IsPositive() {
		return model.Errorf(model.KindInvalidInput, "shares must be positive")
	}
	return validatePrice(r.Price)
}

// BalanceAction is an account-level cash adjustment.
type BalanceAction string

const (
	ActionDeposit  BalanceAction = "deposit"
	ActionWithdraw BalanceAction = "withdraw"
	ActionReset    BalanceAction = "reset"
)

// BalanceRequest is a validated adjustBalance intent. Amount is ignored for
// reset.
type BalanceRequest struct {
	UserID string          `json:"user_id"`
	Action BalanceAction   `json:"action"`
	Amount decimal.Decimal `json:"amount"`
}

// Validate checks every field.
func (r *BalanceRequest) Validate() error {
	r.UserID = strings.TrimSpace(r.UserID)
	if r.UserID == "" {
		return model.Errorf(model.KindInvalidInput, "user_id is required")
	}
	r.Action = BalanceAction(strings.ToLower(strings.TrimSpace(string(r.Action))))
	switch r.Action {
	case ActionDeposit, ActionWithdraw:
		if !r.Amount.IsPositive() {
			return model.Errorf(model.KindInvalidInput, "amount must be positive for %s", r.Action)
		}
	case ActionReset:
	default:
		return model.Errorf(model.KindInvalidInput, "action must be deposit, withdraw or reset")
	}
	return nil
}

// CreateUserRequest is a signup.
type CreateUserRequest struct {
	Username string `json:"username"`
}

// Validate checks the username.
func (r *CreateUserRequest) Validate() error {
	r.Username = strings.TrimSpace(r.Username)
	if r.Username == "" {
		return model.Errorf(model.KindInvalidInput, "username is required")
	}
	if len(r.Username) > 64 {
		return model.Errorf(model.KindInvalidInput, "username must be at most 64 characters")
	}
	return nil
}

func validateKey(userID, marketID *string, outcome *model.Outcome) error {
	*userID = strings.TrimSpace(*userID)
	*marketID = strings.TrimSpace(*marketID)
	if *userID == "" {
		return model.Errorf(model.KindInvalidInput, "user_id is required")
	}
	if *marketID == "" {
		return model.Errorf(model.KindInvalidInput, "market_id is required")
	}
	o, err := model.ParseOutcome(string(*outcome))
	if err != nil {
		return err
	}
	*outcome = o
	return nil
}

// validatePrice requires a probability strictly inside (0, 1).
func validatePrice(p decimal.Decimal) error {
	if !p.IsPositive() || !p.LessThan(one) {
		return model.Errorf(model.KindInvalidInput, "price must be strictly between 0 and 1, got %s", p)
	}
	return nil
}
