// Package api provides the HTTP handlers for accounts, paper trades,
// settlement, portfolio queries and liquidity quotes.
//
// All monetary values use shopspring/decimal and are encoded as strings.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/internal/liquidity"
	"github.com/papertrade/engine/internal/model"
	"github.com/papertrade/engine/internal/portfolio"
	"github.com/papertrade/engine/internal/quote"
	"github.com/papertrade/engine/internal/settlement"
	"github.com/papertrade/engine/internal/stream"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	ledger       *ledger.Engine
	settlement   *settlement.Engine
	portfolio    *portfolio.Service
	quotes       quote.Source
	quoteTimeout time.Duration
	hub          *stream.Hub // optional
}

// NewHandler wires the engines into HTTP handlers.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewHandler(
	l *ledger.Engine,
	s *settlement.Engine,
	p *portfolio.Service,
	src quote.Source,
	quoteTimeout time.Duration,
	hub *stream.Hub,
) *Handler {
	return &Handler{
		ledger:       l,
		settlement:   s,
		portfolio:    p,
		quotes:       src,
		quoteTimeout: quoteTimeout,
		hub:          hub,
	}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Post("/users", h.CreateUser)
	r.Get("/users/{userID}", h.GetUser)
	r.Get("/users/{userID}/positions", h.GetPositions)
	r.Get("/users/{userID}/summary", h.GetSummary)
	r.Get("/users/{userID}/trades", h.GetTrades)
	r.Post("/users/{userID}/balance", h.AdjustBalance)

	r.Post("/trades/buy", h.Buy)
	r.Post("/trades/sell", h.Sell)

	r.Post("/events/{eventID}/settle", h.Settle)

	r.Get("/quote", h.Quote)
}

// --- Request/Response types ---

// BuyTradeRequest is the JSON body for POST /trades/buy. When Price is
// omitted the fill price is estimated from the live books of TokenID and
// OpposingTokenID.
type BuyTradeRequest struct {
	UserID          string           `json:"user_id"`
	MarketID        string           `json:"market_id"`
	Outcome         string           `json:"outcome"`
	Amount          decimal.Decimal  `json:"amount"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	EventID         string           `json:"event_id,omitempty"`
	Question        string           `json:"question,omitempty"`
	Slug            string           `json:"slug,omitempty"`
	TokenID         string           `json:"token_id,omitempty"`
	OpposingTokenID string           `json:"opposing_token_id,omitempty"`
	EndDate         *time.Time       `json:"end_date,omitempty"`
}

// SellTradeRequest is the JSON body for POST /trades/sell. When Price is
// omitted the exit price is estimated from the bids of TokenID (defaulting
// to the position's token) and the asks of OpposingTokenID.
type SellTradeRequest struct {
	UserID          string           `json:"user_id"`
	MarketID        string           `json:"market_id"`
	Outcome         string           `json:"outcome"`
	Shares          decimal.Decimal  `json:"shares"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	TokenID         string           `json:"token_id,omitempty"`
	OpposingTokenID string           `json:"opposing_token_id,omitempty"`
}

// BuyResponse is returned from POST /trades/buy.
type BuyResponse struct {
	*ledger.BuyResult
	Estimate *liquidity.Estimate `json:"estimate,omitempty"`
}

// SellResponse is returned from POST /trades/sell.
type SellResponse struct {
	*ledger.SellResult
	Estimate *liquidity.SellEstimate `json:"estimate,omitempty"`
}

// SettleRequest is the JSON body for POST /events/{eventID}/settle.
type SettleRequest struct {
	WinningOutcome string `json:"winning_outcome"`
}

// BalanceBody is the JSON body for POST /users/{userID}/balance.
type BalanceBody struct {
	Action string          `json:"action"`
	Amount decimal.Decimal `json:"amount"`
}

// QuoteResponse is returned from GET /quote.
type QuoteResponse struct {
	TokenID         string                  `json:"token_id"`
	OpposingTokenID string                  `json:"opposing_token_id,omitempty"`
	Side            string                  `json:"side"`
	Offers          []liquidity.Offer       `json:"offers"`
	Buy             *liquidity.Estimate     `json:"buy,omitempty"`
	Sell            *liquidity.SellEstimate `json:"sell,omitempty"`
}

// --- HTTP Handlers ---

// CreateUser handles POST /api/v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateUserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.ledger.CreateUser(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /api/v1/users/{userID}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.portfolio.User(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// Buy handles POST /api/v1/trades/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyTradeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()

	var price decimal.Decimal
	var est *liquidity.Estimate
	switch {
	case req.Price != nil:
		price = *req.Price
	case !req.Amount.IsPositive():
		// Leave price zero; the ledger reports the amount error.
	default:
		if req.TokenID == "" {
			writeError(w, r, model.Errorf(model.KindInvalidInput, "price or token_id is required"))
			return
		}
		pair := quote.FetchPair(ctx, h.quotes, req.TokenID, req.OpposingTokenID, h.quoteTimeout)
		e := liquidity.EstimateFill(pair.Direct.Asks, pair.Opposing.Bids, req.Amount)
		if e.SharesObtainable.IsZero() {
			writeError(w, r, model.Errorf(model.KindInvalidInput, "no liquidity for token %s", req.TokenID))
			return
		}
		if req.Amount.GreaterThan(e.MaxDeployableNotional) {
			writeError(w, r, model.Errorf(model.KindInvalidInput,
				"amount %s exceeds available liquidity %s", req.Amount, e.MaxDeployableNotional))
			return
		}
		price, est = e.WeightedAvgPrice, &e
	}

	res, err := h.ledger.Buy(ctx, ledger.BuyRequest{
		UserID:   req.UserID,
		MarketID: req.MarketID,
		Outcome:  model.Outcome(req.Outcome),
		Amount:   req.Amount,
		Price:    price,
		Event: model.EventMeta{
			EventID:         req.EventID,
			Question:        req.Question,
			Slug:            req.Slug,
			TokenID:         req.TokenID,
			OpposingTokenID: req.OpposingTokenID,
			EndDate:         req.EndDate,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.hub.Broadcast(stream.WSMessage{
		Type:     stream.TypeTradeExecuted,
		UserID:   res.Trade.UserID,
		MarketID: res.Trade.MarketID,
		EventID:  res.Trade.EventID,
		Data:     res.Trade,
	})
	writeJSON(w, http.StatusOK, BuyResponse{BuyResult: res, Estimate: est})
}

// Sell handles POST /api/v1/trades/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellTradeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()

	var price decimal.Decimal
	var est *liquidity.SellEstimate
	if req.Price != nil {
		price = *req.Price
	} else if req.Shares.IsPositive() {
		outcome, err := model.ParseOutcome(req.Outcome)
		if err != nil {
			writeError(w, r, err)
			return
		}
		pos, err := h.portfolio.OpenPosition(ctx, req.UserID, req.MarketID, outcome)
		if err != nil {
			writeError(w, r, err)
			return
		}
		token := req.TokenID
		if token == "" {
			token = pos.TokenID
		}
		if token == "" {
			writeError(w, r, model.Errorf(model.KindInvalidInput, "price or token_id is required"))
			return
		}
		want := decimal.Min(req.Shares, pos.Shares)
		pair := quote.FetchPair(ctx, h.quotes, token, req.OpposingTokenID, h.quoteTimeout)
		e := liquidity.EstimateSell(pair.Direct.Bids, pair.Opposing.Asks, want)
		if e.SharesSold.LessThan(want) {
			writeError(w, r, model.Errorf(model.KindInvalidInput,
				"only %s of %s shares can be sold into the book", e.SharesSold, want))
			return
		}
		price, est = e.WeightedAvgPrice, &e
	}

	res, err := h.ledger.Sell(ctx, ledger.SellRequest{
		UserID:   req.UserID,
		MarketID: req.MarketID,
		Outcome:  model.Outcome(req.Outcome),
		Shares:   req.Shares,
		Price:    price,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.hub.Broadcast(stream.WSMessage{
		Type:     stream.TypeTradeExecuted,
		UserID:   res.Trade.UserID,
		MarketID: res.Trade.MarketID,
		EventID:  res.Trade.EventID,
		Data:     res.Trade,
	})
	writeJSON(w, http.StatusOK, SellResponse{SellResult: res, Estimate: est})
}

// Settle handles POST /api/v1/events/{eventID}/settle
// Anomalies do not fail the request; they are flagged per item in the report.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	report, err := h.settlement.SettleMarket(r.Context(), chi.URLParam(r, "eventID"), model.Outcome(req.WinningOutcome))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetPositions handles GET /api/v1/users/{userID}/positions?status=
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	ps, err := h.portfolio.Positions(r.Context(), chi.URLParam(r, "userID"), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// GetSummary handles GET /api/v1/users/{userID}/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.portfolio.Summary(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetTrades handles GET /api/v1/users/{userID}/trades
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	ts, err := h.portfolio.Trades(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// AdjustBalance handles POST /api/v1/users/{userID}/balance
func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var body BalanceBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.ledger.AdjustBalance(r.Context(), ledger.BalanceRequest{
		UserID: chi.URLParam(r, "userID"),
		Action: ledger.BalanceAction(body.Action),
		Amount: body.Amount,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.hub.Broadcast(stream.WSMessage{
		Type:   stream.TypeBalanceAdjusted,
		UserID: res.User.ID,
		Data:   res,
	})
	writeJSON(w, http.StatusOK, res)
}

// Quote handles GET /api/v1/quote?token_id=&opposing_token_id=&amount=&side=
// For side=buy amount is a notional; for side=sell it is a share count.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tokenID := q.Get("token_id")
	if tokenID == "" {
		writeError(w, r, model.Errorf(model.KindInvalidInput, "token_id is required"))
		return
	}
	side := strings.ToLower(q.Get("side"))
	if side == "" {
		side = "buy"
	}
	if side != "buy" && side != "sell" {
		writeError(w, r, model.Errorf(model.KindInvalidInput, "side must be buy or sell"))
		return
	}
	amount := decimal.Zero
	if s := q.Get("amount"); s != "" {
		a, err := decimal.NewFromString(s)
		if err != nil {
			writeError(w, r, model.Errorf(model.KindInvalidInput, "invalid amount %q", s))
			return
		}
		amount = a
	}

	opposingID := q.Get("opposing_token_id")
	pair := quote.FetchPair(r.Context(), h.quotes, tokenID, opposingID, h.quoteTimeout)

	resp := QuoteResponse{TokenID: tokenID, OpposingTokenID: opposingID, Side: side}
	if side == "buy" {
		est := liquidity.EstimateFill(pair.Direct.Asks, pair.Opposing.Bids, amount)
		resp.Offers = liquidity.BuyOffers(pair.Direct.Asks, pair.Opposing.Bids)
		resp.Buy = &est
	} else {
		est := liquidity.EstimateSell(pair.Direct.Bids, pair.Opposing.Asks, amount)
		resp.Offers = liquidity.SellOffers(pair.Direct.Bids, pair.Opposing.Asks)
		resp.Sell = &est
	}
	if resp.Offers == nil {
		resp.Offers = []liquidity.Offer{}
	}
	writeJSON(w, http.StatusOK, resp)
}
