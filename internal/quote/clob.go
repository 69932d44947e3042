package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCLOBURL is the Polymarket CLOB REST endpoint.
const DefaultCLOBURL = "https://clob.polymarket.com"

// bookResponse is the /book payload. Prices and sizes are decimal strings.
type bookResponse struct {
	Market  string `json:"market"`
	AssetID string `json:"asset_id"`
	Bids    []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"asks"`
}

// CLOBClient fetches books over HTTP.
type CLOBClient struct {
	baseURL string
	client  *http.Client
}

// NewCLOBClient creates a client with the given per-request timeout.
func NewCLOBClient(baseURL string, timeout time.Duration) *CLOBClient {
	if baseURL == "" {
		baseURL = DefaultCLOBURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CLOBClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Book fetches GET {base}/book?token_id=…
func (c *CLOBClient) Book(ctx context.Context, tokenID string) (*Book, error) {
	u := fmt.Sprintf("%s/book?token_id=%s", c.baseURL, url.QueryEscape(tokenID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build book request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch book %s: %w", tokenID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch book %s: unexpected status code %d", tokenID, resp.StatusCode)
	}

	var body bookResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode book %s: %w", tokenID, err)
	}

	book := &Book{TokenID: tokenID}
	for _, l := range body.Bids {
		if lvl, ok := parseLevel(l.Price, l.Size); ok {
			book.Bids = append(book.Bids, lvl)
		}
	}
	for _, l := range body.Asks {
		if lvl, ok := parseLevel(l.Price, l.Size); ok {
			book.Asks = append(book.Asks, lvl)
		}
	}
	return book, nil
}

// parseLevel drops levels that do not parse or have a non-positive size.
func parseLevel(price, size string) (Level, bool) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		slog.Debug("skipping malformed book level", "price", price, "err", err)
		return Level{}, false
	}
	s, err := decimal.NewFromString(size)
	if err != nil || !s.IsPositive() {
		return Level{}, false
	}
	return Level{Price: p, Size: s}, true
}
