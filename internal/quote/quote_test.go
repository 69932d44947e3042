package quote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCLOBClient_ParsesBook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/book", r.URL.Path)
		assert.Equal(t, "tok-yes", r.URL.Query().Get("token_id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"market": "0xabc",
			"asset_id": "tok-yes",
			"bids": [{"price": "0.38", "size": "200"}, {"price": "bad", "size": "1"}],
			"asks": [{"price": "0.40", "size": "100"}, {"price": "0.42", "size": "0"}]
		}`))
	}))
	defer srv.Close()

	c := NewCLOBClient(srv.URL, time.Second)
	book, err := c.Book(context.Background(), "tok-yes")
	require.NoError(t, err)

	require.Len(t, book.Bids, 1, "malformed level should be skipped")
	require.Len(t, book.Asks, 1, "zero-size level should be skipped")
	assert.True(t, book.Bids[0].Price.Equal(d(0.38)))
	assert.True(t, book.Asks[0].Size.Equal(d(100)))
}

func TestCLOBClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no orderbook", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewCLOBClient(srv.URL, time.Second).Book(context.Background(), "missing")
	require.Error(t, err)
}

func TestFetchPair_DegradesToEmptyBook(t *testing.T) {
	src := NewStaticSource()
	src.Set(&Book{
		TokenID: "yes",
		Asks:    []Level{{Price: d(0.4), Size: d(100)}},
	})

	pair := FetchPair(context.Background(), src, "yes", "no-such-token", time.Second)

	require.NotNil(t, pair.Direct)
	require.NotNil(t, pair.Opposing)
	assert.Len(t, pair.Direct.Asks, 1)
	assert.True(t, pair.Opposing.Empty(), "failed side should be empty, not nil")
	assert.Equal(t, "no-such-token", pair.Opposing.TokenID)
}

func TestFetchPair_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	pair := FetchPair(context.Background(), NewCLOBClient(srv.URL, 5*time.Second), "a", "b", 50*time.Millisecond)

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, pair.Direct.Empty())
	assert.True(t, pair.Opposing.Empty())
}

func TestBook_BestAndMid(t *testing.T) {
	b := &Book{
		Bids: []Level{{Price: d(0.30), Size: d(1)}, {Price: d(0.35), Size: d(1)}},
		Asks: []Level{{Price: d(0.45), Size: d(1)}, {Price: d(0.41), Size: d(1)}},
	}

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(d(0.35)))

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Equal(d(0.41)))

	mid, ok := b.Mid()
	require.True(t, ok)
	assert.True(t, mid.Equal(d(0.38)))

	_, ok = (&Book{}).Mid()
	assert.False(t, ok)
}
