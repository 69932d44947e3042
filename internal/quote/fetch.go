package quote

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/papertrade/engine/internal/metrics"
)

// Pair holds the two books needed to size a trade on one outcome.
type Pair struct {
	Direct   *Book // book of the outcome being traded
	Opposing *Book // book of the complementary outcome
}

// FetchPair fetches both books concurrently. A failure or timeout on either
// side yields an empty book for that side; FetchPair never fails.
// An empty token ID skips that side.
func FetchPair(ctx context.Context, src Source, tokenID, opposingTokenID string, timeout time.Duration) Pair {
	pair := Pair{
		Direct:   &Book{TokenID: tokenID},
		Opposing: &Book{TokenID: opposingTokenID},
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var g errgroup.Group
	fetch := func(side, id string, dst **Book) {
		if id == "" {
			return
		}
		g.Go(func() error {
			b, err := src.Book(ctx, id)
			if err != nil {
				metrics.QuoteFetchFailures.WithLabelValues(side).Inc()
				slog.Warn("book fetch failed, treating as empty", "side", side, "token", id, "err", err)
				return nil
			}
			*dst = b
			return nil
		})
	}
	fetch("direct", tokenID, &pair.Direct)
	fetch("opposing", opposingTokenID, &pair.Opposing)
	_ = g.Wait()

	return pair
}
