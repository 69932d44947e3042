package liquidity

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/engine/internal/quote"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func lvl(price, size float64) quote.Level {
	return quote.Level{Price: d(price), Size: d(size)}
}

func TestEstimateFill_DirectThenSynthetic(t *testing.T) {
	asks := []quote.Level{lvl(0.40, 100)}
	bids := []quote.Level{lvl(0.55, 50)} // synthetic offer at 0.45

	est := EstimateFill(asks, bids, d(50))

	shares, _ := est.SharesObtainable.Float64()
	assert.InDelta(t, 122.2222, shares, 0.001)
	assert.True(t, est.NotionalSpent.Equal(d(50)))
	assert.True(t, est.MaxDeployableNotional.Equal(d(62.5)), "40 + 0.45*50")
	assert.Equal(t, 2, est.LevelsConsumed)

	avg, _ := est.WeightedAvgPrice.Float64()
	assert.InDelta(t, 50/122.2222, avg, 0.0001)
}

func TestEstimateFill_ZeroNotional(t *testing.T) {
	est := EstimateFill([]quote.Level{lvl(0.4, 100)}, nil, decimal.Zero)

	assert.True(t, est.SharesObtainable.IsZero())
	assert.True(t, est.WeightedAvgPrice.IsZero())
	assert.True(t, est.MaxDeployableNotional.Equal(d(40)))
	assert.Equal(t, 0, est.LevelsConsumed)
}

func TestEstimateFill_EmptyBooks(t *testing.T) {
	est := EstimateFill(nil, nil, d(100))

	assert.True(t, est.SharesObtainable.IsZero())
	assert.True(t, est.MaxDeployableNotional.IsZero())
}

func TestEstimateFill_FullDepthAtCeiling(t *testing.T) {
	asks := []quote.Level{lvl(0.30, 10), lvl(0.50, 20)}
	bids := []quote.Level{lvl(0.60, 5)}

	ceiling := EstimateFill(asks, bids, decimal.Zero).MaxDeployableNotional
	require.True(t, ceiling.Equal(d(15)), "3 + 10 + 2, got %s", ceiling)

	for _, n := range []float64{15, 16, 1000} {
		est := EstimateFill(asks, bids, d(n))
		assert.True(t, est.SharesObtainable.Equal(d(35)), "notional %v: got %s", n, est.SharesObtainable)
		assert.True(t, est.NotionalSpent.Equal(ceiling), "must not deploy past the ceiling")
	}
}

func TestEstimateFill_Monotonic(t *testing.T) {
	asks := []quote.Level{lvl(0.52, 40), lvl(0.55, 80), lvl(0.61, 300)}
	bids := []quote.Level{lvl(0.47, 60), lvl(0.40, 100), lvl(0.99, 10)}

	prev := decimal.Zero
	for n := 0; n <= 400; n += 7 {
		est := EstimateFill(asks, bids, decimal.NewFromInt(int64(n)))
		assert.True(t, est.SharesObtainable.GreaterThanOrEqual(prev),
			"shares decreased at notional %d: %s < %s", n, est.SharesObtainable, prev)
		prev = est.SharesObtainable
	}
}

func TestBuyOffers_DropsDegenerateSyntheticPrices(t *testing.T) {
	offers := BuyOffers(nil, []quote.Level{lvl(1, 50), lvl(0, 50), lvl(0.7, 10)})

	require.Len(t, offers, 1)
	assert.True(t, offers[0].Price.Equal(d(0.3)))
	assert.Equal(t, SourceSynthetic, offers[0].Source)
}

func TestBuyOffers_StableOnTies(t *testing.T) {
	asks := []quote.Level{lvl(0.45, 1), lvl(0.45, 2)}
	bids := []quote.Level{lvl(0.55, 3)} // also 0.45

	offers := BuyOffers(asks, bids)

	require.Len(t, offers, 3)
	assert.True(t, offers[0].Size.Equal(d(1)))
	assert.True(t, offers[1].Size.Equal(d(2)))
	assert.True(t, offers[2].Size.Equal(d(3)))
	assert.Equal(t, SourceSynthetic, offers[2].Source)
}

func TestBuyOffers_SortedAscending(t *testing.T) {
	offers := BuyOffers(
		[]quote.Level{lvl(0.60, 1), lvl(0.50, 1)},
		[]quote.Level{lvl(0.45, 1), lvl(0.52, 1)},
	)

	for i := 1; i < len(offers); i++ {
		assert.True(t, offers[i-1].Price.LessThanOrEqual(offers[i].Price))
	}
	assert.True(t, offers[0].Price.Equal(d(0.48)))
}

func TestEstimateSell_MergesSyntheticBids(t *testing.T) {
	bids := []quote.Level{lvl(0.30, 100)}
	asks := []quote.Level{lvl(0.65, 50)} // synthetic bid at 0.35, better than direct

	est := EstimateSell(bids, asks, d(120))

	assert.True(t, est.SharesSold.Equal(d(120)))
	assert.True(t, est.Proceeds.Equal(d(38.5)), "50*0.35 + 70*0.30, got %s", est.Proceeds)
	assert.True(t, est.MaxSellableShares.Equal(d(150)))
	assert.Equal(t, 2, est.LevelsConsumed)
}

func TestEstimateSell_ClampsToDepth(t *testing.T) {
	est := EstimateSell([]quote.Level{lvl(0.30, 10)}, nil, d(25))

	assert.True(t, est.SharesSold.Equal(d(10)))
	assert.True(t, est.WeightedAvgPrice.Equal(d(0.3)))
}
