// Package liquidity estimates fills for binary-outcome markets by walking two
// complementary order books.
//
// Buying outcome X can be done directly against X's asks, or synthetically:
// mint a complete set for 1 and sell the unwanted side into ¬X's bids, which
// nets a cost of 1 − bid(¬X) per share. Both routes are merged into one
// price-ranked list and consumed cheapest first. Selling mirrors this: X's
// bids directly, or buy ¬X at its ask and redeem the pair, netting 1 − ask(¬X).
package liquidity

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/quote"
)

var one = decimal.NewFromInt(1)

// Source tags where an offer came from.
type Source string

const (
	SourceDirect    Source = "direct"
	SourceSynthetic Source = "synthetic"
)

// Offer is one entry of the merged liquidity list, priced in the traded
// outcome.
type Offer struct {
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Source Source          `json:"source"`
}

// Notional is the dollar value of the whole offer.
func (o Offer) Notional() decimal.Decimal { return o.Price.Mul(o.Size) }

// Estimate is the result of walking the buy side.
type Estimate struct {
	SharesObtainable      decimal.Decimal `json:"shares_obtainable"`
	WeightedAvgPrice      decimal.Decimal `json:"weighted_avg_price"`
	NotionalSpent         decimal.Decimal `json:"notional_spent"`
	MaxDeployableNotional decimal.Decimal `json:"max_deployable_notional"`
	LevelsConsumed        int             `json:"levels_consumed"`
}

// SellEstimate is the result of walking the sell side.
type SellEstimate struct {
	SharesSold        decimal.Decimal `json:"shares_sold"`
	Proceeds          decimal.Decimal `json:"proceeds"`
	WeightedAvgPrice  decimal.Decimal `json:"weighted_avg_price"`
	MaxSellableShares decimal.Decimal `json:"max_sellable_shares"`
	LevelsConsumed    int             `json:"levels_consumed"`
}

// BuyOffers merges direct asks with synthetic offers derived from the
// opposing bids, ordered cheapest first. The sort is stable, so offers at the
// same price keep their input order with direct asks ahead of synthetic ones.
// Synthetic prices outside (0, 1) and non-positive sizes are dropped.
func BuyOffers(directAsks, opposingBids []quote.Level) []Offer {
	offers := make([]Offer, 0, len(directAsks)+len(opposingBids))
	for _, a := range directAsks {
		if validPrice(a.Price) && a.Size.IsPositive() {
			offers = append(offers, Offer{Price: a.Price, Size: a.Size, Source: SourceDirect})
		}
	}
	for _, b := range opposingBids {
		p := one.Sub(b.Price)
		if validPrice(p) && b.Size.IsPositive() {
			offers = append(offers, Offer{Price: p, Size: b.Size, Source: SourceSynthetic})
		}
	}
	sort.SliceStable(offers, func(i, j int) bool {
		return offers[i].Price.LessThan(offers[j].Price)
	})
	return offers
}

// SellOffers merges direct bids with synthetic bids derived from the opposing
// asks, ordered best (highest) first.
func SellOffers(directBids, opposingAsks []quote.Level) []Offer {
	offers := make([]Offer, 0, len(directBids)+len(opposingAsks))
	for _, b := range directBids {
		if validPrice(b.Price) && b.Size.IsPositive() {
			offers = append(offers, Offer{Price: b.Price, Size: b.Size, Source: SourceDirect})
		}
	}
	for _, a := range opposingAsks {
		p := one.Sub(a.Price)
		if validPrice(p) && a.Size.IsPositive() {
			offers = append(offers, Offer{Price: p, Size: a.Size, Source: SourceSynthetic})
		}
	}
	sort.SliceStable(offers, func(i, j int) bool {
		return offers[i].Price.GreaterThan(offers[j].Price)
	})
	return offers
}

// EstimateFill walks the merged buy list greedily with the given notional.
// Empty books yield a zero estimate, not an error. At or above
// MaxDeployableNotional the full depth is returned and nothing more is
// deployed.
func EstimateFill(directAsks, opposingBids []quote.Level, notional decimal.Decimal) Estimate {
	offers := BuyOffers(directAsks, opposingBids)

	est := Estimate{}
	for _, o := range offers {
		est.MaxDeployableNotional = est.MaxDeployableNotional.Add(o.Notional())
	}

	remaining := notional
	for _, o := range offers {
		if !remaining.IsPositive() {
			break
		}
		cost := o.Notional()
		est.LevelsConsumed++
		if remaining.GreaterThanOrEqual(cost) {
			est.SharesObtainable = est.SharesObtainable.Add(o.Size)
			est.NotionalSpent = est.NotionalSpent.Add(cost)
			remaining = remaining.Sub(cost)
			continue
		}
		est.SharesObtainable = est.SharesObtainable.Add(remaining.Div(o.Price))
		est.NotionalSpent = est.NotionalSpent.Add(remaining)
		remaining = decimal.Zero
	}

	if est.SharesObtainable.IsPositive() {
		est.WeightedAvgPrice = est.NotionalSpent.Div(est.SharesObtainable)
	}
	return est
}

// EstimateSell walks the merged sell list to unload the given share count.
func EstimateSell(directBids, opposingAsks []quote.Level, shares decimal.Decimal) SellEstimate {
	offers := SellOffers(directBids, opposingAsks)

	est := SellEstimate{}
	for _, o := range offers {
		est.MaxSellableShares = est.MaxSellableShares.Add(o.Size)
	}

	remaining := shares
	for _, o := range offers {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, o.Size)
		est.LevelsConsumed++
		est.SharesSold = est.SharesSold.Add(take)
		est.Proceeds = est.Proceeds.Add(take.Mul(o.Price))
		remaining = remaining.Sub(take)
	}

	if est.SharesSold.IsPositive() {
		est.WeightedAvgPrice = est.Proceeds.Div(est.SharesSold)
	}
	return est
}

func validPrice(p decimal.Decimal) bool {
	return p.IsPositive() && p.LessThan(one)
}
