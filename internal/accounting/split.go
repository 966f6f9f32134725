// Package accounting turns normalized provider costs into transaction
// records and balance mutations. All arithmetic is decimal fixed-point;
// binary floats never touch a monetary value.
package accounting

import (
	"github.com/shopspring/decimal"
)

// Split is the exact decomposition of one transaction's cost.
type Split struct {
	RawCost        decimal.Decimal // Upstream provider cost.
	TotalCost      decimal.Decimal // Amount charged to the payer.
	MarkUpProfit   decimal.Decimal // TotalCost - RawCost.
	ReferralProfit decimal.Decimal // Share of markup profit owed to the referrer.
	AppProfit      decimal.Decimal // Markup profit kept by the app.
	EchoProfit     decimal.Decimal // Platform share, the raw cost pass-through.
}

// ComputeSplit decomposes a raw cost under the app's markup and referral
// multipliers. Multipliers below 1.0 are clamped to 1.0 so a misconfigured
// rule can never charge less than the provider cost or produce a negative
// referral share.
func ComputeSplit(rawCost, markUp, referral decimal.Decimal) Split {
	one := decimal.NewFromInt(1)
	if markUp.LessThan(one) {
		markUp = one
	}
	if referral.LessThan(one) {
		referral = one
	}

	totalCost := rawCost.Mul(markUp)
	markUpProfit := totalCost.Sub(rawCost)
	referralProfit := markUpProfit.Mul(referral.Sub(one))
	appProfit := markUpProfit.Sub(referralProfit)

	return Split{
		RawCost:        rawCost,
		TotalCost:      totalCost,
		MarkUpProfit:   markUpProfit,
		ReferralProfit: referralProfit,
		AppProfit:      appProfit,
		EchoProfit:     rawCost,
	}
}
