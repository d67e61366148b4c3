package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Benefits is the discount and point multiplier a cadence earns.
type Benefits struct {
	DiscountPercentage int
	SpiralMultiplier   decimal.Decimal
}

var benefitTable = map[Frequency]Benefits{
	FrequencyWeekly:    {DiscountPercentage: 5, SpiralMultiplier: decimal.RequireFromString("1.5")},
	FrequencyBiweekly:  {DiscountPercentage: 8, SpiralMultiplier: decimal.RequireFromString("1.6")},
	FrequencyMonthly:   {DiscountPercentage: 10, SpiralMultiplier: decimal.RequireFromString("1.7")},
	FrequencyQuarterly: {DiscountPercentage: 15, SpiralMultiplier: decimal.RequireFromString("2.0")},
}

// ComputeBenefits looks up the benefit tier for f. Unknown cadences get no
// discount and a 1.0 multiplier.
func ComputeBenefits(f Frequency) Benefits {
	if b, ok := benefitTable[f]; ok {
		return b
	}
	return Benefits{DiscountPercentage: 0, SpiralMultiplier: decimal.NewFromInt(1)}
}

// Savings is the long form used when a subscription is created.
func (b Benefits) Savings() string {
	return fmt.Sprintf("%d%% discount + %sx SPIRAL points", b.DiscountPercentage, b.SpiralMultiplier.String())
}

// SavingsShort is the compact form used in listings.
func (b Benefits) SavingsShort() string {
	return fmt.Sprintf("%d%% off + %sx SPIRAL points", b.DiscountPercentage, b.SpiralMultiplier.String())
}

var (
	hundred          = decimal.NewFromInt(100)
	welcomeBonusRate = decimal.RequireFromString("0.10")
)

// RawTotal sums price × quantity over items.
func RawTotal(items []SubscriptionItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// DiscountedTotal applies the percentage discount and rounds to cents.
func DiscountedTotal(raw decimal.Decimal, discountPercentage int) decimal.Decimal {
	factor := hundred.Sub(decimal.NewFromInt(int64(discountPercentage))).Div(hundred)
	return raw.Mul(factor).Round(2)
}

// WelcomeBonus is 10% of the pre-discount total, floored to whole points.
func WelcomeBonus(raw decimal.Decimal) int64 {
	return raw.Mul(welcomeBonusRate).Floor().IntPart()
}

// SpiralsEarned is floor(total × multiplier).
func SpiralsEarned(total, multiplier decimal.Decimal) int64 {
	return total.Mul(multiplier).Floor().IntPart()
}
