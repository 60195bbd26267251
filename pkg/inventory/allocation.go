package inventory

import (
	"github.com/shopspring/decimal"
)

var cent = decimal.New(1, -2)

// LineShare is one line's portion of the shared shipment costs
// 明細ごとの共通費用配賦額
type LineShare struct {
	Index          int             `json:"index"`
	Share          decimal.Decimal `json:"share"`
	LandedUnitCost decimal.Decimal `json:"landed_unit_cost"`
}

// AllocateLandedCosts distributes extrasTotal over lines in proportion to
// each line's base value (quantity * unit cost). Shares are rounded half up
// to cents and the rounding residual is spread one cent at a time in line
// order, so the shares always sum to extrasTotal rounded to cents.
// 共通費用を基準価額に比例して配賦する（端数は明細順に1セントずつ調整）
func AllocateLandedCosts(lines []ShipmentLine, extrasTotal decimal.Decimal) []LineShare {
	shares := make([]LineShare, len(lines))
	amounts := proportionalShares(lines, extrasTotal)
	for i, l := range lines {
		shares[i] = LineShare{
			Index:          i,
			Share:          amounts[i],
			LandedUnitCost: landedUnitCost(l, amounts[i]),
		}
	}
	return shares
}

func proportionalShares(lines []ShipmentLine, extrasTotal decimal.Decimal) []decimal.Decimal {
	amounts := make([]decimal.Decimal, len(lines))
	for i := range amounts {
		amounts[i] = decimal.Zero
	}

	totalBase := decimal.Zero
	for _, l := range lines {
		totalBase = totalBase.Add(l.BaseValue())
	}
	extras := extrasTotal.Round(2)
	if totalBase.LessThanOrEqual(decimal.Zero) || extras.LessThanOrEqual(decimal.Zero) {
		return amounts
	}

	sum := decimal.Zero
	for i, l := range lines {
		amounts[i] = l.BaseValue().Mul(extras).Div(totalBase).Round(2)
		sum = sum.Add(amounts[i])
	}
	distributeResidual(amounts, extras.Sub(sum))
	return amounts
}

// distributeResidual moves residual into amounts one cent per line, wrapping
// around. A line is skipped when taking a cent would make it negative.
func distributeResidual(amounts []decimal.Decimal, residual decimal.Decimal) {
	if len(amounts) == 0 {
		return
	}
	for i := 0; !residual.IsZero(); i = (i + 1) % len(amounts) {
		if residual.IsPositive() {
			amounts[i] = amounts[i].Add(cent)
			residual = residual.Sub(cent)
			continue
		}
		if amounts[i].LessThan(cent) {
			continue
		}
		amounts[i] = amounts[i].Sub(cent)
		residual = residual.Add(cent)
	}
}

func landedUnitCost(l ShipmentLine, share decimal.Decimal) decimal.Decimal {
	if l.Quantity <= 0 {
		return l.UnitCost
	}
	return l.BaseValue().Add(share).DivRound(decimal.NewFromInt(l.Quantity), 6)
}
