package inventory

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func linesWithBase(bases ...string) []ShipmentLine {
	lines := make([]ShipmentLine, len(bases))
	for i, b := range bases {
		lines[i] = ShipmentLine{ProductID: int64(i + 1), LocationID: 1, Quantity: 1, UnitCost: dec(b)}
	}
	return lines
}

func sumShares(shares []LineShare) decimal.Decimal {
	total := decimal.Zero
	for _, s := range shares {
		total = total.Add(s.Share)
	}
	return total
}

func TestAllocateLandedCosts_Proportional(t *testing.T) {
	lines := []ShipmentLine{
		{ProductID: 1, LocationID: 1, Quantity: 3, UnitCost: dec("100")},
		{ProductID: 2, LocationID: 1, Quantity: 7, UnitCost: dec("100")},
	}

	shares := AllocateLandedCosts(lines, dec("100.00"))
	require.Len(t, shares, 2)
	assert.True(t, shares[0].Share.Equal(dec("30.00")), shares[0].Share.String())
	assert.True(t, shares[1].Share.Equal(dec("70.00")), shares[1].Share.String())

	// (300 + 30) / 3, (700 + 70) / 7
	assert.True(t, shares[0].LandedUnitCost.Equal(dec("110")))
	assert.True(t, shares[1].LandedUnitCost.Equal(dec("110")))
}

func TestAllocateLandedCosts_ResidualCents(t *testing.T) {
	shares := AllocateLandedCosts(linesWithBase("1", "1", "1"), dec("1.00"))
	require.Len(t, shares, 3)

	assert.True(t, sumShares(shares).Equal(dec("1.00")))
	assert.Equal(t, "0.34", shares[0].Share.StringFixed(2))
	assert.Equal(t, "0.33", shares[1].Share.StringFixed(2))
	assert.Equal(t, "0.33", shares[2].Share.StringFixed(2))
}

func TestAllocateLandedCosts_NegativeResidual(t *testing.T) {
	// 各明細 0.005 -> 0.01 に切り上がり、合計が 0.01 超過する
	shares := AllocateLandedCosts(linesWithBase("1", "1"), dec("0.01"))
	require.Len(t, shares, 2)
	assert.True(t, sumShares(shares).Equal(dec("0.01")))
	for _, s := range shares {
		assert.False(t, s.Share.IsNegative())
	}
}

func TestAllocateLandedCosts_ZeroCases(t *testing.T) {
	tests := []struct {
		name   string
		lines  []ShipmentLine
		extras decimal.Decimal
	}{
		{name: "extras zero", lines: linesWithBase("10", "20"), extras: decimal.Zero},
		{name: "base zero", lines: linesWithBase("0", "0"), extras: dec("50")},
		{name: "negative extras", lines: linesWithBase("10"), extras: dec("-5")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shares := AllocateLandedCosts(tt.lines, tt.extras)
			require.Len(t, shares, len(tt.lines))
			for i, s := range shares {
				assert.True(t, s.Share.IsZero())
				assert.True(t, s.LandedUnitCost.Equal(tt.lines[i].UnitCost))
			}
		})
	}

	assert.Empty(t, AllocateLandedCosts(nil, dec("10")))
}

func TestAllocateLandedCosts_RoundsExtrasToCents(t *testing.T) {
	shares := AllocateLandedCosts(linesWithBase("1", "3"), dec("10.005"))
	assert.True(t, sumShares(shares).Equal(dec("10.01")))
}

func TestAllocateLandedCosts_RandomizedInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	// 四捨五入で最大0.005、残差の1セント吸収で最大0.01ずれるため、
	// 厳密値との差は0.01ではなく0.015までしか保証できない
	// Half-up rounding (<= 0.005) plus the one residual cent (<= 0.01)
	// bounds each share at 0.015 from its exact value, not 0.01.
	tolerance := dec("0.015")

	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(12)
		lines := make([]ShipmentLine, n)
		totalBase := decimal.Zero
		for i := range lines {
			lines[i] = ShipmentLine{
				ProductID:  int64(i + 1),
				LocationID: 1,
				Quantity:   int64(1 + rng.Intn(50)),
				UnitCost:   decimal.New(int64(1+rng.Intn(10000)), -2),
			}
			totalBase = totalBase.Add(lines[i].BaseValue())
		}
		extras := decimal.New(int64(1+rng.Intn(100000)), -2)

		shares := AllocateLandedCosts(lines, extras)
		require.True(t, sumShares(shares).Equal(extras), "round %d: %s != %s", round, sumShares(shares), extras)

		for i, s := range shares {
			assert.False(t, s.Share.IsNegative())
			exact := lines[i].BaseValue().Mul(extras).Div(totalBase)
			diff := s.Share.Sub(exact).Abs()
			assert.True(t, diff.LessThanOrEqual(tolerance), "round %d line %d: share %s exact %s", round, i, s.Share, exact)
		}
	}
}

func TestShipment_RecalculateLandedCosts(t *testing.T) {
	s := &Shipment{
		ID:        "SH-1",
		Status:    ShipmentStatusDraft,
		Freight:   dec("60"),
		Customs:   dec("25"),
		VAT:       dec("10"),
		Insurance: dec("5"),
		Lines: []ShipmentLine{
			{ProductID: 1, LocationID: 1, Quantity: 10, UnitCost: dec("20")},
			{ProductID: 2, LocationID: 1, Quantity: 4, UnitCost: dec("50")},
		},
	}
	assert.True(t, s.ExtrasTotal().Equal(dec("100")))

	s.RecalculateLandedCosts()
	assert.True(t, s.Lines[0].LandedExtraShare.Equal(dec("50")))
	assert.True(t, s.Lines[1].LandedExtraShare.Equal(dec("50")))
	assert.True(t, s.Lines[0].LandedUnitCost.Equal(dec("25")))
	assert.True(t, s.Lines[1].LandedUnitCost.Equal(dec("62.5")))

	// 費用変更後の再計算
	s.Freight = decimal.Zero
	s.Customs = decimal.Zero
	s.VAT = decimal.Zero
	s.Insurance = decimal.Zero
	s.RecalculateLandedCosts()
	assert.True(t, s.Lines[0].LandedExtraShare.IsZero())
	assert.True(t, s.Lines[0].LandedUnitCost.Equal(dec("20")))
}
