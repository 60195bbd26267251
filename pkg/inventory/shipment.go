package inventory

import (
	"github.com/shopspring/decimal"
)

// ShipmentStatus is the lifecycle state of an inbound shipment
// 入荷予定（シップメント）の状態
type ShipmentStatus string

const (
	ShipmentStatusDraft     ShipmentStatus = "DRAFT"
	ShipmentStatusOrdered   ShipmentStatus = "ORDERED"
	ShipmentStatusInTransit ShipmentStatus = "IN_TRANSIT"
	ShipmentStatusArrived   ShipmentStatus = "ARRIVED"
	ShipmentStatusCancelled ShipmentStatus = "CANCELLED"
)

// Arrived reports whether goods of a shipment in this status are on hand.
func (s ShipmentStatus) Arrived() bool {
	return s == ShipmentStatusArrived
}

// Shipment is an inbound shipment with shared costs
// 共通費用（運賃、関税、VAT、保険）を持つ入荷シップメント
type Shipment struct {
	ID        string          `json:"id" validate:"required,max=255"`
	Status    ShipmentStatus  `json:"status" validate:"required,oneof=DRAFT ORDERED IN_TRANSIT ARRIVED CANCELLED"`
	Lines     []ShipmentLine  `json:"lines" validate:"dive"`
	Freight   decimal.Decimal `json:"freight"`
	Customs   decimal.Decimal `json:"customs"`
	VAT       decimal.Decimal `json:"vat"`
	Insurance decimal.Decimal `json:"insurance"`
}

// ShipmentLine is one product line of a shipment.
type ShipmentLine struct {
	ProductID        int64           `json:"product_id" validate:"gt=0"`
	LocationID       int64           `json:"location_id" validate:"gt=0"`
	Quantity         int64           `json:"quantity" validate:"gt=0"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	DeclaredValue    decimal.Decimal `json:"declared_value"`
	LandedExtraShare decimal.Decimal `json:"landed_extra_share"`
	LandedUnitCost   decimal.Decimal `json:"landed_unit_cost"`
}

// Key returns the stock row receiving the line.
func (l ShipmentLine) Key() StockKey {
	return StockKey{ProductID: l.ProductID, LocationID: l.LocationID}
}

// BaseValue returns quantity * unit cost
// 基準価額（数量 × 単価）
func (l ShipmentLine) BaseValue() decimal.Decimal {
	return decimal.NewFromInt(l.Quantity).Mul(l.UnitCost)
}

// ExtrasTotal returns the shared costs to allocate over the lines
// 配賦対象の共通費用合計
func (s *Shipment) ExtrasTotal() decimal.Decimal {
	return s.Freight.Add(s.Customs).Add(s.VAT).Add(s.Insurance)
}

// RecalculateLandedCosts refreshes LandedExtraShare and LandedUnitCost on
// every line from the current shared-cost fields.
func (s *Shipment) RecalculateLandedCosts() {
	for _, share := range AllocateLandedCosts(s.Lines, s.ExtrasTotal()) {
		s.Lines[share.Index].LandedExtraShare = share.Share
		s.Lines[share.Index].LandedUnitCost = share.LandedUnitCost
	}
}

// Snapshot captures the state needed to reverse an arrival later.
func (s *Shipment) Snapshot() ShipmentSnapshot {
	lines := make([]ShipmentLine, len(s.Lines))
	copy(lines, s.Lines)
	return ShipmentSnapshot{ID: s.ID, Status: s.Status, Lines: lines}
}

// ShipmentSnapshot is a copy of a shipment taken before its lines are edited
// 明細編集前に取得するシップメントのスナップショット
type ShipmentSnapshot struct {
	ID     string         `json:"id"`
	Status ShipmentStatus `json:"status"`
	Lines  []ShipmentLine `json:"lines"`
}

func sameArrivalLines(a, b []ShipmentLine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key() != b[i].Key() || a[i].Quantity != b[i].Quantity {
			return false
		}
	}
	return true
}

func shipmentDeltas(lines []ShipmentLine, sign int64) []Delta {
	deltas := make([]Delta, 0, len(lines))
	for _, l := range lines {
		deltas = append(deltas, Delta{Key: l.Key(), Quantity: sign * l.Quantity})
	}
	return deltas
}

func shipmentKeys(lines []ShipmentLine) []StockKey {
	keys := make([]StockKey, 0, len(lines))
	for _, l := range lines {
		keys = append(keys, l.Key())
	}
	return keys
}
