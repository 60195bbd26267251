package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// ValuationEngine prices arrival effects for the downstream ledger. Arrived
// units are valued at their landed unit cost.
// 入荷による在庫評価額の変動を計算
type ValuationEngine struct{}

// NewValuationEngine creates a new valuation engine
// 新しい在庫評価エンジンを作成
func NewValuationEngine() *ValuationEngine {
	return &ValuationEngine{}
}

// LineValue returns quantity * landed unit cost, falling back to the unit
// cost when landed costs have not been computed.
func (v *ValuationEngine) LineValue(l ShipmentLine) decimal.Decimal {
	return decimal.NewFromInt(l.Quantity).Mul(unitValue(l)).Round(2)
}

// ShipmentValue totals LineValue over lines.
// シップメント全体の評価額
func (v *ValuationEngine) ShipmentValue(lines []ShipmentLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(v.LineValue(l))
	}
	return total
}

// ValueEvents builds one event per applied or reversed line; reversals
// carry negative quantity and value.
// 入荷・取消の明細ごとに評価額変動イベントを作成
func (v *ValuationEngine) ValueEvents(shipmentID string, result *ArrivalResult, at time.Time, user string) []StockValueChangedEvent {
	if result == nil {
		return nil
	}
	events := make([]StockValueChangedEvent, 0, len(result.Applied)+len(result.Reversed))
	for _, l := range result.Reversed {
		events = append(events, v.valueEvent(shipmentID, l, -1, MovementTypeArrivalReversal, at, user))
	}
	for _, l := range result.Applied {
		events = append(events, v.valueEvent(shipmentID, l, 1, MovementTypeArrival, at, user))
	}
	return events
}

func (v *ValuationEngine) valueEvent(shipmentID string, l ShipmentLine, sign int64, reason MovementType, at time.Time, user string) StockValueChangedEvent {
	value := v.LineValue(l)
	if sign < 0 {
		value = value.Neg()
	}
	return StockValueChangedEvent{
		ShipmentID:     shipmentID,
		ProductID:      l.ProductID,
		LocationID:     l.LocationID,
		Quantity:       sign * l.Quantity,
		LandedUnitCost: unitValue(l),
		Value:          value,
		Reason:         reason,
		TransactionID:  NewTransactionID(),
		Timestamp:      at,
		UserID:         user,
	}
}

func unitValue(l ShipmentLine) decimal.Decimal {
	if l.LandedUnitCost.IsZero() {
		return l.UnitCost
	}
	return l.LandedUnitCost
}
