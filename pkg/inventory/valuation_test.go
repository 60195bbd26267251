package inventory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValuationEngine_LineValue(t *testing.T) {
	v := NewValuationEngine()

	landed := ShipmentLine{Quantity: 5, UnitCost: dec("5"), LandedUnitCost: dec("6.333333")}
	assert.Equal(t, "31.67", v.LineValue(landed).StringFixed(2))

	// 原価未計算の明細は単価で評価
	plain := ShipmentLine{Quantity: 4, UnitCost: dec("2.5")}
	assert.True(t, v.LineValue(plain).Equal(dec("10")))

	assert.True(t, v.ShipmentValue([]ShipmentLine{landed, plain}).Equal(dec("41.67")))
}

func TestValuationEngine_ValueEvents(t *testing.T) {
	v := NewValuationEngine()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	old := ShipmentLine{ProductID: 1, LocationID: 2, Quantity: 20, UnitCost: dec("12"), LandedUnitCost: dec("14")}
	updated := ShipmentLine{ProductID: 1, LocationID: 2, Quantity: 15, UnitCost: dec("12"), LandedUnitCost: dec("14.666667")}

	events := v.ValueEvents("SH-1", &ArrivalResult{Applied: []ShipmentLine{updated}, Reversed: []ShipmentLine{old}}, at, "alice")
	require.Len(t, events, 2)

	assert.Equal(t, MovementTypeArrivalReversal, events[0].Reason)
	assert.Equal(t, int64(-20), events[0].Quantity)
	assert.True(t, events[0].Value.Equal(dec("-280")))

	assert.Equal(t, MovementTypeArrival, events[1].Reason)
	assert.Equal(t, int64(15), events[1].Quantity)
	assert.True(t, events[1].Value.Equal(dec("220")))
	assert.Equal(t, "SH-1", events[1].ShipmentID)
	assert.Equal(t, "alice", events[1].UserID)
	assert.Equal(t, at, events[1].Timestamp)
	assert.NotEqual(t, events[0].TransactionID, events[1].TransactionID)

	assert.Nil(t, v.ValueEvents("SH-1", nil, at, "alice"))
}
