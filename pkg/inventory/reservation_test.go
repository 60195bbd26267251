package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectLocation(t *testing.T) {
	candidates := []LocationAvailability{
		{LocationID: 30, Available: 10},
		{LocationID: 10, Available: 2},
		{LocationID: 20, Available: 5},
	}

	loc, ok := SelectLocation(candidates, 5)
	assert.True(t, ok)
	assert.Equal(t, int64(20), loc)

	loc, ok = SelectLocation(candidates, 1)
	assert.True(t, ok)
	assert.Equal(t, int64(10), loc)

	_, ok = SelectLocation(candidates, 11)
	assert.False(t, ok)

	_, ok = SelectLocation(nil, 1)
	assert.False(t, ok)
}

func TestUnsatisfiable(t *testing.T) {
	avail := map[int64]int64{10: 2, 20: 4, 30: 4}

	explicit := unsatisfiable(DocumentLine{ProductID: 1, LocationID: 10, Quantity: 5}, avail)
	assert.Equal(t, InsufficientStockError{ProductID: 1, LocationID: 10, Requested: 5, Available: 2}, *explicit)

	// 自動選択の明細は利用可能数が最大のロケーション（同数ならID最小）を報告
	auto := unsatisfiable(DocumentLine{ProductID: 1, LocationID: 0, Quantity: 5}, avail)
	assert.Equal(t, InsufficientStockError{ProductID: 1, LocationID: 20, Requested: 5, Available: 4}, *auto)

	none := unsatisfiable(DocumentLine{ProductID: 1, Quantity: 5}, map[int64]int64{})
	assert.Equal(t, int64(0), none.LocationID)
	assert.Equal(t, int64(0), none.Available)
}

func TestReservationsFor_AggregatesPerRow(t *testing.T) {
	got := reservationsFor("SO-1", []DocumentLine{
		{ProductID: 2, LocationID: 10, Quantity: 1},
		{ProductID: 1, LocationID: 20, Quantity: 3},
		{ProductID: 2, LocationID: 10, Quantity: 4},
	})

	assert.Equal(t, []Reservation{
		{DocumentID: "SO-1", ProductID: 1, LocationID: 20, Quantity: 3},
		{DocumentID: "SO-1", ProductID: 2, LocationID: 10, Quantity: 5},
	}, got)
}

func TestDocumentStatus_Transitions(t *testing.T) {
	assert.True(t, DocumentStatusDraft.CanTransitionTo(DocumentStatusConfirmed))
	assert.True(t, DocumentStatusConfirmed.CanTransitionTo(DocumentStatusRefunded))
	assert.False(t, DocumentStatusCancelled.CanTransitionTo(DocumentStatusConfirmed))
	assert.False(t, DocumentStatusDraft.CanTransitionTo(DocumentStatusRefunded))
	assert.True(t, DocumentStatusRefunded.Terminal())
	assert.False(t, DocumentStatusConfirmed.Terminal())
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys([]StockKey{
		{ProductID: 2, LocationID: 1},
		{ProductID: 1, LocationID: 9},
		{ProductID: 1, LocationID: 3},
		{ProductID: 2, LocationID: 1},
	})
	assert.Equal(t, []StockKey{
		{ProductID: 1, LocationID: 3},
		{ProductID: 1, LocationID: 9},
		{ProductID: 2, LocationID: 1},
	}, keys)
}

func TestStockLevel_AvailableAndValid(t *testing.T) {
	assert.Equal(t, int64(6), StockLevel{Quantity: 10, ReservedQuantity: 4}.Available())
	assert.Equal(t, int64(0), StockLevel{Quantity: 2, ReservedQuantity: 4}.Available())
	assert.True(t, StockLevel{Quantity: 4, ReservedQuantity: 4}.Valid())
	assert.False(t, StockLevel{Quantity: 3, ReservedQuantity: 4}.Valid())
	assert.False(t, StockLevel{Quantity: -1}.Valid())
}
