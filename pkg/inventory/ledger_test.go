package inventory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStock/pkg/inventory"
	"github.com/nemonet1337/zaiStock/pkg/inventory/storage"
)

func newLedger(levels ...inventory.StockLevel) (*inventory.StockLedger, *storage.MemoryStorage) {
	store := storage.NewMemoryStorage(0, zap.NewNop())
	store.Seed(levels...)
	return inventory.NewStockLedger(store, zap.NewNop(), true), store
}

func key(productID, locationID int64) inventory.StockKey {
	return inventory.StockKey{ProductID: productID, LocationID: locationID}
}

func TestStockLedger_AdjustChecksEveryRowBeforeWriting(t *testing.T) {
	ledger, store := newLedger(stock(1, 10, 10, 0), stock(2, 10, 1, 0))
	ctx := context.Background()

	err := store.WithTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		g, err := ledger.LockRows(ctx, tx, []inventory.StockKey{key(2, 10), key(1, 10)})
		if err != nil {
			return err
		}
		err = g.Adjust(ctx, inventory.MovementTypeReserve, "SO-1",
			inventory.Delta{Key: key(1, 10), Reserved: 5},
			inventory.Delta{Key: key(2, 10), Reserved: 2},
		)
		// 検証失敗時はガード内の行も変化しない
		row, _ := g.Row(key(1, 10))
		assert.Equal(t, int64(0), row.ReservedQuantity)
		assert.Empty(t, g.Changes())
		return err
	})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	shortages := inventory.InsufficientStockErrors(err)
	require.Len(t, shortages, 1)
	assert.Equal(t, inventory.InsufficientStockError{ProductID: 2, LocationID: 10, Requested: 2, Available: 1}, *shortages[0])

	level, err := store.GetStockLevel(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), level.ReservedQuantity)
}

func TestStockLedger_AdjustSumsDeltasPerRow(t *testing.T) {
	ledger, store := newLedger(stock(1, 10, 6, 0))
	ctx := context.Background()

	err := store.WithTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		g, err := ledger.LockRows(ctx, tx, []inventory.StockKey{key(1, 10)})
		if err != nil {
			return err
		}
		return g.Adjust(ctx, inventory.MovementTypeReserve, "SO-2",
			inventory.Delta{Key: key(1, 10), Reserved: 3},
			inventory.Delta{Key: key(1, 10), Reserved: 4},
		)
	})
	shortages := inventory.InsufficientStockErrors(err)
	require.Len(t, shortages, 1)
	assert.Equal(t, int64(7), shortages[0].Requested)
	assert.Equal(t, int64(6), shortages[0].Available)
}

func TestStockLedger_AdjustMissingRow(t *testing.T) {
	ledger, store := newLedger()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx inventory.Tx) error {
		g, err := ledger.LockRows(ctx, tx, []inventory.StockKey{key(1, 10)})
		if err != nil {
			return err
		}
		return g.Adjust(ctx, inventory.MovementTypeArrival, "SH-1", inventory.Delta{Key: key(1, 10), Quantity: 3})
	})
	assert.ErrorIs(t, err, inventory.ErrStockNotFound)

	// 行が無い状態での減算は在庫不足
	err = store.WithTx(context.Background(), func(ctx context.Context, tx inventory.Tx) error {
		g, err := ledger.LockRows(ctx, tx, []inventory.StockKey{key(1, 10)})
		if err != nil {
			return err
		}
		return g.Adjust(ctx, inventory.MovementTypeTransferOut, "MOVE", inventory.Delta{Key: key(1, 10), Quantity: -1})
	})
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
}

func TestStockLedger_ReleaseClampsAndRecordsMovements(t *testing.T) {
	ledger, store := newLedger(stock(1, 10, 10, 2), stock(1, 20, 10, 5))
	ctx := inventory.WithUser(context.Background(), "clerk")

	err := store.WithTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		g, err := ledger.LockRows(ctx, tx, []inventory.StockKey{key(1, 10), key(1, 20), key(1, 30)})
		if err != nil {
			return err
		}
		if err := g.Release(ctx, "SO-3",
			inventory.Delta{Key: key(1, 10), Reserved: -4},
			inventory.Delta{Key: key(1, 20), Reserved: -1},
			inventory.Delta{Key: key(1, 30), Reserved: -1},
		); err != nil {
			return err
		}
		assert.Len(t, g.Changes(), 2)
		return nil
	})
	require.NoError(t, err)

	a, err := store.GetStockLevel(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.ReservedQuantity)
	assert.Equal(t, "clerk", a.UpdatedBy)

	b, err := store.GetStockLevel(ctx, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(4), b.ReservedQuantity)

	movements, err := store.ListMovements(ctx, inventory.HistoryFilter{ProductID: 1})
	require.NoError(t, err)
	require.Len(t, movements, 2)
	for _, m := range movements {
		assert.Equal(t, inventory.MovementTypeRelease, m.Type)
		assert.Equal(t, "SO-3", m.Reference)
	}
	assert.Equal(t, int64(-1), movements[0].ReservedDelta)
	assert.Equal(t, int64(-2), movements[1].ReservedDelta)
}

func TestStockLedger_EnsureRowIsIdempotent(t *testing.T) {
	ledger, store := newLedger(stock(1, 10, 7, 1))
	ctx := context.Background()

	created, err := ledger.EnsureRow(ctx, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), created.Quantity)

	existing, err := ledger.EnsureRow(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(7), existing.Quantity)
	assert.Equal(t, int64(1), existing.ReservedQuantity)

	levels, err := store.ListStockLevelsByLocation(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, levels, 2)

	available, err := ledger.GetAvailable(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), available)
}

func TestStockLedger_AuditDisabledWritesNoMovements(t *testing.T) {
	store := storage.NewMemoryStorage(0, zap.NewNop())
	store.Seed(stock(1, 10, 10, 0))
	ledger := inventory.NewStockLedger(store, nil, false)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		g, err := ledger.LockRows(ctx, tx, []inventory.StockKey{key(1, 10)})
		if err != nil {
			return err
		}
		return g.Adjust(ctx, inventory.MovementTypeReserve, "SO-4", inventory.Delta{Key: key(1, 10), Reserved: 1})
	}))

	movements, err := store.ListMovements(ctx, inventory.HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, movements)
}
