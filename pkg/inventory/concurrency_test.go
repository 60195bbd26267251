package inventory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nemonet1337/zaiStock/pkg/inventory"
	"github.com/nemonet1337/zaiStock/pkg/inventory/storage"
)

func TestConcurrentConfirmsNeverOversell(t *testing.T) {
	store := storage.NewMemoryStorage(0, zap.NewNop())
	store.Seed(stock(1, 10, 10, 0))
	manager := inventory.NewManager(store, nil, zap.NewNop(), inventory.DefaultConfig())

	var confirmed, rejected atomic.Int64
	var g errgroup.Group
	for i := 0; i < 25; i++ {
		doc := saleDoc(fmt.Sprintf("SO-%d", i), line(1, 10, 1))
		g.Go(func() error {
			err := manager.Confirm(context.Background(), doc)
			switch {
			case err == nil:
				confirmed.Add(1)
			case errors.Is(err, inventory.ErrInsufficientStock):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(10), confirmed.Load())
	assert.Equal(t, int64(15), rejected.Load())

	level, err := store.GetStockLevel(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), level.ReservedQuantity)
	assert.True(t, level.Valid())
}

func TestConcurrentTransfersConserveQuantity(t *testing.T) {
	store := storage.NewMemoryStorage(0, zap.NewNop())
	store.Seed(stock(1, 10, 50, 0), stock(1, 20, 50, 0))
	manager := inventory.NewManager(store, nil, zap.NewNop(), inventory.DefaultConfig())

	var g errgroup.Group
	for i := 0; i < 40; i++ {
		in := inventory.TransferInput{ProductID: 1, SourceLocationID: 10, DestinationLocationID: 20, Quantity: 3}
		if i%2 == 1 {
			in.SourceLocationID, in.DestinationLocationID = 20, 10
		}
		g.Go(func() error {
			_, err := manager.Transfer(context.Background(), in)
			if err != nil && !errors.Is(err, inventory.ErrInsufficientStock) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	levels, err := store.ListStockLevelsByProduct(context.Background(), 1)
	require.NoError(t, err)
	var total int64
	for _, l := range levels {
		assert.True(t, l.Valid())
		total += l.Quantity
	}
	assert.Equal(t, int64(100), total)
}

// batchCountingStorage records how many LockStockLevels batches each
// transaction issues.
type batchCountingStorage struct {
	*storage.MemoryStorage
	mu      sync.Mutex
	batches []int
}

func (s *batchCountingStorage) WithTx(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) error {
	return s.MemoryStorage.WithTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		counted := &batchCountingTx{Tx: tx}
		err := fn(ctx, counted)
		s.mu.Lock()
		s.batches = append(s.batches, counted.batches)
		s.mu.Unlock()
		return err
	})
}

func (s *batchCountingStorage) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = nil
}

func (s *batchCountingStorage) counts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.batches...)
}

type batchCountingTx struct {
	inventory.Tx
	batches int
}

func (tx *batchCountingTx) LockStockLevels(ctx context.Context, keys []inventory.StockKey) ([]inventory.StockLevel, error) {
	tx.batches++
	return tx.Tx.LockStockLevels(ctx, keys)
}

func newCountingManager(levels ...inventory.StockLevel) (*inventory.Manager, *batchCountingStorage) {
	store := &batchCountingStorage{MemoryStorage: storage.NewMemoryStorage(2*time.Second, zap.NewNop())}
	store.Seed(levels...)
	cfg := inventory.DefaultConfig()
	cfg.LockRetryAttempts = 1
	return inventory.NewManager(store, nil, zap.NewNop(), cfg), store
}

func TestConcurrentCrossLocationReplaceLines(t *testing.T) {
	const pairs = 10
	manager, store := newCountingManager(stock(1, 1, 100, 0), stock(1, 2, 100, 0))
	ctx := context.Background()

	docsA := make([]*inventory.Document, pairs)
	docsB := make([]*inventory.Document, pairs)
	for i := 0; i < pairs; i++ {
		docsA[i] = saleDoc(fmt.Sprintf("SO-A%d", i), line(1, 1, 1))
		docsB[i] = saleDoc(fmt.Sprintf("SO-B%d", i), line(1, 2, 1))
		require.NoError(t, manager.Confirm(ctx, docsA[i]))
		require.NoError(t, manager.Confirm(ctx, docsB[i]))
	}
	store.reset()

	// AとBが互いのロケーションへ入れ替わる
	var g errgroup.Group
	for i := 0; i < pairs; i++ {
		a, b := docsA[i], docsB[i]
		g.Go(func() error {
			return manager.ReplaceLines(ctx, a, []inventory.DocumentLine{line(1, 2, 1)})
		})
		g.Go(func() error {
			return manager.ReplaceLines(ctx, b, []inventory.DocumentLine{line(1, 1, 1)})
		})
	}
	require.NoError(t, g.Wait())

	counts := store.counts()
	require.Len(t, counts, 2*pairs)
	for _, n := range counts {
		assert.Equal(t, 1, n)
	}

	for _, loc := range []int64{1, 2} {
		level, err := store.GetStockLevel(ctx, 1, loc)
		require.NoError(t, err)
		assert.Equal(t, int64(pairs), level.ReservedQuantity)
		assert.True(t, level.Valid())
	}
	assert.Equal(t, int64(2), docsA[0].Lines[0].LocationID)
	assert.Equal(t, int64(1), docsB[0].Lines[0].LocationID)
}

func TestConcurrentCrossLocationShipmentEdits(t *testing.T) {
	const pairs = 10
	manager, store := newCountingManager()
	ctx := context.Background()

	shipA := make([]*inventory.Shipment, pairs)
	shipB := make([]*inventory.Shipment, pairs)
	for i := 0; i < pairs; i++ {
		shipA[i] = arrivedShipment(fmt.Sprintf("SH-A%d", i), shipLine(1, 1, 10, "5"))
		shipB[i] = arrivedShipment(fmt.Sprintf("SH-B%d", i), shipLine(1, 2, 10, "5"))
		require.NoError(t, manager.SaveShipment(ctx, inventory.ShipmentSnapshot{}, shipA[i]))
		require.NoError(t, manager.SaveShipment(ctx, inventory.ShipmentSnapshot{}, shipB[i]))
	}
	store.reset()

	var g errgroup.Group
	for i := 0; i < pairs; i++ {
		a, b := shipA[i], shipB[i]
		beforeA, beforeB := a.Snapshot(), b.Snapshot()
		a.Lines = []inventory.ShipmentLine{shipLine(1, 2, 10, "5")}
		b.Lines = []inventory.ShipmentLine{shipLine(1, 1, 10, "5")}
		g.Go(func() error { return manager.SaveShipment(ctx, beforeA, a) })
		g.Go(func() error { return manager.SaveShipment(ctx, beforeB, b) })
	}
	require.NoError(t, g.Wait())

	counts := store.counts()
	require.Len(t, counts, 2*pairs)
	for _, n := range counts {
		assert.Equal(t, 1, n)
	}

	for _, loc := range []int64{1, 2} {
		level, err := store.GetStockLevel(ctx, 1, loc)
		require.NoError(t, err)
		assert.Equal(t, int64(10*pairs), level.Quantity)
	}
}
