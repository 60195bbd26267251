package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StockLedger is the only component that reads, creates and writes stock
// rows. Every mutation goes through a RowGuard obtained from one batched
// lock call.
// 在庫行の読み書きと作成を一元管理する台帳
type StockLedger struct {
	storage Storage
	logger  *zap.Logger
	audit   bool
	now     func() time.Time
}

// NewStockLedger creates a ledger over storage. When audit is set every
// write also appends Movement records in the same transaction.
func NewStockLedger(storage Storage, logger *zap.Logger, audit bool) *StockLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockLedger{
		storage: storage,
		logger:  logger,
		audit:   audit,
		now:     time.Now,
	}
}

// GetAvailable returns quantity minus reserved for one row; a missing row
// reads as zero.
// 利用可能数量を取得（行が無い場合は0）
func (l *StockLedger) GetAvailable(ctx context.Context, productID, locationID int64) (int64, error) {
	level, err := l.storage.GetStockLevel(ctx, productID, locationID)
	if errors.Is(err, ErrStockNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return level.Available(), nil
}

// LockRows locks every existing row among keys with one batched call.
// Missing rows are not created; they read as zero inside the guard.
// 指定キーの在庫行を一括でロック
func (l *StockLedger) LockRows(ctx context.Context, tx Tx, keys []StockKey) (*RowGuard, error) {
	sorted := SortedKeys(keys)
	rows, err := tx.LockStockLevels(ctx, sorted)
	if err != nil {
		return nil, err
	}
	g := &RowGuard{
		ledger: l,
		tx:     tx,
		rows:   make(map[StockKey]StockLevel, len(rows)),
	}
	for _, row := range rows {
		g.rows[row.Key()] = row
	}
	return g, nil
}

// LockOrCreateRows inserts zeroed rows for missing keys and then locks the
// whole set in one batch.
// 不足行を作成してから一括ロック
func (l *StockLedger) LockOrCreateRows(ctx context.Context, tx Tx, keys []StockKey) (*RowGuard, error) {
	sorted := SortedKeys(keys)
	if err := l.ensureRows(ctx, tx, sorted); err != nil {
		return nil, err
	}
	return l.LockRows(ctx, tx, sorted)
}

// ensureRows is the single place stock rows are created.
func (l *StockLedger) ensureRows(ctx context.Context, tx Tx, keys []StockKey) error {
	return tx.InsertStockLevels(ctx, SortedKeys(keys), l.now(), UserFromContext(ctx))
}

// EnsureRow creates the row if needed in its own transaction and returns it.
// 在庫行が無ければ作成する（冪等）
func (l *StockLedger) EnsureRow(ctx context.Context, productID, locationID int64) (StockLevel, error) {
	key := StockKey{ProductID: productID, LocationID: locationID}
	var level StockLevel
	err := l.storage.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		g, err := l.LockOrCreateRows(ctx, tx, []StockKey{key})
		if err != nil {
			return err
		}
		row, ok := g.Row(key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrStockNotFound, key)
		}
		level = row
		return nil
	})
	return level, err
}

// SetThresholds sets the alerting bounds of a row, creating it if needed
// 在庫行の最小・最大閾値を設定
func (l *StockLedger) SetThresholds(ctx context.Context, productID, locationID int64, min, max *int64) error {
	if min != nil && *min < 0 {
		return NewValidationError("min_threshold", "閾値は0以上である必要があります", fmt.Sprintf("%d", *min))
	}
	if max != nil && *max < 0 {
		return NewValidationError("max_threshold", "閾値は0以上である必要があります", fmt.Sprintf("%d", *max))
	}
	if min != nil && max != nil && *min > *max {
		return NewValidationError("threshold", "最小閾値が最大閾値を超えています", fmt.Sprintf("%d > %d", *min, *max))
	}

	key := StockKey{ProductID: productID, LocationID: locationID}
	return l.storage.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		g, err := l.LockOrCreateRows(ctx, tx, []StockKey{key})
		if err != nil {
			return err
		}
		row, ok := g.Row(key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrStockNotFound, key)
		}
		row.MinThreshold = min
		row.MaxThreshold = max
		row.UpdatedAt = l.now()
		row.UpdatedBy = UserFromContext(ctx)
		return tx.UpdateStockLevels(ctx, []StockLevel{row})
	})
}

// RowGuard holds a set of locked rows for the rest of a transaction.
// ロック済み在庫行の集合
type RowGuard struct {
	ledger  *StockLedger
	tx      Tx
	rows    map[StockKey]StockLevel
	changes []StockChange
}

// Row returns the current (locked) state of a row.
func (g *RowGuard) Row(key StockKey) (StockLevel, bool) {
	row, ok := g.rows[key]
	return row, ok
}

// Changes returns every row change written through the guard.
func (g *RowGuard) Changes() []StockChange {
	return g.changes
}

// Adjust applies deltas to locked rows. Deltas for the same row are summed;
// every resulting row is checked before anything is written, and a failure
// reports each offending row as an *InsufficientStockError.
// 在庫行に増減を適用する（全行検証後に一括更新）
func (g *RowGuard) Adjust(ctx context.Context, movement MovementType, reference string, deltas ...Delta) error {
	agg := aggregateDeltas(deltas)

	var errs []error
	next := make([]StockLevel, 0, len(agg))
	applied := make([]Delta, 0, len(agg))
	for _, key := range sortedDeltaKeys(agg) {
		d := agg[key]
		if d.Quantity == 0 && d.Reserved == 0 {
			continue
		}
		cur, ok := g.rows[key]
		if !ok {
			cur = StockLevel{ProductID: key.ProductID, LocationID: key.LocationID}
		}
		row := cur
		row.Quantity += d.Quantity
		row.ReservedQuantity += d.Reserved
		if !row.Valid() {
			errs = append(errs, shortage(cur, d))
			continue
		}
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrStockNotFound, key))
			continue
		}
		next = append(next, row)
		applied = append(applied, d)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return g.write(ctx, movement, reference, next, applied)
}

// Release decreases reserved quantities, clamping at zero. It never fails
// on quantities; rows that do not exist are skipped.
// 予約数量を解除（0未満にはならない）
func (g *RowGuard) Release(ctx context.Context, reference string, deltas ...Delta) error {
	agg := aggregateDeltas(deltas)

	next := make([]StockLevel, 0, len(agg))
	applied := make([]Delta, 0, len(agg))
	for _, key := range sortedDeltaKeys(agg) {
		cur, ok := g.rows[key]
		if !ok {
			continue
		}
		release := -agg[key].Reserved
		if release > cur.ReservedQuantity {
			release = cur.ReservedQuantity
		}
		if release <= 0 {
			continue
		}
		row := cur
		row.ReservedQuantity -= release
		next = append(next, row)
		applied = append(applied, Delta{Key: key, Reserved: -release})
	}
	return g.write(ctx, MovementTypeRelease, reference, next, applied)
}

func (g *RowGuard) write(ctx context.Context, movement MovementType, reference string, next []StockLevel, applied []Delta) error {
	if len(next) == 0 {
		return nil
	}
	at := g.ledger.now()
	user := UserFromContext(ctx)
	for i := range next {
		next[i].UpdatedAt = at
		next[i].UpdatedBy = user
	}
	if err := g.tx.UpdateStockLevels(ctx, next); err != nil {
		return err
	}

	if g.ledger.audit {
		movements := make([]Movement, 0, len(applied))
		for _, d := range applied {
			movements = append(movements, Movement{
				ID:            NewTransactionID(),
				Type:          movement,
				ProductID:     d.Key.ProductID,
				LocationID:    d.Key.LocationID,
				QuantityDelta: d.Quantity,
				ReservedDelta: d.Reserved,
				Reference:     reference,
				CreatedAt:     at,
				CreatedBy:     user,
			})
		}
		if err := g.tx.InsertMovements(ctx, movements); err != nil {
			return err
		}
	}

	for _, row := range next {
		g.changes = append(g.changes, StockChange{Before: g.rows[row.Key()], After: row, Type: movement})
		g.rows[row.Key()] = row
	}
	return nil
}

func aggregateDeltas(deltas []Delta) map[StockKey]Delta {
	agg := make(map[StockKey]Delta, len(deltas))
	for _, d := range deltas {
		cur := agg[d.Key]
		cur.Key = d.Key
		cur.Quantity += d.Quantity
		cur.Reserved += d.Reserved
		agg[d.Key] = cur
	}
	return agg
}

func sortedDeltaKeys(agg map[StockKey]Delta) []StockKey {
	keys := make([]StockKey, 0, len(agg))
	for k := range agg {
		keys = append(keys, k)
	}
	return SortedKeys(keys)
}

// shortage describes why cur cannot take d.
func shortage(cur StockLevel, d Delta) *InsufficientStockError {
	e := &InsufficientStockError{ProductID: cur.ProductID, LocationID: cur.LocationID}
	if cur.ReservedQuantity+d.Reserved < 0 {
		e.Requested = -d.Reserved
		e.Available = cur.ReservedQuantity
		return e
	}
	e.Requested = d.Reserved - d.Quantity
	e.Available = cur.Available()
	return e
}
