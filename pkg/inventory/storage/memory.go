package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStock/pkg/inventory"
)

// MemoryStorage is an in-process Storage with real exclusive row locks.
// Writes are staged per transaction and become visible on commit.
// 行ロックを備えたインメモリのStorage実装
type MemoryStorage struct {
	mu           sync.RWMutex
	levels       map[inventory.StockKey]inventory.StockLevel
	reservations map[string][]inventory.Reservation
	releases     map[string]time.Time
	arrivals     map[string]time.Time
	transfers    []inventory.TransferRecord
	movements    []inventory.Movement

	locks       *lockTable
	lockTimeout time.Duration
	logger      *zap.Logger
}

var _ inventory.Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty store. Lock waits longer than
// lockTimeout fail with inventory.ErrLockTimeout; zero means wait until the
// context ends.
// 新しいインメモリストレージを作成
func NewMemoryStorage(lockTimeout time.Duration, logger *zap.Logger) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStorage{
		levels:       make(map[inventory.StockKey]inventory.StockLevel),
		reservations: make(map[string][]inventory.Reservation),
		releases:     make(map[string]time.Time),
		arrivals:     make(map[string]time.Time),
		locks:        newLockTable(),
		lockTimeout:  lockTimeout,
		logger:       logger,
	}
}

// Seed stores rows directly, bypassing locks. Meant for fixtures.
// テスト用の初期データ投入
func (s *MemoryStorage) Seed(levels ...inventory.StockLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range levels {
		s.levels[l.Key()] = l
	}
}

// WithTx runs fn in one transaction
// トランザクション内でfnを実行
func (s *MemoryStorage) WithTx(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) (err error) {
	tx := &memoryTx{
		store:        s,
		held:         make(map[string]struct{}),
		levels:       make(map[inventory.StockKey]inventory.StockLevel),
		reservations: make(map[string][]inventory.Reservation),
		releases:     make(map[string]*time.Time),
		arrivals:     make(map[string]*time.Time),
	}
	defer tx.releaseLocks()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// GetStockLevel retrieves one row
// 在庫行を取得
func (s *MemoryStorage) GetStockLevel(ctx context.Context, productID, locationID int64) (*inventory.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	level, ok := s.levels[inventory.StockKey{ProductID: productID, LocationID: locationID}]
	if !ok {
		return nil, inventory.ErrStockNotFound
	}
	return &level, nil
}

// ListStockLevelsByProduct lists a product's rows ordered by location
// 商品の在庫行一覧を取得
func (s *MemoryStorage) ListStockLevelsByProduct(ctx context.Context, productID int64) ([]inventory.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterLevels(func(l inventory.StockLevel) bool { return l.ProductID == productID }), nil
}

// ListStockLevelsByLocation lists a location's rows ordered by product
// ロケーションの在庫行一覧を取得
func (s *MemoryStorage) ListStockLevelsByLocation(ctx context.Context, locationID int64) ([]inventory.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterLevels(func(l inventory.StockLevel) bool { return l.LocationID == locationID }), nil
}

func (s *MemoryStorage) filterLevels(keep func(inventory.StockLevel) bool) []inventory.StockLevel {
	out := make([]inventory.StockLevel, 0)
	for _, l := range s.levels {
		if keep(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

// ListTransfers returns matching transfers newest first
// 在庫移動記録を取得
func (s *MemoryStorage) ListTransfers(ctx context.Context, filter inventory.HistoryFilter) ([]inventory.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]inventory.TransferRecord, 0)
	for i := len(s.transfers) - 1; i >= 0; i-- {
		t := s.transfers[i]
		if !filter.Match(t.ProductID, t.CreatedAt, t.SourceLocationID, t.DestinationLocationID) {
			continue
		}
		out = append(out, t)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// ListMovements returns matching movements newest first
// 台帳移動履歴を取得
func (s *MemoryStorage) ListMovements(ctx context.Context, filter inventory.HistoryFilter) ([]inventory.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]inventory.Movement, 0)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if !filter.Match(m.ProductID, m.CreatedAt, m.LocationID) {
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStorage) Close() error {
	return nil
}

// memoryTx stages writes until commit. Locks it holds are reentrant.
type memoryTx struct {
	store        *MemoryStorage
	held         map[string]struct{}
	order        []string
	levels       map[inventory.StockKey]inventory.StockLevel
	reservations map[string][]inventory.Reservation // an empty slice means deleted
	releases     map[string]*time.Time              // nil means cleared
	arrivals     map[string]*time.Time              // nil means unmarked
	transfers    []inventory.TransferRecord
	movements    []inventory.Movement
}

var _ inventory.Tx = (*memoryTx)(nil)

func stockLockKey(k inventory.StockKey) string { return fmt.Sprintf("s:%d:%d", k.ProductID, k.LocationID) }
func documentLockKey(id string) string         { return "d:" + id }
func shipmentLockKey(id string) string         { return "a:" + id }

// acquire takes every key in sorted order, skipping those already held.
func (tx *memoryTx) acquire(ctx context.Context, keys ...string) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, k := range sorted {
		if _, ok := tx.held[k]; ok {
			continue
		}
		if err := tx.store.locks.acquire(ctx, k, tx.store.lockTimeout); err != nil {
			return err
		}
		tx.held[k] = struct{}{}
		tx.order = append(tx.order, k)
	}
	return nil
}

func (tx *memoryTx) releaseLocks() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.store.locks.release(tx.order[i])
	}
	tx.order = nil
	tx.held = map[string]struct{}{}
}

func (tx *memoryTx) level(k inventory.StockKey) (inventory.StockLevel, bool) {
	if l, ok := tx.levels[k]; ok {
		return l, true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	l, ok := tx.store.levels[k]
	return l, ok
}

func (tx *memoryTx) LockStockLevels(ctx context.Context, keys []inventory.StockKey) ([]inventory.StockLevel, error) {
	lockKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		lockKeys = append(lockKeys, stockLockKey(k))
	}
	if err := tx.acquire(ctx, lockKeys...); err != nil {
		return nil, err
	}
	out := make([]inventory.StockLevel, 0, len(keys))
	for _, k := range inventory.SortedKeys(keys) {
		if l, ok := tx.level(k); ok {
			out = append(out, l)
		}
	}
	return out, nil
}

// InsertStockLevels writes zero rows straight to committed state; an empty
// row is indistinguishable from a missing one for every reader.
func (tx *memoryTx) InsertStockLevels(ctx context.Context, keys []inventory.StockKey, at time.Time, by string) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for _, k := range keys {
		if _, ok := tx.store.levels[k]; ok {
			continue
		}
		tx.store.levels[k] = inventory.StockLevel{
			ProductID:  k.ProductID,
			LocationID: k.LocationID,
			UpdatedAt:  at,
			UpdatedBy:  by,
		}
	}
	return nil
}

func (tx *memoryTx) UpdateStockLevels(ctx context.Context, levels []inventory.StockLevel) error {
	for _, l := range levels {
		if _, ok := tx.held[stockLockKey(l.Key())]; !ok {
			return fmt.Errorf("在庫行がロックされていません: %s", l.Key())
		}
		if !l.Valid() {
			return fmt.Errorf("在庫行の制約違反です: %s (数量 %d, 予約 %d)", l.Key(), l.Quantity, l.ReservedQuantity)
		}
	}
	for _, l := range levels {
		tx.levels[l.Key()] = l
	}
	return nil
}

func (tx *memoryTx) ListStockLevelsByProduct(ctx context.Context, productID int64) ([]inventory.StockLevel, error) {
	tx.store.mu.RLock()
	merged := tx.store.filterLevels(func(l inventory.StockLevel) bool { return l.ProductID == productID })
	tx.store.mu.RUnlock()
	for i, l := range merged {
		if staged, ok := tx.levels[l.Key()]; ok {
			merged[i] = staged
		}
	}
	return merged, nil
}

func (tx *memoryTx) InsertMovements(ctx context.Context, movements []inventory.Movement) error {
	tx.movements = append(tx.movements, movements...)
	return nil
}

func (tx *memoryTx) InsertTransfer(ctx context.Context, record *inventory.TransferRecord) error {
	tx.transfers = append(tx.transfers, *record)
	return nil
}

func (tx *memoryTx) LockDocument(ctx context.Context, documentID string) error {
	return tx.acquire(ctx, documentLockKey(documentID))
}

func (tx *memoryTx) GetReservations(ctx context.Context, documentID string) ([]inventory.Reservation, error) {
	if rs, ok := tx.reservations[documentID]; ok {
		return append([]inventory.Reservation(nil), rs...), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return append([]inventory.Reservation(nil), tx.store.reservations[documentID]...), nil
}

func (tx *memoryTx) InsertReservations(ctx context.Context, reservations []inventory.Reservation) error {
	for _, r := range reservations {
		current, err := tx.GetReservations(ctx, r.DocumentID)
		if err != nil {
			return err
		}
		tx.reservations[r.DocumentID] = append(current, r)
	}
	return nil
}

func (tx *memoryTx) DeleteReservations(ctx context.Context, documentID string) error {
	tx.reservations[documentID] = []inventory.Reservation{}
	return nil
}

func (tx *memoryTx) DocumentReleased(ctx context.Context, documentID string) (bool, error) {
	if at, ok := tx.releases[documentID]; ok {
		return at != nil, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	_, ok := tx.store.releases[documentID]
	return ok, nil
}

func (tx *memoryTx) SetDocumentReleased(ctx context.Context, documentID string, released bool, at time.Time) error {
	if !released {
		tx.releases[documentID] = nil
		return nil
	}
	tx.releases[documentID] = &at
	return nil
}

func (tx *memoryTx) LockShipment(ctx context.Context, shipmentID string) error {
	return tx.acquire(ctx, shipmentLockKey(shipmentID))
}

func (tx *memoryTx) arrived(shipmentID string) bool {
	if at, ok := tx.arrivals[shipmentID]; ok {
		return at != nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	_, ok := tx.store.arrivals[shipmentID]
	return ok
}

func (tx *memoryTx) MarkShipmentArrived(ctx context.Context, shipmentID string, at time.Time) (bool, error) {
	if tx.arrived(shipmentID) {
		return false, nil
	}
	tx.arrivals[shipmentID] = &at
	return true, nil
}

func (tx *memoryTx) UnmarkShipmentArrived(ctx context.Context, shipmentID string) (bool, error) {
	if !tx.arrived(shipmentID) {
		return false, nil
	}
	tx.arrivals[shipmentID] = nil
	return true, nil
}

func (tx *memoryTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, l := range tx.levels {
		s.levels[k] = l
	}
	for id, rs := range tx.reservations {
		if len(rs) == 0 {
			delete(s.reservations, id)
			continue
		}
		s.reservations[id] = rs
	}
	for id, at := range tx.releases {
		if at == nil {
			delete(s.releases, id)
			continue
		}
		s.releases[id] = *at
	}
	for id, at := range tx.arrivals {
		if at == nil {
			delete(s.arrivals, id)
			continue
		}
		s.arrivals[id] = *at
	}
	s.transfers = append(s.transfers, tx.transfers...)
	s.movements = append(s.movements, tx.movements...)
}

// lockTable hands out one exclusive lock per key.
type lockTable struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{sems: make(map[string]chan struct{})}
}

func (t *lockTable) sem(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.sems[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.sems[key] = ch
	}
	return ch
}

func (t *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	ch := t.sem(key)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case ch <- struct{}{}:
		return nil
	case <-expired:
		return inventory.NewConcurrencyError("lock", key, "ロック待ちがタイムアウトしました", errLockWaitExpired)
	case <-ctx.Done():
		return inventory.NewStorageError("lock", "ロック待ち中にコンテキストが終了しました: "+key, ctx.Err())
	}
}

func (t *lockTable) release(key string) {
	<-t.sem(key)
}

var errLockWaitExpired = errors.New("lock wait expired")
