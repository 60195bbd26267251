package inventory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HistoryFilter narrows history queries. Zero fields match everything.
// 履歴検索条件（ゼロ値は条件なし）
type HistoryFilter struct {
	ProductID  int64      `json:"product_id,omitempty"`
	LocationID int64      `json:"location_id,omitempty"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// normalized clamps Limit into (0, maxHistoryLimit].
func (f HistoryFilter) normalized() HistoryFilter {
	if f.Limit <= 0 {
		f.Limit = defaultHistoryLimit
	}
	if f.Limit > maxHistoryLimit {
		f.Limit = maxHistoryLimit
	}
	return f
}

// Match reports whether a record at (productID, locationIDs..., at) passes
// the filter. A record matches the location when any of its locations does.
func (f HistoryFilter) Match(productID int64, at time.Time, locationIDs ...int64) bool {
	if f.ProductID != 0 && f.ProductID != productID {
		return false
	}
	if f.From != nil && at.Before(*f.From) {
		return false
	}
	if f.To != nil && !at.Before(*f.To) {
		return false
	}
	if f.LocationID == 0 {
		return true
	}
	for _, id := range locationIDs {
		if id == f.LocationID {
			return true
		}
	}
	return false
}

// TrackingManager answers audit-trail queries over transfers and movements
// 在庫移動と台帳履歴の照会を処理
type TrackingManager struct {
	storage Storage
	logger  *zap.Logger
	now     func() time.Time
}

// NewTrackingManager creates a new tracking manager
// 新しい追跡マネージャーを作成
func NewTrackingManager(storage Storage, logger *zap.Logger) *TrackingManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrackingManager{
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}
}

// GetTransfers returns transfer records newest first
// 在庫移動記録を新しい順に取得
func (tm *TrackingManager) GetTransfers(ctx context.Context, filter HistoryFilter) ([]TransferRecord, error) {
	records, err := tm.storage.ListTransfers(ctx, filter.normalized())
	if err != nil {
		return nil, NewStorageError("list_transfers", "在庫移動履歴取得に失敗しました", err)
	}
	return records, nil
}

// GetMovements returns ledger movements newest first
// 台帳移動履歴を新しい順に取得
func (tm *TrackingManager) GetMovements(ctx context.Context, filter HistoryFilter) ([]Movement, error) {
	movements, err := tm.storage.ListMovements(ctx, filter.normalized())
	if err != nil {
		return nil, NewStorageError("list_movements", "台帳履歴取得に失敗しました", err)
	}
	return movements, nil
}

// GetAuditTrail retrieves comprehensive audit trail for a product
// 商品の包括的な監査証跡を取得
func (tm *TrackingManager) GetAuditTrail(ctx context.Context, productID int64, from, to time.Time) (*AuditTrail, error) {
	filter := HistoryFilter{ProductID: productID, From: &from, To: &to, Limit: maxHistoryLimit}

	transfers, err := tm.GetTransfers(ctx, filter)
	if err != nil {
		return nil, err
	}
	movements, err := tm.GetMovements(ctx, filter)
	if err != nil {
		return nil, err
	}
	levels, err := tm.storage.ListStockLevelsByProduct(ctx, productID)
	if err != nil {
		return nil, NewStorageError("list_stock_levels", "在庫取得に失敗しました", err)
	}

	tm.logger.Debug("監査証跡を作成しました",
		zap.Int64("product_id", productID),
		zap.Int("transfers", len(transfers)),
		zap.Int("movements", len(movements)),
	)

	return &AuditTrail{
		ProductID:   productID,
		FromDate:    from,
		ToDate:      to,
		Levels:      levels,
		Transfers:   transfers,
		Movements:   movements,
		GeneratedAt: tm.now(),
	}, nil
}

// AuditTrail represents a comprehensive audit trail
// 包括的な監査証跡を表現
type AuditTrail struct {
	ProductID   int64            `json:"product_id"`
	FromDate    time.Time        `json:"from_date"`
	ToDate      time.Time        `json:"to_date"`
	Levels      []StockLevel     `json:"levels"`
	Transfers   []TransferRecord `json:"transfers"`
	Movements   []Movement       `json:"movements"`
	GeneratedAt time.Time        `json:"generated_at"`
}
