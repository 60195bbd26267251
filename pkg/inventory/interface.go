package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Engine defines the stock engine consumed by document workflows
// 伝票ワークフローが利用する在庫エンジンのインターフェースを定義
type Engine interface {
	// 在庫照会 - Stock inquiry
	GetAvailable(ctx context.Context, productID, locationID int64) (int64, error)
	GetStockLevel(ctx context.Context, productID, locationID int64) (*StockLevel, error)
	SetThresholds(ctx context.Context, productID, locationID int64, min, max *int64) error

	// 予約管理 - Reservation management
	Confirm(ctx context.Context, doc *Document) error
	Release(ctx context.Context, doc *Document) error
	Transition(ctx context.Context, doc *Document, to DocumentStatus) error
	ReplaceLines(ctx context.Context, doc *Document, lines []DocumentLine) error
	DeleteDocument(ctx context.Context, doc *Document) error

	// 在庫移動 - Transfers
	Transfer(ctx context.Context, in TransferInput) (*TransferRecord, error)

	// 入荷 - Shipment arrivals
	ApplyShipmentArrival(ctx context.Context, s *Shipment) error
	ReverseShipmentArrival(ctx context.Context, s *Shipment) error
	SaveShipment(ctx context.Context, before ShipmentSnapshot, after *Shipment) error

	// 履歴管理 - History
	GetTransfers(ctx context.Context, filter HistoryFilter) ([]TransferRecord, error)
	GetMovements(ctx context.Context, filter HistoryFilter) ([]Movement, error)
}

// Storage defines the interface for data persistence layer
// データ永続化層のインターフェースを定義
type Storage interface {
	// WithTx runs fn in one transaction; it commits when fn returns nil
	// and rolls back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Stock reads outside any transaction
	GetStockLevel(ctx context.Context, productID, locationID int64) (*StockLevel, error)
	ListStockLevelsByProduct(ctx context.Context, productID int64) ([]StockLevel, error)
	ListStockLevelsByLocation(ctx context.Context, locationID int64) ([]StockLevel, error)

	// History
	ListTransfers(ctx context.Context, filter HistoryFilter) ([]TransferRecord, error)
	ListMovements(ctx context.Context, filter HistoryFilter) ([]Movement, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// Tx is one storage transaction. Lock waits longer than the store's lock
// timeout fail with an error matching ErrLockTimeout.
// ストレージトランザクション
type Tx interface {
	// LockStockLevels locks the existing rows among keys in one batch and
	// returns them; missing rows are not created.
	LockStockLevels(ctx context.Context, keys []StockKey) ([]StockLevel, error)
	// InsertStockLevels inserts zeroed rows for keys that do not exist yet.
	InsertStockLevels(ctx context.Context, keys []StockKey, at time.Time, by string) error
	UpdateStockLevels(ctx context.Context, levels []StockLevel) error
	// ListStockLevelsByProduct reads without locking.
	ListStockLevelsByProduct(ctx context.Context, productID int64) ([]StockLevel, error)

	InsertMovements(ctx context.Context, movements []Movement) error
	InsertTransfer(ctx context.Context, record *TransferRecord) error

	// Document critical section and reservations
	LockDocument(ctx context.Context, documentID string) error
	GetReservations(ctx context.Context, documentID string) ([]Reservation, error)
	InsertReservations(ctx context.Context, reservations []Reservation) error
	DeleteReservations(ctx context.Context, documentID string) error
	// DocumentReleased reports whether the document's reservation was
	// already released; SetDocumentReleased records or clears that.
	DocumentReleased(ctx context.Context, documentID string) (bool, error)
	SetDocumentReleased(ctx context.Context, documentID string, released bool, at time.Time) error

	// Shipment critical section and arrival markers. Mark and Unmark
	// report whether the marker actually changed.
	LockShipment(ctx context.Context, shipmentID string) error
	MarkShipmentArrived(ctx context.Context, shipmentID string, at time.Time) (bool, error)
	UnmarkShipmentArrived(ctx context.Context, shipmentID string) (bool, error)
}

// EventPublisher defines interface for publishing inventory events
// 在庫イベント発行のインターフェースを定義
type EventPublisher interface {
	PublishStockChanged(ctx context.Context, event StockChangedEvent) error
	PublishLowStockAlert(ctx context.Context, event LowStockAlertEvent) error
	PublishItemTransferred(ctx context.Context, event ItemTransferredEvent) error
	PublishStockValueChanged(ctx context.Context, event StockValueChangedEvent) error
}

// Events for inventory operations
// 在庫操作のイベント定義

// StockChangedEvent represents a stock level change
// 在庫レベル変更イベントを表現
type StockChangedEvent struct {
	ProductID     int64     `json:"product_id"`
	LocationID    int64     `json:"location_id"`
	OldQuantity   int64     `json:"old_quantity"`
	NewQuantity   int64     `json:"new_quantity"`
	OldReserved   int64     `json:"old_reserved"`
	NewReserved   int64     `json:"new_reserved"`
	ChangeType    string    `json:"change_type"`
	Reference     string    `json:"reference"`
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"user_id"`
}

// AlertType distinguishes threshold alerts.
type AlertType string

const (
	AlertTypeLowStock  AlertType = "low_stock"  // 低在庫
	AlertTypeOverStock AlertType = "over_stock" // 過剰在庫
)

// LowStockAlertEvent represents a threshold alert
// 在庫閾値アラートイベントを表現
type LowStockAlertEvent struct {
	Type       AlertType `json:"type"`
	ProductID  int64     `json:"product_id"`
	LocationID int64     `json:"location_id"`
	CurrentQty int64     `json:"current_qty"`
	Threshold  int64     `json:"threshold"`
	Timestamp  time.Time `json:"timestamp"`
}

// ItemTransferredEvent represents an item transfer
// 商品移動イベントを表現
type ItemTransferredEvent struct {
	ProductID      int64     `json:"product_id"`
	FromLocationID int64     `json:"from_location_id"`
	ToLocationID   int64     `json:"to_location_id"`
	Quantity       int64     `json:"quantity"`
	Reference      string    `json:"reference"`
	TransactionID  string    `json:"transaction_id"`
	Timestamp      time.Time `json:"timestamp"`
	UserID         string    `json:"user_id"`
}

// StockValueChangedEvent informs the downstream ledger of inventory value
// changes caused by arrivals and their reversals.
// 入荷・入荷取消による在庫評価額の変動イベント
type StockValueChangedEvent struct {
	ShipmentID     string          `json:"shipment_id"`
	ProductID      int64           `json:"product_id"`
	LocationID     int64           `json:"location_id"`
	Quantity       int64           `json:"quantity"`
	LandedUnitCost decimal.Decimal `json:"landed_unit_cost"`
	Value          decimal.Decimal `json:"value"`
	Reason         MovementType    `json:"reason"`
	TransactionID  string          `json:"transaction_id"`
	Timestamp      time.Time       `json:"timestamp"`
	UserID         string          `json:"user_id"`
}
