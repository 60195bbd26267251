// Package inventory provides the stock engine: per-location on-hand and
// reserved quantities, reservations for order documents, transfers,
// shipment arrivals and landed-cost allocation.
package inventory

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// StockKey identifies a stock row
// 在庫行を識別するキー（商品ID + ロケーションID）
type StockKey struct {
	ProductID  int64 `json:"product_id"`
	LocationID int64 `json:"location_id"`
}

func (k StockKey) String() string {
	return fmt.Sprintf("%d@%d", k.ProductID, k.LocationID)
}

// Less orders keys by product then location.
func (k StockKey) Less(o StockKey) bool {
	if k.ProductID != o.ProductID {
		return k.ProductID < o.ProductID
	}
	return k.LocationID < o.LocationID
}

// SortedKeys returns the distinct keys in lock order
// ロック順序（商品ID、ロケーションIDの昇順）で重複のないキーを返す
func SortedKeys(keys []StockKey) []StockKey {
	seen := make(map[StockKey]struct{}, len(keys))
	out := make([]StockKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// StockLevel represents on-hand and reserved quantity at a location
// 特定ロケーションでの在庫数量と予約数量を表現
type StockLevel struct {
	ProductID        int64     `json:"product_id" db:"product_id"`               // 商品ID
	LocationID       int64     `json:"location_id" db:"location_id"`             // ロケーションID
	Quantity         int64     `json:"quantity" db:"quantity"`                   // 在庫数量
	ReservedQuantity int64     `json:"reserved_quantity" db:"reserved_quantity"` // 予約済み数量
	MinThreshold     *int64    `json:"min_threshold,omitempty" db:"min_threshold"`
	MaxThreshold     *int64    `json:"max_threshold,omitempty" db:"max_threshold"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
	UpdatedBy        string    `json:"updated_by" db:"updated_by"`
}

// Key returns the row key.
func (s StockLevel) Key() StockKey {
	return StockKey{ProductID: s.ProductID, LocationID: s.LocationID}
}

// Available returns quantity minus reserved, never negative
// 利用可能数量（在庫数量 - 予約数量、負にはならない）
func (s StockLevel) Available() int64 {
	if a := s.Quantity - s.ReservedQuantity; a > 0 {
		return a
	}
	return 0
}

// Valid reports whether the row satisfies 0 <= reserved <= quantity.
func (s StockLevel) Valid() bool {
	return s.ReservedQuantity >= 0 && s.ReservedQuantity <= s.Quantity
}

// Delta is a signed change applied to one stock row
// 在庫行に適用する増減量
type Delta struct {
	Key      StockKey
	Quantity int64
	Reserved int64
}

// StockChange records a row before and after a committed write.
type StockChange struct {
	Before StockLevel
	After  StockLevel
	Type   MovementType
}

// MovementType defines the type of ledger movement
// 台帳移動のタイプを定義
type MovementType string

const (
	MovementTypeReserve         MovementType = "reserve"          // 予約
	MovementTypeRelease         MovementType = "release"          // 予約解除
	MovementTypeTransferOut     MovementType = "transfer_out"     // 移動（出）
	MovementTypeTransferIn      MovementType = "transfer_in"      // 移動（入）
	MovementTypeArrival         MovementType = "arrival"          // 入荷
	MovementTypeArrivalReversal MovementType = "arrival_reversal" // 入荷取消
)

// Movement is one audit entry for a ledger write
// 台帳書き込みごとの監査記録
type Movement struct {
	ID            string       `json:"id" db:"id"`
	Type          MovementType `json:"type" db:"type"`
	ProductID     int64        `json:"product_id" db:"product_id"`
	LocationID    int64        `json:"location_id" db:"location_id"`
	QuantityDelta int64        `json:"quantity_delta" db:"quantity_delta"`
	ReservedDelta int64        `json:"reserved_delta" db:"reserved_delta"`
	Reference     string       `json:"reference" db:"reference"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	CreatedBy     string       `json:"created_by" db:"created_by"`
}

// TransferRecord is the immutable record of one completed transfer
// 完了した在庫移動の不変記録
type TransferRecord struct {
	ID                    string    `json:"id" db:"id"`
	ProductID             int64     `json:"product_id" db:"product_id"`
	SourceLocationID      int64     `json:"source_location_id" db:"source_location_id"`
	DestinationLocationID int64     `json:"destination_location_id" db:"destination_location_id"`
	Quantity              int64     `json:"quantity" db:"quantity"`
	Reference             string    `json:"reference" db:"reference"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	CreatedBy             string    `json:"created_by" db:"created_by"`
}

// TransferInput describes a transfer request.
type TransferInput struct {
	ProductID             int64  `json:"product_id" validate:"gt=0"`
	SourceLocationID      int64  `json:"source_location_id" validate:"gt=0"`
	DestinationLocationID int64  `json:"destination_location_id" validate:"gt=0,nefield=SourceLocationID"`
	Quantity              int64  `json:"quantity" validate:"gt=0"`
	Reference             string `json:"reference" validate:"max=500"`
}

// Reservation is what a confirmed document holds on one row
// 確定済み伝票が在庫行に対して保持する予約
type Reservation struct {
	DocumentID string `json:"document_id" db:"document_id"`
	ProductID  int64  `json:"product_id" db:"product_id"`
	LocationID int64  `json:"location_id" db:"location_id"`
	Quantity   int64  `json:"quantity" db:"quantity"`
}

// Key returns the stock row the reservation is held on.
func (r Reservation) Key() StockKey {
	return StockKey{ProductID: r.ProductID, LocationID: r.LocationID}
}

// LocationAvailability is one entry of an availability snapshot.
type LocationAvailability struct {
	LocationID int64
	Available  int64
}

// NewTransactionID generates a new record ID
// 新しい記録IDを生成
func NewTransactionID() string {
	return uuid.New().String()
}
