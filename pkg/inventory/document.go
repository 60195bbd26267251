package inventory

// DocumentKind is the kind of order-like document that reserves stock.
type DocumentKind string

const (
	DocumentKindSale     DocumentKind = "SALE"      // 販売
	DocumentKindPreOrder DocumentKind = "PRE_ORDER" // 予約注文
)

// DocumentStatus is the lifecycle state of a document
// 伝票のライフサイクル状態
type DocumentStatus string

const (
	DocumentStatusDraft     DocumentStatus = "DRAFT"     // 下書き
	DocumentStatusConfirmed DocumentStatus = "CONFIRMED" // 確定
	DocumentStatusCancelled DocumentStatus = "CANCELLED" // 取消
	DocumentStatusRefunded  DocumentStatus = "REFUNDED"  // 返金済み
)

var documentTransitions = map[DocumentStatus][]DocumentStatus{
	DocumentStatusDraft:     {DocumentStatusConfirmed, DocumentStatusCancelled},
	DocumentStatusConfirmed: {DocumentStatusCancelled, DocumentStatusRefunded},
}

// Terminal reports whether no transition leaves the status.
func (s DocumentStatus) Terminal() bool {
	return s == DocumentStatusCancelled || s == DocumentStatusRefunded
}

// CanTransitionTo reports whether next is reachable from s in one step
// 1ステップでnextへ遷移可能かを判定
func (s DocumentStatus) CanTransitionTo(next DocumentStatus) bool {
	for _, allowed := range documentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Document is an order-like document whose confirmed lines hold reservations
// 確定時に在庫を予約する受注系伝票
type Document struct {
	ID     string         `json:"id" validate:"required,max=255"`
	Kind   DocumentKind   `json:"kind" validate:"omitempty,oneof=SALE PRE_ORDER"`
	Status DocumentStatus `json:"status" validate:"required,oneof=DRAFT CONFIRMED CANCELLED REFUNDED"`
	Lines  []DocumentLine `json:"lines" validate:"dive"`
}

// DocumentLine is one product line; LocationID 0 lets the engine pick one.
type DocumentLine struct {
	ProductID  int64 `json:"product_id" validate:"gt=0"`
	LocationID int64 `json:"location_id" validate:"gte=0"`
	Quantity   int64 `json:"quantity" validate:"gt=0"`
}

// Key returns the stock row of a line with a resolved location.
func (l DocumentLine) Key() StockKey {
	return StockKey{ProductID: l.ProductID, LocationID: l.LocationID}
}

func cloneLines(lines []DocumentLine) []DocumentLine {
	if lines == nil {
		return nil
	}
	out := make([]DocumentLine, len(lines))
	copy(out, lines)
	return out
}
