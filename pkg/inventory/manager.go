package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("inventory-engine")

// Manager implements the Engine interface
// Engineインターフェースの実装
type Manager struct {
	storage   Storage        // ストレージ層
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
	config    *Config        // 設定
	metrics   *Metrics       // メトリクス（nilの場合は記録しない）
	now       func() time.Time

	ledger       *StockLedger
	reservations *ReservationCoordinator
	transfers    *TransferCoordinator
	arrivals     *ShipmentArrivalProcessor
	tracking     *TrackingManager
	valuation    *ValuationEngine
}

// すべてのインターフェースを実装することを明示
var _ Engine = (*Manager)(nil)

// Config holds configuration for the stock engine
// 在庫エンジンの設定を保持
type Config struct {
	AuditEnabled      bool          `yaml:"audit_enabled" split_words:"true"`       // 監査ログ有効
	LowStockThreshold int64         `yaml:"low_stock_threshold" split_words:"true"` // 低在庫閾値（行に最小閾値が無い場合）
	LockTimeout       time.Duration `yaml:"lock_timeout" split_words:"true"`        // ロック待ちタイムアウト
	LockRetryAttempts int           `yaml:"lock_retry_attempts" split_words:"true"` // ロックタイムアウト時の試行回数
	LockRetryBackoff  time.Duration `yaml:"lock_retry_backoff" split_words:"true"`  // 再試行間隔
}

// DefaultConfig returns the engine defaults
// デフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		AuditEnabled:      true,
		LowStockThreshold: 10,
		LockTimeout:       5 * time.Second,
		LockRetryAttempts: 3,
		LockRetryBackoff:  50 * time.Millisecond,
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMetrics records operation metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// NewManager creates a new stock engine
// 新しい在庫エンジンを作成
func NewManager(storage Storage, publisher EventPublisher, logger *zap.Logger, config *Config, opts ...Option) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.ledger = NewStockLedger(storage, logger, config.AuditEnabled)
	m.ledger.now = m.now
	m.reservations = NewReservationCoordinator(m.ledger, logger)
	m.transfers = NewTransferCoordinator(m.ledger, logger)
	m.arrivals = NewShipmentArrivalProcessor(m.ledger, logger)
	m.tracking = NewTrackingManager(storage, logger)
	m.tracking.now = m.now
	m.valuation = NewValuationEngine()
	return m
}

// GetAvailable returns the available quantity of one row
// 利用可能数量を取得
func (m *Manager) GetAvailable(ctx context.Context, productID, locationID int64) (int64, error) {
	ctx, span := tracer.Start(ctx, "inventory.GetAvailable", trace.WithAttributes(
		attribute.Int64("product.id", productID),
		attribute.Int64("location.id", locationID),
	))
	defer span.End()

	available, err := m.ledger.GetAvailable(ctx, productID, locationID)
	if err != nil {
		recordSpanError(span, err)
		return 0, NewStorageError("get_available", "利用可能数量の取得に失敗しました", err)
	}
	span.SetAttributes(attribute.Int64("stock.available", available))
	return available, nil
}

// GetStockLevel returns one row or ErrStockNotFound
// 在庫行を取得
func (m *Manager) GetStockLevel(ctx context.Context, productID, locationID int64) (*StockLevel, error) {
	level, err := m.storage.GetStockLevel(ctx, productID, locationID)
	if err != nil {
		if errors.Is(err, ErrStockNotFound) {
			return nil, err
		}
		return nil, NewStorageError("get_stock_level", "在庫取得に失敗しました", err)
	}
	return level, nil
}

// ListStockByLocation returns every row held at a location
// ロケーション別の在庫一覧
func (m *Manager) ListStockByLocation(ctx context.Context, locationID int64) ([]StockLevel, error) {
	levels, err := m.storage.ListStockLevelsByLocation(ctx, locationID)
	if err != nil {
		return nil, NewStorageError("list_stock_levels", "在庫一覧の取得に失敗しました", err)
	}
	return levels, nil
}

// SetThresholds sets the alerting bounds of a row
// 在庫行のアラート閾値を設定
func (m *Manager) SetThresholds(ctx context.Context, productID, locationID int64, min, max *int64) error {
	start := time.Now()
	err := m.ledger.SetThresholds(ctx, productID, locationID, min, max)
	m.metrics.observe("set_thresholds", start, err)
	return err
}

// Confirm reserves every line of doc and moves it to CONFIRMED
// 伝票を確定し在庫を予約
func (m *Manager) Confirm(ctx context.Context, doc *Document) error {
	return m.Transition(ctx, doc, DocumentStatusConfirmed)
}

// Transition moves doc to the given status and applies the stock effect:
// entering CONFIRMED reserves, leaving CONFIRMED releases. doc is updated
// only after the change is committed.
// 伝票の状態遷移と在庫への反映
func (m *Manager) Transition(ctx context.Context, doc *Document, to DocumentStatus) error {
	if err := ValidateDocument(doc); err != nil {
		return err
	}
	from := doc.Status
	if from == to {
		return nil
	}
	if !from.CanTransitionTo(to) {
		return NewBusinessRuleError("document_transition", "許可されていない状態遷移です",
			fmt.Sprintf("伝票: %s, %s -> %s", doc.ID, from, to), ErrInvalidTransition)
	}

	attrs := documentAttributes(doc, to)
	switch {
	case to == DocumentStatusConfirmed:
		return m.execute(ctx, "confirm", attrs, func(ctx context.Context, tx Tx, out *outcome) error {
			res, err := m.reservations.Reserve(ctx, tx, doc.ID, doc.Lines)
			if err != nil {
				return err
			}
			out.reference = doc.ID
			out.commit = func() { doc.Status = to }
			if res != nil {
				out.changes = res.Changes
				lines := res.Lines
				out.commit = func() {
					doc.Lines = lines
					doc.Status = to
				}
			}
			return nil
		})
	case from == DocumentStatusConfirmed:
		return m.execute(ctx, "release", attrs, func(ctx context.Context, tx Tx, out *outcome) error {
			changes, err := m.reservations.Release(ctx, tx, doc.ID, doc.Lines)
			if err != nil {
				return err
			}
			out.reference = doc.ID
			out.changes = changes
			out.commit = func() { doc.Status = to }
			return nil
		})
	default:
		doc.Status = to
		return nil
	}
}

// Release drops the reservations doc holds without changing its status.
// It only fails when the store does; quantities are clamped.
// 伝票の予約を解除（数量では失敗しない）
func (m *Manager) Release(ctx context.Context, doc *Document) error {
	if doc == nil {
		return NewValidationError("document", "伝票が指定されていません", "")
	}
	if err := ValidateDocumentID(doc.ID); err != nil {
		return err
	}
	var held []DocumentLine
	if doc.Status == DocumentStatusConfirmed {
		held = doc.Lines
	}
	return m.execute(ctx, "release", documentAttributes(doc, doc.Status), func(ctx context.Context, tx Tx, out *outcome) error {
		changes, err := m.reservations.Release(ctx, tx, doc.ID, held)
		if err != nil {
			return err
		}
		out.reference = doc.ID
		out.changes = changes
		return nil
	})
}

// ReplaceLines swaps doc's lines. For a confirmed document the old
// reservation is released and the new lines reserved in one transaction,
// with every row involved locked in a single batch; on failure both doc
// and the ledger are left unchanged.
// 伝票明細の差し替え（確定済みの場合は予約を再計算）
func (m *Manager) ReplaceLines(ctx context.Context, doc *Document, lines []DocumentLine) error {
	if err := ValidateDocument(doc); err != nil {
		return err
	}
	if err := ValidateDocumentLines(lines); err != nil {
		return err
	}
	if doc.Status != DocumentStatusConfirmed {
		doc.Lines = cloneLines(lines)
		return nil
	}

	return m.execute(ctx, "replace_lines", documentAttributes(doc, doc.Status), func(ctx context.Context, tx Tx, out *outcome) error {
		res, err := m.reservations.Replace(ctx, tx, doc.ID, doc.Lines, lines)
		if err != nil {
			return err
		}
		out.reference = doc.ID
		out.changes = res.Changes
		resolved := res.Lines
		out.commit = func() { doc.Lines = resolved }
		return nil
	})
}

// DeleteDocument releases the reservation of a confirmed document that is
// about to be deleted.
// 伝票削除時の予約解除
func (m *Manager) DeleteDocument(ctx context.Context, doc *Document) error {
	if doc == nil {
		return NewValidationError("document", "伝票が指定されていません", "")
	}
	if doc.Status != DocumentStatusConfirmed {
		return nil
	}
	return m.Release(ctx, doc)
}

// Transfer moves inventory between locations
// ロケーション間で在庫を移動
func (m *Manager) Transfer(ctx context.Context, in TransferInput) (*TransferRecord, error) {
	if err := ValidateTransferInput(in); err != nil {
		return nil, err
	}

	var record *TransferRecord
	attrs := []attribute.KeyValue{
		attribute.Int64("product.id", in.ProductID),
		attribute.Int64("transfer.source", in.SourceLocationID),
		attribute.Int64("transfer.destination", in.DestinationLocationID),
		attribute.Int64("transfer.quantity", in.Quantity),
	}
	err := m.execute(ctx, "transfer", attrs, func(ctx context.Context, tx Tx, out *outcome) error {
		rec, changes, err := m.transfers.Transfer(ctx, tx, in)
		if err != nil {
			return err
		}
		record = rec
		out.reference = rec.Reference
		out.changes = changes
		out.transfer = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ApplyShipmentArrival adds the shipment's lines to on-hand stock once
// 入荷を在庫に反映（冪等）
func (m *Manager) ApplyShipmentArrival(ctx context.Context, s *Shipment) error {
	if err := ValidateShipment(s); err != nil {
		return err
	}
	s.RecalculateLandedCosts()
	return m.execute(ctx, "apply_arrival", shipmentAttributes(s), func(ctx context.Context, tx Tx, out *outcome) error {
		res, err := m.arrivals.ApplyArrival(ctx, tx, s.ID, s.Lines)
		if err != nil {
			return err
		}
		out.fromArrival(s.ID, res)
		return nil
	})
}

// ReverseShipmentArrival removes a previously applied arrival
// 入荷の取消
func (m *Manager) ReverseShipmentArrival(ctx context.Context, s *Shipment) error {
	if err := ValidateShipment(s); err != nil {
		return err
	}
	s.RecalculateLandedCosts()
	return m.execute(ctx, "reverse_arrival", shipmentAttributes(s), func(ctx context.Context, tx Tx, out *outcome) error {
		res, err := m.arrivals.ReverseArrival(ctx, tx, s.ID, s.Lines)
		if err != nil {
			return err
		}
		out.fromArrival(s.ID, res)
		return nil
	})
}

// SaveShipment recomputes landed costs on after and applies the stock
// effect of the status and line change from before. before must be taken
// with Shipment.Snapshot before the lines were edited; a zero snapshot
// stands for a new shipment.
// シップメント保存時の原価再計算と在庫反映
func (m *Manager) SaveShipment(ctx context.Context, before ShipmentSnapshot, after *Shipment) error {
	if err := ValidateShipment(after); err != nil {
		return err
	}
	if before.ID != "" && before.ID != after.ID {
		return NewValidationError("shipment.id", "スナップショットとシップメントのIDが一致しません",
			fmt.Sprintf("%s != %s", before.ID, after.ID))
	}
	return m.execute(ctx, "save_shipment", shipmentAttributes(after), func(ctx context.Context, tx Tx, out *outcome) error {
		res, err := m.arrivals.Save(ctx, tx, before, after)
		if err != nil {
			return err
		}
		out.fromArrival(after.ID, res)
		return nil
	})
}

// GetTransfers returns transfer records matching filter
// 在庫移動履歴を取得
func (m *Manager) GetTransfers(ctx context.Context, filter HistoryFilter) ([]TransferRecord, error) {
	return m.tracking.GetTransfers(ctx, filter)
}

// GetMovements returns ledger movements matching filter
// 台帳履歴を取得
func (m *Manager) GetMovements(ctx context.Context, filter HistoryFilter) ([]Movement, error) {
	return m.tracking.GetMovements(ctx, filter)
}

// GetAuditTrail returns the history and current rows of one product
// 商品の監査証跡を取得
func (m *Manager) GetAuditTrail(ctx context.Context, productID int64, from, to time.Time) (*AuditTrail, error) {
	return m.tracking.GetAuditTrail(ctx, productID, from, to)
}

// Ping checks the storage connection.
func (m *Manager) Ping(ctx context.Context) error {
	return m.storage.Ping(ctx)
}

// outcome collects what a committed operation must announce
type outcome struct {
	reference string
	changes   []StockChange
	transfer  *TransferRecord
	arrival   *ArrivalResult
	shipment  string
	commit    func()
}

func (o *outcome) fromArrival(shipmentID string, res *ArrivalResult) {
	o.reference = shipmentID
	o.shipment = shipmentID
	o.arrival = res
	if res != nil {
		o.changes = res.Changes
	}
}

// execute runs fn in one storage transaction, retrying the whole
// transaction on lock timeouts, and publishes events after commit.
func (m *Manager) execute(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context, tx Tx, out *outcome) error) error {
	ctx, span := tracer.Start(ctx, "inventory."+op, trace.WithAttributes(attrs...))
	defer span.End()
	start := time.Now()

	var out *outcome
	err := RetryOnLockTimeout(ctx, m.config.LockRetryAttempts, m.config.LockRetryBackoff, func(ctx context.Context) error {
		out = &outcome{}
		return m.storage.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			return fn(ctx, tx, out)
		})
	})
	m.metrics.observe(op, start, err)
	if err != nil {
		recordSpanError(span, err)
		m.logFailure(op, err)
		return err
	}

	if out.commit != nil {
		out.commit()
	}
	span.SetAttributes(attribute.Int("stock.changes", len(out.changes)))
	m.logger.Info("在庫操作完了",
		zap.String("operation", op),
		zap.String("reference", out.reference),
		zap.Int("changes", len(out.changes)),
	)
	m.publish(ctx, out)
	return nil
}

func (m *Manager) logFailure(op string, err error) {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		m.logger.Warn("在庫不足のため操作を中止しました", zap.String("operation", op), zap.Error(err))
	case errors.Is(err, ErrLockTimeout):
		m.logger.Warn("ロック待ちがタイムアウトしました", zap.String("operation", op), zap.Error(err))
	default:
		m.logger.Error("在庫操作に失敗しました", zap.String("operation", op), zap.Error(err))
	}
}

// publish announces a committed operation. Failures are logged and never
// undo the commit.
func (m *Manager) publish(ctx context.Context, out *outcome) {
	if m.publisher == nil {
		return
	}
	txID := NewTransactionID()
	at := m.now()
	user := UserFromContext(ctx)

	for _, c := range out.changes {
		event := StockChangedEvent{
			ProductID:     c.After.ProductID,
			LocationID:    c.After.LocationID,
			OldQuantity:   c.Before.Quantity,
			NewQuantity:   c.After.Quantity,
			OldReserved:   c.Before.ReservedQuantity,
			NewReserved:   c.After.ReservedQuantity,
			ChangeType:    string(c.Type),
			Reference:     out.reference,
			TransactionID: txID,
			Timestamp:     at,
			UserID:        user,
		}
		if err := m.publisher.PublishStockChanged(ctx, event); err != nil {
			m.publishFailed("stock_changed", err)
		}
		m.checkThresholds(ctx, c, at)
	}

	if rec := out.transfer; rec != nil {
		event := ItemTransferredEvent{
			ProductID:      rec.ProductID,
			FromLocationID: rec.SourceLocationID,
			ToLocationID:   rec.DestinationLocationID,
			Quantity:       rec.Quantity,
			Reference:      rec.Reference,
			TransactionID:  rec.ID,
			Timestamp:      rec.CreatedAt,
			UserID:         rec.CreatedBy,
		}
		if err := m.publisher.PublishItemTransferred(ctx, event); err != nil {
			m.publishFailed("item_transferred", err)
		}
	}

	for _, event := range m.valuation.ValueEvents(out.shipment, out.arrival, at, user) {
		if err := m.publisher.PublishStockValueChanged(ctx, event); err != nil {
			m.publishFailed("stock_value_changed", err)
		}
	}
}

// checkThresholds raises a low-stock alert when a change lowered the
// available quantity to or below the row's minimum (or the configured
// default), and an over-stock alert when it raised quantity above the
// row's maximum.
func (m *Manager) checkThresholds(ctx context.Context, c StockChange, at time.Time) {
	row := c.After
	low := m.config.LowStockThreshold
	if row.MinThreshold != nil {
		low = *row.MinThreshold
	}
	if row.Available() < c.Before.Available() && row.Available() <= low {
		m.triggerAlert(ctx, LowStockAlertEvent{
			Type:       AlertTypeLowStock,
			ProductID:  row.ProductID,
			LocationID: row.LocationID,
			CurrentQty: row.Available(),
			Threshold:  low,
			Timestamp:  at,
		})
	}
	if row.MaxThreshold != nil && row.Quantity > c.Before.Quantity && row.Quantity > *row.MaxThreshold {
		m.triggerAlert(ctx, LowStockAlertEvent{
			Type:       AlertTypeOverStock,
			ProductID:  row.ProductID,
			LocationID: row.LocationID,
			CurrentQty: row.Quantity,
			Threshold:  *row.MaxThreshold,
			Timestamp:  at,
		})
	}
}

func (m *Manager) triggerAlert(ctx context.Context, event LowStockAlertEvent) {
	m.logger.Info("在庫閾値アラート",
		zap.String("type", string(event.Type)),
		zap.Int64("product_id", event.ProductID),
		zap.Int64("location_id", event.LocationID),
		zap.Int64("current_qty", event.CurrentQty),
		zap.Int64("threshold", event.Threshold),
	)
	if err := m.publisher.PublishLowStockAlert(ctx, event); err != nil {
		m.publishFailed("stock_alert", err)
	}
}

func (m *Manager) publishFailed(event string, err error) {
	m.metrics.publishFailed(event)
	m.logger.Error("イベント発行に失敗しました", zap.String("event", event), zap.Error(err))
}

func documentAttributes(doc *Document, to DocumentStatus) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("document.id", doc.ID),
		attribute.String("document.status", string(doc.Status)),
		attribute.String("document.target_status", string(to)),
		attribute.Int("document.lines", len(doc.Lines)),
	}
}

func shipmentAttributes(s *Shipment) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("shipment.id", s.ID),
		attribute.String("shipment.status", string(s.Status)),
		attribute.Int("shipment.lines", len(s.Lines)),
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
