package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStock/pkg/inventory"
)

// StockService is the engine surface the HTTP API needs
// HTTP APIが利用する在庫エンジンの機能
type StockService interface {
	inventory.Engine
	ListStockByLocation(ctx context.Context, locationID int64) ([]inventory.StockLevel, error)
	GetAuditTrail(ctx context.Context, productID int64, from, to time.Time) (*inventory.AuditTrail, error)
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handlers for the stock API
// 在庫API用のHTTPハンドラーを保持
type Handlers struct {
	engine StockService
	logger *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(engine StockService, logger *zap.Logger) *Handlers {
	return &Handlers{
		engine: engine,
		logger: logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// ThresholdsRequest sets the alert bounds of a row
type ThresholdsRequest struct {
	MinThreshold *int64 `json:"min_threshold"`
	MaxThreshold *int64 `json:"max_threshold"`
}

// TransitionRequest moves a document to a new status
// 伝票状態遷移リクエストを表現
type TransitionRequest struct {
	Document inventory.Document       `json:"document"`
	To       inventory.DocumentStatus `json:"to"`
}

// ReplaceLinesRequest swaps the lines of a document
type ReplaceLinesRequest struct {
	Document inventory.Document       `json:"document"`
	Lines    []inventory.DocumentLine `json:"lines"`
}

// SaveShipmentRequest carries a shipment and its state before editing
// シップメント保存リクエストを表現
type SaveShipmentRequest struct {
	Before inventory.ShipmentSnapshot `json:"before"`
	After  inventory.Shipment         `json:"after"`
}

// AllocationResponse lists the landed-cost shares of a shipment
type AllocationResponse struct {
	ExtrasTotal string                `json:"extras_total"`
	Shares      []inventory.LineShare `json:"shares"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.engine.Ping(r.Context()); err != nil {
		h.logger.Warn("ヘルスチェックに失敗しました", zap.Error(err))
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	h.sendJSON(w, code, APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
			"service":   "zaiStock",
		},
	})
}

// GetAvailable returns the available quantity of one row
// 利用可能数量を取得
func (h *Handlers) GetAvailable(w http.ResponseWriter, r *http.Request) {
	productID, locationID, ok := h.stockKey(w, r)
	if !ok {
		return
	}
	available, err := h.engine.GetAvailable(r.Context(), productID, locationID)
	if err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, map[string]int64{
		"product_id":  productID,
		"location_id": locationID,
		"available":   available,
	})
}

// GetStockLevel returns one row
// 在庫行を取得
func (h *Handlers) GetStockLevel(w http.ResponseWriter, r *http.Request) {
	productID, locationID, ok := h.stockKey(w, r)
	if !ok {
		return
	}
	level, err := h.engine.GetStockLevel(r.Context(), productID, locationID)
	if err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, level)
}

// GetStockByLocation lists the rows of a location
// ロケーション別在庫を取得
func (h *Handlers) GetStockByLocation(w http.ResponseWriter, r *http.Request) {
	locationID, ok := h.pathID(w, r, "locationId")
	if !ok {
		return
	}
	levels, err := h.engine.ListStockByLocation(r.Context(), locationID)
	if err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, levels)
}

// SetThresholds updates the alert bounds of a row
// 閾値を設定
func (h *Handlers) SetThresholds(w http.ResponseWriter, r *http.Request) {
	productID, locationID, ok := h.stockKey(w, r)
	if !ok {
		return
	}
	var req ThresholdsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.SetThresholds(r.Context(), productID, locationID, req.MinThreshold, req.MaxThreshold); err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, map[string]string{"message": "閾値を更新しました"})
}

// ConfirmDocument confirms a document and reserves its lines
// 伝票確定リクエストを処理
func (h *Handlers) ConfirmDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.document(w, r)
	if !ok {
		return
	}
	if err := h.engine.Confirm(h.userContext(r), doc); err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, doc)
}

// ReleaseDocument drops a document's reservations
// 伝票の予約解除リクエストを処理
func (h *Handlers) ReleaseDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.document(w, r)
	if !ok {
		return
	}
	if err := h.engine.Release(h.userContext(r), doc); err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, doc)
}

// TransitionDocument changes a document's status
// 伝票状態遷移リクエストを処理
func (h *Handlers) TransitionDocument(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.matchPathID(w, r, req.Document.ID) {
		return
	}
	if err := h.engine.Transition(h.userContext(r), &req.Document, req.To); err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, req.Document)
}

// ReplaceDocumentLines swaps a document's lines
// 伝票明細差し替えリクエストを処理
func (h *Handlers) ReplaceDocumentLines(w http.ResponseWriter, r *http.Request) {
	var req ReplaceLinesRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.matchPathID(w, r, req.Document.ID) {
		return
	}
	if err := h.engine.ReplaceLines(h.userContext(r), &req.Document, req.Lines); err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, req.Document)
}

// DeleteDocument releases a document that is being deleted
// 伝票削除リクエストを処理
func (h *Handlers) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.document(w, r)
	if !ok {
		return
	}
	if err := h.engine.DeleteDocument(h.userContext(r), doc); err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, map[string]string{"message": "伝票の予約を解除しました"})
}

// Transfer moves stock between locations
// 在庫移動リクエストを処理
func (h *Handlers) Transfer(w http.ResponseWriter, r *http.Request) {
	var req inventory.TransferInput
	if !h.decode(w, r, &req) {
		return
	}
	record, err := h.engine.Transfer(h.userContext(r), req)
	if err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, record)
}

// ApplyArrival adds a shipment's lines to stock
// 入荷反映リクエストを処理
func (h *Handlers) ApplyArrival(w http.ResponseWriter, r *http.Request) {
	s, ok := h.shipment(w, r)
	if !ok {
		return
	}
	if err := h.engine.ApplyShipmentArrival(h.userContext(r), s); err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, s)
}

// ReverseArrival removes a shipment's lines from stock
// 入荷取消リクエストを処理
func (h *Handlers) ReverseArrival(w http.ResponseWriter, r *http.Request) {
	s, ok := h.shipment(w, r)
	if !ok {
		return
	}
	if err := h.engine.ReverseShipmentArrival(h.userContext(r), s); err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, s)
}

// SaveShipment recomputes landed costs and applies the status change
// シップメント保存リクエストを処理
func (h *Handlers) SaveShipment(w http.ResponseWriter, r *http.Request) {
	var req SaveShipmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.matchPathID(w, r, req.After.ID) {
		return
	}
	if err := h.engine.SaveShipment(h.userContext(r), req.Before, &req.After); err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, req.After)
}

// AllocateLandedCosts previews the cost split of a shipment without
// touching stock
// 原価配賦のプレビュー
func (h *Handlers) AllocateLandedCosts(w http.ResponseWriter, r *http.Request) {
	var s inventory.Shipment
	if !h.decode(w, r, &s) {
		return
	}
	if err := inventory.ValidateShipment(&s); err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, AllocationResponse{
		ExtrasTotal: s.ExtrasTotal().StringFixed(2),
		Shares:      inventory.AllocateLandedCosts(s.Lines, s.ExtrasTotal()),
	})
}

// GetTransfers lists transfer history
// 在庫移動履歴を取得
func (h *Handlers) GetTransfers(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.historyFilter(w, r)
	if !ok {
		return
	}
	records, err := h.engine.GetTransfers(r.Context(), filter)
	if err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, records)
}

// GetMovements lists ledger history
// 台帳履歴を取得
func (h *Handlers) GetMovements(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.historyFilter(w, r)
	if !ok {
		return
	}
	movements, err := h.engine.GetMovements(r.Context(), filter)
	if err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, movements)
}

// GetAuditTrail returns the history and rows of one product
// 監査証跡を取得
func (h *Handlers) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.pathID(w, r, "productId")
	if !ok {
		return
	}
	filter, ok := h.historyFilter(w, r)
	if !ok {
		return
	}
	to := time.Now()
	from := to.AddDate(0, 0, -30)
	if filter.From != nil {
		from = *filter.From
	}
	if filter.To != nil {
		to = *filter.To
	}
	trail, err := h.engine.GetAuditTrail(r.Context(), productID, from, to)
	if err != nil {
		h.sendEngineError(w, err)
		return
	}
	h.sendSuccess(w, trail)
}

// ヘルパーメソッド

func (h *Handlers) userContext(r *http.Request) context.Context {
	user := r.Header.Get("X-User-ID")
	if user == "" {
		user = "api_user"
	}
	return inventory.WithUser(r.Context(), user)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return false
	}
	return true
}

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		h.sendError(w, http.StatusBadRequest, "無効なID: "+name)
		return 0, false
	}
	return id, true
}

func (h *Handlers) stockKey(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	productID, ok := h.pathID(w, r, "productId")
	if !ok {
		return 0, 0, false
	}
	locationID, ok := h.pathID(w, r, "locationId")
	if !ok {
		return 0, 0, false
	}
	return productID, locationID, true
}

// matchPathID rejects bodies whose id disagrees with the URL
func (h *Handlers) matchPathID(w http.ResponseWriter, r *http.Request, bodyID string) bool {
	if id := mux.Vars(r)["id"]; id != bodyID {
		h.sendError(w, http.StatusBadRequest, "URLとリクエストのIDが一致しません")
		return false
	}
	return true
}

func (h *Handlers) document(w http.ResponseWriter, r *http.Request) (*inventory.Document, bool) {
	var doc inventory.Document
	if !h.decode(w, r, &doc) {
		return nil, false
	}
	if !h.matchPathID(w, r, doc.ID) {
		return nil, false
	}
	return &doc, true
}

func (h *Handlers) shipment(w http.ResponseWriter, r *http.Request) (*inventory.Shipment, bool) {
	var s inventory.Shipment
	if !h.decode(w, r, &s) {
		return nil, false
	}
	if !h.matchPathID(w, r, s.ID) {
		return nil, false
	}
	return &s, true
}

func (h *Handlers) historyFilter(w http.ResponseWriter, r *http.Request) (inventory.HistoryFilter, bool) {
	q := r.URL.Query()
	var filter inventory.HistoryFilter

	for name, dst := range map[string]*int64{"product_id": &filter.ProductID, "location_id": &filter.LocationID} {
		if v := q.Get(name); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				h.sendError(w, http.StatusBadRequest, "無効なパラメータ: "+name)
				return filter, false
			}
			*dst = id
		}
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				h.sendError(w, http.StatusBadRequest, "無効な日時形式です: "+name)
				return filter, false
			}
			*dst = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "無効なパラメータ: limit")
			return filter, false
		}
		filter.Limit = limit
	}
	return filter, true
}

// sendEngineError maps engine errors to HTTP statuses
// エンジンエラーをHTTPステータスに変換
func (h *Handlers) sendEngineError(w http.ResponseWriter, err error) {
	if shortages := inventory.InsufficientStockErrors(err); len(shortages) > 0 {
		h.sendJSON(w, http.StatusConflict, APIResponse{
			Success: false,
			Error:   inventory.ErrInsufficientStock.Error(),
			Details: shortages,
		})
		return
	}

	switch {
	case errors.Is(err, inventory.ErrLockTimeout):
		h.sendError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, inventory.ErrInvalidTransition):
		h.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, inventory.ErrInvalidOperation):
		h.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, inventory.ErrStockNotFound):
		h.sendError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("リクエスト処理に失敗しました", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "内部エラーが発生しました")
	}
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	h.sendJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

func (h *Handlers) sendJSON(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}
