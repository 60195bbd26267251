// Package events publishes stock engine events to external brokers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nemonet1337/zaiStock/pkg/inventory"
)

// Event type names used as stream/topic suffixes
// イベント種別（ストリーム名・トピック名の接尾辞）
const (
	TypeStockChanged      = "stock_changed"
	TypeStockAlert        = "stock_alert"
	TypeItemTransferred   = "item_transferred"
	TypeStockValueChanged = "stock_value_changed"
)

// message is one encoded event ready for a broker.
type message struct {
	eventType string
	key       string
	payload   []byte
}

// sender delivers one encoded message.
type sender interface {
	send(ctx context.Context, msg message) error
}

// encode marshals an event payload
func encode(eventType, key string, event interface{}) (message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return message{}, fmt.Errorf("イベントのシリアライズに失敗しました [%s]: %w", eventType, err)
	}
	return message{eventType: eventType, key: key, payload: payload}, nil
}

func productKey(productID int64) string {
	return strconv.FormatInt(productID, 10)
}

// publisher adapts a sender to inventory.EventPublisher.
type publisher struct {
	sender sender
}

func (p publisher) PublishStockChanged(ctx context.Context, event inventory.StockChangedEvent) error {
	return p.publish(ctx, TypeStockChanged, productKey(event.ProductID), event)
}

func (p publisher) PublishLowStockAlert(ctx context.Context, event inventory.LowStockAlertEvent) error {
	return p.publish(ctx, TypeStockAlert, productKey(event.ProductID), event)
}

func (p publisher) PublishItemTransferred(ctx context.Context, event inventory.ItemTransferredEvent) error {
	return p.publish(ctx, TypeItemTransferred, productKey(event.ProductID), event)
}

func (p publisher) PublishStockValueChanged(ctx context.Context, event inventory.StockValueChangedEvent) error {
	return p.publish(ctx, TypeStockValueChanged, productKey(event.ProductID), event)
}

func (p publisher) publish(ctx context.Context, eventType, key string, event interface{}) error {
	msg, err := encode(eventType, key, event)
	if err != nil {
		return err
	}
	return p.sender.send(ctx, msg)
}

// Nop discards every event.
type Nop struct{}

var _ inventory.EventPublisher = Nop{}

func (Nop) PublishStockChanged(context.Context, inventory.StockChangedEvent) error       { return nil }
func (Nop) PublishLowStockAlert(context.Context, inventory.LowStockAlertEvent) error     { return nil }
func (Nop) PublishItemTransferred(context.Context, inventory.ItemTransferredEvent) error { return nil }
func (Nop) PublishStockValueChanged(context.Context, inventory.StockValueChangedEvent) error {
	return nil
}
