package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiStock/pkg/inventory"
)

func newRedisPublisher(t *testing.T, maxLen int64) (*RedisStreamPublisher, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStreamPublisher(client, "inventory", maxLen, nil), client
}

func TestRedisStreamPublisher_StockChanged(t *testing.T) {
	p, client := newRedisPublisher(t, 0)
	ctx := context.Background()

	event := inventory.StockChangedEvent{
		ProductID:     1,
		LocationID:    2,
		OldQuantity:   10,
		NewQuantity:   10,
		OldReserved:   0,
		NewReserved:   4,
		ChangeType:    string(inventory.MovementTypeReserve),
		Reference:     "SO-1",
		TransactionID: "tx-1",
		Timestamp:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UserID:        "alice",
	}
	require.NoError(t, p.PublishStockChanged(ctx, event))

	assert.Equal(t, "inventory:stock_changed", p.StreamName(TypeStockChanged))
	msgs, err := client.XRange(ctx, "inventory:stock_changed", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeStockChanged, msgs[0].Values["type"])
	assert.Equal(t, "1", msgs[0].Values["key"])

	var decoded inventory.StockChangedEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["payload"].(string)), &decoded))
	assert.Equal(t, event, decoded)
}

func TestRedisStreamPublisher_SeparateStreams(t *testing.T) {
	p, client := newRedisPublisher(t, 1000)
	ctx := context.Background()

	require.NoError(t, p.PublishLowStockAlert(ctx, inventory.LowStockAlertEvent{Type: inventory.AlertTypeLowStock, ProductID: 3}))
	require.NoError(t, p.PublishItemTransferred(ctx, inventory.ItemTransferredEvent{ProductID: 3, FromLocationID: 1, ToLocationID: 2, Quantity: 5}))
	require.NoError(t, p.PublishStockValueChanged(ctx, inventory.StockValueChangedEvent{
		ShipmentID: "SH-1", ProductID: 3, Quantity: 2, Value: decimal.RequireFromString("12.50"),
	}))

	for _, stream := range []string{"inventory:stock_alert", "inventory:item_transferred", "inventory:stock_value_changed"} {
		n, err := client.XLen(ctx, stream).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, stream)
	}

	msgs, err := client.XRange(ctx, "inventory:stock_value_changed", "-", "+").Result()
	require.NoError(t, err)
	var decoded inventory.StockValueChangedEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["payload"].(string)), &decoded))
	assert.True(t, decoded.Value.Equal(decimal.RequireFromString("12.5")))
}

func TestRedisStreamPublisher_ClosedClient(t *testing.T) {
	p, client := newRedisPublisher(t, 0)
	require.NoError(t, client.Close())

	err := p.PublishStockChanged(context.Background(), inventory.StockChangedEvent{ProductID: 1})
	assert.Error(t, err)
}

func TestKafkaPublisher_SendsKeyedMessage(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event inventory.ItemTransferredEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.Quantity != 7 || event.FromLocationID != 1 || event.ToLocationID != 2 {
			return errors.New("unexpected payload")
		}
		return nil
	})

	p := NewKafkaPublisherFromProducer(producer, "inventory", nil)
	assert.Equal(t, "inventory.item_transferred", p.Topic(TypeItemTransferred))

	err := p.PublishItemTransferred(context.Background(), inventory.ItemTransferredEvent{
		ProductID: 9, FromLocationID: 1, ToLocationID: 2, Quantity: 7,
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisherFromProducer(producer, "", nil)
	assert.Equal(t, "stock_changed", p.Topic(TypeStockChanged))

	err := p.PublishStockChanged(context.Background(), inventory.StockChangedEvent{ProductID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestNop(t *testing.T) {
	var p inventory.EventPublisher = Nop{}
	assert.NoError(t, p.PublishStockChanged(context.Background(), inventory.StockChangedEvent{}))
}
