package events

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStock/pkg/inventory"
)

// KafkaPublisher produces events to topics named "<prefix>.<event type>",
// keyed by product so one product's events stay ordered
// Kafkaへのイベント発行
type KafkaPublisher struct {
	publisher
	topics *kafkaTopics
}

var _ inventory.EventPublisher = (*KafkaPublisher)(nil)

type kafkaTopics struct {
	producer sarama.SyncProducer
	prefix   string
	logger   *zap.Logger
}

// NewKafkaProducerConfig returns the producer settings used for engine events.
func NewKafkaProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 3
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.MaxMessageBytes = 1000000
	return config
}

// NewKafkaPublisher connects a sync producer to brokers
// Kafkaプロデューサーを作成
func NewKafkaPublisher(brokers []string, prefix string, logger *zap.Logger) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("Kafkaプロデューサーの作成に失敗しました: %w", err)
	}
	if logger != nil {
		logger.Info("Kafkaパブリッシャーを初期化しました", zap.Strings("brokers", brokers))
	}
	return NewKafkaPublisherFromProducer(producer, prefix, logger), nil
}

// NewKafkaPublisherFromProducer wraps an existing producer.
func NewKafkaPublisherFromProducer(producer sarama.SyncProducer, prefix string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	topics := &kafkaTopics{producer: producer, prefix: prefix, logger: logger}
	return &KafkaPublisher{publisher: publisher{sender: topics}, topics: topics}
}

// Topic returns the topic an event type is produced to.
func (p *KafkaPublisher) Topic(eventType string) string {
	return p.topics.name(eventType)
}

// Close closes the producer.
func (p *KafkaPublisher) Close() error {
	if p.topics.producer != nil {
		return p.topics.producer.Close()
	}
	return nil
}

func (k *kafkaTopics) name(eventType string) string {
	if k.prefix == "" {
		return eventType
	}
	return k.prefix + "." + eventType
}

func (k *kafkaTopics) send(ctx context.Context, msg message) error {
	topic := k.name(msg.eventType)
	tracer := otel.Tracer("kafka-publisher")
	ctx, span := tracer.Start(ctx, "kafka.publish."+msg.eventType,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
			attribute.String("event.type", msg.eventType),
			attribute.String("messaging.kafka.message_key", msg.key),
		),
	)
	defer span.End()

	// トレースコンテキストをヘッダーに埋め込む
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := []sarama.RecordHeader{
		{Key: []byte("event_type"), Value: []byte(msg.eventType)},
	}
	for key, value := range carrier {
		headers = append(headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
	}

	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(msg.key),
		Value:   sarama.ByteEncoder(msg.payload),
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		return fmt.Errorf("Kafkaへの送信に失敗しました [%s]: %w", topic, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.kafka.partition", int(partition)),
		attribute.Int64("messaging.kafka.offset", offset),
	)
	k.logger.Debug("イベントを発行しました",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("key", msg.key),
	)
	return nil
}
