// Package tracing sets up the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

// Config selects the tracing exporter
// トレーシング設定
type Config struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"service_name" split_words:"true"`
	JaegerEndpoint string  `yaml:"jaeger_endpoint" split_words:"true"`
	SampleRatio    float64 `yaml:"sample_ratio" split_words:"true"`
}

// Init installs the global propagator and, when cfg.Enabled, a tracer
// provider exporting to Jaeger. The returned function flushes and stops the
// provider; it is a no-op when tracing is disabled.
// トレーサーを初期化
func Init(ctx context.Context, cfg Config, version string, logger *zap.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("Jaegerエクスポーターの作成に失敗しました: %w", err)
	}

	tp, err := NewProvider(ctx, cfg, version, sdktrace.WithBatcher(exporter))
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	logger.Info("トレーサーを初期化しました",
		zap.String("service", cfg.ServiceName),
		zap.String("endpoint", cfg.JaegerEndpoint),
		zap.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

// NewProvider builds a tracer provider tagged with the service name and
// version, sampling cfg.SampleRatio of new traces.
func NewProvider(ctx context.Context, cfg Config, version string, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("リソースの作成に失敗しました: %w", err)
	}

	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}, opts...)
	return sdktrace.NewTracerProvider(opts...), nil
}
