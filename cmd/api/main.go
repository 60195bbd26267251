package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nemonet1337/zaiStock/internal/config"
	"github.com/nemonet1337/zaiStock/internal/tracing"
	"github.com/nemonet1337/zaiStock/pkg/inventory"
	"github.com/nemonet1337/zaiStock/pkg/inventory/events"
	"github.com/nemonet1337/zaiStock/pkg/inventory/storage"
)

// version is reported as the service version of exported traces.
var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "YAML設定ファイルのパス")
	flag.Parse()

	// 設定読み込み
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("設定読み込みに失敗しました: ", err)
	}

	// ログ設定
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました: ", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("サーバーが異常終了しました", zap.Error(err))
	}
	logger.Info("サーバーが正常に停止しました")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracer, err := tracing.Init(ctx, cfg.Tracing, version, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("トレーサーの停止に失敗しました", zap.Error(err))
		}
	}()

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, closePublisher, err := openPublisher(ctx, cfg.Events, logger)
	if err != nil {
		return err
	}
	defer closePublisher.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager := inventory.NewManager(store, publisher, logger, &cfg.Inventory,
		inventory.WithMetrics(inventory.NewMetrics(registry)),
	)

	router := setupRouter(NewHandlers(manager, logger), logger)
	if cfg.API.EnableMetrics {
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      otelhttp.NewHandler(withMiddleware(router, cfg.API, logger), "stock-api"),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("在庫APIサーバーを開始します",
			zap.Int("port", cfg.API.Port),
			zap.String("storage", cfg.Database.Driver),
			zap.String("events", cfg.Events.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("サーバー開始に失敗しました: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("サーバーをシャットダウンしています...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStorage connects the configured storage backend
// 設定に応じたストレージを作成
func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (inventory.Storage, error) {
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("インメモリストレージを使用します（再起動でデータは失われます）")
		return storage.NewMemoryStorage(cfg.Inventory.LockTimeout, logger), nil
	default:
		store, err := storage.NewPostgreSQLStorage(ctx, storage.PostgresConfig{
			DSN:             cfg.DSN(),
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxOpenConns / 2,
			ConnMaxLifetime: 5 * time.Minute,
			LockTimeout:     cfg.Inventory.LockTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
		}
		return store, nil
	}
}

// openPublisher connects the configured event backend
// 設定に応じたイベント発行者を作成
func openPublisher(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (inventory.EventPublisher, io.Closer, error) {
	switch cfg.Backend {
	case "redis":
		client, err := events.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		p := events.NewRedisStreamPublisher(client, cfg.RedisStreamPrefix, cfg.RedisMaxLen, logger)
		return p, p, nil
	case "kafka":
		p, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix, logger)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	default:
		return events.Nop{}, nopCloser{}, nil
	}
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// 在庫照会
	api.HandleFunc("/stock/{productId}/{locationId}/available", handlers.GetAvailable).Methods("GET")
	api.HandleFunc("/stock/{productId}/{locationId}", handlers.GetStockLevel).Methods("GET")
	api.HandleFunc("/stock/{productId}/{locationId}/thresholds", handlers.SetThresholds).Methods("PUT")
	api.HandleFunc("/locations/{locationId}/stock", handlers.GetStockByLocation).Methods("GET")

	// 伝票（予約管理）
	api.HandleFunc("/documents/{id}/confirm", handlers.ConfirmDocument).Methods("POST")
	api.HandleFunc("/documents/{id}/release", handlers.ReleaseDocument).Methods("POST")
	api.HandleFunc("/documents/{id}/transition", handlers.TransitionDocument).Methods("POST")
	api.HandleFunc("/documents/{id}/lines", handlers.ReplaceDocumentLines).Methods("PUT")
	api.HandleFunc("/documents/{id}", handlers.DeleteDocument).Methods("DELETE")

	// 在庫移動
	api.HandleFunc("/transfers", handlers.Transfer).Methods("POST")
	api.HandleFunc("/transfers", handlers.GetTransfers).Methods("GET")

	// 入荷
	api.HandleFunc("/shipments/allocate", handlers.AllocateLandedCosts).Methods("POST")
	api.HandleFunc("/shipments/{id}/arrival", handlers.ApplyArrival).Methods("POST")
	api.HandleFunc("/shipments/{id}/arrival", handlers.ReverseArrival).Methods("DELETE")
	api.HandleFunc("/shipments/{id}", handlers.SaveShipment).Methods("PUT")

	// 履歴
	api.HandleFunc("/movements", handlers.GetMovements).Methods("GET")
	api.HandleFunc("/products/{productId}/audit-trail", handlers.GetAuditTrail).Methods("GET")

	// ログ機能
	router.Use(loggingMiddleware(logger))

	return router
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
