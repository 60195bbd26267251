package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/nemonet1337/zaiStock/internal/tracing"
	"github.com/nemonet1337/zaiStock/pkg/inventory"
)

// Config holds application configuration
// アプリケーション設定を保持
type Config struct {
	Database  DatabaseConfig   `yaml:"database" envconfig:"DB"`
	API       APIConfig        `yaml:"api" envconfig:"API"`
	Inventory inventory.Config `yaml:"inventory" envconfig:"INVENTORY"`
	Events    EventsConfig     `yaml:"events" envconfig:"EVENTS"`
	Logging   LoggingConfig    `yaml:"logging" envconfig:"LOG"`
	Tracing   tracing.Config   `yaml:"tracing" envconfig:"TRACING"`
}

// DatabaseConfig holds database configuration
// データベース設定を保持
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // postgres, memory
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	DBName       string `yaml:"dbname"`
	SSLMode      string `yaml:"sslmode"`
	MaxOpenConns int    `yaml:"max_open_conns" split_words:"true"`
}

// APIConfig holds API server configuration
// APIサーバー設定を保持
type APIConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
	EnableMetrics   bool          `yaml:"enable_metrics" split_words:"true"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" envconfig:"CORS_ALLOWED_ORIGINS"`
	RateLimit          int      `yaml:"rate_limit" split_words:"true"` // requests per minute per client, 0 disables
}

// EventsConfig selects where engine events are published
// イベント発行先の設定
type EventsConfig struct {
	Backend           string   `yaml:"backend"` // none, redis, kafka
	RedisAddr         string   `yaml:"redis_addr" split_words:"true"`
	RedisStreamPrefix string   `yaml:"redis_stream_prefix" split_words:"true"`
	RedisMaxLen       int64    `yaml:"redis_max_len" split_words:"true"`
	KafkaBrokers      []string `yaml:"kafka_brokers" split_words:"true"`
	KafkaTopicPrefix  string   `yaml:"kafka_topic_prefix" split_words:"true"`
}

// LoggingConfig holds logging configuration
// ログ設定を保持
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// Default returns the built-in configuration
// デフォルト設定を返す
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:       "postgres",
			Host:         "localhost",
			Port:         5432,
			User:         "inventory",
			Password:     "password",
			DBName:       "inventory_db",
			SSLMode:      "disable",
			MaxOpenConns: 25,
		},
		API: APIConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			EnableMetrics:   true,

			CORSAllowedOrigins: []string{"*"},
			RateLimit:          600,
		},
		Inventory: *inventory.DefaultConfig(),
		Events: EventsConfig{
			Backend:           "none",
			RedisAddr:         "127.0.0.1:6379",
			RedisStreamPrefix: "inventory",
			RedisMaxLen:       100000,
			KafkaBrokers:      []string{"localhost:9092"},
			KafkaTopicPrefix:  "inventory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: tracing.Config{
			Enabled:        false,
			ServiceName:    "zaistock-api",
			JaegerEndpoint: "http://localhost:14268/api/traces",
			SampleRatio:    1.0,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then environment variables
// デフォルト値、YAMLファイル、環境変数の順に設定を読み込み
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイル読み込みに失敗しました: %w", err)
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗しました: %w", err)
	}

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定バリデーションに失敗しました: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
// 設定をバリデーション
func (c *Config) Validate() error {
	// データベース設定チェック
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("データベースホストが指定されていません")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("無効なデータベースポート: %d", c.Database.Port)
		}
		if c.Database.User == "" {
			return fmt.Errorf("データベースユーザーが指定されていません")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("データベース名が指定されていません")
		}
	case "memory":
	default:
		return fmt.Errorf("無効なデータベースドライバー: %s", c.Database.Driver)
	}

	// API設定チェック
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("無効なAPIポート: %d", c.API.Port)
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("レート制限は0以上である必要があります: %d", c.API.RateLimit)
	}

	// 在庫設定チェック
	if c.Inventory.LowStockThreshold < 0 {
		return fmt.Errorf("低在庫閾値は0以上である必要があります")
	}
	if c.Inventory.LockTimeout < 0 {
		return fmt.Errorf("ロックタイムアウトは0以上である必要があります")
	}
	if c.Inventory.LockRetryAttempts < 1 {
		return fmt.Errorf("ロック再試行回数は1以上である必要があります: %d", c.Inventory.LockRetryAttempts)
	}

	// イベント設定チェック
	switch c.Events.Backend {
	case "none":
	case "redis":
		if c.Events.RedisAddr == "" {
			return fmt.Errorf("Redisアドレスが指定されていません")
		}
	case "kafka":
		if len(c.Events.KafkaBrokers) == 0 {
			return fmt.Errorf("Kafkaブローカーが指定されていません")
		}
	default:
		return fmt.Errorf("無効なイベントバックエンド: %s", c.Events.Backend)
	}

	// ログ設定チェック
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("無効なログフォーマット: %s", c.Logging.Format)
	}

	// トレーシング設定チェック
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("サンプリング率は0から1の範囲である必要があります: %v", c.Tracing.SampleRatio)
	}
	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("Jaegerエンドポイントが指定されていません")
	}

	return nil
}

// DSN generates PostgreSQL Data Source Name
// PostgreSQLデータソース名を生成
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}
