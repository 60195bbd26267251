package main

import (
	"context"
	"database/sql"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStock/internal/config"
	"github.com/nemonet1337/zaiStock/migrations"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "YAML設定ファイルのパス")
	dir := flag.String("dir", "", "マイグレーションディレクトリ（省略時は組み込みファイル）")
	flag.Parse()

	// 設定読み込み
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("設定読み込みに失敗しました: ", err)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました: ", err)
	}
	defer logger.Sync()

	if cfg.Database.Driver != "postgres" {
		logger.Info("PostgreSQL以外のドライバーではマイグレーションは不要です", zap.String("driver", cfg.Database.Driver))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("データベースに接続中",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("dbname", cfg.Database.DBName),
	)

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("データベースpingに失敗しました", zap.Error(err))
	}

	var source fs.FS = migrations.Files
	if *dir != "" {
		if _, err := os.Stat(*dir); err != nil {
			logger.Fatal("マイグレーションディレクトリが見つかりません", zap.String("dir", *dir), zap.Error(err))
		}
		source = os.DirFS(*dir)
	}

	migrator := NewMigrator(db, source, logger)
	applied, err := migrator.Run(ctx)
	if err != nil {
		logger.Fatal("マイグレーション実行に失敗しました", zap.Error(err))
	}

	logger.Info("すべてのマイグレーションが完了しました", zap.Int("applied", applied))
}
