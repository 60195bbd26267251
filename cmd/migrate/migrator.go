package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// migrationLockID serializes concurrent migrate runs
const migrationLockID = 724011

// Migration is one SQL file
type Migration struct {
	Filename string
	Content  []byte
	Checksum string
}

// Migrator applies pending migrations from a file system
// マイグレーション実行
type Migrator struct {
	db     *sql.DB
	source fs.FS
	logger *zap.Logger
}

// NewMigrator creates a migrator reading *.sql files from source
func NewMigrator(db *sql.DB, source fs.FS, logger *zap.Logger) *Migrator {
	return &Migrator{db: db, source: source, logger: logger}
}

// Run applies every pending migration in filename order, each in its own
// transaction, and returns how many were applied.
func (m *Migrator) Run(ctx context.Context) (int, error) {
	files, err := LoadMigrations(m.source)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		m.logger.Warn("マイグレーションファイルが見つかりません")
		return 0, nil
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("データベース接続の取得に失敗しました: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return 0, fmt.Errorf("マイグレーションロックの取得に失敗しました: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			m.logger.Warn("マイグレーションロックの解放に失敗しました", zap.Error(err))
		}
	}()

	if err := createMigrationTable(ctx, conn); err != nil {
		return 0, err
	}

	executed, err := executedMigrations(ctx, conn)
	if err != nil {
		return 0, fmt.Errorf("実行済みマイグレーション取得エラー: %w", err)
	}

	pending, mismatched := Plan(files, executed)
	for _, name := range mismatched {
		m.logger.Warn("実行済みマイグレーションの内容が変更されています", zap.String("filename", name))
	}

	for _, mig := range pending {
		m.logger.Info("実行中", zap.String("filename", mig.Filename))
		if err := apply(ctx, conn, mig); err != nil {
			return 0, err
		}
		m.logger.Info("完了", zap.String("filename", mig.Filename), zap.String("checksum", mig.Checksum))
	}
	return len(pending), nil
}

// LoadMigrations reads the *.sql files of source sorted by name
// マイグレーションファイルを読み込み
func LoadMigrations(source fs.FS) ([]Migration, error) {
	names, err := fs.Glob(source, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイル検索エラー: %w", err)
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(source, name)
		if err != nil {
			return nil, fmt.Errorf("ファイル読み込みエラー %s: %w", name, err)
		}
		out = append(out, Migration{Filename: name, Content: content, Checksum: Checksum(content)})
	}
	return out, nil
}

// Plan returns the migrations not yet executed, and the names of executed
// ones whose checksum no longer matches.
func Plan(files []Migration, executed map[string]string) ([]Migration, []string) {
	var pending []Migration
	var mismatched []string
	for _, f := range files {
		sum, ok := executed[f.Filename]
		if !ok {
			pending = append(pending, f)
			continue
		}
		if !strings.EqualFold(sum, f.Checksum) {
			mismatched = append(mismatched, f.Filename)
		}
	}
	return pending, mismatched
}

// Checksum returns the hex SHA-256 of content
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// createMigrationTable マイグレーション履歴テーブルを作成
func createMigrationTable(ctx context.Context, conn *sql.Conn) error {
	const query = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			filename VARCHAR(255) NOT NULL UNIQUE,
			executed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`
	if _, err := conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("マイグレーション履歴テーブル作成エラー: %w", err)
	}
	return nil
}

// executedMigrations 実行済みマイグレーションとチェックサムを取得
func executedMigrations(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, "SELECT filename, checksum FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	executed := make(map[string]string)
	for rows.Next() {
		var filename, checksum string
		if err := rows.Scan(&filename, &checksum); err != nil {
			return nil, err
		}
		executed[filename] = checksum
	}
	return executed, rows.Err()
}

func apply(ctx context.Context, conn *sql.Conn, mig Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始エラー %s: %w", mig.Filename, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(mig.Content)); err != nil {
		return fmt.Errorf("マイグレーション実行エラー %s: %w", mig.Filename, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)",
		mig.Filename, mig.Checksum,
	); err != nil {
		return fmt.Errorf("マイグレーション履歴記録エラー %s: %w", mig.Filename, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションコミットエラー %s: %w", mig.Filename, err)
	}
	return nil
}
