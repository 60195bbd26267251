package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStock/pkg/inventory"
)

// PostgreSQL error codes surfaced as lock timeouts
const (
	pqLockNotAvailable     = "55P03"
	pqDeadlockDetected     = "40P01"
	pqSerializationFailure = "40001"
)

// PostgresConfig holds connection settings
// PostgreSQL接続設定
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LockTimeout     time.Duration
}

// PostgreSQLStorage implements the Storage interface using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	db          *sql.DB
	lockTimeout time.Duration
	logger      *zap.Logger
}

var _ inventory.Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return NewPostgreSQLStorageFromDB(db, cfg.LockTimeout, logger), nil
}

// NewPostgreSQLStorageFromDB wraps an open database handle.
func NewPostgreSQLStorageFromDB(db *sql.DB, lockTimeout time.Duration, logger *zap.Logger) *PostgreSQLStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgreSQLStorage{db: db, lockTimeout: lockTimeout, logger: logger}
}

// WithTx runs fn in a READ COMMITTED transaction. Row locks taken with
// FOR UPDATE wait at most lockTimeout.
// トランザクション内でfnを実行
func (s *PostgreSQLStorage) WithTx(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError("begin", "トランザクション開始に失敗しました", err)
	}

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			sqlTx.Rollback()
			return mapError("set_lock_timeout", "ロックタイムアウト設定に失敗しました", err)
		}
	}

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("ロールバックに失敗しました", zap.Error(rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError("commit", "コミットに失敗しました", err)
	}
	return nil
}

const stockLevelColumns = `product_id, location_id, quantity, reserved_quantity, min_threshold, max_threshold, updated_at, updated_by`

// GetStockLevel retrieves one stock row
// 在庫行を取得
func (s *PostgreSQLStorage) GetStockLevel(ctx context.Context, productID, locationID int64) (*inventory.StockLevel, error) {
	query := `SELECT ` + stockLevelColumns + ` FROM stock_levels WHERE product_id = $1 AND location_id = $2`
	level, err := scanStockLevel(s.db.QueryRowContext(ctx, query, productID, locationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrStockNotFound
		}
		return nil, mapError("get_stock_level", "在庫取得に失敗しました", err)
	}
	return level, nil
}

// ListStockLevelsByProduct lists a product's rows ordered by location
// 商品の在庫行一覧を取得
func (s *PostgreSQLStorage) ListStockLevelsByProduct(ctx context.Context, productID int64) ([]inventory.StockLevel, error) {
	query := `SELECT ` + stockLevelColumns + ` FROM stock_levels WHERE product_id = $1 ORDER BY location_id`
	return queryStockLevels(ctx, s.db, "list_stock_levels_by_product", query, productID)
}

// ListStockLevelsByLocation lists a location's rows ordered by product
// ロケーションの在庫行一覧を取得
func (s *PostgreSQLStorage) ListStockLevelsByLocation(ctx context.Context, locationID int64) ([]inventory.StockLevel, error) {
	query := `SELECT ` + stockLevelColumns + ` FROM stock_levels WHERE location_id = $1 ORDER BY product_id`
	return queryStockLevels(ctx, s.db, "list_stock_levels_by_location", query, locationID)
}

// ListTransfers returns matching transfers newest first
// 在庫移動記録を取得
func (s *PostgreSQLStorage) ListTransfers(ctx context.Context, filter inventory.HistoryFilter) ([]inventory.TransferRecord, error) {
	where, args := historyWhere(filter, "(source_location_id = %s OR destination_location_id = %s)")
	query := `
		SELECT id, product_id, source_location_id, destination_location_id, quantity, reference, created_at, created_by
		FROM stock_transfers` + where + `
		ORDER BY created_at DESC, id` + limitClause(filter, &args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("list_transfers", "在庫移動履歴取得に失敗しました", err)
	}
	defer rows.Close()

	var records []inventory.TransferRecord
	for rows.Next() {
		var r inventory.TransferRecord
		if err := rows.Scan(&r.ID, &r.ProductID, &r.SourceLocationID, &r.DestinationLocationID,
			&r.Quantity, &r.Reference, &r.CreatedAt, &r.CreatedBy); err != nil {
			return nil, mapError("list_transfers", "在庫移動データの読み取りに失敗しました", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list_transfers", "在庫移動データの読み取りに失敗しました", err)
	}
	return records, nil
}

// ListMovements returns matching movements newest first
// 台帳移動履歴を取得
func (s *PostgreSQLStorage) ListMovements(ctx context.Context, filter inventory.HistoryFilter) ([]inventory.Movement, error) {
	where, args := historyWhere(filter, "location_id = %s")
	query := `
		SELECT id, type, product_id, location_id, quantity_delta, reserved_delta, reference, created_at, created_by
		FROM stock_movements` + where + `
		ORDER BY created_at DESC, id` + limitClause(filter, &args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("list_movements", "台帳履歴取得に失敗しました", err)
	}
	defer rows.Close()

	var movements []inventory.Movement
	for rows.Next() {
		var m inventory.Movement
		var movementType string
		if err := rows.Scan(&m.ID, &movementType, &m.ProductID, &m.LocationID,
			&m.QuantityDelta, &m.ReservedDelta, &m.Reference, &m.CreatedAt, &m.CreatedBy); err != nil {
			return nil, mapError("list_movements", "台帳データの読み取りに失敗しました", err)
		}
		m.Type = inventory.MovementType(movementType)
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list_movements", "台帳データの読み取りに失敗しました", err)
	}
	return movements, nil
}

// Ping checks database connectivity
// データベース接続確認
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

// pgTx implements inventory.Tx over one *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

var _ inventory.Tx = (*pgTx)(nil)

func (t *pgTx) LockStockLevels(ctx context.Context, keys []inventory.StockKey) ([]inventory.StockLevel, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	products, locations := splitKeys(keys)
	query := `
		SELECT s.product_id, s.location_id, s.quantity, s.reserved_quantity, s.min_threshold, s.max_threshold, s.updated_at, s.updated_by
		FROM stock_levels s
		JOIN unnest($1::bigint[], $2::bigint[]) AS k(product_id, location_id)
		  ON s.product_id = k.product_id AND s.location_id = k.location_id
		ORDER BY s.product_id, s.location_id
		FOR UPDATE OF s`
	return queryStockLevels(ctx, t.tx, "lock_stock_levels", query, pq.Array(products), pq.Array(locations))
}

func (t *pgTx) InsertStockLevels(ctx context.Context, keys []inventory.StockKey, at time.Time, by string) error {
	if len(keys) == 0 {
		return nil
	}
	products, locations := splitKeys(keys)
	query := `
		INSERT INTO stock_levels (product_id, location_id, quantity, reserved_quantity, updated_at, updated_by)
		SELECT k.product_id, k.location_id, 0, 0, $3, $4
		FROM unnest($1::bigint[], $2::bigint[]) AS k(product_id, location_id)
		ORDER BY k.product_id, k.location_id
		ON CONFLICT (product_id, location_id) DO NOTHING`
	if _, err := t.tx.ExecContext(ctx, query, pq.Array(products), pq.Array(locations), at, by); err != nil {
		return mapError("insert_stock_levels", "在庫行作成に失敗しました", err)
	}
	return nil
}

// UpdateStockLevels writes all rows in one statement. Rows of one batch
// share the timestamp and user of the first row.
func (t *pgTx) UpdateStockLevels(ctx context.Context, levels []inventory.StockLevel) error {
	if len(levels) == 0 {
		return nil
	}
	n := len(levels)
	products := make([]int64, n)
	locations := make([]int64, n)
	quantities := make([]int64, n)
	reserved := make([]int64, n)
	mins := make([]sql.NullInt64, n)
	maxs := make([]sql.NullInt64, n)
	for i, l := range levels {
		products[i] = l.ProductID
		locations[i] = l.LocationID
		quantities[i] = l.Quantity
		reserved[i] = l.ReservedQuantity
		mins[i] = nullInt64(l.MinThreshold)
		maxs[i] = nullInt64(l.MaxThreshold)
	}

	query := `
		UPDATE stock_levels s
		SET quantity = v.quantity,
		    reserved_quantity = v.reserved_quantity,
		    min_threshold = v.min_threshold,
		    max_threshold = v.max_threshold,
		    updated_at = $7,
		    updated_by = $8
		FROM unnest($1::bigint[], $2::bigint[], $3::bigint[], $4::bigint[], $5::bigint[], $6::bigint[])
		  AS v(product_id, location_id, quantity, reserved_quantity, min_threshold, max_threshold)
		WHERE s.product_id = v.product_id AND s.location_id = v.location_id`

	result, err := t.tx.ExecContext(ctx, query,
		pq.Array(products),
		pq.Array(locations),
		pq.Array(quantities),
		pq.Array(reserved),
		pq.Array(mins),
		pq.Array(maxs),
		levels[0].UpdatedAt,
		levels[0].UpdatedBy,
	)
	if err != nil {
		return mapError("update_stock_levels", "在庫行更新に失敗しました", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return mapError("update_stock_levels", "更新行数の取得に失敗しました", err)
	}
	if affected != int64(n) {
		return inventory.NewStorageError("update_stock_levels",
			fmt.Sprintf("更新行数が一致しません (期待 %d, 実際 %d)", n, affected), inventory.ErrStockNotFound)
	}
	return nil
}

func (t *pgTx) ListStockLevelsByProduct(ctx context.Context, productID int64) ([]inventory.StockLevel, error) {
	query := `SELECT ` + stockLevelColumns + ` FROM stock_levels WHERE product_id = $1 ORDER BY location_id`
	return queryStockLevels(ctx, t.tx, "list_stock_levels_by_product", query, productID)
}

// InsertMovements appends movements in one statement. A batch shares the
// timestamp and user of its first movement.
func (t *pgTx) InsertMovements(ctx context.Context, movements []inventory.Movement) error {
	if len(movements) == 0 {
		return nil
	}
	n := len(movements)
	ids := make([]string, n)
	types := make([]string, n)
	products := make([]int64, n)
	locations := make([]int64, n)
	qtyDeltas := make([]int64, n)
	resDeltas := make([]int64, n)
	references := make([]string, n)
	for i, m := range movements {
		ids[i] = m.ID
		types[i] = string(m.Type)
		products[i] = m.ProductID
		locations[i] = m.LocationID
		qtyDeltas[i] = m.QuantityDelta
		resDeltas[i] = m.ReservedDelta
		references[i] = m.Reference
	}

	query := `
		INSERT INTO stock_movements (id, type, product_id, location_id, quantity_delta, reserved_delta, reference, created_at, created_by)
		SELECT v.id::uuid, v.type, v.product_id, v.location_id, v.quantity_delta, v.reserved_delta, v.reference, $8, $9
		FROM unnest($1::text[], $2::text[], $3::bigint[], $4::bigint[], $5::bigint[], $6::bigint[], $7::text[])
		  AS v(id, type, product_id, location_id, quantity_delta, reserved_delta, reference)`

	_, err := t.tx.ExecContext(ctx, query,
		pq.Array(ids),
		pq.Array(types),
		pq.Array(products),
		pq.Array(locations),
		pq.Array(qtyDeltas),
		pq.Array(resDeltas),
		pq.Array(references),
		movements[0].CreatedAt,
		movements[0].CreatedBy,
	)
	if err != nil {
		return mapError("insert_movements", "台帳履歴記録に失敗しました", err)
	}
	return nil
}

func (t *pgTx) InsertTransfer(ctx context.Context, r *inventory.TransferRecord) error {
	query := `
		INSERT INTO stock_transfers (id, product_id, source_location_id, destination_location_id, quantity, reference, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := t.tx.ExecContext(ctx, query,
		r.ID, r.ProductID, r.SourceLocationID, r.DestinationLocationID,
		r.Quantity, r.Reference, r.CreatedAt, r.CreatedBy,
	)
	if err != nil {
		return mapError("insert_transfer", "在庫移動記録に失敗しました", err)
	}
	return nil
}

func (t *pgTx) LockDocument(ctx context.Context, documentID string) error {
	return t.advisoryLock(ctx, "document:"+documentID)
}

func (t *pgTx) LockShipment(ctx context.Context, shipmentID string) error {
	return t.advisoryLock(ctx, "shipment:"+shipmentID)
}

// advisoryLock takes a transaction-scoped advisory lock; it is released on
// commit or rollback and obeys lock_timeout.
func (t *pgTx) advisoryLock(ctx context.Context, key string) error {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return mapError("advisory_lock", "アドバイザリロック取得に失敗しました", err)
	}
	return nil
}

func (t *pgTx) GetReservations(ctx context.Context, documentID string) ([]inventory.Reservation, error) {
	query := `
		SELECT document_id, product_id, location_id, quantity
		FROM stock_reservations
		WHERE document_id = $1
		ORDER BY product_id, location_id`
	rows, err := t.tx.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, mapError("get_reservations", "予約取得に失敗しました", err)
	}
	defer rows.Close()

	var out []inventory.Reservation
	for rows.Next() {
		var r inventory.Reservation
		if err := rows.Scan(&r.DocumentID, &r.ProductID, &r.LocationID, &r.Quantity); err != nil {
			return nil, mapError("get_reservations", "予約データの読み取りに失敗しました", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("get_reservations", "予約データの読み取りに失敗しました", err)
	}
	return out, nil
}

func (t *pgTx) InsertReservations(ctx context.Context, reservations []inventory.Reservation) error {
	if len(reservations) == 0 {
		return nil
	}
	n := len(reservations)
	docs := make([]string, n)
	products := make([]int64, n)
	locations := make([]int64, n)
	quantities := make([]int64, n)
	for i, r := range reservations {
		docs[i] = r.DocumentID
		products[i] = r.ProductID
		locations[i] = r.LocationID
		quantities[i] = r.Quantity
	}
	query := `
		INSERT INTO stock_reservations (document_id, product_id, location_id, quantity)
		SELECT * FROM unnest($1::text[], $2::bigint[], $3::bigint[], $4::bigint[])`
	if _, err := t.tx.ExecContext(ctx, query, pq.Array(docs), pq.Array(products), pq.Array(locations), pq.Array(quantities)); err != nil {
		return mapError("insert_reservations", "予約記録に失敗しました", err)
	}
	return nil
}

func (t *pgTx) DeleteReservations(ctx context.Context, documentID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM stock_reservations WHERE document_id = $1`, documentID); err != nil {
		return mapError("delete_reservations", "予約削除に失敗しました", err)
	}
	return nil
}

func (t *pgTx) DocumentReleased(ctx context.Context, documentID string) (bool, error) {
	var released bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM document_releases WHERE document_id = $1)`, documentID).Scan(&released)
	if err != nil {
		return false, mapError("document_released", "予約解除記録の取得に失敗しました", err)
	}
	return released, nil
}

func (t *pgTx) SetDocumentReleased(ctx context.Context, documentID string, released bool, at time.Time) error {
	if !released {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM document_releases WHERE document_id = $1`, documentID); err != nil {
			return mapError("clear_document_released", "予約解除記録の削除に失敗しました", err)
		}
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO document_releases (document_id, released_at) VALUES ($1, $2)
		ON CONFLICT (document_id) DO UPDATE SET released_at = EXCLUDED.released_at`, documentID, at)
	if err != nil {
		return mapError("set_document_released", "予約解除記録に失敗しました", err)
	}
	return nil
}

func (t *pgTx) MarkShipmentArrived(ctx context.Context, shipmentID string, at time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO shipment_arrivals (shipment_id, arrived_at) VALUES ($1, $2)
		ON CONFLICT (shipment_id) DO NOTHING`, shipmentID, at)
	if err != nil {
		return false, mapError("mark_shipment_arrived", "入荷記録に失敗しました", err)
	}
	return changedOne(result, "mark_shipment_arrived")
}

func (t *pgTx) UnmarkShipmentArrived(ctx context.Context, shipmentID string) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM shipment_arrivals WHERE shipment_id = $1`, shipmentID)
	if err != nil {
		return false, mapError("unmark_shipment_arrived", "入荷記録の削除に失敗しました", err)
	}
	return changedOne(result, "unmark_shipment_arrived")
}

func changedOne(result sql.Result, op string) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, mapError(op, "更新行数の取得に失敗しました", err)
	}
	return affected == 1, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func queryStockLevels(ctx context.Context, q queryer, op, query string, args ...interface{}) ([]inventory.StockLevel, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, "在庫取得に失敗しました", err)
	}
	defer rows.Close()

	var levels []inventory.StockLevel
	for rows.Next() {
		level, err := scanStockLevel(rows)
		if err != nil {
			return nil, mapError(op, "在庫データの読み取りに失敗しました", err)
		}
		levels = append(levels, *level)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, "在庫データの読み取りに失敗しました", err)
	}
	return levels, nil
}

func scanStockLevel(row rowScanner) (*inventory.StockLevel, error) {
	var l inventory.StockLevel
	var min, max sql.NullInt64
	if err := row.Scan(&l.ProductID, &l.LocationID, &l.Quantity, &l.ReservedQuantity,
		&min, &max, &l.UpdatedAt, &l.UpdatedBy); err != nil {
		return nil, err
	}
	if min.Valid {
		l.MinThreshold = &min.Int64
	}
	if max.Valid {
		l.MaxThreshold = &max.Int64
	}
	return &l, nil
}

func splitKeys(keys []inventory.StockKey) ([]int64, []int64) {
	sorted := inventory.SortedKeys(keys)
	products := make([]int64, len(sorted))
	locations := make([]int64, len(sorted))
	for i, k := range sorted {
		products[i] = k.ProductID
		locations[i] = k.LocationID
	}
	return products, locations
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// historyWhere builds the WHERE clause of a history query. locationClause
// holds one or two %s placeholders for the location parameter.
func historyWhere(filter inventory.HistoryFilter, locationClause string) (string, []interface{}) {
	var conds []string
	var args []interface{}
	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ProductID != 0 {
		conds = append(conds, "product_id = "+next(filter.ProductID))
	}
	if filter.LocationID != 0 {
		p := next(filter.LocationID)
		conds = append(conds, strings.ReplaceAll(locationClause, "%s", p))
	}
	if filter.From != nil {
		conds = append(conds, "created_at >= "+next(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "created_at < "+next(*filter.To))
	}
	if len(conds) == 0 {
		return "", args
	}
	return "\n\t\tWHERE " + strings.Join(conds, " AND "), args
}

func limitClause(filter inventory.HistoryFilter, args *[]interface{}) string {
	if filter.Limit <= 0 {
		return ""
	}
	*args = append(*args, filter.Limit)
	return fmt.Sprintf("\n\t\tLIMIT $%d", len(*args))
}

// mapError turns driver errors into engine errors: lock timeouts,
// deadlocks and serialization failures become *inventory.ConcurrencyError
// (matching inventory.ErrLockTimeout), everything else *inventory.StorageError.
func mapError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqLockNotAvailable:
			return inventory.NewConcurrencyError(op, "stock_levels", "ロック待ちがタイムアウトしました", err)
		case pqDeadlockDetected:
			return inventory.NewConcurrencyError(op, "stock_levels", "デッドロックが検出されました", err)
		case pqSerializationFailure:
			return inventory.NewConcurrencyError(op, "stock_levels", "直列化に失敗しました", err)
		}
	}
	return inventory.NewStorageError(op, message, err)
}
