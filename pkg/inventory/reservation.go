package inventory

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
)

// SelectLocation picks the lowest location ID whose availability covers
// required. It reports false when no candidate qualifies.
// 必要数量を満たすロケーションのうちIDが最小のものを選択
func SelectLocation(candidates []LocationAvailability, required int64) (int64, bool) {
	var best int64
	found := false
	for _, c := range candidates {
		if c.Available < required {
			continue
		}
		if !found || c.LocationID < best {
			best = c.LocationID
			found = true
		}
	}
	return best, found
}

// ReservationCoordinator applies and releases the reservations of
// order-like documents.
// 受注系伝票の在庫予約を管理
type ReservationCoordinator struct {
	ledger *StockLedger
	logger *zap.Logger
}

// NewReservationCoordinator creates a coordinator writing through ledger.
func NewReservationCoordinator(ledger *StockLedger, logger *zap.Logger) *ReservationCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReservationCoordinator{ledger: ledger, logger: logger}
}

// ReserveResult describes a committed-to-be reservation.
type ReserveResult struct {
	Lines        []DocumentLine // lines with resolved locations
	Reservations []Reservation
	Changes      []StockChange
}

// Reserve resolves a location for every line, locks all touched rows in
// one batch and raises their reserved quantity. Either every line is
// reserved or none is. A document that already holds reservations is left
// alone and a nil result is returned.
// 伝票の全明細を一括予約（全か無か）
func (c *ReservationCoordinator) Reserve(ctx context.Context, tx Tx, documentID string, lines []DocumentLine) (*ReserveResult, error) {
	if err := tx.LockDocument(ctx, documentID); err != nil {
		return nil, err
	}
	existing, err := tx.GetReservations(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		c.logger.Debug("伝票は既に予約済みです", zap.String("document_id", documentID))
		return nil, nil
	}

	resolved, err := c.resolveLocations(ctx, tx, lines, nil)
	if err != nil {
		return nil, err
	}
	var g *RowGuard
	if len(resolved) > 0 {
		if g, err = c.ledger.LockRows(ctx, tx, lineKeys(resolved)); err != nil {
			return nil, err
		}
	}
	return c.reserve(ctx, tx, g, documentID, resolved)
}

// Release drops every reservation the document holds. Reserved quantities
// are clamped at zero so release never fails on quantities. held are the
// lines of a confirmed document; they stand in for the reservation when
// none was persisted and the document was not released before.
// 伝票の予約を解除（数量不足では失敗しない）
func (c *ReservationCoordinator) Release(ctx context.Context, tx Tx, documentID string, held []DocumentLine) ([]StockChange, error) {
	if err := tx.LockDocument(ctx, documentID); err != nil {
		return nil, err
	}
	reservations, err := c.held(ctx, tx, documentID, held)
	if err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		return nil, nil
	}

	g, err := c.ledger.LockRows(ctx, tx, reservationKeys(reservations))
	if err != nil {
		return nil, err
	}
	if err := c.release(ctx, tx, g, documentID, reservations); err != nil {
		return nil, err
	}
	return g.Changes(), nil
}

// Replace releases what the document holds and reserves lines in its
// place. Old and new rows are locked together in one batch, and the new
// lines may draw on the units the old reservation frees.
// 予約の差し替え（旧予約と新明細の行を一括ロック）
func (c *ReservationCoordinator) Replace(ctx context.Context, tx Tx, documentID string, held, lines []DocumentLine) (*ReserveResult, error) {
	if err := tx.LockDocument(ctx, documentID); err != nil {
		return nil, err
	}
	reservations, err := c.held(ctx, tx, documentID, held)
	if err != nil {
		return nil, err
	}
	freed := make(map[StockKey]int64, len(reservations))
	for _, r := range reservations {
		freed[r.Key()] += r.Quantity
	}

	resolved, err := c.resolveLocations(ctx, tx, lines, freed)
	if err != nil {
		return nil, err
	}
	keys := append(reservationKeys(reservations), lineKeys(resolved)...)
	var g *RowGuard
	if len(keys) > 0 {
		if g, err = c.ledger.LockRows(ctx, tx, keys); err != nil {
			return nil, err
		}
	}
	if len(reservations) > 0 {
		if err := c.release(ctx, tx, g, documentID, reservations); err != nil {
			return nil, err
		}
	}
	return c.reserve(ctx, tx, g, documentID, resolved)
}

// held returns the persisted reservations of a document, or reservations
// built from the resolved lines when nothing was persisted and the document
// has not been released yet.
func (c *ReservationCoordinator) held(ctx context.Context, tx Tx, documentID string, lines []DocumentLine) ([]Reservation, error) {
	reservations, err := tx.GetReservations(ctx, documentID)
	if err != nil || len(reservations) > 0 {
		return reservations, err
	}
	released, err := tx.DocumentReleased(ctx, documentID)
	if err != nil || released {
		return nil, err
	}

	resolved := make([]DocumentLine, 0, len(lines))
	for _, l := range lines {
		if l.LocationID != 0 && l.Quantity > 0 {
			resolved = append(resolved, l)
		}
	}
	if len(resolved) > 0 {
		c.logger.Info("予約記録が無いため伝票明細から解除します",
			zap.String("document_id", documentID),
			zap.Int("lines", len(resolved)),
		)
	}
	return reservationsFor(documentID, resolved), nil
}

// release lowers reserved quantities on rows already locked by g
func (c *ReservationCoordinator) release(ctx context.Context, tx Tx, g *RowGuard, documentID string, reservations []Reservation) error {
	deltas := make([]Delta, 0, len(reservations))
	for _, r := range reservations {
		deltas = append(deltas, Delta{Key: r.Key(), Reserved: -r.Quantity})
	}
	if err := g.Release(ctx, documentID, deltas...); err != nil {
		return err
	}
	if err := tx.DeleteReservations(ctx, documentID); err != nil {
		return err
	}
	return tx.SetDocumentReleased(ctx, documentID, true, c.ledger.now())
}

// reserve raises reserved quantities on rows already locked by g and
// persists the reservation. g may be nil when resolved is empty.
func (c *ReservationCoordinator) reserve(ctx context.Context, tx Tx, g *RowGuard, documentID string, resolved []DocumentLine) (*ReserveResult, error) {
	var changes []StockChange
	if len(resolved) > 0 {
		deltas := make([]Delta, 0, len(resolved))
		for _, l := range resolved {
			deltas = append(deltas, Delta{Key: l.Key(), Reserved: l.Quantity})
		}
		if err := g.Adjust(ctx, MovementTypeReserve, documentID, deltas...); err != nil {
			return nil, err
		}
	}
	if g != nil {
		changes = g.Changes()
	}

	reservations := reservationsFor(documentID, resolved)
	if err := tx.InsertReservations(ctx, reservations); err != nil {
		return nil, err
	}
	if err := tx.SetDocumentReleased(ctx, documentID, false, c.ledger.now()); err != nil {
		return nil, err
	}
	return &ReserveResult{Lines: resolved, Reservations: reservations, Changes: changes}, nil
}

func lineKeys(lines []DocumentLine) []StockKey {
	keys := make([]StockKey, 0, len(lines))
	for _, l := range lines {
		keys = append(keys, l.Key())
	}
	return keys
}

func reservationKeys(reservations []Reservation) []StockKey {
	keys := make([]StockKey, 0, len(reservations))
	for _, r := range reservations {
		keys = append(keys, r.Key())
	}
	return keys
}

// resolveLocations keeps an explicit location when it can cover the line
// and otherwise auto-picks from a per-product availability snapshot. The
// snapshot is drawn down as lines are assigned so two lines of the same
// product never count the same units twice. freed adds units a release in
// the same transaction is about to return to a row.
func (c *ReservationCoordinator) resolveLocations(ctx context.Context, tx Tx, lines []DocumentLine, freed map[StockKey]int64) ([]DocumentLine, error) {
	snapshots := make(map[int64]map[int64]int64)
	resolved := make([]DocumentLine, 0, len(lines))
	var errs []error

	for _, line := range lines {
		avail, ok := snapshots[line.ProductID]
		if !ok {
			levels, err := tx.ListStockLevelsByProduct(ctx, line.ProductID)
			if err != nil {
				return nil, err
			}
			avail = make(map[int64]int64, len(levels))
			for _, lvl := range levels {
				avail[lvl.LocationID] = lvl.Available() + min(freed[lvl.Key()], lvl.ReservedQuantity)
			}
			snapshots[line.ProductID] = avail
		}

		location := line.LocationID
		if location == 0 || avail[location] < line.Quantity {
			picked, found := SelectLocation(candidatesFrom(avail), line.Quantity)
			if !found {
				errs = append(errs, unsatisfiable(line, avail))
				continue
			}
			if location != 0 {
				c.logger.Debug("指定ロケーションの在庫不足のため自動選択しました",
					zap.Int64("product_id", line.ProductID),
					zap.Int64("requested_location_id", location),
					zap.Int64("picked_location_id", picked),
				)
			}
			location = picked
		}
		avail[location] -= line.Quantity
		resolved = append(resolved, DocumentLine{ProductID: line.ProductID, LocationID: location, Quantity: line.Quantity})
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return resolved, nil
}

func candidatesFrom(avail map[int64]int64) []LocationAvailability {
	out := make([]LocationAvailability, 0, len(avail))
	for loc, a := range avail {
		out = append(out, LocationAvailability{LocationID: loc, Available: a})
	}
	return out
}

// unsatisfiable reports the explicit location when one was given, else the
// location with the most availability.
func unsatisfiable(line DocumentLine, avail map[int64]int64) *InsufficientStockError {
	e := &InsufficientStockError{ProductID: line.ProductID, LocationID: line.LocationID, Requested: line.Quantity}
	if line.LocationID != 0 {
		e.Available = max(avail[line.LocationID], 0)
		return e
	}
	for loc, a := range avail {
		if a > e.Available || (a == e.Available && a > 0 && loc < e.LocationID) {
			e.LocationID = loc
			e.Available = a
		}
	}
	return e
}

func reservationsFor(documentID string, lines []DocumentLine) []Reservation {
	agg := make(map[StockKey]int64, len(lines))
	for _, l := range lines {
		agg[l.Key()] += l.Quantity
	}
	out := make([]Reservation, 0, len(agg))
	for k, q := range agg {
		out = append(out, Reservation{DocumentID: documentID, ProductID: k.ProductID, LocationID: k.LocationID, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}
