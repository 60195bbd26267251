package inventory

import (
	"context"

	"go.uber.org/zap"
)

// ShipmentArrivalProcessor applies and reverses the on-hand increase of
// arrived shipments. Each shipment carries an arrival marker so applying
// or reversing twice has no further effect.
// 入荷による在庫増加の適用と取消（冪等）
type ShipmentArrivalProcessor struct {
	ledger *StockLedger
	logger *zap.Logger
}

// NewShipmentArrivalProcessor creates a processor writing through ledger.
func NewShipmentArrivalProcessor(ledger *StockLedger, logger *zap.Logger) *ShipmentArrivalProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShipmentArrivalProcessor{ledger: ledger, logger: logger}
}

// ArrivalResult lists the lines whose stock effect was applied or reversed.
type ArrivalResult struct {
	Applied  []ShipmentLine
	Reversed []ShipmentLine
	Changes  []StockChange
}

func (r *ArrivalResult) merge(o *ArrivalResult) {
	if o == nil {
		return
	}
	r.Applied = append(r.Applied, o.Applied...)
	r.Reversed = append(r.Reversed, o.Reversed...)
	r.Changes = append(r.Changes, o.Changes...)
}

// ApplyArrival raises on-hand quantity by every line, creating rows as
// needed. It is a no-op for a shipment already marked arrived.
// 入荷を在庫に反映
func (p *ShipmentArrivalProcessor) ApplyArrival(ctx context.Context, tx Tx, shipmentID string, lines []ShipmentLine) (*ArrivalResult, error) {
	if err := tx.LockShipment(ctx, shipmentID); err != nil {
		return nil, err
	}
	marked, err := tx.MarkShipmentArrived(ctx, shipmentID, p.ledger.now())
	if err != nil {
		return nil, err
	}
	if !marked {
		p.logger.Debug("シップメントは既に入荷済みです", zap.String("shipment_id", shipmentID))
		return &ArrivalResult{}, nil
	}
	if len(lines) == 0 {
		return &ArrivalResult{}, nil
	}

	g, err := p.ledger.LockOrCreateRows(ctx, tx, shipmentKeys(lines))
	if err != nil {
		return nil, err
	}
	if err := g.Adjust(ctx, MovementTypeArrival, shipmentID, shipmentDeltas(lines, 1)...); err != nil {
		return nil, err
	}
	return &ArrivalResult{Applied: lines, Changes: g.Changes()}, nil
}

// ReverseArrival lowers on-hand quantity by every line. It fails with
// InsufficientStock when a row would drop below zero or below its reserved
// quantity, and is a no-op for a shipment not marked arrived.
// 入荷の取消（在庫数量が予約数量を下回る場合は在庫不足エラー）
func (p *ShipmentArrivalProcessor) ReverseArrival(ctx context.Context, tx Tx, shipmentID string, lines []ShipmentLine) (*ArrivalResult, error) {
	if err := tx.LockShipment(ctx, shipmentID); err != nil {
		return nil, err
	}
	unmarked, err := tx.UnmarkShipmentArrived(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if !unmarked {
		p.logger.Debug("シップメントは入荷済みではありません", zap.String("shipment_id", shipmentID))
		return &ArrivalResult{}, nil
	}
	if len(lines) == 0 {
		return &ArrivalResult{}, nil
	}

	g, err := p.ledger.LockRows(ctx, tx, shipmentKeys(lines))
	if err != nil {
		return nil, err
	}
	if err := g.Adjust(ctx, MovementTypeArrivalReversal, shipmentID, shipmentDeltas(lines, -1)...); err != nil {
		return nil, err
	}
	return &ArrivalResult{Reversed: lines, Changes: g.Changes()}, nil
}

// Save recomputes landed costs on after and applies the stock effect of
// moving from before to after:
//
//	not arrived -> arrived: apply the new lines
//	arrived -> not arrived: reverse the old lines
//	arrived -> arrived, lines changed: swap old for new under one lock batch
//
// 保存時の入荷状態変化に応じて在庫を調整
func (p *ShipmentArrivalProcessor) Save(ctx context.Context, tx Tx, before ShipmentSnapshot, after *Shipment) (*ArrivalResult, error) {
	after.RecalculateLandedCosts()

	was, is := before.Status.Arrived(), after.Status.Arrived()
	result := &ArrivalResult{}
	switch {
	case !was && is:
		r, err := p.ApplyArrival(ctx, tx, after.ID, after.Lines)
		if err != nil {
			return nil, err
		}
		result.merge(r)
	case was && !is:
		r, err := p.ReverseArrival(ctx, tx, before.ID, before.Lines)
		if err != nil {
			return nil, err
		}
		result.merge(r)
	case was && is && !sameArrivalLines(before.Lines, after.Lines):
		r, err := p.reapply(ctx, tx, after.ID, before.Lines, after.Lines)
		if err != nil {
			return nil, err
		}
		result.merge(r)
	}
	return result, nil
}

// reapply swaps the arrived lines of a shipment for new ones. Old and new
// rows are locked in one batch. The new lines are added before the old
// ones are taken out, so the reversal is checked against the final
// quantities rather than an intermediate state.
// 入荷済み明細の差し替え（新旧の行を一括ロック）
func (p *ShipmentArrivalProcessor) reapply(ctx context.Context, tx Tx, shipmentID string, old, lines []ShipmentLine) (*ArrivalResult, error) {
	if err := tx.LockShipment(ctx, shipmentID); err != nil {
		return nil, err
	}
	unmarked, err := tx.UnmarkShipmentArrived(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.MarkShipmentArrived(ctx, shipmentID, p.ledger.now()); err != nil {
		return nil, err
	}
	if !unmarked {
		// 旧明細は在庫に反映されていない
		old = nil
	}

	keys := append(shipmentKeys(old), shipmentKeys(lines)...)
	if len(keys) == 0 {
		return &ArrivalResult{}, nil
	}
	g, err := p.ledger.LockOrCreateRows(ctx, tx, keys)
	if err != nil {
		return nil, err
	}

	result := &ArrivalResult{}
	if len(lines) > 0 {
		if err := g.Adjust(ctx, MovementTypeArrival, shipmentID, shipmentDeltas(lines, 1)...); err != nil {
			return nil, err
		}
		result.Applied = lines
	}
	if len(old) > 0 {
		if err := g.Adjust(ctx, MovementTypeArrivalReversal, shipmentID, shipmentDeltas(old, -1)...); err != nil {
			return nil, err
		}
		result.Reversed = old
	}
	result.Changes = g.Changes()
	return result, nil
}
