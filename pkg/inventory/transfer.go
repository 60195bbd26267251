package inventory

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// TransferCoordinator moves quantity of one product between two locations
// ロケーション間の在庫移動を管理
type TransferCoordinator struct {
	ledger *StockLedger
	logger *zap.Logger
}

// NewTransferCoordinator creates a coordinator writing through ledger.
func NewTransferCoordinator(ledger *StockLedger, logger *zap.Logger) *TransferCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferCoordinator{ledger: ledger, logger: logger}
}

// Transfer decrements the source and increments the destination in one
// step. Reserved quantities are never touched; the source must have at
// least in.Quantity available.
// 在庫を移動元から移動先へ移す（予約数量は変更しない）
func (c *TransferCoordinator) Transfer(ctx context.Context, tx Tx, in TransferInput) (*TransferRecord, []StockChange, error) {
	if err := ValidateTransferInput(in); err != nil {
		return nil, nil, err
	}

	src := StockKey{ProductID: in.ProductID, LocationID: in.SourceLocationID}
	dst := StockKey{ProductID: in.ProductID, LocationID: in.DestinationLocationID}

	if err := c.ledger.ensureRows(ctx, tx, []StockKey{dst}); err != nil {
		return nil, nil, err
	}
	g, err := c.ledger.LockRows(ctx, tx, []StockKey{src, dst})
	if err != nil {
		return nil, nil, err
	}

	// available (not on-hand) is what a transfer may draw from
	if row, _ := g.Row(src); row.Available() < in.Quantity {
		return nil, nil, &InsufficientStockError{
			ProductID:  in.ProductID,
			LocationID: in.SourceLocationID,
			Requested:  in.Quantity,
			Available:  row.Available(),
		}
	}

	reference := in.Reference
	record := &TransferRecord{
		ID:                    NewTransactionID(),
		ProductID:             in.ProductID,
		SourceLocationID:      in.SourceLocationID,
		DestinationLocationID: in.DestinationLocationID,
		Quantity:              in.Quantity,
		Reference:             reference,
		CreatedAt:             c.ledger.now(),
		CreatedBy:             UserFromContext(ctx),
	}
	if reference == "" {
		reference = fmt.Sprintf("transfer:%s", record.ID)
	}

	if err := g.Adjust(ctx, MovementTypeTransferOut, reference, Delta{Key: src, Quantity: -in.Quantity}); err != nil {
		return nil, nil, err
	}
	if err := g.Adjust(ctx, MovementTypeTransferIn, reference, Delta{Key: dst, Quantity: in.Quantity}); err != nil {
		return nil, nil, err
	}
	if err := tx.InsertTransfer(ctx, record); err != nil {
		return nil, nil, err
	}
	return record, g.Changes(), nil
}
