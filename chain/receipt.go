package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"zapps-voting/poll"
)

// ErrReverted is returned when a mined transaction failed on-chain.
var ErrReverted = errors.New("transaction reverted")

// WaitForReceipt polls src until txHash is mined or the poll budget runs
// out. A receipt with a failed status is returned together with ErrReverted.
func WaitForReceipt(ctx context.Context, src ReceiptSource, txHash common.Hash, b poll.Bounded) (*types.Receipt, error) {
	var (
		receipt *types.Receipt
		lastErr error
	)

	_, err := b.Run(ctx, func(ctx context.Context, _ int) bool {
		r, err := src.TransactionReceipt(ctx, txHash)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				lastErr = err
			}
			return false
		}
		receipt = r
		return true
	})
	if err != nil {
		if lastErr != nil {
			return nil, fmt.Errorf("waiting for receipt %s: %w (last error: %v)", txHash.Hex(), err, lastErr)
		}
		return nil, fmt.Errorf("waiting for receipt %s: %w", txHash.Hex(), err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s: %w", txHash.Hex(), ErrReverted)
	}
	return receipt, nil
}
