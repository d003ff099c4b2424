package devnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"zapps-voting/chain"
	"zapps-voting/encryption"
	"zapps-voting/models"
)

const (
	intrinsicGas        = 21000
	calldataGasPerByte  = 16
	voteGas             = 180000
	requestDecryptGas   = 60000
	methodFulfilDecrypt = "fulfillDecryption"
)

func gasFor(method string, data []byte) uint64 {
	gas := uint64(intrinsicGas + calldataGasPerByte*len(data))
	switch method {
	case chain.MethodVote:
		gas += voteGas
	case chain.MethodRequestDecryption:
		gas += requestDecryptGas
	}
	return gas
}

func (d *Devnet) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(d.cfg.ChainID), nil
}

func (d *Devnet) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nonces[account], nil
}

func (d *Devnet) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(d.cfg.GasPrice), nil
}

func (d *Devnet) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return new(big.Int).Set(d.balanceLocked(account)), nil
}

// EstimateGas dry-runs the call and fails with the revert reason the way a
// node does.
func (d *Devnet) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if msg.To == nil || *msg.To != d.cfg.ContractAddress {
		return 0, errNoContract
	}
	call, err := chain.DecodeCall(msg.Data)
	if err != nil {
		return 0, revert("Bad calldata")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCall(msg.From, msg.Value, call.Method, call.Target, call.Rating); err != nil {
		return 0, err
	}
	return gasFor(call.Method, msg.Data), nil
}

// SendTransaction validates, executes and mines tx in its own block. A
// call that fails the contract checks is still mined, with a failed
// receipt, and pays for its gas.
func (d *Devnet) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	from, err := types.Sender(d.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, known := d.receipts[tx.Hash()]; known {
		return errors.New("already known")
	}
	switch nonce := d.nonces[from]; {
	case tx.Nonce() < nonce:
		return fmt.Errorf("nonce too low: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), nonce)
	case tx.Nonce() > nonce:
		return fmt.Errorf("nonce too high: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), nonce)
	}
	if tx.To() == nil || *tx.To() != d.cfg.ContractAddress {
		return errNoContract
	}
	bal := d.balanceLocked(from)
	if bal.Cmp(tx.Cost()) < 0 {
		return fmt.Errorf("insufficient funds for gas * price + value: address %s have %s want %s", from.Hex(), bal, tx.Cost())
	}

	record := models.TxRecord{TxHash: tx.Hash(), From: from}
	call, err := chain.DecodeCall(tx.Data())
	var execErr error
	if err != nil {
		execErr = revert("Bad calldata")
	} else {
		record.Method, record.Target, record.Rating = call.Method, call.Target, call.Rating
		execErr = d.checkCall(from, tx.Value(), call.Method, call.Target, call.Rating)
		if execErr == nil {
			execErr = d.applyLocked(from, call, tx.Hash())
		}
	}

	gasUsed := gasFor(record.Method, tx.Data())
	if gasUsed > tx.Gas() {
		gasUsed = tx.Gas()
		if execErr == nil {
			execErr = errors.New("out of gas")
		}
	}
	bal.Sub(bal, new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), tx.GasPrice()))
	d.nonces[from]++

	status := types.ReceiptStatusSuccessful
	if execErr != nil {
		record.Reverted = true
		record.Reason = execErr.Error()
		status = types.ReceiptStatusFailed
	} else {
		bal.Sub(bal, tx.Value())
	}

	block := d.mineLocked(ctx, record)
	d.receipts[tx.Hash()] = &types.Receipt{
		Type:              tx.Type(),
		Status:            status,
		CumulativeGasUsed: gasUsed,
		GasUsed:           gasUsed,
		EffectiveGasPrice: tx.GasPrice(),
		TxHash:            tx.Hash(),
		BlockHash:         block.Hash,
		BlockNumber:       new(big.Int).SetUint64(block.Index),
		Logs:              []*types.Log{},
	}

	d.log.WithFields(logrus.Fields{
		"tx":       tx.Hash().Hex(),
		"from":     from.Hex(),
		"method":   record.Method,
		"block":    block.Index,
		"reverted": record.Reverted,
	}).Debug("Transaction mined")
	return nil
}

func (d *Devnet) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	cp := *r
	return &cp, nil
}

func (d *Devnet) applyLocked(from common.Address, call chain.DecodedCall, txHash common.Hash) error {
	now := d.now()

	switch call.Method {
	case chain.MethodVote:
		encRating, err := encryption.EncryptUint32(d.scheme, call.Rating)
		if err != nil {
			return err
		}
		encOne, err := encryption.EncryptUint32(d.scheme, 1)
		if err != nil {
			return err
		}

		t, ok := d.targets[call.Target]
		if !ok {
			t = &targetState{
				targetType: call.TargetType,
				encSum:     encRating,
				encCount:   encOne,
				createdAt:  now,
				voters:     make(map[common.Address][]time.Time),
			}
			d.targets[call.Target] = t
		} else {
			if t.encSum, err = d.scheme.Add(t.encSum, encRating); err != nil {
				return err
			}
			if t.encCount, err = d.scheme.Add(t.encCount, encOne); err != nil {
				return err
			}
		}
		t.totalVotes++
		t.lastVote = now
		t.voters[from] = append(t.voters[from], now)

	case chain.MethodRequestDecryption:
		t := d.targets[call.Target]
		snapshot := ciphertexts{
			sum:   append([]byte(nil), t.encSum...),
			count: append([]byte(nil), t.encCount...),
		}
		t.requested = &snapshot
		d.requests = append(d.requests, decryptionRequest{
			target:      call.Target,
			cipher:      snapshot,
			requestedAt: now,
			tx:          txHash,
		})
	}
	return nil
}

func (d *Devnet) mineLocked(ctx context.Context, record models.TxRecord) *models.Block {
	data, err := json.Marshal(record)
	if err != nil {
		d.log.WithError(err).Error("Failed to encode ledger record")
	}
	prev := d.blocks[len(d.blocks)-1]
	ts := d.now().Unix()
	if ts < prev.Timestamp {
		ts = prev.Timestamp
	}
	block := models.NewBlock(prev.Index+1, ts, data, prev.Hash, d.cfg.Difficulty)
	d.blocks = append(d.blocks, block)
	d.persistBlock(ctx, block)
	return block
}

func (d *Devnet) persistBlock(ctx context.Context, block *models.Block) {
	if d.cfg.Ledger == nil {
		return
	}
	raw, err := json.Marshal(block)
	if err == nil {
		err = d.cfg.Ledger.Set(ctx, fmt.Sprintf("ledger:%08d", block.Index), raw)
	}
	if err != nil {
		d.log.WithError(err).WithField("block", block.Index).Warn("Failed to persist ledger block")
	}
}

// Blocks returns the mined ledger, genesis first.
func (d *Devnet) Blocks() []*models.Block {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*models.Block, len(d.blocks))
	copy(out, d.blocks)
	return out
}

// ValidateLedger checks every block hash and link.
func (d *Devnet) ValidateLedger() bool {
	return models.ValidateChain(d.Blocks())
}

// Records decodes the transaction payload of every non-genesis block.
func (d *Devnet) Records() ([]models.TxRecord, error) {
	blocks := d.Blocks()
	out := make([]models.TxRecord, 0, len(blocks))
	for _, b := range blocks[1:] {
		var r models.TxRecord
		if err := json.Unmarshal(b.Data, &r); err != nil {
			return nil, fmt.Errorf("block %d: %w", b.Index, err)
		}
		out = append(out, r)
	}
	return out, nil
}
