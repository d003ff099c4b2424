// Package wallet signs and broadcasts contract transactions for a single
// account.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"zapps-voting/encryption"
	"zapps-voting/models"
)

// gasMarginPercent is added on top of the node's gas estimate.
const gasMarginPercent = 20

// TxRequest is an unsigned contract call.
type TxRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Adapter is the signing capability a vote or decryption request needs.
type Adapter interface {
	Address() common.Address
	Connected() bool
	Balance(ctx context.Context) (*big.Int, error)
	SignAndSend(ctx context.Context, req TxRequest) (common.Hash, error)
}

// TxBackend is the subset of a node client used to build and submit
// transactions. *ethclient.Client satisfies it.
type TxBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// KeyWallet signs with an in-memory private key. Sends are serialized so
// that nonces are taken in order.
type KeyWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	backend TxBackend
	log     logrus.FieldLogger

	mu      sync.Mutex
	chainID *big.Int
}

// NewKeyWallet returns a wallet for key. A nil key yields a disconnected
// wallet whose operations fail with models.ErrWalletNotConnected.
func NewKeyWallet(key *ecdsa.PrivateKey, backend TxBackend, logger logrus.FieldLogger) *KeyWallet {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	w := &KeyWallet{key: key, backend: backend}
	if key != nil {
		w.address = encryption.AddressOf(key)
	}
	w.log = logger.WithFields(logrus.Fields{"component": "wallet", "address": w.address.Hex()})
	return w
}

func (w *KeyWallet) Address() common.Address {
	return w.address
}

func (w *KeyWallet) Connected() bool {
	return w.key != nil && w.backend != nil
}

func (w *KeyWallet) Balance(ctx context.Context) (*big.Int, error) {
	if !w.Connected() {
		return nil, &models.WalletError{Op: "balance", Err: models.ErrWalletNotConnected}
	}
	bal, err := w.backend.BalanceAt(ctx, w.address, nil)
	if err != nil {
		return nil, &models.WalletError{Op: "balance", Err: err}
	}
	return bal, nil
}

// SignAndSend estimates gas, signs req with the current pending nonce and
// broadcasts it. It returns as soon as the node accepts the transaction.
func (w *KeyWallet) SignAndSend(ctx context.Context, req TxRequest) (common.Hash, error) {
	if !w.Connected() {
		return common.Hash{}, &models.WalletError{Op: "sign", Err: models.ErrWalletNotConnected}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	chainID, err := w.loadChainID(ctx)
	if err != nil {
		return common.Hash{}, &models.WalletError{Op: "chain id", Err: err}
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, &models.WalletError{Op: "nonce", Err: err}
	}
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &models.WalletError{Op: "gas price", Err: err}
	}
	to := req.To
	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &to,
		Value: value,
		Data:  req.Data,
	})
	if err != nil {
		return common.Hash{}, &models.WalletError{Op: "estimate gas", Err: err}
	}
	gas += gas * gasMarginPercent / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     req.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return common.Hash{}, &models.WalletError{Op: "sign", Err: err}
	}

	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, &models.WalletError{Op: "send", Err: err}
	}

	w.log.WithFields(logrus.Fields{
		"tx":    signed.Hash().Hex(),
		"nonce": nonce,
		"gas":   gas,
	}).Debug("Transaction broadcast")
	return signed.Hash(), nil
}

func (w *KeyWallet) loadChainID(ctx context.Context) (*big.Int, error) {
	if w.chainID != nil {
		return w.chainID, nil
	}
	id, err := w.backend.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, errors.New("backend returned no chain id")
	}
	w.chainID = id
	return id, nil
}
