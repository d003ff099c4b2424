package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"zapps-voting/models"
)

type fakeBackend struct {
	nonce   uint64
	sent    []*types.Transaction
	sendErr error
	balance *big.Int
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	b.nonce++
	return nil
}

func (b *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return b.balance, nil
}

func TestSignAndSend(t *testing.T) {
	key, _ := crypto.GenerateKey()
	backend := &fakeBackend{nonce: 7}
	w := NewKeyWallet(key, backend, nil)

	to := common.HexToAddress("0xc0ffee")
	hash, err := w.SignAndSend(context.Background(), TxRequest{To: to, Data: []byte{1, 2, 3}, Value: big.NewInt(500)})
	if err != nil {
		t.Fatalf("SignAndSend: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("sent %d transactions", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash() != hash {
		t.Error("returned hash does not match broadcast transaction")
	}
	if tx.Nonce() != 7 || tx.Value().Int64() != 500 || *tx.To() != to || tx.Gas() != 120_000 {
		t.Errorf("tx nonce=%d value=%s to=%s gas=%d", tx.Nonce(), tx.Value(), tx.To().Hex(), tx.Gas())
	}

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil || sender != w.Address() {
		t.Errorf("sender = %s, %v; want %s", sender.Hex(), err, w.Address().Hex())
	}

	w.SignAndSend(context.Background(), TxRequest{To: to})
	if backend.sent[1].Nonce() != 8 || backend.sent[1].Value().Sign() != 0 {
		t.Errorf("second tx nonce=%d value=%s", backend.sent[1].Nonce(), backend.sent[1].Value())
	}
}

func TestDisconnectedWallet(t *testing.T) {
	w := NewKeyWallet(nil, &fakeBackend{}, nil)
	if w.Connected() {
		t.Fatal("wallet without a key should be disconnected")
	}

	_, err := w.SignAndSend(context.Background(), TxRequest{})
	var we *models.WalletError
	if !errors.As(err, &we) || !errors.Is(err, models.ErrWalletNotConnected) {
		t.Errorf("err = %v, want WalletError wrapping ErrWalletNotConnected", err)
	}
	if _, err := w.Balance(context.Background()); !errors.Is(err, models.ErrWalletNotConnected) {
		t.Errorf("Balance err = %v", err)
	}
}

func TestSendFailureIsWalletError(t *testing.T) {
	key, _ := crypto.GenerateKey()
	w := NewKeyWallet(key, &fakeBackend{sendErr: errors.New("insufficient funds for gas * price + value")}, nil)

	_, err := w.SignAndSend(context.Background(), TxRequest{To: common.HexToAddress("0x1")})
	var we *models.WalletError
	if !errors.As(err, &we) || we.Op != "send" {
		t.Errorf("err = %v, want send WalletError", err)
	}
}

func TestBalance(t *testing.T) {
	key, _ := crypto.GenerateKey()
	w := NewKeyWallet(key, &fakeBackend{balance: big.NewInt(42)}, nil)

	bal, err := w.Balance(context.Background())
	if err != nil || bal.Int64() != 42 {
		t.Errorf("Balance = %v, %v", bal, err)
	}
}
