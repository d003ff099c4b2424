package devnet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"zapps-voting/chain"
	"zapps-voting/encryption"
	"zapps-voting/models"
	"zapps-voting/poll"
	"zapps-voting/relayer"
	"zapps-voting/storage"
	"zapps-voting/wallet"
)

var (
	oneEther    = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	receiptPoll = poll.Bounded{Interval: time.Millisecond, Attempts: 5}
)

func newTestDevnet(t *testing.T, mutate func(*Config)) *Devnet {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PaillierBits = 512
	cfg.Difficulty = 0
	cfg.DecryptionDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func newFundedWallet(t *testing.T, d *Devnet) (*wallet.KeyWallet, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := d.NewAccount(oneEther)
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	return wallet.NewKeyWallet(key, d, nil), key
}

func castVote(t *testing.T, d *Devnet, w wallet.Adapter, targetID string, rating uint32) common.Hash {
	t.Helper()
	data, err := chain.PackVote(encryption.DeriveTargetHash(targetID), rating, models.TargetTypeDApp)
	if err != nil {
		t.Fatalf("PackVote: %v", err)
	}
	tx, err := w.SignAndSend(context.Background(), wallet.TxRequest{To: d.Address(), Data: data, Value: d.Config().VotePrice})
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := chain.WaitForReceipt(context.Background(), d, tx, receiptPoll); err != nil {
		t.Fatalf("vote receipt: %v", err)
	}
	return tx
}

func requestDecryption(t *testing.T, d *Devnet, w wallet.Adapter, targetID string) {
	t.Helper()
	data, _ := chain.PackRequestDecryption(encryption.DeriveTargetHash(targetID))
	tx, err := w.SignAndSend(context.Background(), wallet.TxRequest{To: d.Address(), Data: data})
	if err != nil {
		t.Fatalf("requestDecryption: %v", err)
	}
	if _, err := chain.WaitForReceipt(context.Background(), d, tx, receiptPoll); err != nil {
		t.Fatalf("requestDecryption receipt: %v", err)
	}
}

func TestVoteAndDecryptThroughContractReader(t *testing.T) {
	d := newTestDevnet(t, nil)
	reader := chain.NewReader(chain.NewEthContract(d.Address(), d), nil)
	ctx := context.Background()
	voterA, _ := newFundedWallet(t, d)
	voterB, _ := newFundedWallet(t, d)

	agg, err := reader.GetTargetAggregate(ctx, "T1")
	if err != nil || agg.Exists {
		t.Fatalf("fresh target = %+v, %v", agg, err)
	}

	castVote(t, d, voterA, "T1", 4)
	castVote(t, d, voterA, "T1", 5)
	castVote(t, d, voterB, "T1", 3)

	agg, err = reader.GetTargetAggregate(ctx, "T1")
	if err != nil {
		t.Fatalf("GetTargetAggregate: %v", err)
	}
	if !agg.Exists || agg.TotalVotes != 3 || agg.DecryptedCount != 0 || agg.UniqueVoters != 2 || agg.PendingDecryption() != 3 {
		t.Errorf("after votes = %+v", agg)
	}
	if agg.EncryptedSum == (common.Hash{}) || agg.EncryptedCount == (common.Hash{}) {
		t.Error("encrypted handles should be set")
	}

	info, err := reader.GetUserVoteInfo(ctx, "T1", voterA.Address())
	if err != nil || info.VoteCount != 2 || len(info.Timestamps) != 2 || !info.CanVote {
		t.Errorf("voter A info = %+v, %v", info, err)
	}

	if _, err := d.FastDecrypt(ctx, agg.Hash); !errors.Is(err, relayer.ErrNotReady) {
		t.Errorf("FastDecrypt before request: err = %v", err)
	}

	requestDecryption(t, d, voterB, "T1")
	fast, err := d.FastDecrypt(ctx, agg.Hash)
	if err != nil || fast.Sum != 12 || fast.Count != 3 {
		t.Errorf("FastDecrypt = %+v, %v", fast, err)
	}

	agg, _ = reader.GetTargetAggregate(ctx, "T1")
	if agg.DecryptedCount != 0 {
		t.Error("decrypted counters must wait for the co-processor")
	}

	if n := d.ProcessDecryptions(ctx); n != 1 {
		t.Errorf("ProcessDecryptions = %d, want 1", n)
	}
	agg, _ = reader.GetTargetAggregate(ctx, "T1")
	if agg.DecryptedSum != 12 || agg.DecryptedCount != 3 || agg.Average() != 4 || agg.PendingDecryption() != 0 {
		t.Errorf("after decryption = %+v", agg)
	}

	params, err := reader.GetVotingParameters(ctx)
	if err != nil || params.MaxVotesPerTarget != 3 || params.MaxRating != 5 || params.PricePerVote.Cmp(d.Config().VotePrice) != 0 {
		t.Errorf("params = %+v, %v", params, err)
	}
}

func TestDecryptedCountersNeverRegress(t *testing.T) {
	d := newTestDevnet(t, nil)
	reader := chain.NewReader(chain.NewEthContract(d.Address(), d), nil)
	ctx := context.Background()
	w, _ := newFundedWallet(t, d)

	castVote(t, d, w, "T1", 2)
	requestDecryption(t, d, w, "T1")
	castVote(t, d, w, "T1", 4)
	requestDecryption(t, d, w, "T1")

	d.mu.Lock()
	// fulfil the newer request first
	d.requests[0], d.requests[1] = d.requests[1], d.requests[0]
	d.mu.Unlock()
	d.ProcessDecryptions(ctx)

	agg, _ := reader.GetTargetAggregate(ctx, "T1")
	if agg.DecryptedCount != 2 || agg.DecryptedSum != 6 {
		t.Errorf("stale request regressed counters: %+v", agg)
	}
}

func TestContractChecksSurfaceAsWalletErrors(t *testing.T) {
	d := newTestDevnet(t, func(c *Config) { c.MaxVotesPerTarget = 1 })
	w, _ := newFundedWallet(t, d)
	ctx := context.Background()

	castVote(t, d, w, "T1", 3)

	for name, rating := range map[string]uint32{"limit": 3, "range": 9} {
		target := "T1"
		if name == "range" {
			target = "T2"
		}
		data, _ := chain.PackVote(encryption.DeriveTargetHash(target), rating, models.TargetTypeDApp)
		_, err := w.SignAndSend(ctx, wallet.TxRequest{To: d.Address(), Data: data, Value: d.Config().VotePrice})
		var we *models.WalletError
		if !errors.As(err, &we) || we.Op != "estimate gas" {
			t.Errorf("%s: err = %v, want estimate gas WalletError", name, err)
		}
	}

	data, _ := chain.PackVote(encryption.DeriveTargetHash("T3"), 3, models.TargetTypeDApp)
	if _, err := w.SignAndSend(ctx, wallet.TxRequest{To: d.Address(), Data: data}); err == nil {
		t.Error("vote without payment should be rejected")
	}

	data, _ = chain.PackRequestDecryption(encryption.DeriveTargetHash("never-voted"))
	if _, err := w.SignAndSend(ctx, wallet.TxRequest{To: d.Address(), Data: data}); err == nil {
		t.Error("decryption request for unknown target should be rejected")
	}
}

func TestUnfundedAccountCannotSend(t *testing.T) {
	d := newTestDevnet(t, nil)
	key, _ := d.NewAccount(big.NewInt(0))
	w := wallet.NewKeyWallet(key, d, nil)

	data, _ := chain.PackVote(encryption.DeriveTargetHash("T1"), 3, models.TargetTypeDApp)
	_, err := w.SignAndSend(context.Background(), wallet.TxRequest{To: d.Address(), Data: data, Value: d.Config().VotePrice})
	var we *models.WalletError
	if !errors.As(err, &we) || we.Op != "send" {
		t.Errorf("err = %v, want send WalletError", err)
	}
}

func TestBalanceCharged(t *testing.T) {
	d := newTestDevnet(t, nil)
	w, _ := newFundedWallet(t, d)
	ctx := context.Background()

	castVote(t, d, w, "T1", 5)
	bal, _ := w.Balance(ctx)
	spent := new(big.Int).Sub(oneEther, bal)
	if spent.Cmp(d.Config().VotePrice) <= 0 {
		t.Errorf("spent %s, want more than the vote price", spent)
	}
}

func TestAutoFund(t *testing.T) {
	d := newTestDevnet(t, func(c *Config) { c.AutoFund = big.NewInt(777) })
	bal, _ := d.BalanceAt(context.Background(), common.HexToAddress("0x1234"), nil)
	if bal.Int64() != 777 {
		t.Errorf("balance = %s", bal)
	}
}

func TestLedgerRecordsAndPersists(t *testing.T) {
	ledger := storage.NewMemoryStore()
	d := newTestDevnet(t, func(c *Config) { c.Ledger = ledger; c.Difficulty = 1 })
	w, _ := newFundedWallet(t, d)
	ctx := context.Background()

	castVote(t, d, w, "T1", 4)
	requestDecryption(t, d, w, "T1")
	d.ProcessDecryptions(ctx)

	if !d.ValidateLedger() {
		t.Fatal("ledger should validate")
	}
	records, err := d.Records()
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	want := []string{chain.MethodVote, chain.MethodRequestDecryption, methodFulfilDecrypt}
	if len(records) != len(want) {
		t.Fatalf("records = %+v", records)
	}
	for i, m := range want {
		if records[i].Method != m || records[i].Reverted {
			t.Errorf("record %d = %+v, want %s", i, records[i], m)
		}
	}
	if records[0].From != w.Address() || records[0].Rating != 4 {
		t.Errorf("vote record = %+v", records[0])
	}

	keys, _ := ledger.Keys(ctx, "ledger:")
	if len(keys) != len(d.Blocks()) {
		t.Errorf("persisted %d blocks, mined %d", len(keys), len(d.Blocks()))
	}

	blocks := d.Blocks()
	blocks[1].Data = []byte(`{"method":"vote","rating":5}`)
	if d.ValidateLedger() {
		t.Error("tampered ledger should not validate")
	}
}

func TestCoprocessorFulfilsAfterDelay(t *testing.T) {
	d := newTestDevnet(t, func(c *Config) { c.DecryptionDelay = 20 * time.Millisecond })
	w, _ := newFundedWallet(t, d)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	castVote(t, d, w, "T1", 4)
	requestDecryption(t, d, w, "T1")

	deadline := time.Now().Add(2 * time.Second)
	for d.PendingRequests() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.PendingRequests() != 0 {
		t.Fatal("co-processor never fulfilled the request")
	}
}

func TestGatewayHandlerBacksHTTPGateway(t *testing.T) {
	d := newTestDevnet(t, nil)
	w, _ := newFundedWallet(t, d)
	castVote(t, d, w, "T1", 5)
	castVote(t, d, w, "T1", 3)
	requestDecryption(t, d, w, "T1")

	srv := httptest.NewServer(d.GatewayHandler())
	defer srv.Close()
	g := relayer.NewHTTPGateway(srv.URL, time.Second)
	ctx := context.Background()

	v, err := g.FastDecrypt(ctx, encryption.DeriveTargetHash("T1"))
	if err != nil || v.Sum != 8 || v.Count != 2 {
		t.Errorf("FastDecrypt = %+v, %v", v, err)
	}
	if _, err := g.FastDecrypt(ctx, encryption.DeriveTargetHash("T2")); !errors.Is(err, relayer.ErrNotReady) {
		t.Errorf("unknown target err = %v", err)
	}
}
