package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"zapps-voting/encryption"
	"zapps-voting/models"
	"zapps-voting/poll"
)

type fakeContract struct {
	records     map[common.Hash]models.TargetRecord
	data        map[common.Hash]models.TargetData
	users       map[common.Hash]map[common.Address]models.UserVoteRecord
	targetErr   error
	constCalls  int
	constErr    error
	revertOnNew bool
}

func newFakeContract() *fakeContract {
	return &fakeContract{
		records: make(map[common.Hash]models.TargetRecord),
		data:    make(map[common.Hash]models.TargetData),
		users:   make(map[common.Hash]map[common.Address]models.UserVoteRecord),
	}
}

func (f *fakeContract) Address() common.Address { return common.HexToAddress("0xc0ffee") }

func (f *fakeContract) Target(_ context.Context, h common.Hash) (models.TargetRecord, error) {
	if f.targetErr != nil {
		return models.TargetRecord{}, f.targetErr
	}
	rec, ok := f.records[h]
	if !ok && f.revertOnNew {
		return rec, errors.New("execution reverted: Target not found")
	}
	return rec, nil
}

func (f *fakeContract) TargetData(_ context.Context, h common.Hash) (models.TargetData, error) {
	d, ok := f.data[h]
	if !ok {
		return d, fmt.Errorf("execution reverted: %w", models.ErrNotFound)
	}
	return d, nil
}

func (f *fakeContract) UserVoteInfo(_ context.Context, h common.Hash, voter common.Address) (models.UserVoteRecord, error) {
	u, ok := f.users[h][voter]
	if !ok {
		return u, errors.New("execution reverted: Voter not found")
	}
	return u, nil
}

func (f *fakeContract) Constants(context.Context) (models.VotingParameters, error) {
	f.constCalls++
	if f.constErr != nil {
		return models.VotingParameters{}, f.constErr
	}
	return models.VotingParameters{MaxVotesPerTarget: 3, MinRating: 1, MaxRating: 5, PricePerVote: big.NewInt(1000)}, nil
}

func TestGetTargetAggregateNotFoundNormalized(t *testing.T) {
	for _, revert := range []bool{false, true} {
		f := newFakeContract()
		f.revertOnNew = revert
		r := NewReader(f, nil)

		agg, err := r.GetTargetAggregate(context.Background(), "T1")
		if err != nil {
			t.Fatalf("revert=%v: unexpected error %v", revert, err)
		}
		if agg.Exists || agg.TotalVotes != 0 || agg.DecryptedCount != 0 || agg.Average() != 0 {
			t.Errorf("revert=%v: got %+v, want empty aggregate", revert, agg)
		}
		if agg.Hash != encryption.DeriveTargetHash("T1") {
			t.Errorf("revert=%v: aggregate hash not derived from id", revert)
		}
	}
}

func TestGetTargetAggregateMergesUniqueVoters(t *testing.T) {
	f := newFakeContract()
	h := encryption.DeriveTargetHash("T2")
	f.records[h] = models.TargetRecord{Exists: true, DecryptedSum: 12, DecryptedCount: 3, TotalVotes: 4}
	f.data[h] = models.TargetData{UniqueVoters: 2, TotalVotes: 4}

	agg, err := NewReader(f, nil).GetTargetAggregate(context.Background(), "T2")
	if err != nil {
		t.Fatalf("GetTargetAggregate: %v", err)
	}
	if !agg.Exists || agg.UniqueVoters != 2 || agg.Average() != 4 || agg.PendingDecryption() != 1 {
		t.Errorf("got %+v", agg)
	}
}

func TestGetTargetAggregateChainReadError(t *testing.T) {
	f := newFakeContract()
	f.targetErr = errors.New("dial tcp 127.0.0.1:8545: connection refused")

	_, err := NewReader(f, nil).GetTargetAggregate(context.Background(), "T1")
	var cre *models.ChainReadError
	if !errors.As(err, &cre) {
		t.Fatalf("err = %v, want ChainReadError", err)
	}
	if cre.Op != "targets" || cre.Target != "T1" {
		t.Errorf("ChainReadError = %+v", cre)
	}
}

func TestGetUserVoteInfoUnseenVoter(t *testing.T) {
	f := newFakeContract()
	voter := common.HexToAddress("0xabc")

	info, err := NewReader(f, nil).GetUserVoteInfo(context.Background(), "T1", voter)
	if err != nil {
		t.Fatalf("GetUserVoteInfo: %v", err)
	}
	if info.VoteCount != 0 || !info.CanVote || info.Voter != voter {
		t.Errorf("got %+v, want fresh voter record", info)
	}
}

func TestGetVotingParametersCached(t *testing.T) {
	f := newFakeContract()
	r := NewReader(f, nil)

	for i := 0; i < 3; i++ {
		p, err := r.GetVotingParameters(context.Background())
		if err != nil {
			t.Fatalf("GetVotingParameters: %v", err)
		}
		if p.MaxVotesPerTarget != 3 {
			t.Errorf("MaxVotesPerTarget = %d", p.MaxVotesPerTarget)
		}
	}
	if f.constCalls != 1 {
		t.Errorf("constants read %d times, want 1", f.constCalls)
	}

	r.ResetParameters()
	r.GetVotingParameters(context.Background())
	if f.constCalls != 2 {
		t.Errorf("after reset constants read %d times, want 2", f.constCalls)
	}
}

func TestGetVotingParametersErrorNotCached(t *testing.T) {
	f := newFakeContract()
	f.constErr = errors.New("timeout")
	r := NewReader(f, nil)

	if _, err := r.GetVotingParameters(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	f.constErr = nil
	if _, err := r.GetVotingParameters(context.Background()); err != nil {
		t.Fatalf("second read: %v", err)
	}
}

func TestPackAndDecodeCall(t *testing.T) {
	target := encryption.DeriveTargetHash("dapp-1")

	data, err := PackVote(target, 4, models.TargetTypeDApp)
	if err != nil {
		t.Fatalf("PackVote: %v", err)
	}
	call, err := DecodeCall(data)
	if err != nil {
		t.Fatalf("DecodeCall: %v", err)
	}
	if call.Method != MethodVote || call.Target != target || call.Rating != 4 {
		t.Errorf("decoded %+v", call)
	}

	data, _ = PackRequestDecryption(target)
	call, err = DecodeCall(data)
	if err != nil || call.Method != MethodRequestDecryption || call.Target != target {
		t.Errorf("decoded %+v, err %v", call, err)
	}

	if _, err := DecodeCall([]byte{1, 2}); err == nil {
		t.Error("short calldata should fail")
	}
}

// fakeCaller answers eth_call with ABI-encoded outputs.
type fakeCaller struct {
	outputs map[string][]interface{}
}

func (c *fakeCaller) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (c *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := parsedABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	values, ok := c.outputs[method.Name]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return method.Outputs.Pack(values...)
}

func TestEthContractDecodesTypedOutputs(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	encSum := [32]byte{1}
	caller := &fakeCaller{outputs: map[string][]interface{}{
		"targets": {
			uint8(0), encSum, [32]byte{2}, uint32(12), uint32(3),
			big.NewInt(now.Unix()), true, big.NewInt(now.Unix() - 60), big.NewInt(4), big.NewInt(now.Unix()),
		},
		"getTargetData": {
			uint8(0), uint32(12), uint32(3), uint32(4), big.NewInt(4), big.NewInt(2), big.NewInt(now.Unix()),
		},
		"getUserVoteInfo":      {big.NewInt(1), []*big.Int{big.NewInt(now.Unix())}, true},
		"MAX_VOTES_PER_TARGET": {big.NewInt(3)},
		"MIN_RATING":           {uint32(1)},
		"MAX_RATING":           {uint32(5)},
		"votePrice":            {big.NewInt(1e15)},
	}}
	c := NewEthContract(common.HexToAddress("0x1234"), caller)
	ctx := context.Background()
	target := encryption.DeriveTargetHash("dapp-1")

	rec, err := c.Target(ctx, target)
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	if !rec.Exists || rec.DecryptedSum != 12 || rec.TotalVotes != 4 || rec.EncryptedSum != common.Hash(encSum) || !rec.LastVoteTime.Equal(now) {
		t.Errorf("Target = %+v", rec)
	}

	data, err := c.TargetData(ctx, target)
	if err != nil || data.UniqueVoters != 2 {
		t.Errorf("TargetData = %+v, err %v", data, err)
	}

	info, err := c.UserVoteInfo(ctx, target, common.HexToAddress("0xabc"))
	if err != nil || info.VoteCount != 1 || len(info.Timestamps) != 1 || !info.CanVote {
		t.Errorf("UserVoteInfo = %+v, err %v", info, err)
	}

	params, err := c.Constants(ctx)
	if err != nil {
		t.Fatalf("Constants: %v", err)
	}
	if params.MaxVotesPerTarget != 3 || params.MinRating != 1 || params.MaxRating != 5 || params.PricePerVote.Int64() != 1e15 {
		t.Errorf("Constants = %+v", params)
	}
}

type fakeReceipts struct {
	after   int
	calls   int
	receipt *types.Receipt
}

func (f *fakeReceipts) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.calls++
	if f.calls < f.after {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func TestWaitForReceipt(t *testing.T) {
	b := poll.Bounded{Interval: time.Millisecond, Attempts: 5}
	ctx := context.Background()

	ok := &fakeReceipts{after: 3, receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}}
	if _, err := WaitForReceipt(ctx, ok, common.Hash{1}, b); err != nil {
		t.Fatalf("WaitForReceipt: %v", err)
	}
	if ok.calls != 3 {
		t.Errorf("calls = %d, want 3", ok.calls)
	}

	reverted := &fakeReceipts{after: 1, receipt: &types.Receipt{Status: types.ReceiptStatusFailed}}
	if _, err := WaitForReceipt(ctx, reverted, common.Hash{2}, b); !errors.Is(err, ErrReverted) {
		t.Errorf("err = %v, want ErrReverted", err)
	}

	never := &fakeReceipts{after: 100}
	if _, err := WaitForReceipt(ctx, never, common.Hash{3}, b); !errors.Is(err, poll.ErrExhausted) {
		t.Errorf("err = %v, want poll.ErrExhausted", err)
	}
}
