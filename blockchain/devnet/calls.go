package devnet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"zapps-voting/chain"
)

var errNoContract = errors.New("no contract code at given address")

// CodeAt reports non-empty code for the rating contract only.
func (d *Devnet) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	if account == d.cfg.ContractAddress {
		return []byte{0x60, 0x80}, nil
	}
	return nil, nil
}

// CallContract answers eth_call against the contract's view methods with
// ABI-encoded results, so it can back a chain.EthContract directly.
func (d *Devnet) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil || *msg.To != d.cfg.ContractAddress {
		return nil, errNoContract
	}
	if len(msg.Data) < 4 {
		return nil, revert("Missing selector")
	}

	contractABI := chain.ABI()
	method, err := contractABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method.Name, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var out []interface{}
	switch method.Name {
	case "targets":
		out = d.targetsLocked(common.Hash(args[0].([32]byte)))
	case "getTargetData":
		out, err = d.targetDataLocked(common.Hash(args[0].([32]byte)))
	case "getUserVoteInfo":
		out = d.userVoteInfoLocked(common.Hash(args[0].([32]byte)), args[1].(common.Address))
	case "MAX_VOTES_PER_TARGET":
		out = []interface{}{new(big.Int).SetUint64(d.cfg.MaxVotesPerTarget)}
	case "MIN_RATING":
		out = []interface{}{d.cfg.MinRating}
	case "MAX_RATING":
		out = []interface{}{d.cfg.MaxRating}
	case "votePrice":
		out = []interface{}{new(big.Int).Set(d.cfg.VotePrice)}
	default:
		return nil, revert("Not a view method")
	}
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func unix(t time.Time) *big.Int {
	if t.IsZero() {
		return new(big.Int)
	}
	return big.NewInt(t.Unix())
}

// targetsLocked mirrors a public mapping getter: unknown keys read as zero.
func (d *Devnet) targetsLocked(target common.Hash) []interface{} {
	t, ok := d.targets[target]
	if !ok {
		return []interface{}{
			uint8(0), [32]byte{}, [32]byte{}, uint32(0), uint32(0),
			new(big.Int), false, new(big.Int), new(big.Int), new(big.Int),
		}
	}
	return []interface{}{
		uint8(t.targetType),
		handle(t.encSum),
		handle(t.encCount),
		t.decSum,
		t.decCount,
		unix(t.lastDecrypt),
		true,
		unix(t.createdAt),
		new(big.Int).SetUint64(t.totalVotes),
		unix(t.lastVote),
	}
}

func (d *Devnet) targetDataLocked(target common.Hash) ([]interface{}, error) {
	t, ok := d.targets[target]
	if !ok {
		return nil, revert("Target not found")
	}
	var average uint32
	if t.decCount > 0 {
		average = t.decSum / t.decCount
	}
	return []interface{}{
		uint8(t.targetType),
		t.decSum,
		t.decCount,
		average,
		new(big.Int).SetUint64(t.totalVotes),
		big.NewInt(int64(len(t.voters))),
		unix(t.lastDecrypt),
	}, nil
}

func (d *Devnet) userVoteInfoLocked(target common.Hash, voter common.Address) []interface{} {
	var stamps []*big.Int
	var count uint64
	if t, ok := d.targets[target]; ok {
		for _, ts := range t.voters[voter] {
			stamps = append(stamps, big.NewInt(ts.Unix()))
		}
		count = uint64(len(t.voters[voter]))
	}
	if stamps == nil {
		stamps = []*big.Int{}
	}
	return []interface{}{
		new(big.Int).SetUint64(count),
		stamps,
		count < d.cfg.MaxVotesPerTarget,
	}
}
