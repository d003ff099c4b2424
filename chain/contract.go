package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"zapps-voting/models"
)

// Contract is the typed read surface of the rating contract.
type Contract interface {
	Address() common.Address
	Target(ctx context.Context, target common.Hash) (models.TargetRecord, error)
	TargetData(ctx context.Context, target common.Hash) (models.TargetData, error)
	UserVoteInfo(ctx context.Context, target common.Hash, voter common.Address) (models.UserVoteRecord, error)
	Constants(ctx context.Context) (models.VotingParameters, error)
}

// ReceiptSource looks up mined transaction receipts. ethclient.Client
// satisfies it.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthContract reads the rating contract over JSON-RPC.
type EthContract struct {
	address common.Address
	bound   *bind.BoundContract
}

func NewEthContract(address common.Address, caller bind.ContractCaller) *EthContract {
	return &EthContract{
		address: address,
		bound:   bind.NewBoundContract(address, parsedABI, caller, nil, nil),
	}
}

func (c *EthContract) Address() common.Address {
	return c.address
}

func (c *EthContract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EthContract) Target(ctx context.Context, target common.Hash) (models.TargetRecord, error) {
	out, err := c.call(ctx, "targets", [32]byte(target))
	if err != nil {
		return models.TargetRecord{}, err
	}
	if len(out) != 10 {
		return models.TargetRecord{}, fmt.Errorf("targets: unexpected %d outputs", len(out))
	}

	return models.TargetRecord{
		TargetType:      models.TargetType(out[0].(uint8)),
		EncryptedSum:    common.Hash(out[1].([32]byte)),
		EncryptedCount:  common.Hash(out[2].([32]byte)),
		DecryptedSum:    out[3].(uint32),
		DecryptedCount:  out[4].(uint32),
		LastDecryptTime: unixTime(out[5].(*big.Int)),
		Exists:          out[6].(bool),
		CreatedAt:       unixTime(out[7].(*big.Int)),
		TotalVotes:      bigToUint64(out[8].(*big.Int)),
		LastVoteTime:    unixTime(out[9].(*big.Int)),
	}, nil
}

func (c *EthContract) TargetData(ctx context.Context, target common.Hash) (models.TargetData, error) {
	out, err := c.call(ctx, "getTargetData", [32]byte(target))
	if err != nil {
		return models.TargetData{}, err
	}
	if len(out) != 7 {
		return models.TargetData{}, fmt.Errorf("getTargetData: unexpected %d outputs", len(out))
	}

	return models.TargetData{
		TargetType:   models.TargetType(out[0].(uint8)),
		Sum:          out[1].(uint32),
		Count:        out[2].(uint32),
		Average:      out[3].(uint32),
		TotalVotes:   bigToUint64(out[4].(*big.Int)),
		UniqueVoters: bigToUint64(out[5].(*big.Int)),
		LastUpdate:   unixTime(out[6].(*big.Int)),
	}, nil
}

func (c *EthContract) UserVoteInfo(ctx context.Context, target common.Hash, voter common.Address) (models.UserVoteRecord, error) {
	out, err := c.call(ctx, "getUserVoteInfo", [32]byte(target), voter)
	if err != nil {
		return models.UserVoteRecord{}, err
	}
	if len(out) != 3 {
		return models.UserVoteRecord{}, fmt.Errorf("getUserVoteInfo: unexpected %d outputs", len(out))
	}

	raw := out[1].([]*big.Int)
	timestamps := make([]time.Time, 0, len(raw))
	for _, ts := range raw {
		timestamps = append(timestamps, unixTime(ts))
	}

	return models.UserVoteRecord{
		Voter:      voter,
		VoteCount:  bigToUint64(out[0].(*big.Int)),
		Timestamps: timestamps,
		CanVote:    out[2].(bool),
	}, nil
}

func (c *EthContract) Constants(ctx context.Context) (models.VotingParameters, error) {
	var params models.VotingParameters

	out, err := c.call(ctx, "MAX_VOTES_PER_TARGET")
	if err != nil {
		return params, err
	}
	params.MaxVotesPerTarget = bigToUint64(out[0].(*big.Int))

	if out, err = c.call(ctx, "MIN_RATING"); err != nil {
		return params, err
	}
	params.MinRating = out[0].(uint32)

	if out, err = c.call(ctx, "MAX_RATING"); err != nil {
		return params, err
	}
	params.MaxRating = out[0].(uint32)

	if out, err = c.call(ctx, "votePrice"); err != nil {
		return params, err
	}
	params.PricePerVote = out[0].(*big.Int)

	return params, nil
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
