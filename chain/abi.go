package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"zapps-voting/models"
)

// RatingABI is the subset of the FHE rating contract this module talks to.
const RatingABI = `[
  {"type":"function","name":"targets","stateMutability":"view",
   "inputs":[{"name":"targetId","type":"bytes32"}],
   "outputs":[
     {"name":"targetType","type":"uint8"},
     {"name":"encryptedSum","type":"bytes32"},
     {"name":"encryptedCount","type":"bytes32"},
     {"name":"decryptedSum","type":"uint32"},
     {"name":"decryptedCount","type":"uint32"},
     {"name":"lastDecryptTime","type":"uint256"},
     {"name":"exists","type":"bool"},
     {"name":"createdAt","type":"uint256"},
     {"name":"totalVotes","type":"uint256"},
     {"name":"lastVoteTime","type":"uint256"}]},
  {"type":"function","name":"getTargetData","stateMutability":"view",
   "inputs":[{"name":"targetId","type":"bytes32"}],
   "outputs":[
     {"name":"targetType","type":"uint8"},
     {"name":"sum","type":"uint32"},
     {"name":"count","type":"uint32"},
     {"name":"average","type":"uint32"},
     {"name":"totalVotes","type":"uint256"},
     {"name":"uniqueVoters","type":"uint256"},
     {"name":"lastUpdate","type":"uint256"}]},
  {"type":"function","name":"getUserVoteInfo","stateMutability":"view",
   "inputs":[{"name":"targetId","type":"bytes32"},{"name":"voter","type":"address"}],
   "outputs":[
     {"name":"voteCount","type":"uint256"},
     {"name":"timestamps","type":"uint256[]"},
     {"name":"canVote","type":"bool"}]},
  {"type":"function","name":"MAX_VOTES_PER_TARGET","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"MIN_RATING","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint32"}]},
  {"type":"function","name":"MAX_RATING","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint32"}]},
  {"type":"function","name":"votePrice","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"vote","stateMutability":"payable",
   "inputs":[{"name":"targetId","type":"bytes32"},{"name":"rating","type":"uint32"},{"name":"targetType","type":"uint8"}],
   "outputs":[]},
  {"type":"function","name":"requestDecryption","stateMutability":"nonpayable",
   "inputs":[{"name":"targetId","type":"bytes32"}],
   "outputs":[]}
]`

const (
	MethodVote              = "vote"
	MethodRequestDecryption = "requestDecryption"
)

var parsedABI abi.ABI

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(RatingABI))
	if err != nil {
		panic(fmt.Sprintf("invalid rating ABI: %v", err))
	}
}

// ABI returns the parsed rating contract ABI.
func ABI() abi.ABI {
	return parsedABI
}

// PackVote encodes the calldata of vote(targetId, rating, targetType).
func PackVote(target common.Hash, rating uint32, targetType models.TargetType) ([]byte, error) {
	return parsedABI.Pack(MethodVote, [32]byte(target), rating, uint8(targetType))
}

// PackRequestDecryption encodes the calldata of requestDecryption(targetId).
func PackRequestDecryption(target common.Hash) ([]byte, error) {
	return parsedABI.Pack(MethodRequestDecryption, [32]byte(target))
}

// DecodedCall is a write call recovered from transaction data.
type DecodedCall struct {
	Method     string
	Target     common.Hash
	Rating     uint32
	TargetType models.TargetType
}

// DecodeCall unpacks vote or requestDecryption calldata.
func DecodeCall(data []byte) (DecodedCall, error) {
	if len(data) < 4 {
		return DecodedCall{}, fmt.Errorf("calldata too short: %d bytes", len(data))
	}
	method, err := parsedABI.MethodById(data[:4])
	if err != nil {
		return DecodedCall{}, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return DecodedCall{}, fmt.Errorf("failed to unpack %s: %w", method.Name, err)
	}

	call := DecodedCall{Method: method.Name}
	switch method.Name {
	case MethodVote:
		call.Target = common.Hash(args[0].([32]byte))
		call.Rating = args[1].(uint32)
		call.TargetType = models.TargetType(args[2].(uint8))
	case MethodRequestDecryption:
		call.Target = common.Hash(args[0].([32]byte))
	default:
		return DecodedCall{}, fmt.Errorf("unsupported method %s", method.Name)
	}
	return call, nil
}

func bigToUint64(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}
