// Package devnet is an in-process stand-in for the FHE rating contract,
// its decryption co-processor and the chain it lives on. Encrypted
// aggregates are Paillier ciphertexts accumulated homomorphically.
package devnet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"zapps-voting/encryption"
	"zapps-voting/models"
	"zapps-voting/storage"
)

// Config tunes the simulated contract and chain.
type Config struct {
	ChainID           *big.Int
	ContractAddress   common.Address
	MaxVotesPerTarget uint64
	MinRating         uint32
	MaxRating         uint32
	VotePrice         *big.Int
	GasPrice          *big.Int
	PaillierBits      int
	// DecryptionDelay is how long the co-processor takes to fulfil a
	// request once Start is running. Zero leaves fulfilment to
	// ProcessDecryptions.
	DecryptionDelay time.Duration
	// Difficulty is the number of leading zero bytes each ledger block
	// hash must carry.
	Difficulty uint8
	// AutoFund, when set, is credited to every account the first time
	// it is seen.
	AutoFund *big.Int
	// Ledger, when set, receives every mined block.
	Ledger storage.Store
}

func DefaultConfig() Config {
	return Config{
		ChainID:           big.NewInt(1337),
		ContractAddress:   common.HexToAddress("0x5a17e5000000000000000000000000000000fe11"),
		MaxVotesPerTarget: 3,
		MinRating:         1,
		MaxRating:         5,
		VotePrice:         big.NewInt(1e15),
		GasPrice:          big.NewInt(1e9),
		PaillierBits:      1024,
		DecryptionDelay:   3 * time.Second,
		Difficulty:        1,
	}
}

type targetState struct {
	targetType  models.TargetType
	encSum      []byte
	encCount    []byte
	decSum      uint32
	decCount    uint32
	lastDecrypt time.Time
	createdAt   time.Time
	totalVotes  uint64
	lastVote    time.Time
	voters      map[common.Address][]time.Time

	// ciphertexts handed to the co-processor by the latest request
	requested *ciphertexts
}

type ciphertexts struct {
	sum   []byte
	count []byte
}

type decryptionRequest struct {
	target      common.Hash
	cipher      ciphertexts
	requestedAt time.Time
	tx          common.Hash
}

// Devnet is safe for concurrent use.
type Devnet struct {
	cfg    Config
	scheme encryption.HomomorphicEncryptionScheme
	signer types.Signer
	log    logrus.FieldLogger

	mu       sync.Mutex
	now      func() time.Time
	targets  map[common.Hash]*targetState
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	requests []decryptionRequest
	blocks   []*models.Block
}

func New(cfg Config, logger logrus.FieldLogger) (*Devnet, error) {
	def := DefaultConfig()
	if cfg.ChainID == nil {
		cfg.ChainID = def.ChainID
	}
	if cfg.ContractAddress == (common.Address{}) {
		cfg.ContractAddress = def.ContractAddress
	}
	if cfg.MaxVotesPerTarget == 0 {
		cfg.MaxVotesPerTarget = def.MaxVotesPerTarget
	}
	if cfg.MaxRating == 0 {
		cfg.MinRating, cfg.MaxRating = def.MinRating, def.MaxRating
	}
	if cfg.MinRating > cfg.MaxRating {
		return nil, fmt.Errorf("min rating %d above max rating %d", cfg.MinRating, cfg.MaxRating)
	}
	if cfg.VotePrice == nil {
		cfg.VotePrice = def.VotePrice
	}
	if cfg.GasPrice == nil {
		cfg.GasPrice = def.GasPrice
	}
	if cfg.PaillierBits == 0 {
		cfg.PaillierBits = def.PaillierBits
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	scheme, err := encryption.NewPaillierAdapter(cfg.PaillierBits)
	if err != nil {
		return nil, err
	}

	d := &Devnet{
		cfg:      cfg,
		scheme:   scheme,
		signer:   types.LatestSignerForChainID(cfg.ChainID),
		log:      logger.WithField("component", "devnet"),
		now:      time.Now,
		targets:  make(map[common.Hash]*targetState),
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
	}

	genesis := models.NewBlock(0, d.now().Unix(), []byte("genesis"), common.Hash{}, cfg.Difficulty)
	d.blocks = []*models.Block{genesis}
	d.persistBlock(context.Background(), genesis)

	d.log.WithFields(logrus.Fields{
		"chain_id": cfg.ChainID,
		"contract": cfg.ContractAddress.Hex(),
		"scheme":   scheme.Name(),
	}).Info("Devnet initialized")
	return d, nil
}

// SetClock replaces the wall clock. Tests only.
func (d *Devnet) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

func (d *Devnet) Address() common.Address {
	return d.cfg.ContractAddress
}

func (d *Devnet) Config() Config {
	return d.cfg
}

// Fund credits wei to account.
func (d *Devnet) Fund(account common.Address, wei *big.Int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.balanceLocked(account).Add(d.balanceLocked(account), wei)
}

// NewAccount generates a key and funds it.
func (d *Devnet) NewAccount(wei *big.Int) (*ecdsa.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	d.Fund(encryption.AddressOf(key), wei)
	return key, nil
}

func (d *Devnet) balanceLocked(account common.Address) *big.Int {
	bal, ok := d.balances[account]
	if !ok {
		bal = new(big.Int)
		if d.cfg.AutoFund != nil {
			bal.Set(d.cfg.AutoFund)
		}
		d.balances[account] = bal
	}
	return bal
}

func handle(ciphertext []byte) [32]byte {
	return crypto.Keccak256Hash(ciphertext)
}

// checkCall is the contract's require() logic, shared by gas estimation
// and execution.
func (d *Devnet) checkCall(from common.Address, value *big.Int, method string, target common.Hash, rating uint32) error {
	t := d.targets[target]
	switch method {
	case "vote":
		if rating < d.cfg.MinRating || rating > d.cfg.MaxRating {
			return revert("Invalid rating")
		}
		if t != nil && uint64(len(t.voters[from])) >= d.cfg.MaxVotesPerTarget {
			return revert("Vote limit reached")
		}
		if value == nil || value.Cmp(d.cfg.VotePrice) < 0 {
			return revert("Insufficient payment")
		}
	case "requestDecryption":
		if t == nil {
			return revert("Target not found")
		}
	default:
		return revert("Unknown method")
	}
	return nil
}

func revert(reason string) error {
	return errors.New("execution reverted: " + reason)
}
