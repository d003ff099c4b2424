// Package service composes the chain reader, relayer, rating cache and
// vote workflows into the operations the API and CLI expose.
package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"

	"zapps-voting/chain"
	"zapps-voting/encryption"
	"zapps-voting/models"
	"zapps-voting/registry"
	"zapps-voting/relayer"
	"zapps-voting/storage"
	"zapps-voting/wallet"
)

// Ledger is a local block history, available when running on the
// development chain.
type Ledger interface {
	Blocks() []*models.Block
	ValidateLedger() bool
}

// TargetTyper resolves the on-chain type a first vote registers a target
// with. *registry.DAppRegistry implements it.
type TargetTyper interface {
	TargetType(id string) models.TargetType
}

type BlockchainResponse struct {
	ChainType  string          `json:"chain_type"`
	BlockCount int             `json:"block_count"`
	Blocks     []*models.Block `json:"blocks"`
	IsValid    bool            `json:"is_valid"`
	LastHash   string          `json:"last_hash"`
}

// Config gathers the collaborators of a VotingService. Reader, Receipts,
// TxBackend, Cache and Store are required.
type Config struct {
	Reader    *chain.Reader
	Receipts  chain.ReceiptSource
	TxBackend wallet.TxBackend
	Relayer   *relayer.Client
	Cache     *storage.RatingCache
	Store     storage.Store
	Targets   registry.TargetSource
	Ledger    Ledger
	Metrics   *MetricsCollector
	Logger    logrus.FieldLogger

	Workflow  WorkflowConfig
	AutoSync  AutoSyncOptions
	Analytics AnalyticsOptions

	QueueSize int
	Workers   int
}

type VotingService struct {
	reader    *chain.Reader
	receipts  chain.ReceiptSource
	backend   wallet.TxBackend
	relayer   *relayer.Client
	cache     *storage.RatingCache
	targets   registry.TargetSource
	ledger    Ledger
	metrics   *MetricsCollector
	workflow  WorkflowConfig
	autoSync  *AutoSyncCoordinator
	analytics *AnalyticsAggregator
	queue     *QueueProcessor
	wallets   cmap.ConcurrentMap[string, *wallet.KeyWallet]
	log       logrus.FieldLogger

	stopMetrics func()
}

func NewVotingService(cfg Config) (*VotingService, error) {
	if cfg.Reader == nil || cfg.Receipts == nil || cfg.TxBackend == nil {
		return nil, fmt.Errorf("voting service needs a chain reader, receipt source and tx backend")
	}
	if cfg.Cache == nil || cfg.Store == nil {
		return nil, fmt.Errorf("voting service needs a rating cache and a store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	targets := cfg.Targets
	if targets == nil {
		targets = registry.StaticTargets{}
	}

	vs := &VotingService{
		reader:   cfg.Reader,
		receipts: cfg.Receipts,
		backend:  cfg.TxBackend,
		relayer:  cfg.Relayer,
		cache:    cfg.Cache,
		targets:  targets,
		ledger:   cfg.Ledger,
		metrics:  cfg.Metrics,
		workflow: cfg.Workflow,
		wallets:  cmap.New[*wallet.KeyWallet](),
		log:      logger,
	}
	vs.autoSync = NewAutoSyncCoordinator(cfg.Reader, cfg.Relayer, cfg.Cache, cfg.Metrics, cfg.AutoSync, logger)
	vs.analytics = NewAnalyticsAggregator(cfg.Reader, targets, cfg.Store, cfg.Metrics, cfg.Analytics, logger)
	vs.queue = NewQueueProcessor(vs.NewWorkflow, cfg.QueueSize, cfg.Workers, logger)
	vs.stopMetrics = func() {}
	if cfg.Relayer != nil {
		vs.stopMetrics = cfg.Metrics.ObserveRelayer(cfg.Relayer.Logs())
	}
	return vs, nil
}

// Start launches the vote workers and, when a credential is loaded, the
// relayer loop over every known target.
func (vs *VotingService) Start(ctx context.Context) error {
	vs.queue.Start(ctx)
	if vs.relayer == nil || !vs.relayer.IsAvailable() {
		vs.log.Warn("Relayer unavailable, decryption relies on polling")
		return nil
	}

	ids, err := vs.targets.ListTargetIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}
	vs.relayer.Watch(ids...)
	return vs.relayer.Start(ctx)
}

func (vs *VotingService) Stop() {
	if vs.relayer != nil {
		vs.relayer.Stop()
	}
	vs.queue.Stop()
	vs.stopMetrics()
}

func (vs *VotingService) AutoSync() *AutoSyncCoordinator { return vs.autoSync }

func (vs *VotingService) Analytics() *AnalyticsAggregator { return vs.analytics }

func (vs *VotingService) Queue() *QueueProcessor { return vs.queue }

func (vs *VotingService) Metrics() *MetricsCollector { return vs.metrics }

// NewWorkflow builds a workflow for one voter on one target.
func (vs *VotingService) NewWorkflow(targetID string, w wallet.Adapter) *VoteWorkflow {
	var targetType models.TargetType
	if typer, ok := vs.targets.(TargetTyper); ok {
		targetType = typer.TargetType(targetID)
	}
	return NewVoteWorkflow(targetID, targetType, w, WorkflowDeps{
		Reader:   vs.reader,
		Receipts: vs.receipts,
		Relayer:  vs.relayer,
		Cache:    vs.cache,
		Metrics:  vs.metrics,
		Logger:   vs.log,
	}, vs.workflow)
}

// WalletFor returns the signing wallet for a hex private key. Wallets are
// reused per address so nonces stay ordered across jobs.
func (vs *VotingService) WalletFor(privateKey string) (*wallet.KeyWallet, error) {
	key, err := encryption.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, &models.WalletError{Op: "connect", Err: err}
	}
	addr := encryption.AddressOf(key).Hex()
	return vs.wallets.Upsert(addr, nil, func(exist bool, cur, _ *wallet.KeyWallet) *wallet.KeyWallet {
		if exist {
			return cur
		}
		return wallet.NewKeyWallet(key, vs.backend, vs.log)
	}), nil
}

// SubmitVote queues a vote and returns its job id.
func (vs *VotingService) SubmitVote(targetID, privateKey string, rating uint32) (string, error) {
	w, err := vs.WalletFor(privateKey)
	if err != nil {
		return "", err
	}
	return vs.queue.QueueVoteNoWait(targetID, rating, w)
}

// SubmitVoteWithResult queues a vote; the channel receives its single
// result when the job finishes.
func (vs *VotingService) SubmitVoteWithResult(targetID, privateKey string, rating uint32) (string, <-chan *ProcessingResult, error) {
	w, err := vs.WalletFor(privateKey)
	if err != nil {
		return "", nil, err
	}
	return vs.queue.QueueVote(targetID, rating, w)
}

func (vs *VotingService) JobStatus(id string) (models.JobStatus, error) {
	return vs.queue.Job(id)
}

func (vs *VotingService) FetchRating(ctx context.Context, targetID string) (models.Rating, error) {
	return vs.autoSync.FetchRating(ctx, targetID)
}

func (vs *VotingService) DisplayRating(ctx context.Context, targetID string) (models.Rating, error) {
	return vs.autoSync.DisplayRating(ctx, targetID)
}

func (vs *VotingService) DecryptAndFetch(ctx context.Context, targetID string) (models.Rating, error) {
	return vs.autoSync.DecryptAndFetch(ctx, targetID)
}

func (vs *VotingService) HasPendingDecryption(ctx context.Context, targetID string) (bool, error) {
	return vs.autoSync.HasPendingDecryption(ctx, targetID)
}

func (vs *VotingService) FetchAnalytics(ctx context.Context) (models.AnalyticsSnapshot, error) {
	return vs.analytics.FetchAll(ctx)
}

// RelayerState reports an unavailable relayer when none is configured.
func (vs *VotingService) RelayerState() models.RelayerState {
	if vs.relayer == nil {
		return models.RelayerState{}
	}
	return vs.relayer.State()
}

func (vs *VotingService) RelayerLogs(since uint64) []models.LogEntry {
	if vs.relayer == nil {
		return nil
	}
	return vs.relayer.Logs().Since(since)
}

// CheckAndDecrypt asks the relayer to decrypt targetID if it has pending
// votes.
func (vs *VotingService) CheckAndDecrypt(ctx context.Context, targetID string) (common.Hash, bool, error) {
	if vs.relayer == nil {
		return common.Hash{}, false, models.ErrRelayerUnavailable
	}
	return vs.relayer.CheckAndDecrypt(ctx, targetID)
}

func (vs *VotingService) TargetHash(targetID string) common.Hash {
	return encryption.DeriveTargetHash(targetID)
}

// ClearCache drops cached ratings for the given targets, or all of them.
func (vs *VotingService) ClearCache(ctx context.Context, targetIDs ...string) error {
	if err := vs.cache.Clear(ctx, targetIDs...); err != nil {
		return err
	}
	return vs.analytics.Invalidate(ctx)
}

// GetLedger returns the local block history, or an error when the service
// runs against an external node.
func (vs *VotingService) GetLedger() (*BlockchainResponse, error) {
	if vs.ledger == nil {
		return nil, fmt.Errorf("no local ledger: %w", models.ErrNotFound)
	}
	blocks := vs.ledger.Blocks()
	resp := &BlockchainResponse{
		ChainType:  "devnet",
		BlockCount: len(blocks),
		Blocks:     blocks,
		IsValid:    vs.ledger.ValidateLedger(),
	}
	if len(blocks) > 0 {
		resp.LastHash = blocks[len(blocks)-1].Hash.Hex()
	}
	return resp, nil
}

// ListTargets returns the ids of every known target.
func (vs *VotingService) ListTargets(ctx context.Context) ([]string, error) {
	return vs.targets.ListTargetIDs(ctx)
}
