package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"zapps-voting/blockchain/devnet"
	"zapps-voting/chain"
	"zapps-voting/config"
	"zapps-voting/encryption"
	"zapps-voting/poll"
	"zapps-voting/registry"
	"zapps-voting/relayer"
	"zapps-voting/service"
	"zapps-voting/storage"
	"zapps-voting/wallet"
)

// devnetFaucet is credited to every account the devnet sees for the first
// time, so fresh keys can vote.
var devnetFaucet = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))

// backend is what the reader, the wallets and the receipt poll need from a
// chain. Both *ethclient.Client and *devnet.Devnet satisfy it.
type backend interface {
	bind.ContractCaller
	chain.ReceiptSource
	wallet.TxBackend
}

type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	store    storage.Store
	devnet   *devnet.Devnet
	registry *registry.DAppRegistry
	relayer  *relayer.Client
	service  *service.VotingService
	gateway  http.Handler
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, notifier, err := a.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage, err)
	}
	a.store = store
	cache := storage.NewRatingCache(store, notifier, logger)

	be, contractAddr, gateway, err := a.openChain(ctx)
	if err != nil {
		return nil, err
	}
	reader := chain.NewReader(chain.NewEthContract(contractAddr, be), logger)

	reg, err := registry.NewDAppRegistry(registry.RegistryConfig{DAppsFilePath: cfg.DAppsFile, AutoSave: true})
	if err != nil {
		return nil, err
	}
	if err := reg.LoadFromFile(); err != nil {
		return nil, fmt.Errorf("failed to load dApp catalogue: %w", err)
	}
	a.registry = reg

	key, source, err := relayer.ResolveCredential(relayer.CredentialOptions{
		PrivateKey:       cfg.RelayerKey,
		EnvVar:           cfg.RelayerKeyEnv,
		KeystorePath:     cfg.KeystorePath,
		KeystorePassword: cfg.KeystorePassword,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load relayer credential: %w", err)
	}
	relayerWallet := wallet.NewKeyWallet(key, be, logger)
	logger.WithFields(logrus.Fields{
		"source":  source,
		"address": relayerWallet.Address().Hex(),
	}).Info("Relayer credential resolved")
	a.relayer = relayer.NewClient(reader, relayerWallet, gateway, relayer.Options{Interval: cfg.RelayerInterval}, logger)

	vs, err := service.NewVotingService(service.Config{
		Reader:    reader,
		Receipts:  be,
		TxBackend: be,
		Relayer:   a.relayer,
		Cache:     cache,
		Store:     store,
		Targets:   reg,
		Ledger:    a.ledger(),
		Metrics:   service.NewMetricsCollector(),
		Logger:    logger,
		Workflow: service.WorkflowConfig{
			PollInterval:     cfg.PollInterval,
			PollAttempts:     cfg.PollAttempts,
			FastDecryptEvery: cfg.FastDecryptEvery,
			Receipt:          poll.Bounded{Interval: time.Second, Attempts: 60},
		},
		AutoSync: service.AutoSyncOptions{DecryptDelay: cfg.SyncDelay},
		Analytics: service.AnalyticsOptions{
			TTL:  cfg.AnalyticsTTL,
			TopN: cfg.AnalyticsTopN,
		},
		QueueSize: cfg.QueueSize,
		Workers:   cfg.Workers,
	})
	if err != nil {
		return nil, err
	}
	a.service = vs

	ok = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) (storage.Store, storage.Notifier, error) {
	switch a.cfg.Storage {
	case "memory":
		return storage.NewMemoryStore(), storage.NewBroadcaster(), nil
	case "json":
		s, err := storage.NewJSONStore(a.cfg.StoragePath)
		if err != nil {
			return nil, nil, err
		}
		return s, storage.NewBroadcaster(), nil
	case "badger":
		if err := os.MkdirAll(filepath.Clean(a.cfg.StoragePath), 0755); err != nil {
			return nil, nil, err
		}
		s, err := storage.NewBadgerStore(a.cfg.StoragePath)
		if err != nil {
			return nil, nil, err
		}
		return s, storage.NewBroadcaster(), nil
	case "redis":
		rdb, err := storage.OpenRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewRedisStore(rdb, ""), storage.NewRedisNotifier(rdb, "zapps:ratings", a.log), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage)
	}
}

func (a *app) openChain(ctx context.Context) (backend, common.Address, relayer.Gateway, error) {
	if a.cfg.Devnet {
		dcfg := devnet.DefaultConfig()
		dcfg.ChainID = big.NewInt(a.cfg.ChainID)
		dcfg.DecryptionDelay = a.cfg.DecryptionDelay
		dcfg.PaillierBits = a.cfg.PaillierBits
		dcfg.AutoFund = devnetFaucet
		dcfg.Ledger = a.store
		if a.cfg.ContractAddress != "" {
			dcfg.ContractAddress = common.HexToAddress(a.cfg.ContractAddress)
		}
		d, err := devnet.New(dcfg, a.log)
		if err != nil {
			return nil, common.Address{}, nil, fmt.Errorf("failed to start devnet: %w", err)
		}
		a.devnet = d
		a.gateway = d.GatewayHandler()
		return d, d.Address(), d, nil
	}

	client, err := ethclient.DialContext(ctx, a.cfg.RPCURL)
	if err != nil {
		return nil, common.Address{}, nil, fmt.Errorf("failed to dial %s: %w", a.cfg.RPCURL, err)
	}
	a.closers = append(a.closers, func() error { client.Close(); return nil })

	var gateway relayer.Gateway
	if a.cfg.GatewayURL != "" {
		gateway = relayer.NewHTTPGateway(a.cfg.GatewayURL, 10*time.Second)
	}
	return client, common.HexToAddress(a.cfg.ContractAddress), gateway, nil
}

func (a *app) ledger() service.Ledger {
	if a.devnet == nil {
		return nil
	}
	return a.devnet
}

// Start runs the co-processor (devnet only), the vote workers and the
// relayer loop.
func (a *app) Start(ctx context.Context) error {
	if a.devnet != nil {
		a.devnet.Start(ctx)
	}
	return a.service.Start(ctx)
}

func (a *app) Close() {
	if a.service != nil {
		a.service.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close store")
		}
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.WithError(err).Warn("Failed to close resource")
		}
	}
}

func targetHash(id string) string {
	return encryption.DeriveTargetHash(id).Hex()
}
