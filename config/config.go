// Package config loads service settings from flags, ZAPPS_* environment
// variables, an optional .env file and an optional zapps.{yaml,toml,json}.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "ZAPPS"

type Config struct {
	// Chain
	Devnet          bool          `mapstructure:"devnet"`
	RPCURL          string        `mapstructure:"rpc-url" validate:"omitempty,url"`
	ChainID         int64         `mapstructure:"chain-id" validate:"gte=0"`
	ContractAddress string        `mapstructure:"contract-address" validate:"omitempty,eth_addr"`
	GatewayURL      string        `mapstructure:"gateway-url" validate:"omitempty,url"`
	DecryptionDelay time.Duration `mapstructure:"decryption-delay" validate:"gte=0"`
	PaillierBits    int           `mapstructure:"paillier-bits" validate:"gte=512"`

	// Relayer credential, resolved in this order.
	RelayerKey       string        `mapstructure:"relayer-key" validate:"omitempty,hexadecimal"`
	RelayerKeyEnv    string        `mapstructure:"relayer-key-env"`
	KeystorePath     string        `mapstructure:"keystore"`
	KeystorePassword string        `mapstructure:"keystore-password"`
	RelayerInterval  time.Duration `mapstructure:"relayer-interval" validate:"gt=0"`

	// Storage
	Storage     string `mapstructure:"storage" validate:"oneof=memory json badger redis"`
	StoragePath string `mapstructure:"storage-path"`
	RedisURL    string `mapstructure:"redis-url"`
	DAppsFile   string `mapstructure:"dapps-file"`

	// Workflow
	PollInterval     time.Duration `mapstructure:"poll-interval" validate:"gt=0"`
	PollAttempts     int           `mapstructure:"poll-attempts" validate:"min=1"`
	FastDecryptEvery int           `mapstructure:"fast-decrypt-every" validate:"gte=0"`
	SyncDelay        time.Duration `mapstructure:"sync-delay" validate:"gt=0"`
	Workers          int           `mapstructure:"workers" validate:"min=1"`
	QueueSize        int           `mapstructure:"queue-size" validate:"min=1"`

	// Analytics
	AnalyticsTTL  time.Duration `mapstructure:"analytics-ttl" validate:"gt=0"`
	AnalyticsTopN int           `mapstructure:"analytics-top" validate:"min=1"`

	// Service
	Listen    string `mapstructure:"listen" validate:"required"`
	LogLevel  string `mapstructure:"log-level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log-format" validate:"oneof=text json"`
}

// Default is the configuration of a local devnet node.
func Default() Config {
	return Config{
		Devnet:           true,
		ChainID:          1337,
		DecryptionDelay:  3 * time.Second,
		PaillierBits:     1024,
		RelayerKeyEnv:    "RELAYER_PRIVATE_KEY",
		RelayerInterval:  30 * time.Second,
		Storage:          "json",
		StoragePath:      "data/rating_cache.json",
		DAppsFile:        "data/dapps.json",
		PollInterval:     2 * time.Second,
		PollAttempts:     30,
		FastDecryptEvery: 3,
		SyncDelay:        3 * time.Second,
		Workers:          4,
		QueueSize:        64,
		AnalyticsTTL:     5 * time.Minute,
		AnalyticsTopN:    5,
		Listen:           ":8080",
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// AddFlags registers every setting on fs with its default.
func AddFlags(fs *pflag.FlagSet) {
	d := Default()

	fs.Bool("devnet", d.Devnet, "Run against the in-process development chain")
	fs.String("rpc-url", d.RPCURL, "JSON-RPC endpoint of the chain")
	fs.Int64("chain-id", d.ChainID, "Chain id of the devnet")
	fs.String("contract-address", d.ContractAddress, "Address of the rating contract")
	fs.String("gateway-url", d.GatewayURL, "Base URL of the decryption gateway")
	fs.Duration("decryption-delay", d.DecryptionDelay, "Devnet co-processor delay")
	fs.Int("paillier-bits", d.PaillierBits, "Devnet Paillier modulus size")

	fs.String("relayer-key", d.RelayerKey, "Relayer private key (hex)")
	fs.String("relayer-key-env", d.RelayerKeyEnv, "Environment variable holding the relayer key")
	fs.String("keystore", d.KeystorePath, "Encrypted keystore file for the relayer")
	fs.String("keystore-password", d.KeystorePassword, "Keystore passphrase")
	fs.Duration("relayer-interval", d.RelayerInterval, "Interval between relayer sweeps")

	fs.String("storage", d.Storage, "Rating cache backend: memory, json, badger or redis")
	fs.String("storage-path", d.StoragePath, "File or directory of the json and badger backends")
	fs.String("redis-url", d.RedisURL, "Redis URL of the redis backend")
	fs.String("dapps-file", d.DAppsFile, "dApp catalogue file")

	fs.Duration("poll-interval", d.PollInterval, "Decryption poll interval")
	fs.Int("poll-attempts", d.PollAttempts, "Decryption poll attempts")
	fs.Int("fast-decrypt-every", d.FastDecryptEvery, "Retry fast decrypt every N poll attempts")
	fs.Duration("sync-delay", d.SyncDelay, "Wait between a sync decryption request and the re-read")
	fs.Int("workers", d.Workers, "Vote queue workers")
	fs.Int("queue-size", d.QueueSize, "Vote queue capacity")

	fs.Duration("analytics-ttl", d.AnalyticsTTL, "Analytics snapshot lifetime")
	fs.Int("analytics-top", d.AnalyticsTopN, "Targets listed in the analytics top list")

	fs.StringP("listen", "l", d.Listen, "HTTP listen address")
	fs.String("log-level", d.LogLevel, "debug, info, warn, error")
	fs.String("log-format", d.LogFormat, "text or json")
}

// Load reads .env, binds flags (which may be nil), applies ZAPPS_* variables
// and an optional config file, then validates the result.
func Load(v *viper.Viper, flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	defaults := pflag.NewFlagSet("defaults", pflag.ContinueOnError)
	AddFlags(defaults)
	defaults.VisitAll(func(f *pflag.Flag) {
		v.SetDefault(f.Name, f.DefValue)
	})
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("zapps")
	v.AddConfigPath(".")
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.Devnet {
		if c.RPCURL == "" {
			return errors.New("invalid config: rpc-url is required without devnet")
		}
		if c.ContractAddress == "" {
			return errors.New("invalid config: contract-address is required without devnet")
		}
	}
	if c.Storage == "redis" && c.RedisURL == "" {
		return errors.New("invalid config: redis-url is required for the redis backend")
	}
	if (c.Storage == "json" || c.Storage == "badger") && c.StoragePath == "" {
		return fmt.Errorf("invalid config: storage-path is required for the %s backend", c.Storage)
	}
	return nil
}

// NewLogger builds the root logger from the log settings.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
