package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if *cfg != want {
		t.Errorf("Load() = %+v\nwant %+v", *cfg, want)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ZAPPS_STORAGE", "badger")
	t.Setenv("ZAPPS_STORAGE_PATH", t.TempDir())
	t.Setenv("ZAPPS_POLL_ATTEMPTS", "7")
	t.Setenv("ZAPPS_POLL_INTERVAL", "250ms")
	t.Setenv("ZAPPS_LOG_FORMAT", "json")

	cfg, err := Load(viper.New(), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage != "badger" || cfg.PollAttempts != 7 || cfg.PollInterval != 250*time.Millisecond || cfg.LogFormat != "json" {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("ZAPPS_LISTEN", ":9000")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	if err := fs.Parse([]string{"--listen", ":9100", "--workers", "2"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := Load(viper.New(), fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9100" || cfg.Workers != 2 {
		t.Errorf("flags not applied: listen %q workers %d", cfg.Listen, cfg.Workers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown storage", func(c *Config) { c.Storage = "etcd" }, false},
		{"redis without url", func(c *Config) { c.Storage = "redis" }, false},
		{"redis with url", func(c *Config) { c.Storage = "redis"; c.RedisURL = "redis://localhost:6379/0" }, true},
		{"rpc without url", func(c *Config) { c.Devnet = false }, false},
		{"rpc without contract", func(c *Config) { c.Devnet = false; c.RPCURL = "http://localhost:8545" }, false},
		{"rpc complete", func(c *Config) {
			c.Devnet = false
			c.RPCURL = "http://localhost:8545"
			c.ContractAddress = "0x5a17e5000000000000000000000000000000fe11"
		}, true},
		{"bad contract address", func(c *Config) { c.ContractAddress = "0x1234" }, false},
		{"zero poll attempts", func(c *Config) { c.PollAttempts = 0 }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"non-hex relayer key", func(c *Config) { c.RelayerKey = "not-hex" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	if got := cfg.NewLogger().GetLevel().String(); got != "debug" {
		t.Errorf("level = %s", got)
	}
}
