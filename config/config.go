// Package config loads and validates the application configuration file.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/validator-tools/keeper/logger"
	"github.com/validator-tools/keeper/staking"
	"github.com/validator-tools/keeper/types"
)

const (
	ModeSingle = "single"
	ModeDePool = "depool"
)

type (
	Config struct {
		Control   Control       `mapstructure:"control" yaml:"control"`
		Validator Validator     `mapstructure:"validator" yaml:"validator"`
		Storage   Storage       `mapstructure:"storage" yaml:"storage"`
		Logging   logger.Config `mapstructure:"logging" yaml:"logging"`
	}

	// Control configures the encrypted channel to the node.
	Control struct {
		Address        string        `mapstructure:"address" yaml:"address"`
		ServerPubkey   string        `mapstructure:"server_pubkey" yaml:"server_pubkey"`
		ClientSecret   string        `mapstructure:"client_secret" yaml:"client_secret"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
		QueryTimeout   time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	}

	Validator struct {
		Mode           string  `mapstructure:"mode" yaml:"mode"`
		Wallet         string  `mapstructure:"wallet" yaml:"wallet"`
		WalletKeysFile string  `mapstructure:"wallet_keys_file" yaml:"wallet_keys_file"`
		StakePerRound  string  `mapstructure:"stake_per_round" yaml:"stake_per_round"`
		StakeFactor    uint32  `mapstructure:"stake_factor" yaml:"stake_factor"`
		DePool         DePool  `mapstructure:"depool" yaml:"depool"`
		Offsets        Offsets `mapstructure:"offsets" yaml:"offsets"`
		// DisableRandomShift enters the election window without jitter.
		DisableRandomShift bool `mapstructure:"disable_random_shift" yaml:"disable_random_shift"`
		// Force skips the node sync check before entering an election.
		Force bool `mapstructure:"force" yaml:"force"`
		// TickInterval paces the orchestrator loop.
		TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	}

	DePool struct {
		Pool    string   `mapstructure:"pool" yaml:"pool"`
		Proxies []string `mapstructure:"proxies" yaml:"proxies"`
	}

	// Offsets narrow the active part of the election window, in seconds.
	Offsets struct {
		ElectionsStart uint32 `mapstructure:"elections_start" yaml:"elections_start"`
		ElectionsEnd   uint32 `mapstructure:"elections_end" yaml:"elections_end"`
	}

	Storage struct {
		Path string `mapstructure:"path" yaml:"path"`
	}
)

// flagBindings maps command line flags onto config keys. A flag set on the
// command line wins over the file value.
var flagBindings = map[string]string{
	"log-level":     "logging.level",
	"tick-interval": "validator.tick_interval",
	"force":         "validator.force",
}

// Load reads the config file at path, applies defaults, layers the given
// command line flags on top and validates.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("control.connect_timeout", 10*time.Second)
	v.SetDefault("control.query_timeout", 10*time.Second)
	v.SetDefault("validator.mode", ModeSingle)
	v.SetDefault("validator.stake_factor", uint32(3<<16))
	v.SetDefault("validator.tick_interval", 10*time.Second)
	v.SetDefault("storage.path", "keeper.db")
	v.SetDefault("logging.level", "info")

	if flags != nil {
		for name, key := range flagBindings {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Template is a filled-in sample configuration, the starting point written by
// the generate-config command.
func Template() *Config {
	return &Config{
		Control: Control{
			Address:        "127.0.0.1:5031",
			ServerPubkey:   strings.Repeat("0", 64),
			ClientSecret:   strings.Repeat("0", 64),
			ConnectTimeout: 10 * time.Second,
			QueryTimeout:   10 * time.Second,
		},
		Validator: Validator{
			Mode:           ModeSingle,
			Wallet:         "-1:" + strings.Repeat("0", 64),
			WalletKeysFile: "wallet-keys.json",
			StakePerRound:  "10000000000000",
			StakeFactor:    3 << 16,
			TickInterval:   10 * time.Second,
		},
		Storage: Storage{Path: "keeper.db"},
		Logging: logger.Config{Level: "info"},
	}
}

func (c *Config) IsValid() error {
	if c.Control.Address == "" {
		return fmt.Errorf("control.address must be set")
	}
	if _, err := c.Control.ServerKey(); err != nil {
		return err
	}
	if _, err := c.Control.ClientKey(); err != nil {
		return err
	}
	if c.Validator.Wallet == "" {
		return fmt.Errorf("validator.wallet must be set")
	}
	if _, err := types.ParseAddress(c.Validator.Wallet); err != nil {
		return fmt.Errorf("validator.wallet: %w", err)
	}
	switch c.Validator.Mode {
	case ModeSingle:
		if _, err := c.Validator.stake(); err != nil {
			return err
		}
	case ModeDePool:
		if c.Validator.DePool.Pool == "" {
			return fmt.Errorf("validator.depool.pool must be set in depool mode")
		}
		if len(c.Validator.DePool.Proxies) == 0 {
			return fmt.Errorf("validator.depool.proxies must not be empty in depool mode")
		}
	default:
		return fmt.Errorf("unknown validator.mode %q", c.Validator.Mode)
	}
	return nil
}

// ServerKey decodes the node's public channel key.
func (c Control) ServerKey() ([32]byte, error) {
	return decodeKey("control.server_pubkey", c.ServerPubkey)
}

// ClientKey decodes our secret channel key.
func (c Control) ClientKey() ([32]byte, error) {
	return decodeKey("control.client_secret", c.ClientSecret)
}

func decodeKey(field, value string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(value)
	if err != nil {
		return key, fmt.Errorf("%s: %w", field, err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("%s: expected 32 bytes, got %d", field, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func (v Validator) stake() (*uint256.Int, error) {
	if v.StakePerRound == "" {
		return nil, fmt.Errorf("validator.stake_per_round must be set in single mode")
	}
	stake, err := uint256.FromDecimal(v.StakePerRound)
	if err != nil {
		return nil, fmt.Errorf("validator.stake_per_round: %w", err)
	}
	return stake, nil
}

// Vehicle builds the staking vehicle the configuration describes.
func (v Validator) Vehicle() (staking.Vehicle, error) {
	wallet, err := types.ParseAddress(v.Wallet)
	if err != nil {
		return nil, fmt.Errorf("validator.wallet: %w", err)
	}
	switch v.Mode {
	case ModeSingle:
		stake, err := v.stake()
		if err != nil {
			return nil, err
		}
		return staking.NewSingle(wallet, stake), nil
	case ModeDePool:
		pool, err := types.ParseAddress(v.DePool.Pool)
		if err != nil {
			return nil, fmt.Errorf("validator.depool.pool: %w", err)
		}
		proxies := make([]types.Address, 0, len(v.DePool.Proxies))
		for i, p := range v.DePool.Proxies {
			proxy, err := types.ParseAddress(p)
			if err != nil {
				return nil, fmt.Errorf("validator.depool.proxies[%d]: %w", i, err)
			}
			proxies = append(proxies, proxy)
		}
		return staking.NewDePool(wallet, pool, proxies)
	default:
		return nil, fmt.Errorf("unknown validator.mode %q", v.Mode)
	}
}
