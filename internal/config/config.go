// Package config provides centralized configuration for the tidewallet
// daemon. All tunables (endpoints, limits, timeouts) live here; no
// hardcoded values should exist elsewhere in the codebase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tideswap/tidewallet/internal/chain"
)

// ElectrumConfig holds the Electrum server endpoint for one chain.
type ElectrumConfig struct {
	URL string `yaml:"url"`
	TLS bool   `yaml:"tls"`
}

// LimitsConfig bounds the payment amounts the daemon will prepare.
type LimitsConfig struct {
	// MinSat is the smallest payment amount accepted, in satoshi.
	MinSat uint64 `yaml:"min_sat"`
	// MaxSat is the largest payment amount accepted, in satoshi.
	// Zero means no upper bound.
	MaxSat uint64 `yaml:"max_sat"`
}

// Contains reports whether amountSat falls inside the configured limits.
func (l LimitsConfig) Contains(amountSat uint64) bool {
	if amountSat < l.MinSat {
		return false
	}
	if l.MaxSat > 0 && amountSat > l.MaxSat {
		return false
	}
	return true
}

// Config is the daemon configuration, loaded from YAML with per-network
// defaults filled in for anything the file leaves unset.
type Config struct {
	// Network selects mainnet, testnet or regtest.
	Network chain.Network `yaml:"network"`

	// DataDir holds the sqlite database, the wallet snapshot cache and
	// the encrypted seed backup.
	DataDir string `yaml:"data_dir"`

	// ListenAddr is the JSON-RPC/WebSocket listen address.
	ListenAddr string `yaml:"listen_addr"`

	// Electrum endpoints, one per supported chain.
	BitcoinElectrum ElectrumConfig `yaml:"bitcoin_electrum"`
	LiquidElectrum  ElectrumConfig `yaml:"liquid_electrum"`

	// Limits bound prepared payment amounts.
	Limits LimitsConfig `yaml:"limits"`

	// AddressReservationBlocks is how many blocks a handed-out address
	// stays reserved before it may be reused by nextUnusedAddress.
	AddressReservationBlocks uint32 `yaml:"address_reservation_blocks"`

	// ScanInterval is how often the background recoverer rescans the
	// chain and reconciles swap states.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// FeeRateSatPerVB is the default fee rate used when a request does
	// not carry one.
	FeeRateSatPerVB float32 `yaml:"fee_rate_sat_per_vb"`
}

// Default returns the configuration defaults for the given network.
func Default(network chain.Network) *Config {
	cfg := &Config{
		Network:                  network,
		DataDir:                  defaultDataDir(),
		ListenAddr:               "127.0.0.1:9735",
		Limits:                   LimitsConfig{MinSat: 1000, MaxSat: 25_000_000},
		AddressReservationBlocks: 6,
		ScanInterval:             30 * time.Second,
		FeeRateSatPerVB:          1.0,
	}
	switch network {
	case chain.Testnet:
		cfg.BitcoinElectrum = ElectrumConfig{URL: "electrum.blockstream.info:60002", TLS: true}
		cfg.LiquidElectrum = ElectrumConfig{URL: "blockstream.info:465", TLS: true}
	case chain.Regtest:
		cfg.BitcoinElectrum = ElectrumConfig{URL: "127.0.0.1:50001"}
		cfg.LiquidElectrum = ElectrumConfig{URL: "127.0.0.1:50002"}
	default:
		cfg.BitcoinElectrum = ElectrumConfig{URL: "electrum.blockstream.info:50002", TLS: true}
		cfg.LiquidElectrum = ElectrumConfig{URL: "blockstream.info:995", TLS: true}
	}
	return cfg
}

// Load reads a YAML config file and overlays it on the network defaults.
// A missing file is not an error: the defaults are returned as-is.
func Load(path string, network chain.Network) (*Config, error) {
	cfg := Default(network)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Network {
	case chain.Mainnet, chain.Testnet, chain.Regtest:
	default:
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if c.BitcoinElectrum.URL == "" {
		return fmt.Errorf("bitcoin electrum endpoint is required")
	}
	if c.LiquidElectrum.URL == "" {
		return fmt.Errorf("liquid electrum endpoint is required")
	}
	if c.Limits.MaxSat > 0 && c.Limits.MinSat > c.Limits.MaxSat {
		return fmt.Errorf("limits: min_sat %d exceeds max_sat %d", c.Limits.MinSat, c.Limits.MaxSat)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("scan_interval must be positive")
	}
	return nil
}

// DatabasePath returns the sqlite database location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, string(c.Network), "tidewallet.db")
}

// WalletCacheDir returns the descriptor wallet snapshot directory.
func (c *Config) WalletCacheDir() string {
	return filepath.Join(c.DataDir, string(c.Network), "wallet")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tidewallet"
	}
	return filepath.Join(home, ".tidewallet")
}

// IsSafeToComplete checks whether an operation may still be started given
// the current height and a safety margin before the swap timeout. Near
// the boundary both claim and refund could otherwise become valid.
func IsSafeToComplete(currentHeight, timeoutHeight, safetyMargin uint32) bool {
	return BlocksUntilTimeout(currentHeight, timeoutHeight) > safetyMargin
}

// BlocksUntilTimeout returns the number of blocks until timeout, or 0 if
// the timeout has passed.
func BlocksUntilTimeout(currentHeight, timeoutHeight uint32) uint32 {
	if currentHeight >= timeoutHeight {
		return 0
	}
	return timeoutHeight - currentHeight
}
