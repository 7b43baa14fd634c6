package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tideswap/tidewallet/internal/chain"
)

func TestDefaultPerNetwork(t *testing.T) {
	for _, network := range []chain.Network{chain.Mainnet, chain.Testnet, chain.Regtest} {
		cfg := Default(network)
		if err := cfg.Validate(); err != nil {
			t.Errorf("%s defaults invalid: %v", network, err)
		}
		if cfg.BitcoinElectrum.URL == "" || cfg.LiquidElectrum.URL == "" {
			t.Errorf("%s defaults missing electrum endpoints", network)
		}
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/tidewallet.yaml", chain.Testnet)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Network != chain.Testnet {
		t.Fatalf("network = %s, want testnet", cfg.Network)
	}
}

func TestLoadOverlay(t *testing.T) {
	dir, err := os.MkdirTemp("", "tidewallet-config")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "config.yaml")
	body := `
listen_addr: "0.0.0.0:8080"
scan_interval: 10s
limits:
  min_sat: 5000
bitcoin_electrum:
  url: "my.electrum:50001"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, chain.Regtest)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "0.0.0.0:8080" {
		t.Errorf("listen_addr not overlaid: %s", cfg.ListenAddr)
	}
	if cfg.ScanInterval != 10*time.Second {
		t.Errorf("scan_interval = %s", cfg.ScanInterval)
	}
	if cfg.Limits.MinSat != 5000 {
		t.Errorf("min_sat = %d", cfg.Limits.MinSat)
	}
	if cfg.BitcoinElectrum.URL != "my.electrum:50001" {
		t.Errorf("bitcoin electrum not overlaid: %s", cfg.BitcoinElectrum.URL)
	}
	// Unset fields keep their regtest defaults.
	if cfg.LiquidElectrum.URL != "127.0.0.1:50002" {
		t.Errorf("liquid electrum default lost: %s", cfg.LiquidElectrum.URL)
	}
}

func TestValidateRejectsBadLimits(t *testing.T) {
	cfg := Default(chain.Mainnet)
	cfg.Limits = LimitsConfig{MinSat: 100, MaxSat: 50}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for min > max")
	}
}

func TestLimitsContains(t *testing.T) {
	tests := []struct {
		name   string
		limits LimitsConfig
		amount uint64
		want   bool
	}{
		{"inside", LimitsConfig{MinSat: 100, MaxSat: 1000}, 500, true},
		{"below min", LimitsConfig{MinSat: 100, MaxSat: 1000}, 99, false},
		{"above max", LimitsConfig{MinSat: 100, MaxSat: 1000}, 1001, false},
		{"at bounds", LimitsConfig{MinSat: 100, MaxSat: 1000}, 100, true},
		{"unbounded max", LimitsConfig{MinSat: 100}, 1 << 40, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.limits.Contains(tt.amount); got != tt.want {
				t.Fatalf("Contains(%d) = %v, want %v", tt.amount, got, tt.want)
			}
		})
	}
}

func TestTimeoutHelpers(t *testing.T) {
	if IsSafeToComplete(100, 100, 6) {
		t.Error("at timeout should not be safe")
	}
	if IsSafeToComplete(95, 100, 6) {
		t.Error("inside safety margin should not be safe")
	}
	if !IsSafeToComplete(90, 100, 6) {
		t.Error("outside safety margin should be safe")
	}
	if got := BlocksUntilTimeout(100, 100); got != 0 {
		t.Errorf("BlocksUntilTimeout at timeout = %d", got)
	}
	if got := BlocksUntilTimeout(90, 100); got != 10 {
		t.Errorf("BlocksUntilTimeout = %d, want 10", got)
	}
}
