// Package main provides the tidewalletd daemon, the JSON-RPC front of
// the swap wallet core.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tideswap/tidewallet/internal/chain"
	"github.com/tideswap/tidewallet/internal/config"
	"github.com/tideswap/tidewallet/internal/descriptor"
	"github.com/tideswap/tidewallet/internal/electrum"
	"github.com/tideswap/tidewallet/internal/recovery"
	"github.com/tideswap/tidewallet/internal/rpc"
	"github.com/tideswap/tidewallet/internal/signer"
	"github.com/tideswap/tidewallet/internal/storage"
	"github.com/tideswap/tidewallet/internal/wallet"
	"github.com/tideswap/tidewallet/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// connectTimeout bounds the initial electrum handshake.
const connectTimeout = 15 * time.Second

func main() {
	var (
		dataDir     = flag.String("data-dir", "", "Data directory, overrides config")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		networkName = flag.String("network", "mainnet", "Network (mainnet, testnet, regtest)")
		chainName   = flag.String("chain", "bitcoin", "Wallet chain (bitcoin, liquid)")
		listenAddr  = flag.String("listen", "", "JSON-RPC listen address, overrides config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("tidewalletd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	network := chain.Network(*networkName)

	configPath := *configFile
	if configPath == "" {
		base := expandPath(*dataDir)
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".tidewallet")
		}
		configPath = filepath.Join(base, "config.yaml")
	}
	cfg, err := config.Load(configPath, network)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *dataDir != "" {
		cfg.DataDir = expandPath(*dataDir)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	log.Info("Config loaded", "path", configPath, "network", cfg.Network)

	params, err := chain.Get(chain.Chain(*chainName), cfg.Network)
	if err != nil {
		log.Fatal("Unsupported chain", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		log.Fatal("Failed to open swap store", "error", err)
	}
	defer store.Close()
	log.Info("Swap store opened", "path", cfg.DatabasePath())

	mnemonic, err := loadMnemonic(cfg, log)
	if err != nil {
		log.Fatal("Failed to load wallet seed", "error", err)
	}
	sgn, err := signer.NewMnemonicSigner(mnemonic, "", params)
	if err != nil {
		log.Fatal("Failed to initialize signer", "error", err)
	}

	endpoint := cfg.BitcoinElectrum
	if params.Chain == chain.Liquid {
		endpoint = cfg.LiquidElectrum
	}

	eng, err := wallet.NewEngine(&wallet.EngineConfig{
		Signer:         sgn,
		Params:         params,
		Persister:      store,
		WalletCacheDir: cfg.WalletCacheDir(),
		NewClient: func() (descriptor.NetworkClient, error) {
			client := electrum.NewClient(endpoint.URL, endpoint.TLS)
			connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()
			if err := client.Connect(connectCtx); err != nil {
				return nil, err
			}
			return client, nil
		},
		ReservationBlocks: cfg.AddressReservationBlocks,
	})
	if err != nil {
		log.Fatal("Failed to initialize wallet engine", "error", err)
	}
	log.Info("Wallet engine initialized", "chain", params.Chain, "electrum", endpoint.URL)

	// The server is created after the recoverer but handles broadcasts
	// for it; swaps only change state once the scan loop runs, by which
	// time the server exists.
	var rpcServer *rpc.Server
	recoverer := recovery.NewRecoverer(eng, store, func(swap *storage.SwapRecord) {
		if rpcServer == nil {
			return
		}
		rpcServer.WSHub().Broadcast(rpc.EventPaymentUpdated, rpc.PaymentFromSwap(swap))
	})

	rpcServer = rpc.NewServer(eng, store, recoverer, cfg)
	if err := rpcServer.Start(cfg.ListenAddr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	go scanLoop(ctx, cfg.ScanInterval, recoverer, eng, rpcServer, log.Component("scan"))

	printBanner(log, cfg, params)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()
	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
}

// scanLoop runs an immediate recovery pass and then one per tick until
// the context is cancelled.
func scanLoop(ctx context.Context, interval time.Duration, recoverer *recovery.Recoverer, eng *wallet.Engine, srv *rpc.Server, log *logging.Logger) {
	runScan := func() {
		if err := recoverer.Recover(ctx); err != nil {
			log.Warn("Recovery scan failed", "error", err)
			return
		}
		srv.WSHub().Broadcast(rpc.EventScanCompleted, map[string]interface{}{
			"tip_height": eng.Tip(),
		})
	}

	runScan()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runScan()
		}
	}
}

// loadMnemonic resolves the wallet seed. Precedence: TIDEWALLET_MNEMONIC
// environment variable, then the encrypted seed file under the data
// directory (unlocked with TIDEWALLET_SEED_PASSWORD), then a freshly
// generated mnemonic persisted encrypted when a password is set.
func loadMnemonic(cfg *config.Config, log *logging.Logger) (string, error) {
	if m := os.Getenv("TIDEWALLET_MNEMONIC"); m != "" {
		if !signer.ValidateMnemonic(m) {
			return "", errInvalidMnemonic
		}
		return m, nil
	}

	password := os.Getenv("TIDEWALLET_SEED_PASSWORD")
	seedPath := filepath.Join(cfg.DataDir, string(cfg.Network), "seed.json")

	if _, err := os.Stat(seedPath); err == nil {
		if password == "" {
			return "", errSeedPasswordRequired
		}
		encrypted, err := signer.LoadEncryptedSeed(seedPath)
		if err != nil {
			return "", err
		}
		return signer.DecryptMnemonic(encrypted, password)
	}

	mnemonic, err := signer.GenerateMnemonic()
	if err != nil {
		return "", err
	}
	if password != "" {
		encrypted, err := signer.EncryptMnemonic(mnemonic, password)
		if err != nil {
			return "", err
		}
		if err := signer.SaveEncryptedSeed(encrypted, seedPath); err != nil {
			return "", err
		}
		log.Info("New wallet seed generated and stored encrypted", "path", seedPath)
	} else {
		log.Warn("New wallet seed generated but NOT persisted; set TIDEWALLET_SEED_PASSWORD to store it encrypted")
	}
	log.Warn("Back up these words now, they are shown once", "mnemonic", mnemonic)
	return mnemonic, nil
}

var (
	errInvalidMnemonic      = errors.New("TIDEWALLET_MNEMONIC is not a valid BIP39 mnemonic")
	errSeedPasswordRequired = errors.New("encrypted seed exists; set TIDEWALLET_SEED_PASSWORD to unlock it")
)

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, cfg *config.Config, params *chain.Params) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  tidewallet daemon (%s / %s)", params.Chain, cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", cfg.ListenAddr)
	log.Infof("  WS:  ws://%s/ws", cfg.ListenAddr)
	log.Info("")
	log.Infof("  Data dir: %s", cfg.DataDir)
	log.Infof("  Scan interval: %s", cfg.ScanInterval)
	log.Info("=================================================")
	log.Info("")
}
