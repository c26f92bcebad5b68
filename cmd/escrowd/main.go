// Package main provides escrowd, the cross-chain HTLC escrow daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/klingon-exchange/fusion-escrow/internal/bridge"
	"github.com/klingon-exchange/fusion-escrow/internal/config"
	"github.com/klingon-exchange/fusion-escrow/internal/escrow"
	"github.com/klingon-exchange/fusion-escrow/internal/ledger"
	"github.com/klingon-exchange/fusion-escrow/internal/metrics"
	"github.com/klingon-exchange/fusion-escrow/internal/rpc"
	"github.com/klingon-exchange/fusion-escrow/internal/storage"
	"github.com/klingon-exchange/fusion-escrow/internal/timelock"
	"github.com/klingon-exchange/fusion-escrow/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// passwordEnv holds the local signer key file password.
const passwordEnv = "ESCROWD_SIGNER_PASSWORD"

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.fusion-escrow", "Data directory")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		exportPath  = flag.String("export", "", "Write a snapshot of all escrows to this file and exit")
		importPath  = flag.String("import", "", "Load a snapshot into an empty store and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("escrowd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *apiAddr != "" {
		cfg.RPC.ListenAddr = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	var logOut io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.ResolvePath(cfg.Logging.File), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			log.Fatal("Failed to open log file", "error", err)
		}
		defer f.Close()
		logOut = io.MultiWriter(os.Stderr, f)
	}
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Output:     logOut,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(*dataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	met := metrics.New()

	tokens, err := ledger.Open(store, log.Component("ledger"))
	if err != nil {
		log.Fatal("Failed to load ledger", "error", err)
	}
	genesis := make([]ledger.Balance, 0, len(cfg.Ledger.Genesis))
	for _, g := range cfg.Ledger.Genesis {
		genesis = append(genesis, ledger.Balance{Token: g.Token, Principal: g.Principal, Amount: g.Amount})
	}
	if applied, err := tokens.Genesis(genesis); err != nil {
		log.Fatal("Failed to mint genesis balances", "error", err)
	} else if !applied && len(genesis) > 0 {
		log.Info("Genesis balances already applied")
	}

	var fb escrow.ForeignBridge
	if cfg.Bridge.Enabled {
		b, closeBridge, err := openBridge(ctx, cfg, log, met)
		if err != nil {
			log.Fatal("Failed to initialize chain fusion bridge", "error", err)
		}
		defer closeBridge()
		fb = b
	} else {
		log.Info("Chain fusion bridge disabled")
	}

	chainTimelocks := make(map[uint64]timelock.Config, len(cfg.ChainPairs))
	for _, p := range cfg.ChainPairs {
		chainTimelocks[p.ChainID] = timelockConfig(cfg.TimelockFor(p.ChainID))
	}

	manager := escrow.NewManager(escrow.Config{
		Timelock:       timelockConfig(cfg.Timelock),
		ChainTimelocks: chainTimelocks,
		CustodyAccount: cfg.Ledger.CustodyAccount,
		Logger:         log,
		Metrics:        met,
	}, store, tokens, fb)

	switch {
	case *exportPath != "":
		if err := exportSnapshot(manager, *exportPath); err != nil {
			log.Fatal("Export failed", "error", err)
		}
		log.Info("Snapshot exported", "path", *exportPath)
		return
	case *importPath != "":
		if err := importSnapshot(manager, *importPath); err != nil {
			log.Fatal("Import failed", "error", err)
		}
		log.Info("Snapshot imported", "path", *importPath)
		return
	}

	rpcServer := rpc.NewServer(manager, met)
	if err := rpcServer.Start(cfg.RPC.ListenAddr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counts, err := manager.Counts()
				if err != nil {
					log.Warn("Status check failed", "error", err)
					continue
				}
				log.Info("Status",
					"created", counts[escrow.StateCreated],
					"funded", counts[escrow.StateFunded],
					"ws_clients", rpcServer.WSHub().ClientCount(),
				)
			}
		}
	}()

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

// openBridge connects the signer and the configured EVM chain.
func openBridge(ctx context.Context, cfg *config.Config, log *logging.Logger, met *metrics.Metrics) (*bridge.Bridge, func(), error) {
	signer, closeSigner, err := openSigner(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	client, err := ethclient.DialContext(ctx, cfg.Bridge.RPCURL)
	if err != nil {
		closeSigner()
		return nil, nil, fmt.Errorf("dial %s: %w", cfg.Bridge.RPCURL, err)
	}

	bcfg := bridge.DefaultConfig()
	bcfg.MaxAttempts = cfg.Bridge.MaxAttempts
	bcfg.MinBackoff = cfg.Bridge.MinBackoff
	bcfg.MaxBackoff = cfg.Bridge.MaxBackoff
	bcfg.RequestTimeout = cfg.Bridge.RequestTimeout
	bcfg.SigningTimeout = cfg.Bridge.SigningTimeout
	bcfg.HealthyLatency = cfg.Bridge.HealthyLatency
	bcfg.ReceiptAttempts = cfg.Bridge.ReceiptAttempts
	bcfg.Logger = log
	bcfg.Metrics = met

	b := bridge.New(bcfg, signer)
	contract := cfg.Bridge.HTLCContractFor()
	b.AddEVMLeg(cfg.Bridge.ChainID, client, contract)

	report := b.CheckSigningHealth(ctx)
	log.Info("Chain fusion bridge ready",
		"chain", cfg.Bridge.ChainID,
		"contract", contract.Hex(),
		"signer", cfg.Bridge.Signer.Kind,
		"health", report.State,
	)

	return b, func() {
		client.Close()
		closeSigner()
	}, nil
}

func openSigner(ctx context.Context, cfg *config.Config, log *logging.Logger) (bridge.Signer, func(), error) {
	sc := cfg.Bridge.Signer
	if sc.Kind == config.SignerRemote {
		s, err := bridge.DialRemoteSigner(ctx, sc.RemoteURL, sc.KeyID)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}

	password := os.Getenv(passwordEnv)
	if password == "" {
		return nil, nil, fmt.Errorf("%s must be set for the local signer", passwordEnv)
	}

	path := cfg.ResolvePath(sc.KeyFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		mnemonic, err := bridge.GenerateMnemonic()
		if err != nil {
			return nil, nil, err
		}
		kf, err := bridge.EncryptMnemonic(mnemonic, password)
		if err != nil {
			return nil, nil, err
		}
		if err := bridge.SaveKeyFile(kf, path); err != nil {
			return nil, nil, err
		}
		log.Warn("Generated a new signer key; back up the key file and its password", "path", path)
	}

	s, err := bridge.OpenLocalSigner(path, password)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {}, nil
}

func timelockConfig(c config.TimelockConfig) timelock.Config {
	return timelock.Config{
		FinalityBuffer:     c.FinalityBuffer,
		CoordinationBuffer: c.CoordinationBuffer,
		MinDuration:        c.MinDuration,
		SafetyBuffer:       c.SafetyBuffer,
	}
}

func exportSnapshot(m *escrow.Manager, path string) error {
	snap, err := m.Export()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func importSnapshot(m *escrow.Manager, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap escrow.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	return m.Import(&snap)
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	addr := cfg.RPC.ListenAddr

	log.Info("")
	log.Info("=================================================")
	log.Info("  Fusion Escrow Daemon")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API:     http://%s", addr)
	log.Infof("  WS:      ws://%s/ws", addr)
	log.Infof("  Metrics: http://%s/metrics", addr)
	log.Info("")
	if cfg.Bridge.Enabled {
		log.Infof("  Foreign chain: %d (%s signer)", cfg.Bridge.ChainID, cfg.Bridge.Signer.Kind)
	} else {
		log.Info("  Foreign chain: disabled")
	}
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
