package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Timelock.FinalityBuffer != 2*time.Minute {
		t.Errorf("expected FinalityBuffer 2m, got %v", cfg.Timelock.FinalityBuffer)
	}
	if cfg.Timelock.CoordinationBuffer != time.Minute {
		t.Errorf("expected CoordinationBuffer 1m, got %v", cfg.Timelock.CoordinationBuffer)
	}
	if cfg.Timelock.MinDuration != 10*time.Minute {
		t.Errorf("expected MinDuration 10m, got %v", cfg.Timelock.MinDuration)
	}
	if cfg.Bridge.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts 3, got %d", cfg.Bridge.MaxAttempts)
	}
	if cfg.Bridge.Signer.Kind != SignerLocal {
		t.Errorf("expected local signer, got %s", cfg.Bridge.Signer.Kind)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	configPath := filepath.Join(tmpDir, ConfigFileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("expected DataDir %s, got %s", tmpDir, cfg.Storage.DataDir)
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Storage.DataDir = tmpDir
	cfg.Logging.Level = "debug"
	cfg.Timelock.FinalityBuffer = 5 * time.Minute
	cfg.ChainPairs = []ChainPairConfig{{ChainID: 97, FinalityBuffer: 4 * time.Minute}}

	if err := cfg.Save(ConfigPath(tmpDir)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if loaded.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Logging.Level)
	}
	if loaded.Timelock.FinalityBuffer != 5*time.Minute {
		t.Errorf("expected FinalityBuffer 5m, got %v", loaded.Timelock.FinalityBuffer)
	}
	if len(loaded.ChainPairs) != 1 || loaded.ChainPairs[0].ChainID != 97 {
		t.Fatalf("chain pairs not loaded: %+v", loaded.ChainPairs)
	}
}

func TestLoadConfigParsesDurationStrings(t *testing.T) {
	tmpDir := t.TempDir()
	data := []byte("timelock:\n  finality_buffer: 90s\n  coordination_buffer: 30s\n")
	if err := os.WriteFile(filepath.Join(tmpDir, ConfigFileName), data, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Timelock.FinalityBuffer != 90*time.Second {
		t.Errorf("FinalityBuffer = %v, want 90s", cfg.Timelock.FinalityBuffer)
	}
	if cfg.Timelock.MinDuration != 10*time.Minute {
		t.Errorf("unset MinDuration should keep default, got %v", cfg.Timelock.MinDuration)
	}
}

func TestTimelockFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChainPairs = []ChainPairConfig{
		{ChainID: 97, FinalityBuffer: 5 * time.Minute},
		{ChainID: 137, FinalityBuffer: 10 * time.Minute, CoordinationBuffer: 2 * time.Minute},
	}

	tests := []struct {
		chainID      uint64
		finality     time.Duration
		coordination time.Duration
	}{
		{1, 2 * time.Minute, time.Minute},
		{97, 5 * time.Minute, time.Minute},
		{137, 10 * time.Minute, 2 * time.Minute},
	}

	for _, tt := range tests {
		got := cfg.TimelockFor(tt.chainID)
		if got.FinalityBuffer != tt.finality {
			t.Errorf("TimelockFor(%d).FinalityBuffer = %v, want %v", tt.chainID, got.FinalityBuffer, tt.finality)
		}
		if got.CoordinationBuffer != tt.coordination {
			t.Errorf("TimelockFor(%d).CoordinationBuffer = %v, want %v", tt.chainID, got.CoordinationBuffer, tt.coordination)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bridge without rpc", func(c *Config) { c.Bridge.Enabled = true }, true},
		{"bridge ok", func(c *Config) {
			c.Bridge.Enabled = true
			c.Bridge.RPCURL = "http://localhost:8545"
		}, false},
		{"unknown chain without override", func(c *Config) {
			c.Bridge.Enabled = true
			c.Bridge.RPCURL = "http://localhost:8545"
			c.Bridge.ChainID = 31337
		}, true},
		{"unknown chain with override", func(c *Config) {
			c.Bridge.Enabled = true
			c.Bridge.RPCURL = "http://localhost:8545"
			c.Bridge.ChainID = 31337
			c.Bridge.HTLCContract = "0x00000000000000000000000000000000000000aa"
		}, false},
		{"genesis without principal", func(c *Config) {
			c.Ledger.Genesis = []GenesisBalance{{Token: "ICP", Amount: 100}}
		}, true},
		{"genesis ok", func(c *Config) {
			c.Ledger.Genesis = []GenesisBalance{{Token: "ICP", Principal: "alice", Amount: 100}}
		}, false},
		{"remote signer without url", func(c *Config) {
			c.Bridge.Enabled = true
			c.Bridge.RPCURL = "http://localhost:8545"
			c.Bridge.Signer.Kind = SignerRemote
		}, true},
		{"zero attempts", func(c *Config) {
			c.Bridge.Enabled = true
			c.Bridge.RPCURL = "http://localhost:8545"
			c.Bridge.MaxAttempts = 0
		}, true},
		{"zero receipt attempts", func(c *Config) {
			c.Bridge.Enabled = true
			c.Bridge.RPCURL = "http://localhost:8545"
			c.Bridge.ReceiptAttempts = 0
		}, true},
		{"negative buffer", func(c *Config) { c.Timelock.FinalityBuffer = -time.Second }, true},
		{"duplicate pair", func(c *Config) {
			c.ChainPairs = []ChainPairConfig{{ChainID: 1}, {ChainID: 1}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHTLCContractRegistry(t *testing.T) {
	if !IsHTLCDeployed(11155111) {
		t.Error("expected HTLC deployed on Sepolia")
	}
	if IsHTLCDeployed(1) {
		t.Error("expected HTLC not deployed on mainnet")
	}
	if IsHTLCDeployed(999999) {
		t.Error("unknown chain should not report a deployment")
	}

	chains := ListDeployedHTLCChains()
	if len(chains) != 2 || chains[0] != 97 || chains[1] != 11155111 {
		t.Errorf("ListDeployedHTLCChains() = %v, want [97 11155111]", chains)
	}

	b := BridgeConfig{ChainID: 97}
	if b.HTLCContractFor() != GetHTLCContract(97) {
		t.Error("HTLCContractFor should fall back to the registry")
	}
	b.HTLCContract = "0x00000000000000000000000000000000000000aa"
	if b.HTLCContractFor() != common.HexToAddress("0xaa") {
		t.Errorf("HTLCContractFor() = %s, want override", b.HTLCContractFor().Hex())
	}
}

func TestResolvePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/var/lib/escrow"

	if got := cfg.ResolvePath("signer.key"); got != "/var/lib/escrow/signer.key" {
		t.Errorf("ResolvePath(relative) = %s", got)
	}
	if got := cfg.ResolvePath("/etc/signer.key"); got != "/etc/signer.key" {
		t.Errorf("ResolvePath(absolute) = %s", got)
	}
}
