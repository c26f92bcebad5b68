// Package config holds the escrow daemon configuration.
//
// The configuration lives in config.yaml inside the data directory and is
// created with defaults on first run. Command-line flags override it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Signer kinds.
const (
	SignerLocal  = "local"
	SignerRemote = "remote"
)

// Config holds all configuration for the escrow daemon.
type Config struct {
	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// RPC is the JSON-RPC/WebSocket server.
	RPC RPCConfig `yaml:"rpc"`

	// Timelock holds the default cross-chain buffers.
	Timelock TimelockConfig `yaml:"timelock"`

	// Bridge configures the foreign chain leg and the signer.
	Bridge BridgeConfig `yaml:"bridge"`

	// ChainPairs overrides timelock buffers for a specific foreign chain.
	ChainPairs []ChainPairConfig `yaml:"chain_pairs,omitempty"`

	// Ledger seeds the host token ledger at startup.
	Ledger LedgerConfig `yaml:"ledger"`
}

// LedgerConfig configures the host token ledger.
type LedgerConfig struct {
	CustodyAccount string           `yaml:"custody_account"`
	Genesis        []GenesisBalance `yaml:"genesis,omitempty"`
}

// GenesisBalance is minted when the daemon starts.
type GenesisBalance struct {
	Token     string `yaml:"token"`
	Principal string `yaml:"principal"`
	Amount    uint64 `yaml:"amount"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// RPCConfig holds the JSON-RPC server settings.
type RPCConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// TimelockConfig holds the buffers used to derive the two chain timelocks.
type TimelockConfig struct {
	// FinalityBuffer covers foreign-chain confirmation depth.
	FinalityBuffer time.Duration `yaml:"finality_buffer"`

	// CoordinationBuffer covers cross-chain relay latency.
	CoordinationBuffer time.Duration `yaml:"coordination_buffer"`

	// MinDuration is the shortest escrow duration accepted.
	MinDuration time.Duration `yaml:"min_duration"`

	// SafetyBuffer is extra headroom required above the buffers.
	SafetyBuffer time.Duration `yaml:"safety_buffer"`
}

// ChainPairConfig overrides buffers for escrows whose foreign leg is on ChainID.
type ChainPairConfig struct {
	ChainID            uint64        `yaml:"chain_id"`
	FinalityBuffer     time.Duration `yaml:"finality_buffer"`
	CoordinationBuffer time.Duration `yaml:"coordination_buffer"`
}

// BridgeConfig configures the chain-fusion bridge.
type BridgeConfig struct {
	// Enabled turns the foreign leg on. Without it, escrows are host-only.
	Enabled bool `yaml:"enabled"`

	// ChainID is the EVM chain id of the foreign leg.
	ChainID uint64 `yaml:"chain_id"`

	// RPCURL is the foreign chain JSON-RPC endpoint.
	RPCURL string `yaml:"rpc_url"`

	// HTLCContract overrides the registry address for ChainID.
	HTLCContract string `yaml:"htlc_contract,omitempty"`

	// MaxAttempts bounds every retried bridge step.
	MaxAttempts int `yaml:"max_attempts"`

	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// RequestTimeout bounds a single RPC round-trip.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// SigningTimeout bounds a single signing request.
	SigningTimeout time.Duration `yaml:"signing_timeout"`

	// HealthyLatency is the slowest test-sign still reported healthy.
	HealthyLatency time.Duration `yaml:"healthy_latency"`

	// ReceiptAttempts bounds receipt polling after a transaction is sent.
	ReceiptAttempts int `yaml:"receipt_attempts"`

	Signer SignerConfig `yaml:"signer"`
}

// SignerConfig selects the threshold-signing backend.
type SignerConfig struct {
	// Kind is "local" or "remote".
	Kind string `yaml:"kind"`

	// KeyFile is the encrypted root key for the local signer.
	KeyFile string `yaml:"key_file"`

	// RemoteURL is the signing service endpoint for the remote signer.
	RemoteURL string `yaml:"remote_url,omitempty"`

	// KeyID names the threshold key at the remote service.
	KeyID string `yaml:"key_id,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "~/.fusion-escrow",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		RPC: RPCConfig{
			ListenAddr: "127.0.0.1:8645",
		},
		Timelock: TimelockConfig{
			FinalityBuffer:     2 * time.Minute,
			CoordinationBuffer: time.Minute,
			MinDuration:        10 * time.Minute,
		},
		Ledger: LedgerConfig{
			CustodyAccount: "escrow-custody",
		},
		Bridge: BridgeConfig{
			Enabled:         false,
			ChainID:         11155111,
			MaxAttempts:     3,
			MinBackoff:      time.Second,
			MaxBackoff:      8 * time.Second,
			RequestTimeout:  15 * time.Second,
			SigningTimeout:  10 * time.Second,
			HealthyLatency:  2 * time.Second,
			ReceiptAttempts: 12,
			Signer: SignerConfig{
				Kind:    SignerLocal,
				KeyFile: "signer.key",
			},
		},
	}
}

// TimelockFor returns the buffers to use for escrows whose foreign leg is on
// chainID. Zero override fields fall back to the defaults.
func (c *Config) TimelockFor(chainID uint64) TimelockConfig {
	tl := c.Timelock
	for _, p := range c.ChainPairs {
		if p.ChainID != chainID {
			continue
		}
		if p.FinalityBuffer > 0 {
			tl.FinalityBuffer = p.FinalityBuffer
		}
		if p.CoordinationBuffer > 0 {
			tl.CoordinationBuffer = p.CoordinationBuffer
		}
		break
	}
	return tl
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Timelock.FinalityBuffer < 0 || c.Timelock.CoordinationBuffer < 0 {
		errs = append(errs, errors.New("timelock buffers must not be negative"))
	}
	if c.Timelock.MinDuration < 0 || c.Timelock.SafetyBuffer < 0 {
		errs = append(errs, errors.New("timelock min_duration and safety_buffer must not be negative"))
	}
	seen := make(map[uint64]bool)
	for _, p := range c.ChainPairs {
		if seen[p.ChainID] {
			errs = append(errs, fmt.Errorf("chain pair %d configured twice", p.ChainID))
		}
		seen[p.ChainID] = true
		if p.FinalityBuffer < 0 || p.CoordinationBuffer < 0 {
			errs = append(errs, fmt.Errorf("chain pair %d: buffers must not be negative", p.ChainID))
		}
	}
	for i, g := range c.Ledger.Genesis {
		if g.Token == "" || g.Principal == "" {
			errs = append(errs, fmt.Errorf("ledger.genesis[%d]: token and principal are required", i))
		}
	}
	if c.Bridge.Enabled {
		if c.Bridge.RPCURL == "" {
			errs = append(errs, errors.New("bridge.rpc_url is required when the bridge is enabled"))
		}
		if c.Bridge.MaxAttempts < 1 {
			errs = append(errs, errors.New("bridge.max_attempts must be at least 1"))
		}
		if c.Bridge.ReceiptAttempts < 1 {
			errs = append(errs, errors.New("bridge.receipt_attempts must be at least 1"))
		}
		if c.Bridge.HTLCContract == "" && !IsHTLCDeployed(c.Bridge.ChainID) {
			errs = append(errs, fmt.Errorf("no HTLC contract known for chain %d", c.Bridge.ChainID))
		}
		switch c.Bridge.Signer.Kind {
		case SignerLocal:
			if c.Bridge.Signer.KeyFile == "" {
				errs = append(errs, errors.New("bridge.signer.key_file is required for the local signer"))
			}
		case SignerRemote:
			if c.Bridge.Signer.RemoteURL == "" {
				errs = append(errs, errors.New("bridge.signer.remote_url is required for the remote signer"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown signer kind %q", c.Bridge.Signer.Kind))
		}
	}
	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Fusion escrow daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ResolvePath expands p and, if it is relative, places it inside the data dir.
func (c *Config) ResolvePath(p string) string {
	p = ExpandPath(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ExpandPath(c.Storage.DataDir), p)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
