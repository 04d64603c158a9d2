// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: defined in genesis, immutable, must match across all nodes
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
// These settings can vary between nodes without breaking consensus.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	P2P     P2PConfig
	Staking StakingConfig
	Blocks  BlocksConfig
	Sync    SyncConfig
	Metrics MetricsConfig
	Wallet  WalletConfig
	Log     LogConfig

	// Maintenance (not persisted in config file)
	Reindex bool
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"`
	ClearBans  bool     // Clear all peer bans on startup (not persisted in config file).
}

// StakingConfig holds block production settings.
type StakingConfig struct {
	Enabled          bool          `conf:"staking.enabled"`
	MinPeers         int           `conf:"staking.minpeers"`  // Connected peers required before staking
	ReserveBalance   uint64        `conf:"staking.reserve"`   // Base units kept out of staking
	CombineThreshold uint64        `conf:"staking.combine"`   // Coins below this are merged into the stake
	MinInputValue    uint64        `conf:"staking.mininput"`  // Dust floor for stake candidates
	Interval         time.Duration `conf:"staking.interval"`  // Pause between attempts
	SearchWindow     uint32        `conf:"staking.window"`    // Seconds searched back per attempt
	BuryDepth        uint64        `conf:"staking.burydepth"` // Depth after which mined blocks are forgotten
}

// BlocksConfig holds block body store settings.
type BlocksConfig struct {
	CacheSize   int   `conf:"blocks.cachesize"`   // Blocks kept in memory
	MaxFileSize int64 `conf:"blocks.maxfilesize"` // Segment rotation threshold in bytes
}

// SyncConfig holds download pipeline settings.
type SyncConfig struct {
	BatchSize       int           `conf:"sync.batch"`      // Ask-ahead window in blocks
	MaxOrphans      int           `conf:"sync.orphans"`    // Orphan buffer capacity
	MissWait        time.Duration `conf:"sync.misswait"`   // Wait before re-requesting from the watermark
	RequestsPerSec  int           `conf:"sync.rate"`       // Per-peer getblocks rate
	MaxBlockRetries int           `conf:"sync.maxretries"` // Invalid deliveries before a header is invalidated
}

// MetricsConfig holds Prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool   `conf:"metrics.enabled"`
	Addr    string `conf:"metrics.addr"`
}

// WalletConfig holds wallet settings.
type WalletConfig struct {
	FilePath string `conf:"wallet.file"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-staker
//	macOS:   ~/Library/Application Support/KlingnetStaker
//	Windows: %APPDATA%\KlingnetStaker
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-staker"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetStaker")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "KlingnetStaker")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetStaker")
	default:
		return filepath.Join(home, ".klingnet-staker")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// BlocksDir returns the block segment directory.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// IndexDir returns the key-value index database directory.
func (c *Config) IndexDir() string {
	return filepath.Join(c.ChainDataDir(), "index")
}

// HeadersFile returns the persisted header-chain path.
func (c *Config) HeadersFile() string {
	return filepath.Join(c.ChainDataDir(), "headers.dat")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.ChainDataDir(), "keystore")
}

// WalletFile returns the keystore file path.
func (c *Config) WalletFile() string {
	if c.Wallet.FilePath != "" {
		return c.Wallet.FilePath
	}
	return filepath.Join(c.KeystoreDir(), "staker.wallet")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "staker.conf")
}
