package config

import (
	"fmt"
	"net"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.P2P.MaxPeers < 0 {
		return fmt.Errorf("p2p.maxpeers must not be negative")
	}
	if cfg.Staking.MinPeers < 0 {
		return fmt.Errorf("staking.minpeers must not be negative")
	}
	if cfg.Staking.Interval <= 0 {
		return fmt.Errorf("staking.interval must be positive")
	}
	if cfg.Blocks.CacheSize <= 0 {
		return fmt.Errorf("blocks.cachesize must be positive")
	}
	if cfg.Blocks.MaxFileSize <= 0 {
		return fmt.Errorf("blocks.maxfilesize must be positive")
	}
	if cfg.Sync.BatchSize < 1 || cfg.Sync.BatchSize > 500 {
		return fmt.Errorf("sync.batch must be in range [1, 500]")
	}
	if cfg.Sync.MaxOrphans <= 0 {
		return fmt.Errorf("sync.orphans must be positive")
	}
	if cfg.Sync.RequestsPerSec <= 0 {
		return fmt.Errorf("sync.rate must be positive")
	}
	if cfg.Sync.MaxBlockRetries <= 0 {
		return fmt.Errorf("sync.maxretries must be positive")
	}
	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}
	return nil
}
