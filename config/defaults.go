package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       30313,
			MaxPeers:   8,
			Seeds:      []string{},
		},
		Staking: StakingConfig{
			Enabled:          false,
			MinPeers:         3,
			CombineThreshold: 100 * Coin,
			Interval:         500 * time.Millisecond,
			SearchWindow:     60,
			BuryDepth:        10,
		},
		Blocks: BlocksConfig{
			CacheSize:   20000,
			MaxFileSize: 128 << 20,
		},
		Sync: SyncConfig{
			BatchSize:       100,
			MaxOrphans:      750,
			MissWait:        100 * time.Second,
			RequestsPerSec:  20,
			MaxBlockRetries: 3,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9313",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30314
	cfg.Staking.MinPeers = 1
	cfg.Metrics.Addr = "127.0.0.1:9314"
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
