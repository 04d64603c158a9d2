package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
// Only node-operational settings, NOT protocol rules.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// P2P
	case "p2p.enabled", "p2p":
		cfg.P2P.Enabled = parseBool(value)
	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		cfg.P2P.Port, err = strconv.Atoi(value)
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.maxpeers":
		cfg.P2P.MaxPeers, err = strconv.Atoi(value)
	case "p2p.nodiscover":
		cfg.P2P.NoDiscover = parseBool(value)
	case "p2p.dhtserver":
		cfg.P2P.DHTServer = parseBool(value)

	// Staking
	case "staking.enabled", "stake":
		cfg.Staking.Enabled = parseBool(value)
	case "staking.minpeers":
		cfg.Staking.MinPeers, err = strconv.Atoi(value)
	case "staking.reserve":
		cfg.Staking.ReserveBalance, err = strconv.ParseUint(value, 10, 64)
	case "staking.combine":
		cfg.Staking.CombineThreshold, err = strconv.ParseUint(value, 10, 64)
	case "staking.mininput":
		cfg.Staking.MinInputValue, err = strconv.ParseUint(value, 10, 64)
	case "staking.interval":
		cfg.Staking.Interval, err = time.ParseDuration(value)
	case "staking.window":
		var n uint64
		n, err = strconv.ParseUint(value, 10, 32)
		cfg.Staking.SearchWindow = uint32(n)
	case "staking.burydepth":
		cfg.Staking.BuryDepth, err = strconv.ParseUint(value, 10, 64)

	// Block store
	case "blocks.cachesize":
		cfg.Blocks.CacheSize, err = strconv.Atoi(value)
	case "blocks.maxfilesize":
		cfg.Blocks.MaxFileSize, err = strconv.ParseInt(value, 10, 64)

	// Sync
	case "sync.batch":
		cfg.Sync.BatchSize, err = strconv.Atoi(value)
	case "sync.orphans":
		cfg.Sync.MaxOrphans, err = strconv.Atoi(value)
	case "sync.misswait":
		cfg.Sync.MissWait, err = time.ParseDuration(value)
	case "sync.rate":
		cfg.Sync.RequestsPerSec, err = strconv.Atoi(value)
	case "sync.maxretries":
		cfg.Sync.MaxBlockRetries, err = strconv.Atoi(value)

	// Metrics
	case "metrics.enabled", "metrics":
		cfg.Metrics.Enabled = parseBool(value)
	case "metrics.addr":
		cfg.Metrics.Addr = value

	// Wallet
	case "wallet.file":
		cfg.Wallet.FilePath = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	d := Default(network)
	content := `# Klingnet Staker Configuration
#
# This file contains NODE settings only.
# Protocol rules (stake ages, spacing, rewards) are fixed by the genesis
# configuration and cannot be changed without a hard fork.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingnet-staker)
# datadir = ~/.klingnet-staker

# ============================================================================
# P2P Network
# ============================================================================

p2p.enabled = true
p2p.listen = 0.0.0.0
p2p.port = ` + strconv.Itoa(d.P2P.Port) + `
p2p.maxpeers = ` + strconv.Itoa(d.P2P.MaxPeers) + `

# Seed nodes (comma-separated libp2p multiaddrs)
# p2p.seeds = /ip4/203.0.113.1/tcp/30313/p2p/12D3KooW...

# p2p.nodiscover = false
# p2p.dhtserver = false

# ============================================================================
# Staking
# ============================================================================

staking.enabled = false
staking.minpeers = ` + strconv.Itoa(d.Staking.MinPeers) + `
# Base units kept out of staking
# staking.reserve = 0
# Coins below this value are merged into a winning stake
# staking.combine = ` + strconv.FormatUint(d.Staking.CombineThreshold, 10) + `
# staking.interval = 500ms

# ============================================================================
# Block store and sync
# ============================================================================

blocks.cachesize = ` + strconv.Itoa(d.Blocks.CacheSize) + `
# blocks.maxfilesize = 134217728
# sync.batch = 100
# sync.orphans = 750

# ============================================================================
# Metrics
# ============================================================================

metrics.enabled = false
# metrics.addr = ` + d.Metrics.Addr + `

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
