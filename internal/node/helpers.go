package node

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-staker/config"
	"github.com/Klingon-tech/klingnet-staker/internal/fetch"
	"github.com/Klingon-tech/klingnet-staker/internal/staking"
	"github.com/Klingon-tech/klingnet-staker/internal/syncer"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// stakingConfig maps node settings onto the staker.
func stakingConfig(c config.StakingConfig) staking.Config {
	return staking.Config{
		MinPeers:         c.MinPeers,
		ReserveBalance:   c.ReserveBalance,
		CombineThreshold: c.CombineThreshold,
		MinInputValue:    c.MinInputValue,
		Interval:         c.Interval,
		SearchWindow:     c.SearchWindow,
		BuryDepth:        c.BuryDepth,
	}
}

// syncConfig maps node settings onto the syncer and its fetch pipeline.
// The ask-ahead window also sizes each getblocks batch.
func syncConfig(c config.SyncConfig) syncer.Config {
	return syncer.Config{
		BatchSize:       c.BatchSize,
		MaxOrphans:      c.MaxOrphans,
		MissWait:        c.MissWait,
		MaxBlockRetries: c.MaxBlockRetries,
		Fetch: fetch.Config{
			BatchSize:      min(c.BatchSize, fetch.MaxBatchSize),
			RequestsPerSec: c.RequestsPerSec,
		},
	}
}
