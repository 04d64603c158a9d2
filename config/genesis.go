package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals = 12
	Coin     = 1_000_000_000_000 // 10^12 base units per coin
	Cent     = Coin / 100
)

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 1_000_000 // 1 MB max block size (header + all tx signing bytes)
	MaxBlockTxs   = 2_000     // Max transactions per block (including coinbase and coinstake)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output
)

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"`

	// Genesis block
	Timestamp uint32 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units), paid by the
	// genesis coinbase in address order.
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
}

// ConsensusRules defines how blocks are produced and validated.
type ConsensusRules struct {
	// Difficulty retarget
	TargetSpacing  uint32 `json:"target_spacing"`  // Seconds between blocks
	TargetTimespan uint32 `json:"target_timespan"` // Retarget window in seconds
	PowLimitBits   uint32 `json:"pow_limit_bits"`  // Easiest proof-of-work target (compact)
	PosLimitBits   uint32 `json:"pos_limit_bits"`  // Easiest proof-of-stake target (compact)

	// Proof-of-work phase. Blocks above this height must be proof-of-stake.
	LastPoWBlock uint64 `json:"last_pow_block"`

	// Staking
	StakeMinAge           uint32 `json:"stake_min_age"`           // Seconds before a coin may stake
	StakeMaxAge           uint32 `json:"stake_max_age"`           // Age cap for weight and reward
	StakeMinConfirmations uint64 `json:"stake_min_confirmations"` // Depth before a coin may stake
	StakeTimestampMask    uint32 `json:"stake_timestamp_mask"`    // Coinstake time granularity
	CoinYearReward        uint64 `json:"coin_year_reward"`        // Reward per coin-year in base units
	CoinbaseMaturity      uint64 `json:"coinbase_maturity"`       // Depth before a coinbase/coinstake is spendable

	// Time
	FutureDrift uint32 `json:"future_drift"` // Seconds a block may be ahead of local time
}

// =============================================================================
// Testnet Identity
//
// Derived from the well-known BIP-39 test mnemonic (DO NOT use on mainnet):
//
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon art
//
// Derivation path: m/44'/8888'/0'/0/0 (no passphrase)
// =============================================================================

const (
	// TestnetMnemonic is the well-known seed phrase for the testnet staker.
	TestnetMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

	// TestnetStakerPubKey is the compressed public key (hex) derived from TestnetMnemonic.
	TestnetStakerPubKey = "030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"

	// TestnetAddress is the address (bech32, tkst) derived from TestnetMnemonic.
	// Address = BLAKE3(pubkey)[:20]
	TestnetAddress = "tkst13uayfwq9djh7cd5dagxtuzk3mx7r7sc9wp28ry"
)

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "klingnet-staker-mainnet-1",
		ChainName: "Klingnet Staker Mainnet",
		Symbol:    "KST",
		Timestamp: 1770734096, // 2026-02-10, multiple of 16
		ExtraData: "Klingnet Staker Genesis",
		Alloc: map[string]uint64{
			"kst1a8tfl79jgres7t90tttkc7ytjmhs5lpdmezcz3": 1_000_000 * Coin,
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				TargetSpacing:         64,
				TargetTimespan:        16 * 60,
				PowLimitBits:          0x1e0fffff,
				PosLimitBits:          0x1e0fffff,
				LastPoWBlock:          12_500,
				StakeMinAge:           60 * 60,
				StakeMaxAge:           30 * 24 * 60 * 60,
				StakeMinConfirmations: 50,
				StakeTimestampMask:    15,
				CoinYearReward:        Cent, // 1% per year
				CoinbaseMaturity:      50,
				FutureDrift:           15,
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "klingnet-staker-testnet-1"
	g.ChainName = "Klingnet Staker Testnet"
	g.ExtraData = "Klingnet Staker Testnet Genesis"

	// Relaxed rules so a single staker can drive the chain.
	c := &g.Protocol.Consensus
	c.PowLimitBits = 0x207fffff
	c.PosLimitBits = 0x207fffff
	c.LastPoWBlock = 100
	c.StakeMinAge = 60
	c.StakeMinConfirmations = 10
	c.CoinbaseMaturity = 10

	g.Alloc = map[string]uint64{
		TestnetAddress: 1_000_000 * Coin,
	}
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if g.Timestamp == 0 {
		return fmt.Errorf("timestamp is required")
	}

	c := g.Protocol.Consensus
	if c.TargetSpacing == 0 {
		return fmt.Errorf("target_spacing must be positive")
	}
	if c.TargetTimespan < c.TargetSpacing {
		return fmt.Errorf("target_timespan must be at least target_spacing")
	}
	if c.PowLimitBits == 0 || c.PosLimitBits == 0 {
		return fmt.Errorf("limit bits must be set")
	}
	if c.StakeMaxAge <= c.StakeMinAge {
		return fmt.Errorf("stake_max_age must exceed stake_min_age")
	}
	// The mask must be of the form 2^n - 1.
	if c.StakeTimestampMask&(c.StakeTimestampMask+1) != 0 {
		return fmt.Errorf("stake_timestamp_mask must be 2^n-1, got %d", c.StakeTimestampMask)
	}
	if c.CoinYearReward == 0 {
		return fmt.Errorf("coin_year_reward must be positive")
	}

	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		if v == 0 {
			return fmt.Errorf("alloc for %q is zero", addrStr)
		}
		if totalAlloc+v < totalAlloc {
			return fmt.Errorf("genesis allocations overflow")
		}
		totalAlloc += v
	}
	if len(g.Alloc) == 0 {
		return fmt.Errorf("alloc must not be empty")
	}

	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
