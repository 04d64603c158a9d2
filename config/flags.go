package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Version is reported by --version.
const Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help      bool
	Version   bool
	NewWallet bool

	// Core
	Network string
	DataDir string
	Config  string
	Reindex bool

	// P2P
	P2P        bool
	P2PPort    int
	Seeds      string
	MaxPeers   int
	NoDiscover bool
	DHTServer  bool
	ClearBans  bool

	// Staking
	Stake         bool
	StakeMinPeers int

	// Block store
	CacheSize int

	// Metrics
	Metrics     bool
	MetricsAddr string

	// Wallet
	WalletFile string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetP2P        bool
	SetNoDiscover bool
	SetStake      bool
	SetMetrics    bool
	SetLogJSON    bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return f
}

func parseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("stakerd", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")
	fs.BoolVar(&f.NewWallet, "new-wallet", false, "Create a wallet and print its mnemonic")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	testnet := fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.BoolVar(&f.Reindex, "reindex", false, "Rebuild the block index from segment files")

	// P2P
	fs.BoolVar(&f.P2P, "p2p", true, "Enable P2P networking")
	fs.IntVar(&f.P2PPort, "p2p-port", 0, "P2P listen port")
	fs.StringVar(&f.Seeds, "seeds", "", "Seed nodes as comma-separated libp2p multiaddrs")
	fs.IntVar(&f.MaxPeers, "maxpeers", 0, "Maximum number of peers")
	fs.BoolVar(&f.NoDiscover, "nodiscover", false, "Disable peer discovery")
	fs.BoolVar(&f.DHTServer, "dht-server", false, "Run DHT in server mode (for seed nodes)")
	fs.BoolVar(&f.ClearBans, "clear-bans", false, "Clear all persisted peer bans on startup")

	// Staking
	fs.BoolVar(&f.Stake, "stake", false, "Enable staking")
	fs.IntVar(&f.StakeMinPeers, "stake-minpeers", 0, "Connected peers required before staking")

	// Block store
	fs.IntVar(&f.CacheSize, "cachesize", 0, "Blocks kept in the in-memory cache")

	// Metrics
	fs.BoolVar(&f.Metrics, "metrics", false, "Serve Prometheus metrics")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Metrics listen address")

	// Wallet
	fs.StringVar(&f.WalletFile, "wallet-file", "", "Wallet keystore path")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *testnet {
		f.Network = string(Testnet)
	}
	f.SetP2P = isFlagSet(fs, "p2p")
	f.SetNoDiscover = isFlagSet(fs, "nodiscover")
	f.SetStake = isFlagSet(fs, "stake")
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// A positional argument stops the parser; anything flag-like after it
	// would be silently ignored.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}

	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Reindex {
		cfg.Reindex = true
	}

	// P2P
	if f.SetP2P {
		cfg.P2P.Enabled = f.P2P
	}
	if f.P2PPort != 0 {
		cfg.P2P.Port = f.P2PPort
	}
	if f.Seeds != "" {
		cfg.P2P.Seeds = parseStringList(f.Seeds)
	}
	if f.MaxPeers != 0 {
		cfg.P2P.MaxPeers = f.MaxPeers
	}
	if f.SetNoDiscover {
		cfg.P2P.NoDiscover = f.NoDiscover
	}
	if f.DHTServer {
		cfg.P2P.DHTServer = true
	}
	if f.ClearBans {
		cfg.P2P.ClearBans = true
	}

	// Staking
	if f.SetStake {
		cfg.Staking.Enabled = f.Stake
	}
	if f.StakeMinPeers != 0 {
		cfg.Staking.MinPeers = f.StakeMinPeers
	}

	// Block store
	if f.CacheSize != 0 {
		cfg.Blocks.CacheSize = f.CacheSize
	}

	// Metrics
	if f.SetMetrics {
		cfg.Metrics.Enabled = f.Metrics
	}
	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}

	// Wallet
	if f.WalletFile != "" {
		cfg.Wallet.FilePath = f.WalletFile
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `Klingnet Staker - proof-of-stake client

Usage:
  stakerd [options]
  stakerd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information
  --new-wallet    Create a wallet keystore and print its mnemonic

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.klingnet-staker)
  --config, -c    Config file path (default: <datadir>/staker.conf)
  --reindex       Rebuild the block index from segment files

P2P Options:
  --p2p           Enable P2P networking (default: true)
  --p2p-port      P2P listen port (mainnet: 30313, testnet: 30314)
  --seeds         Seed nodes as comma-separated libp2p multiaddrs
  --maxpeers      Maximum number of peers (default: 8)
  --nodiscover    Disable peer discovery
  --dht-server    Run DHT in server mode (for seed nodes)
  --clear-bans    Clear persisted peer bans

Staking Options:
  --stake           Enable staking (prompts for the wallet passphrase)
  --stake-minpeers  Connected peers required before staking (default: 3)

Store Options:
  --cachesize     Blocks kept in memory (default: 20000)

Metrics Options:
  --metrics       Serve Prometheus metrics
  --metrics-addr  Metrics listen address (default: 127.0.0.1:9313)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: <datadir>/logs/staker.log)
  --log-json      Output logs as JSON

Examples:
  # Create a testnet wallet
  stakerd --testnet --new-wallet

  # Sync and stake on testnet
  stakerd --testnet --stake
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("stakerd version " + Version)
		os.Exit(0)
	}

	cfg, err := loadWithFlags(flags)
	if err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

func loadWithFlags(flags *Flags) (*Config, error) {
	network := Mainnet
	if strings.ToLower(flags.Network) == string(Testnet) {
		network = Testnet
	}

	cfg := Default(network)
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.BlocksDir(),
		cfg.IndexDir(),
		cfg.KeystoreDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
