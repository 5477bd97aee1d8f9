package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tmcfg "github.com/tendermint/tendermint/config"
)

const (
	// DefaultDirPerm is the default permissions used when creating directories.
	DefaultDirPerm = 0700

	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultPrivValKeyName = "priv_validator_key.json"
	defaultNodeKeyName    = "node_key.json"
	defaultGenesisName    = "genesis.json"
)

// Config defines the top level configuration for a worldbft node.
type Config struct {
	BaseConfig `mapstructure:",squash"`

	Consensus *ConsensusConfig `mapstructure:"consensus"`
	Mempool   *MempoolConfig   `mapstructure:"mempool"`
	RPC       *RPCConfig       `mapstructure:"rpc"`
	P2P       *tmcfg.P2PConfig `mapstructure:"p2p"`
}

// DefaultConfig returns a default configuration for a worldbft node.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig: DefaultBaseConfig(),
		Consensus:  DefaultConsensusConfig(),
		Mempool:    DefaultMempoolConfig(),
		RPC:        DefaultRPCConfig(),
		P2P:        tmcfg.DefaultP2PConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.BaseConfig = TestBaseConfig()
	cfg.Consensus = TestConsensusConfig()
	cfg.RPC.ListenAddress = "tcp://127.0.0.1:0"
	return cfg
}

// SetRoot sets the RootDir for all sub config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.Consensus.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [consensus] section: %w", err)
	}
	if err := cfg.Mempool.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [mempool] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a worldbft node.
type BaseConfig struct {
	// The root directory for all data.
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Masternode nodes act as block proposers when enough changes pile up.
	Masternode bool `mapstructure:"masternode"`

	// StakeAmount is the stake this node joins the validator set with.
	// Nodes below the consensus min_stake never register as validators.
	StakeAmount uint64 `mapstructure:"stake_amount"`

	// Database backend and directory (used by the finality block store).
	DBBackend string `mapstructure:"db_backend"`
	DBPath    string `mapstructure:"db_dir"`

	Genesis       string `mapstructure:"genesis_file"`
	PrivValidator string `mapstructure:"priv_validator_key_file"`
	NodeKey       string `mapstructure:"node_key_file"`
}

// DefaultBaseConfig returns a default base configuration.
func DefaultBaseConfig() BaseConfig {
	moniker, _ := os.Hostname()
	return BaseConfig{
		Moniker:       moniker,
		Masternode:    false,
		StakeAmount:   0,
		DBBackend:     "goleveldb",
		DBPath:        defaultDataDir,
		Genesis:       filepath.Join(defaultConfigDir, defaultGenesisName),
		PrivValidator: filepath.Join(defaultConfigDir, defaultPrivValKeyName),
		NodeKey:       filepath.Join(defaultConfigDir, defaultNodeKeyName),
	}
}

// TestBaseConfig returns a base configuration for testing.
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Moniker = "worldbft-test"
	cfg.Masternode = true
	cfg.StakeAmount = 1000
	cfg.DBBackend = "memdb"
	return cfg
}

func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// GenesisFile returns the full path to the genesis.json file.
func (cfg BaseConfig) GenesisFile() string {
	return rootify(cfg.Genesis, cfg.RootDir)
}

// PrivValidatorKeyFile returns the full path to the priv_validator_key.json file.
func (cfg BaseConfig) PrivValidatorKeyFile() string {
	return rootify(cfg.PrivValidator, cfg.RootDir)
}

// NodeKeyFile returns the full path to the node_key.json file.
func (cfg BaseConfig) NodeKeyFile() string {
	return rootify(cfg.NodeKey, cfg.RootDir)
}

// DBDir returns the full path to the database directory.
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

//-----------------------------------------------------------------------------
// ConsensusConfig

// ConsensusConfig holds the tunables of the PoS/BFT round machine.
type ConsensusConfig struct {
	// ConsensusThreshold is the stake-weighted vote share required to move
	// a round forward; ties count (>=).
	ConsensusThreshold float64 `mapstructure:"consensus_threshold"`

	// BlockTime is the target time between blocks.
	BlockTime time.Duration `mapstructure:"block_time"`

	MaxValidators int    `mapstructure:"max_validators"`
	MinStake      uint64 `mapstructure:"min_stake"`

	// ValidatorRotationBlocks and FinalityDepth are carried in the config
	// surface but not yet enforced by the round machine.
	ValidatorRotationBlocks uint64 `mapstructure:"validator_rotation_blocks"`
	FinalityDepth           uint32 `mapstructure:"finality_depth"`

	TimeoutPropose   time.Duration `mapstructure:"timeout_propose"`
	TimeoutPrevote   time.Duration `mapstructure:"timeout_prevote"`
	TimeoutPrecommit time.Duration `mapstructure:"timeout_precommit"`

	// BatchSize is how many pending world changes trigger an automatic
	// proposal on a masternode. A batching knob, not a protocol rule.
	BatchSize int `mapstructure:"batch_size"`

	// MinVoteCount is the floor of distinct votes required before any
	// stake-ratio threshold may pass. Guards tiny validator sets.
	MinVoteCount int `mapstructure:"min_vote_count"`

	// SyncPeerQuorum is how many distinct peers must report the same
	// finalized head before the node adopts a remote consensus state.
	SyncPeerQuorum int `mapstructure:"sync_peer_quorum"`
}

// DefaultConsensusConfig returns the protocol defaults.
func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		ConsensusThreshold:      0.67,
		BlockTime:               10 * time.Second,
		MaxValidators:           100,
		MinStake:                1000,
		ValidatorRotationBlocks: 100,
		FinalityDepth:           6,
		TimeoutPropose:          30 * time.Second,
		TimeoutPrevote:          10 * time.Second,
		TimeoutPrecommit:        10 * time.Second,
		BatchSize:               10,
		MinVoteCount:            3,
		SyncPeerQuorum:          2,
	}
}

// TestConsensusConfig shortens every timeout so tests run fast.
func TestConsensusConfig() *ConsensusConfig {
	cfg := DefaultConsensusConfig()
	cfg.BlockTime = 200 * time.Millisecond
	cfg.TimeoutPropose = 400 * time.Millisecond
	cfg.TimeoutPrevote = 200 * time.Millisecond
	cfg.TimeoutPrecommit = 200 * time.Millisecond
	return cfg
}

func (cfg *ConsensusConfig) ValidateBasic() error {
	if cfg.ConsensusThreshold <= 0.5 || cfg.ConsensusThreshold > 1 {
		return fmt.Errorf("consensus_threshold must be in (0.5, 1], got %v", cfg.ConsensusThreshold)
	}
	if cfg.MinStake == 0 {
		return errors.New("min_stake can't be zero")
	}
	if cfg.MaxValidators <= 0 {
		return errors.New("max_validators must be positive")
	}
	if cfg.TimeoutPropose <= 0 || cfg.TimeoutPrevote <= 0 || cfg.TimeoutPrecommit <= 0 {
		return errors.New("round timeouts must be positive")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("batch_size must be positive")
	}
	if cfg.MinVoteCount < 1 {
		return errors.New("min_vote_count must be at least 1")
	}
	if cfg.SyncPeerQuorum < 1 {
		return errors.New("sync_peer_quorum must be at least 1")
	}
	return nil
}

//-----------------------------------------------------------------------------
// MempoolConfig

// MempoolConfig configures the pending world-change pool.
type MempoolConfig struct {
	Size      int   `mapstructure:"size"`
	CacheSize int   `mapstructure:"cache_size"`
	MaxBytes  int64 `mapstructure:"max_bytes"`
}

// DefaultMempoolConfig returns a default configuration for the change pool.
func DefaultMempoolConfig() *MempoolConfig {
	return &MempoolConfig{
		Size:      5000,
		CacheSize: 10000,
		MaxBytes:  64 * 1024 * 1024,
	}
}

func (cfg *MempoolConfig) ValidateBasic() error {
	if cfg.Size <= 0 {
		return errors.New("size must be positive")
	}
	if cfg.MaxBytes <= 0 {
		return errors.New("max_bytes must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// RPCConfig

// RPCConfig configures the jsonrpc surface for state readers.
type RPCConfig struct {
	ListenAddress      string `mapstructure:"laddr"`
	MaxOpenConnections int    `mapstructure:"max_open_connections"`
}

// DefaultRPCConfig returns a default configuration for the RPC server.
func DefaultRPCConfig() *RPCConfig {
	return &RPCConfig{
		ListenAddress:      "tcp://127.0.0.1:26657",
		MaxOpenConnections: 900,
	}
}

// EnsureRoot creates the root, config, and data directories if they don't
// exist.
func EnsureRoot(rootDir string) error {
	if err := os.MkdirAll(rootDir, DefaultDirPerm); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(rootDir, defaultConfigDir), DefaultDirPerm); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(rootDir, defaultDataDir), DefaultDirPerm)
}
