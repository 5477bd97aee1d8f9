package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	nm "worldbft_demo/node"
)

// AddNodeFlags 把节点的配置项暴露成命令行flag，
// viper会把它们unmarshal回config结构
func AddNodeFlags(cmd *cobra.Command) {
	// bind flags
	cmd.Flags().String("moniker", config.Moniker, "node name")

	cmd.Flags().Bool("masternode", config.Masternode,
		"act as a block proposer when enough world changes pile up")
	cmd.Flags().Uint64("stake_amount", config.StakeAmount,
		"stake to join the validator registry with (below consensus.min_stake stays an observer)")
	cmd.Flags().String("db_backend", config.DBBackend, "database backend: goleveldb | memdb")

	// rpc flags
	cmd.Flags().String("rpc.laddr", config.RPC.ListenAddress,
		"RPC listen address. Port required. Empty string disables the RPC server")

	// p2p flags
	cmd.Flags().String("p2p.laddr", config.P2P.ListenAddress, "node listen address. (0.0.0.0:0 means any interface, any port)")
	cmd.Flags().String("p2p.persistent_peers", config.P2P.PersistentPeers, "comma-delimited ID@host:port persistent peers")
	cmd.Flags().Bool("p2p.pex", config.P2P.PexReactor, "enable/disable Peer-Exchange")
	cmd.Flags().String("p2p.private_peer_ids", config.P2P.PrivatePeerIDs, "comma-delimited private peer IDs")

	// consensus flags
	cmd.Flags().Float64("consensus.consensus_threshold", config.Consensus.ConsensusThreshold,
		"stake share required to pass a round")
	cmd.Flags().Duration("consensus.block_time", config.Consensus.BlockTime, "target time between blocks")
	cmd.Flags().Int("consensus.batch_size", config.Consensus.BatchSize,
		"pending changes that trigger an automatic proposal")
	cmd.Flags().Uint64("consensus.min_stake", config.Consensus.MinStake, "minimum stake to be a validator")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
// It can be used with a custom Provider.
func NewRunNodeCmd(nodeProvider nm.Provider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the worldbft node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := nodeProvider(config, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("Started node", "nodeInfo", n.Switch().NodeInfo())

			// Stop upon receiving SIGTERM or CTRL-C.
			tmos.TrapSignal(logger, func() {
				if n.IsRunning() {
					if err := n.Stop(); err != nil {
						logger.Error("unable to stop the node", "error", err)
					}
				}
			})

			// Run forever.
			select {}
		},
	}

	AddNodeFlags(cmd)
	return cmd
}
