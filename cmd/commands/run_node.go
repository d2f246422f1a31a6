package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	nm "slotchain/node"
)

// AddNodeFlags exposes the most used config knobs on the command line.
func AddNodeFlags(cmd *cobra.Command) {
	cmd.Flags().String("moniker", config.Moniker, "node name")

	cmd.Flags().String(
		"rpc.laddr",
		config.RPC.ListenAddress,
		"RPC listen address. Port required")

	cmd.Flags().String(
		"p2p.laddr",
		config.P2P.ListenAddress,
		"node listen address. (0.0.0.0:0 means any interface, any port)")
	cmd.Flags().String(
		"p2p.persistent_peers",
		config.P2P.PersistentPeers,
		"comma-delimited ID@host:port persistent peers")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node. It
// can be used with a custom node Provider.
func NewRunNodeCmd(nodeProvider nm.Provider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "node",
		Aliases: []string{"run", "start"},
		Short:   "Run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := nodeProvider(config, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("Started node", "nodeInfo", n.Switch().NodeInfo())

			// stop upon receiving SIGTERM or CTRL-C
			tmos.TrapSignal(logger, func() {
				if n.IsRunning() {
					if err := n.Stop(); err != nil {
						logger.Error("unable to stop the node", "error", err)
					}
				}
			})

			// run forever (the node will not be returned until stopped)
			select {}
		},
	}

	AddNodeFlags(cmd)
	return cmd
}
