package main

import (
	"os"
	"path/filepath"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/cli"

	cmd "slotchain/cmd/commands"
	nm "slotchain/node"
)

func main() {
	cfg.DefaultTendermintDir = ".slotchain"
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cli.NewCompletionCmd(rootCmd, true),
	)

	// Users wishing to use an external signer, a custom executor or their
	// own DB implementation can copy this file and swap DefaultNewNode for
	// their own provider.
	nodeFunc := nm.DefaultNewNode

	rootCmd.AddCommand(
		cmd.GenNodeKeyCmd,
		cmd.GenValidatorCmd,
		cmd.ShowNodeIDCmd,
		cmd.ShowValidatorCmd,
		cmd.GenGenesisCmd,
		cmd.NewRunNodeCmd(nodeFunc),
	)

	baseCmd := cli.PrepareBaseCmd(rootCmd, "SC", os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultTendermintDir)))

	if err := baseCmd.Execute(); err != nil {
		panic(err)
	}
}
