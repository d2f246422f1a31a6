package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmtime "github.com/tendermint/tendermint/types/time"

	"slotchain/crypto/bls"
	"slotchain/types"
)

var (
	chainID      string
	seed         int64
	authoritySum int
	slotDuration time.Duration
)

// GenGenesisCmd writes a genesis doc for a local cluster. The authority keys
// are derived from the seed, so every node running gen-validator with the
// matching seed and index ends up in the set.
var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis",
	Aliases: []string{"gen_genesis"},
	Short:   "Generate a genesis file for a seeded cluster",
	PreRun:  deprecateSnakeCase,
	RunE:    genGenesisFile,
}

func init() {
	GenGenesisCmd.Flags().StringVar(&chainID, "chain-id", "test-chain", "chain id to put in the genesis doc")
	GenGenesisCmd.Flags().Int64Var(&seed, "seed", 1, "seed the cluster keys derive from")
	GenGenesisCmd.MarkFlagRequired("seed")
	GenGenesisCmd.Flags().IntVar(&authoritySum, "authority-sum", 4, "number of authorities in session 0")
	GenGenesisCmd.MarkFlagRequired("authority-sum")
	GenGenesisCmd.Flags().DurationVar(&slotDuration, "slot-duration", types.DefaultSlotDuration, "wall-clock length of one slot")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile, ". exit.")
		return nil
	}

	if authoritySum <= 0 {
		return fmt.Errorf("authority-sum must be positive, got %v", authoritySum)
	}

	authorities := make([]types.GenesisAuthority, authoritySum)
	for id := 1; id <= authoritySum; id++ { // numbered from 1
		pub := bls.GenPrivKeyWithSeed(seed + int64(id)).PubKey()
		authorities[id-1] = types.GenesisAuthority{
			Address: pub.Address(),
			PubKey:  pub,
			Weight:  1,
			Name:    fmt.Sprintf("authority-%v", id),
		}
	}

	genDoc := types.GenesisDoc{
		ChainID:      chainID,
		GenesisTime:  tmtime.Now(),
		SlotDuration: slotDuration,
		Authorities:  authorities,
	}

	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile)

	return nil
}
