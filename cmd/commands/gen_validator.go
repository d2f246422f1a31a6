package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"

	"slotchain/privval"
)

var idx int64

// GenValidatorCmd generates the authority signing keypair. With a seed it
// derives the same key gen-genesis put in the authority set at that index.
var GenValidatorCmd = &cobra.Command{
	Use:     "gen-validator",
	Aliases: []string{"gen_validator"},
	Args:    cobra.ArbitraryArgs,
	Short:   "Generate new validator keypair",
	PreRun:  deprecateSnakeCase,
	RunE:    genValidator,
}

func init() {
	GenValidatorCmd.Flags().Int64Var(&seed, "seed", 0, "cluster seed; 0 generates a random key")
	GenValidatorCmd.Flags().Int64Var(&idx, "idx", 1, "this node's index in the seeded cluster, numbered from 1")
}

func genValidator(cmd *cobra.Command, args []string) error {
	privValKeyFile := config.PrivValidatorKeyFile()
	if tmos.FileExists(privValKeyFile) {
		logger.Info("Found private validator", "keyFile", privValKeyFile)
		return nil
	}

	var pv *privval.FilePV
	if seed == 0 {
		pv = privval.GenFilePV(privValKeyFile)
	} else {
		pv = privval.GenFilePVWithSeed(privValKeyFile, seed+idx)
	}
	pv.Save()

	jsbz, err := tmjson.Marshal(pv.Key)
	if err != nil {
		return err
	}
	fmt.Printf("%v\n", string(jsbz))
	return nil
}
