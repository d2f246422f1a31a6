package privval

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotchain/crypto/bls"
	"slotchain/types"
)

func tempKeyFile(t *testing.T) (string, func()) {
	dir, err := ioutil.TempDir("", "privval_test")
	require.NoError(t, err)
	return filepath.Join(dir, "priv_validator_key.json"), func() { os.RemoveAll(dir) }
}

func TestGenSaveLoadFilePV(t *testing.T) {
	keyFile, cleanup := tempKeyFile(t)
	defer cleanup()

	pv := GenFilePV(keyFile)
	pv.Save()

	loaded := LoadFilePV(keyFile)
	assert.Equal(t, pv.GetAddress(), loaded.GetAddress())
	assert.True(t, pv.Key.PrivKey.Equals(loaded.Key.PrivKey))

	pub, err := loaded.GetPubKey()
	require.NoError(t, err)
	assert.Equal(t, pv.Key.PubKey, pub)
}

func TestLoadOrGenFilePV(t *testing.T) {
	keyFile, cleanup := tempKeyFile(t)
	defer cleanup()

	pv := LoadOrGenFilePV(keyFile)
	require.FileExists(t, keyFile)

	again := LoadOrGenFilePV(keyFile)
	assert.Equal(t, pv.GetAddress(), again.GetAddress())
}

func TestGenFilePVWithSeed(t *testing.T) {
	keyFile, cleanup := tempKeyFile(t)
	defer cleanup()

	a := GenFilePVWithSeed(keyFile, 42)
	b := GenFilePVWithSeed(keyFile, 42)
	c := GenFilePVWithSeed(keyFile, 43)

	assert.Equal(t, a.GetAddress(), b.GetAddress())
	assert.NotEqual(t, a.GetAddress(), c.GetAddress())
}

func TestFilePVSignVote(t *testing.T) {
	keyFile, cleanup := tempKeyFile(t)
	defer cleanup()

	pv := GenFilePV(keyFile)
	chainID := "privval_test"

	vote := &types.Vote{
		Round:       1,
		Session:     0,
		Stage:       types.PrevoteStage,
		BlockHash:   []byte("block"),
		BlockNumber: 1,
	}
	require.NoError(t, pv.SignVote(chainID, vote))

	pub, err := pv.GetPubKey()
	require.NoError(t, err)
	assert.True(t, pub.VerifySignature(types.VoteSignBytes(chainID, vote), vote.Signature))
}

func TestFilePVSignHeader(t *testing.T) {
	keyFile, cleanup := tempKeyFile(t)
	defer cleanup()

	pv := GenFilePV(keyFile)
	chainID := "privval_test"

	block := types.MakeBlock(chainID, 1, types.LTime(1), []byte("parent"), nil)
	block.Proposer = pv.GetAddress()
	require.NoError(t, pv.SignHeader(chainID, &block.Header))

	pub, err := pv.GetPubKey()
	require.NoError(t, err)
	key, ok := pub.(bls.PubKey)
	require.True(t, ok)
	assert.True(t, key.VerifySignature(types.HeaderSignBytes(chainID, &block.Header), block.Signature))
}
