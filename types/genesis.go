package types

import (
	"errors"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
)

const (
	// DefaultSlotDuration is used when the genesis document does not pick one.
	DefaultSlotDuration = 6 * time.Second
)

// GenesisAuthority is an initial authority of session 0.
type GenesisAuthority struct {
	Address Address       `json:"address"`
	PubKey  crypto.PubKey `json:"pub_key"`
	Weight  int64         `json:"weight"`
	Name    string        `json:"name"`
}

// GenesisDoc defines the initial conditions of the chain: the genesis time
// anchoring the slot clock, the slot duration, and the authorities of
// session 0.
type GenesisDoc struct {
	ChainID      string             `json:"chain_id"`
	GenesisTime  time.Time          `json:"genesis_time"`
	SlotDuration time.Duration      `json:"slot_duration"`
	Authorities  []GenesisAuthority `json:"authorities"`
}

// AuthoritySet builds the session-0 snapshot from the genesis authorities.
func (genDoc *GenesisDoc) AuthoritySet() *AuthoritySet {
	valz := make([]*Validator, len(genDoc.Authorities))
	for i, auth := range genDoc.Authorities {
		valz[i] = NewValidator(auth.PubKey, auth.Weight)
	}
	return NewAuthoritySet(0, valz)
}

// GenesisBlock derives the root block of the tree.
func (genDoc *GenesisDoc) GenesisBlock() *Block {
	return MakeGenesisBlock(genDoc.ChainID, genDoc.GenesisTime)
}

func (genDoc *GenesisDoc) ValidateAndComplete() error {
	if genDoc.ChainID == "" {
		return errors.New("genesis doc must include a chain id")
	}
	if len(genDoc.Authorities) == 0 {
		return errors.New("genesis doc must include at least one authority")
	}
	for i, auth := range genDoc.Authorities {
		if auth.PubKey == nil {
			return fmt.Errorf("genesis authority #%d has no public key", i)
		}
		if auth.Weight <= 0 {
			return fmt.Errorf("genesis authority #%d has non-positive weight %d", i, auth.Weight)
		}
	}
	if genDoc.SlotDuration <= 0 {
		genDoc.SlotDuration = DefaultSlotDuration
	}
	if genDoc.GenesisTime.IsZero() {
		genDoc.GenesisTime = time.Now()
	}
	return nil
}

// SaveAs is a utility method for saving GenesisDoc as a JSON file.
func (genDoc *GenesisDoc) SaveAs(file string) error {
	genDocBytes, err := tmjson.MarshalIndent(genDoc, "", "  ")
	if err != nil {
		return err
	}
	return tmos.WriteFile(file, genDocBytes, 0644)
}

// GenesisDocFromJSON unmarshals JSON data into a GenesisDoc.
func GenesisDocFromJSON(jsonBlob []byte) (*GenesisDoc, error) {
	genDoc := GenesisDoc{}
	if err := tmjson.Unmarshal(jsonBlob, &genDoc); err != nil {
		return nil, err
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}
	return &genDoc, nil
}

// GenesisDocFromFile reads JSON data from a file and unmarshals it into a
// GenesisDoc.
func GenesisDocFromFile(genDocFile string) (*GenesisDoc, error) {
	jsonBlob, err := ioutil.ReadFile(genDocFile)
	if err != nil {
		return nil, fmt.Errorf("couldn't read GenesisDoc file: %w", err)
	}
	genDoc, err := GenesisDocFromJSON(jsonBlob)
	if err != nil {
		return nil, fmt.Errorf("error reading GenesisDoc at %s: %w", genDocFile, err)
	}
	return genDoc, nil
}
