package types

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/crypto/merkle"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// Block is the unit of the chain: an authored header plus the tx list.
// Immutable once sealed; identified by the hash over its header.
type Block struct {
	Header `json:"header"`
	Data   `json:"data"`
}

// ValidateBasic checks for structural errors that no context is needed for.
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.New("nil block")
	}
	if err := b.Header.ValidateBasic(); err != nil {
		return err
	}
	if declared := b.TxsHash; len(declared) > 0 {
		if !bytes.Equal(declared, b.Data.Hash()) {
			return errors.New("header txs hash does not match block data")
		}
	}
	return nil
}

func (b *Block) Hash() tmbytes.HexBytes {
	if b == nil {
		return nil
	}
	b.fillHeader()
	return b.Header.Hash()
}

func (b *Block) fillHeader() {
	if b.TxsHash == nil {
		b.TxsHash = b.Data.Hash()
	}
}

// MakeBlock assembles an unsealed block. The state root and the signature are
// filled in by the author after execution.
func MakeBlock(chainID string, number int64, slot LTime, parentHash []byte, txs Txs) *Block {
	block := &Block{
		Header: Header{
			ChainID:      chainID,
			Number:       number,
			Slot:         slot,
			ParentHash:   parentHash,
			ProposalTime: time.Now(),
		},
		Data: Data{Txs: txs},
	}
	block.fillHeader()
	return block
}

// MakeGenesisBlock builds the root of the block tree. It carries no author
// signature; every import rule special-cases block number zero.
func MakeGenesisBlock(chainID string, genesisTime time.Time) *Block {
	block := &Block{
		Header: Header{
			ChainID:      chainID,
			Number:       0,
			Slot:         LtimeZero,
			ParentHash:   nil,
			StateRoot:    merkle.HashFromByteSlices(nil),
			ProposalTime: genesisTime,
		},
		Data: Data{Txs: Txs{}},
	}
	block.fillHeader()
	block.Hash()
	return block
}

type Header struct {
	ChainID      string    `json:"chain_id"`
	Number       int64     `json:"number"`
	Slot         LTime     `json:"slot"`
	ProposalTime time.Time `json:"proposal_time"`

	ParentHash tmbytes.HexBytes `json:"parent_hash"`
	TxsHash    tmbytes.HexBytes `json:"txs_hash"`
	StateRoot  tmbytes.HexBytes `json:"state_root"`

	// Proposer is the authority eligible for Slot; Signature covers
	// HeaderSignBytes and binds the header to that slot.
	Proposer  Address          `json:"proposer"`
	Signature tmbytes.HexBytes `json:"signature"`

	// BlockHash caches the hash over the fields above.
	BlockHash tmbytes.HexBytes `json:"block_hash"`
}

func (h *Header) ValidateBasic() error {
	if h.ChainID == "" {
		return errors.New("header has no chain id")
	}
	if h.Number < 0 {
		return fmt.Errorf("negative block number %d", h.Number)
	}
	if h.Number > 0 {
		if len(h.ParentHash) == 0 {
			return errors.New("non-genesis header has no parent hash")
		}
		if len(h.Signature) == 0 {
			return errors.New("non-genesis header has no signature")
		}
		if len(h.Proposer) == 0 {
			return errors.New("non-genesis header has no proposer")
		}
	}
	if len(h.StateRoot) == 0 {
		return errors.New("header has no state root")
	}
	return nil
}

// Hash computes and caches the block hash. The signature is not part of the
// hash; it signs the hash preimage instead.
func (h *Header) Hash() tmbytes.HexBytes {
	if h == nil {
		return nil
	}
	if h.BlockHash == nil {
		h.BlockHash = merkle.HashFromByteSlices([][]byte{
			[]byte(h.ChainID),
			LTime(h.Number).Hash(),
			h.Slot.Hash(),
			h.ParentHash,
			h.TxsHash,
			h.StateRoot,
			h.Proposer,
		})
	}
	return h.BlockHash
}

// HeaderSignBytes is the payload the slot author signs: everything that pins
// the block to its parent, slot and state.
func HeaderSignBytes(chainID string, h *Header) []byte {
	signHeader := struct {
		ChainID    string           `json:"chain_id"`
		Number     int64            `json:"number"`
		Slot       LTime            `json:"slot"`
		ParentHash tmbytes.HexBytes `json:"parent_hash"`
		TxsHash    tmbytes.HexBytes `json:"txs_hash"`
		StateRoot  tmbytes.HexBytes `json:"state_root"`
	}{chainID, h.Number, h.Slot, h.ParentHash, h.TxsHash, h.StateRoot}

	bz, err := tmjson.Marshal(signHeader)
	if err != nil {
		panic(err)
	}
	return bz
}

type Data struct {
	Txs Txs `json:"txs"`

	hash tmbytes.HexBytes
}

func (d *Data) Hash() tmbytes.HexBytes {
	if d == nil {
		return (Txs{}).Hash()
	}
	if d.hash == nil {
		d.hash = d.Txs.Hash()
	}
	return d.hash
}
