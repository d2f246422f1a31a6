package store

import (
	"errors"
	"fmt"

	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"

	"slotchain/types"
)

var (
	ErrBlockNotFound = errors.New("block not found in store")
	ErrNoFinalized   = errors.New("no finalized marker in store")
)

var (
	blockKeyPrefix         = []byte("B:")
	justificationKeyPrefix = []byte("J:")
	finalizedKey           = []byte("F")
)

// BlockStore persists blocks and the finalized checkpoint. Writes that must
// survive together (checkpoint marker plus its justification) go through one
// batch.
type BlockStore interface {
	PutBlock(block *types.Block) error
	GetBlock(hash []byte) (*types.Block, error)
	HasBlock(hash []byte) bool

	// SetFinalized durably advances the checkpoint marker; the
	// justification may be nil for the genesis checkpoint.
	SetFinalized(hash []byte, number int64, just *types.Justification) error
	GetFinalized() (hash []byte, number int64, err error)
	GetJustification(hash []byte) (*types.Justification, error)
}

// NewBlockStore opens a goleveldb-backed store under dir.
func NewBlockStore(name, dir string, logger log.Logger) (BlockStore, error) {
	db, err := tmdb.NewDB(name, tmdb.GoLevelDBBackend, dir)
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}
	return NewBlockStoreWithDB(db, logger), nil
}

func NewBlockStoreWithDB(db tmdb.DB, logger log.Logger) BlockStore {
	return &kvBlockStore{db: db, logger: logger}
}

// NewMemBlockStore is an in-memory store for tests.
func NewMemBlockStore() BlockStore {
	return &kvBlockStore{db: tmdb.NewMemDB(), logger: log.NewNopLogger()}
}

type kvBlockStore struct {
	db     tmdb.DB
	logger log.Logger
}

func blockKey(hash []byte) []byte {
	return append(blockKeyPrefix, hash...)
}

func justificationKey(hash []byte) []byte {
	return append(justificationKeyPrefix, hash...)
}

func (bs *kvBlockStore) PutBlock(block *types.Block) error {
	bz, err := tmjson.Marshal(block)
	if err != nil {
		return err
	}
	return bs.db.SetSync(blockKey(block.Hash()), bz)
}

func (bs *kvBlockStore) GetBlock(hash []byte) (*types.Block, error) {
	bz, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, ErrBlockNotFound
	}
	block := new(types.Block)
	if err := tmjson.Unmarshal(bz, block); err != nil {
		return nil, err
	}
	return block, nil
}

func (bs *kvBlockStore) HasBlock(hash []byte) bool {
	ok, err := bs.db.Has(blockKey(hash))
	return err == nil && ok
}

type finalizedMarker struct {
	Hash   []byte `json:"hash"`
	Number int64  `json:"number"`
}

func (bs *kvBlockStore) SetFinalized(hash []byte, number int64, just *types.Justification) error {
	marker, err := tmjson.Marshal(finalizedMarker{Hash: hash, Number: number})
	if err != nil {
		return err
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(finalizedKey, marker); err != nil {
		return err
	}
	if just != nil {
		justBz, err := tmjson.Marshal(just)
		if err != nil {
			return err
		}
		if err := batch.Set(justificationKey(hash), justBz); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

func (bs *kvBlockStore) GetFinalized() ([]byte, int64, error) {
	bz, err := bs.db.Get(finalizedKey)
	if err != nil {
		return nil, 0, err
	}
	if len(bz) == 0 {
		return nil, 0, ErrNoFinalized
	}
	var marker finalizedMarker
	if err := tmjson.Unmarshal(bz, &marker); err != nil {
		return nil, 0, err
	}
	return marker.Hash, marker.Number, nil
}

func (bs *kvBlockStore) GetJustification(hash []byte) (*types.Justification, error) {
	bz, err := bs.db.Get(justificationKey(hash))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, ErrBlockNotFound
	}
	just := new(types.Justification)
	if err := tmjson.Unmarshal(bz, just); err != nil {
		return nil, err
	}
	return just, nil
}
