package state

import (
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmdb "github.com/tendermint/tm-db"
)

var stateKey = []byte("slotchain/state")

// Store persists the consensus state across restarts.
type Store interface {
	Save(State) error
	Load() (State, error)
}

func NewKVStore(db tmdb.DB) Store {
	return &kvStore{db: db}
}

type kvStore struct {
	db tmdb.DB
}

func (store *kvStore) Save(state State) error {
	bz, err := tmjson.Marshal(state)
	if err != nil {
		return err
	}
	return store.db.SetSync(stateKey, bz)
}

// Load returns the persisted state; an empty State (IsEmpty) when the store
// was never written.
func (store *kvStore) Load() (State, error) {
	bz, err := store.db.Get(stateKey)
	if err != nil {
		return State{}, err
	}
	if len(bz) == 0 {
		return State{}, nil
	}
	var state State
	if err := tmjson.Unmarshal(bz, &state); err != nil {
		return State{}, err
	}
	return state, nil
}
