package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/log"

	"slotchain/types"
)

// Executor is the state-transition function consumed from the ledger. The
// consensus core never looks inside it: it applies blocks to parent state
// roots and pre-validates pool transactions.
type Executor interface {
	// Apply executes the block's txs against the state identified by
	// parentRoot and returns the resulting root. An ErrInvalidTx names the
	// first offending tx.
	Apply(parentRoot []byte, block *types.Block) ([]byte, error)

	// ValidateTx reports whether tx could still be included on top of
	// root, now or once its intermediate nonces arrive. The pool runs it
	// at admission time.
	ValidateTx(root []byte, tx types.Tx) error

	SetLogger(logger log.Logger)
}

//-----------------------------------------------------------------------------

// GenesisRoot is the root of the empty ledger, matching the genesis header.
func GenesisRoot() []byte {
	return merkle.HashFromByteSlices(nil)
}

// kvExecutor is the in-repo stand-in ledger: accounts are (sender, nonce)
// pairs, a tx is valid iff its nonce is exactly the sender's next one, and
// the root is a digest over the sorted account table. Deterministic, so
// re-execution on import reproduces the author's root bit for bit.
type kvExecutor struct {
	mtx sync.Mutex

	// snapshot per known root
	snapshots map[string]map[string]uint64

	logger log.Logger
}

var _ Executor = (*kvExecutor)(nil)

func NewKVExecutor() Executor {
	exec := &kvExecutor{
		snapshots: make(map[string]map[string]uint64),
		logger:    log.NewNopLogger(),
	}
	exec.snapshots[string(GenesisRoot())] = map[string]uint64{}
	return exec
}

func (exec *kvExecutor) SetLogger(logger log.Logger) {
	exec.logger = logger
}

func (exec *kvExecutor) Apply(parentRoot []byte, block *types.Block) ([]byte, error) {
	exec.mtx.Lock()
	defer exec.mtx.Unlock()

	parent, ok := exec.snapshots[string(parentRoot)]
	if !ok {
		return nil, ErrUnknownRoot
	}

	accounts := copyAccounts(parent)
	for _, tx := range block.Txs {
		if err := validateNonce(accounts, tx); err != nil {
			return nil, err
		}
		accounts[tx.Sender] = tx.Nonce
	}

	root := accountsRoot(accounts)
	exec.snapshots[string(root)] = accounts
	exec.logger.Debug("applied block", "block", block.Hash(), "txs", len(block.Txs), "root", fmt.Sprintf("%X", root))
	return root, nil
}

// ValidateTx rejects spent nonces only: a gap ahead of the account is a
// dependency the pool orders at reap time, not an error.
func (exec *kvExecutor) ValidateTx(root []byte, tx types.Tx) error {
	exec.mtx.Lock()
	defer exec.mtx.Unlock()

	accounts, ok := exec.snapshots[string(root)]
	if !ok {
		return ErrUnknownRoot
	}
	if tx.Nonce <= accounts[tx.Sender] {
		return ErrInvalidTx{Tx: tx, Reason: fmt.Sprintf("nonce %d already spent, account at %d", tx.Nonce, accounts[tx.Sender])}
	}
	return nil
}

func validateNonce(accounts map[string]uint64, tx types.Tx) error {
	next := accounts[tx.Sender] + 1
	if tx.Nonce != next {
		return ErrInvalidTx{Tx: tx, Reason: fmt.Sprintf("nonce %d, expected %d", tx.Nonce, next)}
	}
	return nil
}

func copyAccounts(accounts map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(accounts))
	for k, v := range accounts {
		out[k] = v
	}
	return out
}

func accountsRoot(accounts map[string]uint64) []byte {
	senders := make([]string, 0, len(accounts))
	for sender := range accounts {
		senders = append(senders, sender)
	}
	sort.Strings(senders)

	h := tmhash.New()
	for _, sender := range senders {
		h.Write([]byte(sender))
		h.Write(types.LTime(accounts[sender]).Hash())
	}
	return h.Sum(nil)
}
