package author

import (
	"time"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"slotchain/importer"
	mempl "slotchain/mempool"
	"slotchain/slot"
	"slotchain/state"
	"slotchain/types"
)

// Config carries the authoring knobs.
type Config struct {
	// MaxReapRetries bounds how many times a failing tx may be dropped
	// and the block re-built within one slot.
	MaxReapRetries int `mapstructure:"max_reap_retries"`

	// MaxBlockBytes caps the total encoded size of the reaped txs.
	MaxBlockBytes int64 `mapstructure:"max_block_bytes"`
}

func DefaultConfig() *Config {
	return &Config{
		MaxReapRetries: 3,
		MaxBlockBytes:  1024 * 1024,
	}
}

// Author watches the slot clock and seals a block whenever the rotation
// lands on its key. The sealed block goes through the same import queue as
// gossiped blocks; nothing is special-cased downstream.
type Author struct {
	service.BaseService

	config  *Config
	chainID string

	privVal types.PrivValidator
	address types.Address

	clock      slot.Clock
	mempool    mempl.Mempool
	exec       state.Executor
	importQ    *importer.ImportQueue
	forkChoice *importer.ForkChoice

	metric *authorMetric
}

func NewAuthor(
	config *Config,
	st state.State,
	privVal types.PrivValidator,
	clock slot.Clock,
	mempool mempl.Mempool,
	exec state.Executor,
	importQ *importer.ImportQueue,
	forkChoice *importer.ForkChoice,
) (*Author, error) {
	pub, err := privVal.GetPubKey()
	if err != nil {
		return nil, err
	}

	a := &Author{
		config:     config,
		chainID:    st.ChainID,
		privVal:    privVal,
		address:    types.GetAddress(pub),
		clock:      clock,
		mempool:    mempool,
		exec:       exec,
		importQ:    importQ,
		forkChoice: forkChoice,
		metric:     newAuthorMetric(),
	}
	a.BaseService = *service.NewBaseService(nil, "Author", a)
	return a, nil
}

func (a *Author) SetLogger(logger log.Logger) {
	a.Logger = logger
}

func (a *Author) OnStart() error {
	go a.slotRoutine()
	return nil
}

func (a *Author) OnStop() {}

// Metric exposes the authoring counters for the metrics endpoint.
func (a *Author) Metric() *authorMetric {
	return a.metric
}

func (a *Author) slotRoutine() {
	for {
		select {
		case <-a.Quit():
			a.Logger.Info("author slot routine quit.")
			return
		case cur := <-a.clock.Chan():
			// wake blocks that were parked as premature
			a.importQ.RetrySlot(cur)
			a.onSlot(cur)
		}
	}
}

func (a *Author) onSlot(cur types.LTime) {
	authorities := a.importQ.Authorities()
	expected := authorities.AuthorForSlot(cur)
	if expected == nil || !types.AddressEqual(expected.Address, a.address) {
		a.Logger.Debug("not our slot", "slot", cur, "author", expected)
		return
	}

	a.metric.MarkEligibleSlot()
	a.Logger.Info("our slot, authoring", "slot", cur)

	parent := a.forkChoice.BestBlock()
	if !cur.Greater(parent.Slot) {
		// the head was already built at or past this slot
		a.Logger.Error("head slot not behind current slot, skipping",
			"slot", cur, "head_slot", parent.Slot)
		a.metric.MarkSkippedSlot()
		return
	}

	block, err := a.buildBlock(cur, parent)
	if err != nil {
		a.Logger.Error("building block failed", "slot", cur, "err", err)
		a.metric.MarkSkippedSlot()
		return
	}

	if err := a.importQ.Import(block, importer.OriginLocal); err != nil {
		a.Logger.Error("own block rejected by import", "slot", cur, "err", err)
		a.metric.MarkSkippedSlot()
		return
	}

	a.metric.MarkAuthoredBlock(block.Number, len(block.Txs))
	a.Logger.Info("authored block",
		"hash", block.Hash(), "number", block.Number, "slot", cur, "txs", len(block.Txs))
}

// buildBlock reaps, executes and seals. A tx that fails execution is dropped
// from the pool and the block is rebuilt; after the retry budget, or once the
// slot boundary passes, the block ships empty rather than wasting the slot.
func (a *Author) buildBlock(cur types.LTime, parent *types.Block) (*types.Block, error) {
	txs := a.mempool.ReapMaxBytes(a.config.MaxBlockBytes)
	deadline := a.clock.StartTimeOf(cur.Add(1))

	for attempt := 0; attempt <= a.config.MaxReapRetries; attempt++ {
		if !time.Now().Before(deadline) {
			a.Logger.Info("slot boundary reached while rebuilding, shipping empty",
				"slot", cur, "attempt", attempt)
			break
		}
		block, err := a.sealBlock(cur, parent, txs)
		if err == nil {
			return block, nil
		}
		tx, ok := state.AsInvalidTx(err)
		if !ok {
			return nil, err
		}
		a.Logger.Info("dropping tx that failed execution",
			"tx", tx.Hash(), "attempt", attempt, "err", err)
		// keep it cached so gossip cannot feed it straight back
		a.mempool.RemoveTx(tx, false)
		a.metric.MarkDroppedTx()
		txs = removeTx(txs, tx)
	}

	// budget exhausted, ship empty rather than losing the slot
	return a.sealBlock(cur, parent, nil)
}

func (a *Author) sealBlock(cur types.LTime, parent *types.Block, txs types.Txs) (*types.Block, error) {
	block := types.MakeBlock(a.chainID, parent.Number+1, cur, parent.Hash(), txs)
	block.Proposer = a.address

	root, err := a.exec.Apply(parent.StateRoot, block)
	if err != nil {
		return nil, err
	}
	block.StateRoot = root

	if err := a.privVal.SignHeader(a.chainID, &block.Header); err != nil {
		return nil, err
	}
	return block, nil
}

func removeTx(txs types.Txs, drop types.Tx) types.Txs {
	key := string(drop.Hash())
	out := make(types.Txs, 0, len(txs))
	for _, tx := range txs {
		if string(tx.Hash()) == key {
			continue
		}
		out = append(out, tx)
	}
	return out
}
