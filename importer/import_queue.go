package importer

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	mempl "slotchain/mempool"
	"slotchain/slot"
	"slotchain/state"
	"slotchain/store"
	"slotchain/types"
)

const (
	// maxPendingBlocks bounds how many blocks may sit in the queue
	// waiting for a missing parent or a future slot.
	maxPendingBlocks = 256

	EventNewBlock       = "NewBlock"
	EventFinalizedBlock = "FinalizedBlock"
	EventEquivocation   = "BlockEquivocation"
)

// Origin tells the queue where a block came from. Locally authored blocks
// skip the premature check since the author's own clock produced the slot.
type Origin int

const (
	OriginLocal Origin = iota
	OriginGossip
	OriginRequeue
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginGossip:
		return "gossip"
	case OriginRequeue:
		return "requeue"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

type importMsg struct {
	block  *types.Block
	origin Origin
	reply  chan error
}

type finalizeMsg struct {
	hash  []byte
	just  *types.Justification
	reply chan error
}

type retryMsg struct {
	slot types.LTime
}

// ImportQueue is the single writer of the block tree. Every candidate block,
// local or gossiped, funnels through one goroutine so validation and tree
// mutation never race. Transient failures park the block until its parent
// arrives or its slot opens.
type ImportQueue struct {
	service.BaseService

	chainID    string
	clock      slot.Clock
	exec       state.Executor
	tree       *types.BlockTree
	blockStore store.BlockStore

	stateStore state.Store
	mempool    mempl.Mempool

	mtx         sync.RWMutex
	state       state.State
	authorities *types.AuthoritySet
	evidence    []*types.BlockEquivocationProof

	queue chan interface{}

	// only the receive routine touches the pending sets
	pendingParent map[string][]*importMsg
	pendingSlot   map[int64][]*importMsg
	pendingCount  int

	seen map[string]*types.Header

	eventSwitch events.EventSwitch
	metric      *importMetric
}

type ImportQueueOption func(*ImportQueue)

// SetMempool lets the queue prune included transactions on import.
func SetMempool(mempool mempl.Mempool) ImportQueueOption {
	return func(q *ImportQueue) {
		q.mempool = mempool
	}
}

// SetStateStore persists the finalized checkpoint across restarts.
func SetStateStore(stateStore state.Store) ImportQueueOption {
	return func(q *ImportQueue) {
		q.stateStore = stateStore
	}
}

func NewImportQueue(
	st state.State,
	clock slot.Clock,
	exec state.Executor,
	tree *types.BlockTree,
	blockStore store.BlockStore,
	options ...ImportQueueOption,
) *ImportQueue {
	q := &ImportQueue{
		chainID:       st.ChainID,
		clock:         clock,
		exec:          exec,
		tree:          tree,
		blockStore:    blockStore,
		state:         st,
		authorities:   st.Authorities,
		queue:         make(chan interface{}),
		pendingParent: make(map[string][]*importMsg),
		pendingSlot:   make(map[int64][]*importMsg),
		seen:          make(map[string]*types.Header),
		eventSwitch:   events.NewEventSwitch(),
		metric:        newImportMetric(),
	}
	q.BaseService = *service.NewBaseService(nil, "ImportQueue", q)

	for _, option := range options {
		option(q)
	}

	return q
}

func (q *ImportQueue) SetLogger(logger log.Logger) {
	q.Logger = logger
}

func (q *ImportQueue) OnStart() error {
	if err := q.eventSwitch.Start(); err != nil {
		return err
	}
	go q.receiveRoutine()
	return nil
}

func (q *ImportQueue) OnStop() {
	if err := q.eventSwitch.Stop(); err != nil {
		q.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
}

// AddListener subscribes to queue events, e.g. EventNewBlock for gossip.
func (q *ImportQueue) AddListener(scriber string, event string, cb events.EventCallback) {
	q.eventSwitch.AddListenerForEvent(scriber, event, cb)
}

// RemoveListener drops every subscription registered under scriber.
func (q *ImportQueue) RemoveListener(scriber string) {
	q.eventSwitch.RemoveListener(scriber)
}

// Tree exposes the block tree for read-only queries.
func (q *ImportQueue) Tree() *types.BlockTree {
	return q.tree
}

// Authorities returns the active authority set.
func (q *ImportQueue) Authorities() *types.AuthoritySet {
	q.mtx.RLock()
	defer q.mtx.RUnlock()
	return q.authorities
}

// SetAuthorities installs the next session's set. Called by the finality
// gadget when a scheduled change activates.
func (q *ImportQueue) SetAuthorities(set *types.AuthoritySet) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.authorities = set
	q.state.Authorities = set
}

// State returns a copy of the tracked chain state.
func (q *ImportQueue) State() state.State {
	q.mtx.RLock()
	defer q.mtx.RUnlock()
	return q.state.Copy()
}

// Evidence returns every block equivocation observed so far.
func (q *ImportQueue) Evidence() []*types.BlockEquivocationProof {
	q.mtx.RLock()
	defer q.mtx.RUnlock()
	ev := make([]*types.BlockEquivocationProof, len(q.evidence))
	copy(ev, q.evidence)
	return ev
}

// Metric exposes the import counters for the metrics endpoint.
func (q *ImportQueue) Metric() *importMetric {
	return q.metric
}

// Import validates the block and adds it to the tree. Blocks missing their
// parent or arriving ahead of the clock are parked and retried; the caller
// gets the transient error and needs no follow-up.
func (q *ImportQueue) Import(block *types.Block, origin Origin) error {
	reply := make(chan error, 1)
	select {
	case q.queue <- &importMsg{block: block, origin: origin, reply: reply}:
	case <-q.Quit():
		return ErrQueueStopped
	}
	select {
	case err := <-reply:
		return err
	case <-q.Quit():
		return ErrQueueStopped
	}
}

// Finalize marks the target and its ancestry final, prunes conflicting
// branches and persists the checkpoint together with its justification.
func (q *ImportQueue) Finalize(hash []byte, just *types.Justification) error {
	reply := make(chan error, 1)
	select {
	case q.queue <- &finalizeMsg{hash: hash, just: just, reply: reply}:
	case <-q.Quit():
		return ErrQueueStopped
	}
	select {
	case err := <-reply:
		return err
	case <-q.Quit():
		return ErrQueueStopped
	}
}

// RetrySlot re-runs blocks that were parked as premature. The authoring
// loop calls it at every slot boundary.
func (q *ImportQueue) RetrySlot(slot types.LTime) {
	select {
	case q.queue <- &retryMsg{slot: slot}:
	case <-q.Quit():
	}
}

func (q *ImportQueue) receiveRoutine() {
	for {
		select {
		case <-q.Quit():
			q.Logger.Info("import queue receive routine quit.")
			return
		case msg := <-q.queue:
			switch m := msg.(type) {
			case *importMsg:
				m.reply <- q.handleImport(m)
			case *finalizeMsg:
				m.reply <- q.handleFinalize(m.hash, m.just)
			case *retryMsg:
				q.Logger.Debug("retrying parked blocks", "slot", m.slot)
				q.retryPremature()
			default:
				q.Logger.Error("unknown queue message", "msg", msg)
			}
		}
	}
}

func (q *ImportQueue) handleImport(msg *importMsg) error {
	block := msg.block
	if err := block.ValidateBasic(); err != nil {
		q.metric.MarkInvalidBlock()
		return invalid(err)
	}

	hash := block.Hash()
	if q.tree.Has(hash) {
		q.metric.MarkKnownBlock()
		return ErrKnownBlock
	}

	// author and signature need no parent, so they gate the pending sets:
	// unverifiable junk never occupies the bounded parking budget
	author := q.Authorities().AuthorForSlot(block.Slot)
	if !types.AddressEqual(author.Address, block.Proposer) {
		q.metric.MarkInvalidBlock()
		return invalid(ErrBadProposer)
	}
	if !author.PubKey.VerifySignature(types.HeaderSignBytes(q.chainID, &block.Header), block.Signature) {
		q.metric.MarkInvalidBlock()
		return invalid(ErrBadSignature)
	}

	parent, err := q.tree.Block(block.ParentHash)
	if err != nil {
		return q.pendOnParent(msg)
	}
	if q.tree.Status(block.ParentHash) == types.StatusPruned {
		q.metric.MarkInvalidBlock()
		return invalid(types.ErrPrunedBranch)
	}

	if block.Number != parent.Number+1 {
		q.metric.MarkInvalidBlock()
		return invalid(ErrBadNumber)
	}
	if !block.Slot.Greater(parent.Slot) {
		q.metric.MarkInvalidBlock()
		return invalid(ErrSlotOrder)
	}
	if msg.origin != OriginLocal && q.clock.IsPremature(block.Slot) {
		return q.pendOnSlot(msg)
	}

	// an equivocating author does not invalidate either block, the proof
	// is recorded and both forks stay in the tree
	q.recordEquivocation(block)

	root, err := q.exec.Apply(parent.StateRoot, block)
	if err != nil {
		q.metric.MarkInvalidBlock()
		return invalid(err)
	}
	if !bytes.Equal(root, block.StateRoot) {
		q.metric.MarkInvalidBlock()
		return invalid(ErrStateRootMismatch)
	}

	if err := q.tree.Add(block); err != nil {
		if errors.Is(err, types.ErrDuplicatedBlock) {
			q.metric.MarkKnownBlock()
			return ErrKnownBlock
		}
		q.metric.MarkInvalidBlock()
		return invalid(err)
	}
	if err := q.blockStore.PutBlock(block); err != nil {
		return errors.Wrap(err, "persist block")
	}

	if q.mempool != nil {
		q.mempool.Lock()
		if err := q.mempool.Update(block.Slot, block.Data.Txs); err != nil {
			q.Logger.Error("mempool update failed", "err", err)
		}
		q.mempool.Unlock()
	}

	q.metric.MarkImportedBlock(q.tree.Size())
	q.Logger.Info("imported block",
		"hash", hash, "number", block.Number, "slot", block.Slot, "origin", msg.origin)
	q.eventSwitch.FireEvent(EventNewBlock, block)

	q.retryChildren(hash)
	return nil
}

// pendOnParent parks the block until its parent gets imported.
func (q *ImportQueue) pendOnParent(msg *importMsg) error {
	if q.pendingCount >= maxPendingBlocks {
		return ErrQueueFull
	}
	key := treeKey(msg.block.ParentHash)
	q.pendingParent[key] = append(q.pendingParent[key], msg)
	q.pendingCount++
	q.metric.MarkPendingBlocks(q.pendingCount)

	q.Logger.Debug("parked block waiting for parent",
		"hash", msg.block.Hash(), "parent", msg.block.ParentHash)
	return errors.Wrapf(types.ErrMissingParent, "parent %X", msg.block.ParentHash)
}

// pendOnSlot parks a block whose slot is beyond the drift tolerance.
func (q *ImportQueue) pendOnSlot(msg *importMsg) error {
	if q.pendingCount >= maxPendingBlocks {
		return ErrQueueFull
	}
	slotKey := msg.block.Slot.Int64()
	q.pendingSlot[slotKey] = append(q.pendingSlot[slotKey], msg)
	q.pendingCount++
	q.metric.MarkPendingBlocks(q.pendingCount)

	return ErrPrematureBlock{Slot: msg.block.Slot, CurrentSlot: q.clock.CurrentSlot()}
}

// retryChildren re-imports blocks that were waiting for the given parent.
func (q *ImportQueue) retryChildren(parentHash []byte) {
	key := treeKey(parentHash)
	waiting := q.pendingParent[key]
	if len(waiting) == 0 {
		return
	}
	delete(q.pendingParent, key)
	q.pendingCount -= len(waiting)
	q.metric.MarkPendingBlocks(q.pendingCount)

	for _, msg := range waiting {
		msg.origin = OriginRequeue
		if err := q.handleImport(msg); err != nil && !IsTransient(err) && err != ErrKnownBlock {
			q.Logger.Error("requeued block rejected", "hash", msg.block.Hash(), "err", err)
		}
	}
}

// retryPremature re-imports parked blocks whose slot is now within reach.
func (q *ImportQueue) retryPremature() {
	for slotKey, waiting := range q.pendingSlot {
		if q.clock.IsPremature(types.LTime(slotKey)) {
			continue
		}
		delete(q.pendingSlot, slotKey)
		q.pendingCount -= len(waiting)
		q.metric.MarkPendingBlocks(q.pendingCount)

		for _, msg := range waiting {
			msg.origin = OriginRequeue
			if err := q.handleImport(msg); err != nil && !IsTransient(err) && err != ErrKnownBlock {
				q.Logger.Error("requeued block rejected", "hash", msg.block.Hash(), "err", err)
			}
		}
	}
}

func (q *ImportQueue) recordEquivocation(block *types.Block) {
	key := fmt.Sprintf("%v/%X", block.Slot, block.Proposer)
	first, ok := q.seen[key]
	if !ok {
		header := block.Header
		q.seen[key] = &header
		return
	}
	if bytes.Equal(first.Hash(), block.Header.Hash()) {
		return
	}

	proof := &types.BlockEquivocationProof{
		Offender:     block.Proposer,
		Slot:         block.Slot,
		FirstHeader:  *first,
		SecondHeader: block.Header,
	}

	q.mtx.Lock()
	q.evidence = append(q.evidence, proof)
	q.mtx.Unlock()

	q.metric.MarkEquivocation()
	q.Logger.Error("slot author equivocated", "offender", block.Proposer, "slot", block.Slot)
	q.eventSwitch.FireEvent(EventEquivocation, proof)
}

func (q *ImportQueue) handleFinalize(hash []byte, just *types.Justification) error {
	if just != nil {
		if !bytes.Equal(just.BlockHash, hash) {
			return errors.New("justification targets a different block")
		}
		if err := just.Verify(q.chainID, q.Authorities()); err != nil {
			return errors.Wrap(err, "verify justification")
		}
	}

	block, err := q.tree.Block(hash)
	if err != nil {
		return err
	}

	newlyFinal, err := q.tree.Finalize(hash)
	if err != nil {
		return err
	}
	if len(newlyFinal) == 0 {
		return nil
	}

	if err := q.blockStore.SetFinalized(hash, block.Number, just); err != nil {
		return errors.Wrap(err, "persist finalized marker")
	}

	q.mtx.Lock()
	q.state.LastFinalizedHash = block.Hash()
	q.state.LastFinalizedNumber = block.Number
	q.state.LastFinalizedTime = block.ProposalTime
	st := q.state.Copy()
	q.mtx.Unlock()

	if q.stateStore != nil {
		if err := q.stateStore.Save(st); err != nil {
			q.Logger.Error("persist state failed", "err", err)
		}
	}

	q.metric.MarkFinalized(block.Number)
	q.Logger.Info("finalized chain up to block",
		"hash", block.Hash(), "number", block.Number, "newly_final", len(newlyFinal))
	for _, fb := range newlyFinal {
		q.eventSwitch.FireEvent(EventFinalizedBlock, fb)
	}
	return nil
}

func treeKey(hash []byte) string { return string(hash) }
