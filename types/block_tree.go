package types

import (
	"bytes"
	"errors"
	"sync"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

var (
	ErrDuplicatedBlock    = errors.New("duplicated block in block tree")
	ErrNoQueryBlock       = errors.New("no such block in block tree")
	ErrMissingParent      = errors.New("parent block not in block tree")
	ErrPrunedBranch       = errors.New("block extends a pruned branch")
	ErrFinalityRegression = errors.New("finalize target does not descend from the finalized block")
)

// BlockStatus is the lifecycle tag of a tree entry.
type BlockStatus uint8

const (
	StatusUnknown   = BlockStatus(0)
	StatusValid     = BlockStatus(1)
	StatusFinalized = BlockStatus(2)
	StatusPruned    = BlockStatus(3)
)

func (s BlockStatus) String() string {
	switch s {
	case StatusValid:
		return "Valid"
	case StatusFinalized:
		return "Finalized"
	case StatusPruned:
		return "Pruned"
	default:
		return "Unknown"
	}
}

// BlockTree is the arena of all known blocks, indexed by hash, with parent
// pointers forming a DAG rooted at genesis (or the last finalized block after
// a restart). Children are kept as a reverse index, so the structure carries
// no cyclic references.
//
// The import queue is the only writer; fork choice and the finality gadget
// read through the RLock for snapshot-consistent queries.
type BlockTree struct {
	mtx sync.RWMutex

	entries   map[string]*blockEntry
	root      string
	finalized string
}

type blockEntry struct {
	block    *Block
	parent   string
	children []string
	status   BlockStatus

	// weight of this single block in fork choice.
	weight int64
}

func treeKey(hash []byte) string { return string(hash) }

// NewBlockTree roots the tree at the given block, which is treated as
// already final.
func NewBlockTree(root *Block) *BlockTree {
	key := treeKey(root.Hash())
	return &BlockTree{
		entries: map[string]*blockEntry{
			key: {block: root, status: StatusFinalized, weight: 1},
		},
		root:      key,
		finalized: key,
	}
}

// Add inserts a block under its parent. ErrDuplicatedBlock if the block is
// already present (re-import is the caller's idempotent no-op),
// ErrMissingParent if the parent is unknown, ErrPrunedBranch if the parent
// conflicts with the finalized chain.
func (tree *BlockTree) Add(block *Block) error {
	tree.mtx.Lock()
	defer tree.mtx.Unlock()

	key := treeKey(block.Hash())
	if _, ok := tree.entries[key]; ok {
		return ErrDuplicatedBlock
	}

	parentKey := treeKey(block.ParentHash)
	parent, ok := tree.entries[parentKey]
	if !ok {
		return ErrMissingParent
	}
	if parent.status == StatusPruned {
		return ErrPrunedBranch
	}
	// a new fork off an already-finalized ancestor conflicts with the
	// checkpoint and can never become canonical
	if parent.status == StatusFinalized && parentKey != tree.finalized {
		return ErrPrunedBranch
	}

	tree.entries[key] = &blockEntry{
		block:  block,
		parent: parentKey,
		status: StatusValid,
		weight: 1,
	}
	parent.children = append(parent.children, key)
	return nil
}

func (tree *BlockTree) Has(hash []byte) bool {
	tree.mtx.RLock()
	defer tree.mtx.RUnlock()
	_, ok := tree.entries[treeKey(hash)]
	return ok
}

// Block returns the block stored under hash.
func (tree *BlockTree) Block(hash []byte) (*Block, error) {
	tree.mtx.RLock()
	defer tree.mtx.RUnlock()
	entry, ok := tree.entries[treeKey(hash)]
	if !ok {
		return nil, ErrNoQueryBlock
	}
	return entry.block, nil
}

// Status returns the lifecycle tag of hash; StatusUnknown for absent blocks.
func (tree *BlockTree) Status(hash []byte) BlockStatus {
	tree.mtx.RLock()
	defer tree.mtx.RUnlock()
	entry, ok := tree.entries[treeKey(hash)]
	if !ok {
		return StatusUnknown
	}
	return entry.status
}

// IsAncestor reports whether anc is a strict ancestor of desc.
func (tree *BlockTree) IsAncestor(anc, desc []byte) bool {
	tree.mtx.RLock()
	defer tree.mtx.RUnlock()
	return tree.isAncestor(treeKey(anc), treeKey(desc))
}

// caller holds the lock.
func (tree *BlockTree) isAncestor(ancKey, descKey string) bool {
	entry, ok := tree.entries[descKey]
	if !ok {
		return false
	}
	for cur := entry.parent; cur != ""; {
		if cur == ancKey {
			return true
		}
		parent, ok := tree.entries[cur]
		if !ok {
			return false
		}
		cur = parent.parent
	}
	return false
}

// Ancestry returns the chain from the finalized block (exclusive) up to the
// given block (inclusive), oldest first.
func (tree *BlockTree) Ancestry(hash []byte) ([]*Block, error) {
	tree.mtx.RLock()
	defer tree.mtx.RUnlock()

	key := treeKey(hash)
	if _, ok := tree.entries[key]; !ok {
		return nil, ErrNoQueryBlock
	}

	chain := []*Block{}
	for cur := key; cur != tree.finalized; {
		entry, ok := tree.entries[cur]
		if !ok {
			return nil, ErrNoQueryBlock
		}
		chain = append(chain, entry.block)
		cur = entry.parent
		if cur == "" {
			return nil, ErrFinalityRegression
		}
	}
	// reverse to oldest-first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Finalize advances the finalized block to target, which must be a
// descendant of the current finalized block. Every block on the path becomes
// StatusFinalized; every branch conflicting with the path is marked
// StatusPruned. Returns the newly finalized blocks, oldest first.
func (tree *BlockTree) Finalize(target []byte) ([]*Block, error) {
	tree.mtx.Lock()
	defer tree.mtx.Unlock()

	targetKey := treeKey(target)
	if _, ok := tree.entries[targetKey]; !ok {
		return nil, ErrNoQueryBlock
	}
	if targetKey != tree.finalized && !tree.isAncestor(tree.finalized, targetKey) {
		return nil, ErrFinalityRegression
	}
	if targetKey == tree.finalized {
		return nil, nil
	}

	// collect the path finalized(exclusive)..target, oldest first
	path := []string{}
	for cur := targetKey; cur != tree.finalized; cur = tree.entries[cur].parent {
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	newlyFinal := make([]*Block, 0, len(path))
	prev := tree.finalized
	for _, key := range path {
		entry := tree.entries[key]
		entry.status = StatusFinalized
		newlyFinal = append(newlyFinal, entry.block)

		// siblings of the finalized path can never become canonical
		for _, child := range tree.entries[prev].children {
			if child != key {
				tree.pruneSubtree(child)
			}
		}
		prev = key
	}

	tree.finalized = targetKey
	return newlyFinal, nil
}

// caller holds the lock.
func (tree *BlockTree) pruneSubtree(key string) {
	entry := tree.entries[key]
	entry.status = StatusPruned
	for _, child := range entry.children {
		tree.pruneSubtree(child)
	}
}

// FinalizedHead returns the highest finalized block.
func (tree *BlockTree) FinalizedHead() *Block {
	tree.mtx.RLock()
	defer tree.mtx.RUnlock()
	return tree.entries[tree.finalized].block
}

// Leaves returns the hashes of every non-pruned leaf descending from (or
// equal to) the finalized block, the fork-choice candidates.
func (tree *BlockTree) Leaves() []tmbytes.HexBytes {
	tree.mtx.RLock()
	defer tree.mtx.RUnlock()

	leaves := []tmbytes.HexBytes{}
	var walk func(key string)
	walk = func(key string) {
		entry := tree.entries[key]
		live := 0
		for _, child := range entry.children {
			if tree.entries[child].status != StatusPruned {
				live++
				walk(child)
			}
		}
		if live == 0 {
			leaves = append(leaves, entry.block.Hash())
		}
	}
	walk(tree.finalized)
	return leaves
}

// ChainWeight is the cumulative weight of the chain from the finalized block
// (exclusive) up to the given block. Zero for the finalized block itself.
func (tree *BlockTree) ChainWeight(hash []byte) int64 {
	tree.mtx.RLock()
	defer tree.mtx.RUnlock()

	key := treeKey(hash)
	if _, ok := tree.entries[key]; !ok {
		return 0
	}
	var weight int64
	for cur := key; cur != tree.finalized; {
		entry, ok := tree.entries[cur]
		if !ok {
			return 0
		}
		weight += entry.weight
		cur = entry.parent
		if cur == "" {
			return 0
		}
	}
	return weight
}

func (tree *BlockTree) Size() int {
	tree.mtx.RLock()
	defer tree.mtx.RUnlock()
	return len(tree.entries)
}

// ForEach runs the given function over all blocks in parent-before-child
// order.
func (tree *BlockTree) ForEach(lambda func(block *Block, status BlockStatus)) {
	tree.mtx.RLock()
	defer tree.mtx.RUnlock()

	queue := []string{tree.root}
	for len(queue) > 0 {
		cur := tree.entries[queue[0]]
		queue = queue[1:]
		queue = append(queue, cur.children...)
		lambda(cur.block, cur.status)
	}
}

// HighestDescendant returns the block with the greatest number among target
// and its non-pruned descendants, used to bound finality-vote targets.
func (tree *BlockTree) HighestDescendant(hash []byte) (*Block, error) {
	tree.mtx.RLock()
	defer tree.mtx.RUnlock()

	key := treeKey(hash)
	start, ok := tree.entries[key]
	if !ok {
		return nil, ErrNoQueryBlock
	}

	best := start.block
	queue := []string{key}
	for len(queue) > 0 {
		cur := tree.entries[queue[0]]
		queue = queue[1:]
		if cur.status == StatusPruned {
			continue
		}
		if cur.block.Number > best.Number ||
			(cur.block.Number == best.Number && bytes.Compare(cur.block.Hash(), best.Hash()) < 0) {
			best = cur.block
		}
		queue = append(queue, cur.children...)
	}
	return best, nil
}
