package importer

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

func newImportMetric() *importMetric {
	return &importMetric{}
}

type importMetric struct {
	mtx             sync.RWMutex
	ImportedBlocks  int64 `json:"imported_blocks"`  // blocks accepted into the tree
	TreeSize        int   `json:"tree_size"`        // entries currently in the tree
	KnownBlocks     int64 `json:"known_blocks"`     // duplicate imports ignored
	InvalidBlocks   int64 `json:"invalid_blocks"`   // permanently rejected blocks
	PendingBlocks   int   `json:"pending_blocks"`   // blocks parked on a missing parent or future slot
	FinalizedNumber int64 `json:"finalized_number"` // number of the finalized checkpoint
	Equivocations   int64 `json:"equivocations"`    // block equivocation proofs collected
}

func (im *importMetric) JSONString() string {
	im.mtx.RLock()
	defer im.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(im)
	return s
}

func (im *importMetric) MarkImportedBlock(treeSize int) {
	im.mtx.Lock()
	defer im.mtx.Unlock()
	im.ImportedBlocks++
	im.TreeSize = treeSize
}

func (im *importMetric) MarkKnownBlock() {
	im.mtx.Lock()
	defer im.mtx.Unlock()
	im.KnownBlocks++
}

func (im *importMetric) MarkInvalidBlock() {
	im.mtx.Lock()
	defer im.mtx.Unlock()
	im.InvalidBlocks++
}

func (im *importMetric) MarkPendingBlocks(pending int) {
	im.mtx.Lock()
	defer im.mtx.Unlock()
	im.PendingBlocks = pending
}

func (im *importMetric) MarkFinalized(number int64) {
	im.mtx.Lock()
	defer im.mtx.Unlock()
	im.FinalizedNumber = number
}

func (im *importMetric) MarkEquivocation() {
	im.mtx.Lock()
	defer im.mtx.Unlock()
	im.Equivocations++
}
