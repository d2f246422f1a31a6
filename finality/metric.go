package finality

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

func newFinalityMetric() *finalityMetric {
	return &finalityMetric{}
}

type finalityMetric struct {
	mtx             sync.RWMutex
	Round           uint64 `json:"round"`            // current round number
	Session         uint64 `json:"session"`          // current authority session
	PrevotesNum     int    `json:"prevotes_num"`     // counted prevotes this round
	PrecommitsNum   int    `json:"precommits_num"`   // counted precommits this round
	ConcludedRounds int64  `json:"concluded_rounds"` // rounds that finalized a block
	FailedRounds    int64  `json:"failed_rounds"`    // rounds that timed out
	FinalizedNumber int64  `json:"finalized_number"` // number of the last finalized block
	Equivocations   int64  `json:"equivocations"`    // vote equivocation proofs collected
}

func (fm *finalityMetric) JSONString() string {
	fm.mtx.RLock()
	defer fm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(fm)
	return s
}

func (fm *finalityMetric) MarkRound(round, session uint64) {
	fm.mtx.Lock()
	defer fm.mtx.Unlock()
	fm.Round = round
	fm.Session = session
	fm.PrevotesNum = 0
	fm.PrecommitsNum = 0
}

func (fm *finalityMetric) MarkSession(session uint64) {
	fm.mtx.Lock()
	defer fm.mtx.Unlock()
	fm.Session = session
}

func (fm *finalityMetric) MarkVote(prevotes, precommits int) {
	fm.mtx.Lock()
	defer fm.mtx.Unlock()
	fm.PrevotesNum = prevotes
	fm.PrecommitsNum = precommits
}

func (fm *finalityMetric) MarkConcluded(finalizedNumber int64) {
	fm.mtx.Lock()
	defer fm.mtx.Unlock()
	fm.ConcludedRounds++
	fm.FinalizedNumber = finalizedNumber
}

func (fm *finalityMetric) MarkFailedRound() {
	fm.mtx.Lock()
	defer fm.mtx.Unlock()
	fm.FailedRounds++
}

func (fm *finalityMetric) MarkEquivocation() {
	fm.mtx.Lock()
	defer fm.mtx.Unlock()
	fm.Equivocations++
}
