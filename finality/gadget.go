package finality

import (
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"

	"slotchain/crypto/bls"
	"slotchain/importer"
	"slotchain/state"
	"slotchain/types"
)

const (
	EventNewVote        = "NewVote"
	EventRoundConcluded = "RoundConcluded"
)

// Config carries the round timers. The timeout grows linearly with
// consecutive failed rounds so a partitioned network eventually gives every
// vote time to arrive.
type Config struct {
	RoundTimeout time.Duration `mapstructure:"round_timeout"`
	TimeoutDelta time.Duration `mapstructure:"timeout_delta"`
}

func DefaultConfig() *Config {
	return &Config{
		RoundTimeout: 10 * time.Second,
		TimeoutDelta: 2 * time.Second,
	}
}

// RoundStep is the gadget's position inside the current round.
type RoundStep uint8

const (
	StepPrevote   = RoundStep(1)
	StepPrecommit = RoundStep(2)
	StepConcluded = RoundStep(3)
)

func (s RoundStep) String() string {
	switch s {
	case StepPrevote:
		return "Prevote"
	case StepPrecommit:
		return "Precommit"
	case StepConcluded:
		return "Concluded"
	default:
		return "Unknown"
	}
}

type msgInfo struct {
	Msg    interface{}
	PeerID p2p.ID
}

type timeoutInfo struct {
	Round    uint64
	Duration time.Duration
}

// Gadget drives round-based finality over the block tree. Rounds run
// prevote, precommit, concluded: prevotes elect a common ancestor with
// supermajority support, precommits finalize it together with its ancestry.
// All round state lives in the receive routine; external readers go through
// the mutex-guarded snapshots.
type Gadget struct {
	service.BaseService

	config  *Config
	chainID string

	privVal types.PrivValidator // nil for a non-voting observer

	importQ    *importer.ImportQueue
	forkChoice *importer.ForkChoice
	tree       *types.BlockTree

	peerMsgQueue     chan msgInfo
	internalMsgQueue chan msgInfo
	timeoutQueue     chan timeoutInfo

	mtx          sync.RWMutex
	session      uint64
	authorities  *types.AuthoritySet
	round        uint64
	step         RoundStep
	failedRounds int
	prevotes     *WeightedVoteSet
	precommits   *WeightedVoteSet

	// the finished round's sets stay for one more round so late
	// conflicting votes still yield proofs
	prevPrevotes   *WeightedVoteSet
	prevPrecommits *WeightedVoteSet

	evidence []*types.VoteEquivocationProof
	pending  []*PendingChange

	eventSwitch events.EventSwitch
	metric      *finalityMetric
}

type GadgetOption func(*Gadget)

// SetPrivValidator makes the gadget vote. Without it the gadget only
// observes, tallies and finalizes.
func SetPrivValidator(privVal types.PrivValidator) GadgetOption {
	return func(g *Gadget) {
		g.privVal = privVal
	}
}

func NewGadget(
	config *Config,
	st state.State,
	importQ *importer.ImportQueue,
	forkChoice *importer.ForkChoice,
	options ...GadgetOption,
) *Gadget {
	g := &Gadget{
		config:           config,
		chainID:          st.ChainID,
		importQ:          importQ,
		forkChoice:       forkChoice,
		tree:             importQ.Tree(),
		peerMsgQueue:     make(chan msgInfo),
		internalMsgQueue: make(chan msgInfo),
		timeoutQueue:     make(chan timeoutInfo),
		session:          st.Authorities.Session,
		authorities:      st.Authorities,
		eventSwitch:      events.NewEventSwitch(),
		metric:           newFinalityMetric(),
	}
	g.BaseService = *service.NewBaseService(nil, "FinalityGadget", g)

	for _, option := range options {
		option(g)
	}

	return g
}

func (g *Gadget) SetLogger(logger log.Logger) {
	g.Logger = logger
}

func (g *Gadget) OnStart() error {
	if err := g.eventSwitch.Start(); err != nil {
		return err
	}
	go g.receiveRoutine()
	g.sendInternalMessage(msgInfo{Msg: startRoundMsg{round: 1}})
	return nil
}

func (g *Gadget) OnStop() {
	if err := g.eventSwitch.Stop(); err != nil {
		g.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
}

// AddListener subscribes to gadget events, e.g. EventNewVote for gossip.
func (g *Gadget) AddListener(scriber string, event string, cb events.EventCallback) {
	g.eventSwitch.AddListenerForEvent(scriber, event, cb)
}

// HandlePeerVote feeds a gossiped vote into the round machine.
func (g *Gadget) HandlePeerVote(vote *types.Vote, peerID p2p.ID) {
	select {
	case g.peerMsgQueue <- msgInfo{Msg: vote, PeerID: peerID}:
	case <-g.Quit():
	}
}

// ScheduleAuthorityChange queues a session handover that activates once its
// trigger block is finalized.
func (g *Gadget) ScheduleAuthorityChange(change *PendingChange) error {
	if err := change.ValidateBasic(); err != nil {
		return err
	}
	g.sendInternalMessage(msgInfo{Msg: change})
	return nil
}

// Round returns the current round number.
func (g *Gadget) Round() uint64 {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	return g.round
}

// Session returns the current authority session.
func (g *Gadget) Session() uint64 {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	return g.session
}

// Step returns the current round step.
func (g *Gadget) Step() RoundStep {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	return g.step
}

// Evidence returns the vote equivocations collected across rounds.
func (g *Gadget) Evidence() []*types.VoteEquivocationProof {
	g.mtx.RLock()
	defer g.mtx.RUnlock()

	ev := make([]*types.VoteEquivocationProof, len(g.evidence))
	copy(ev, g.evidence)
	return ev
}

// Metric exposes the round counters for the metrics endpoint.
func (g *Gadget) Metric() *finalityMetric {
	return g.metric
}

type startRoundMsg struct {
	round uint64
}

// sendInternalMessage must never block the receive routine against itself.
func (g *Gadget) sendInternalMessage(mi msgInfo) {
	select {
	case g.internalMsgQueue <- mi:
	default:
		go func() {
			select {
			case g.internalMsgQueue <- mi:
			case <-g.Quit():
			}
		}()
	}
}

func (g *Gadget) scheduleTimeout(round uint64, duration time.Duration) {
	time.AfterFunc(duration, func() {
		select {
		case g.timeoutQueue <- timeoutInfo{Round: round, Duration: duration}:
		case <-g.Quit():
		}
	})
}

func (g *Gadget) receiveRoutine() {
	for {
		select {
		case <-g.Quit():
			g.Logger.Info("finality receive routine quit.")
			return
		case mi := <-g.peerMsgQueue:
			g.handleMsg(mi)
		case mi := <-g.internalMsgQueue:
			g.handleMsg(mi)
		case ti := <-g.timeoutQueue:
			g.handleTimeout(ti)
		}
	}
}

func (g *Gadget) handleMsg(mi msgInfo) {
	switch msg := mi.Msg.(type) {
	case *types.Vote:
		g.handleVote(msg, mi.PeerID)
	case *PendingChange:
		g.mtx.Lock()
		g.pending = append(g.pending, msg)
		g.mtx.Unlock()
		g.Logger.Info("scheduled authority change",
			"trigger", msg.TriggerHash, "trigger_number", msg.TriggerNumber)
		g.activatePendingChanges()
	case startRoundMsg:
		g.enterNewRound(msg.round)
	default:
		g.Logger.Error("unknown internal message", "msg", mi.Msg)
	}
}

func (g *Gadget) enterNewRound(round uint64) {
	g.mtx.Lock()
	g.round = round
	g.step = StepPrevote
	g.prevPrevotes, g.prevPrecommits = g.prevotes, g.precommits
	g.prevotes = NewWeightedVoteSet(g.chainID, round, g.session, types.PrevoteStage, g.authorities)
	g.precommits = NewWeightedVoteSet(g.chainID, round, g.session, types.PrecommitStage, g.authorities)
	timeout := g.config.RoundTimeout + g.config.TimeoutDelta*time.Duration(g.failedRounds)
	g.mtx.Unlock()

	g.metric.MarkRound(round, g.session)
	g.Logger.Info("entering new round", "round", round, "session", g.session, "timeout", timeout)

	g.scheduleTimeout(round, timeout)
	g.castPrevote()
}

// castPrevote votes for the fork-choice head descending from the finalized
// checkpoint.
func (g *Gadget) castPrevote() {
	if g.privVal == nil {
		return
	}

	finalized := g.tree.FinalizedHead()
	target, ok := g.forkChoice.BestDescendant(finalized.Hash())
	if !ok {
		target = finalized.Hash()
	}
	block, err := g.tree.Block(target)
	if err != nil {
		g.Logger.Error("prevote target vanished", "target", target, "err", err)
		return
	}

	g.castVote(types.PrevoteStage, block)
}

func (g *Gadget) castPrecommit(target []byte) {
	if g.privVal == nil {
		return
	}
	block, err := g.tree.Block(target)
	if err != nil {
		g.Logger.Error("precommit target vanished", "target", target, "err", err)
		return
	}
	g.castVote(types.PrecommitStage, block)
}

func (g *Gadget) castVote(stage types.VoteStage, block *types.Block) {
	pub, err := g.privVal.GetPubKey()
	if err != nil {
		g.Logger.Error("cannot get validator key", "err", err)
		return
	}
	addr := types.GetAddress(pub)
	idx, val := g.authorities.GetByAddress(addr)
	if val == nil {
		// not part of the current session, observe only
		return
	}

	vote := &types.Vote{
		Round:       g.round,
		Session:     g.session,
		Stage:       stage,
		BlockHash:   block.Hash(),
		BlockNumber: block.Number,
		Timestamp:   time.Now(),
		Voter:       addr,
		VoterIndex:  idx,
	}
	if err := g.privVal.SignVote(g.chainID, vote); err != nil {
		g.Logger.Error("vote signing failed", "err", err)
		return
	}

	g.Logger.Debug("casting vote", "round", g.round, "stage", stage, "target", vote.BlockHash)
	g.sendInternalMessage(msgInfo{Msg: vote})
	g.eventSwitch.FireEvent(EventNewVote, vote)
}

func (g *Gadget) handleVote(vote *types.Vote, peerID p2p.ID) {
	if vote.Session == g.session && vote.Round+1 == g.round {
		g.handleLateVote(vote)
		return
	}
	if vote.Session != g.session || vote.Round != g.round {
		g.Logger.Debug("dropping vote from another round",
			"vote_round", vote.Round, "vote_session", vote.Session, "round", g.round)
		return
	}

	var (
		added bool
		err   error
	)
	switch vote.Stage {
	case types.PrevoteStage:
		added, err = g.prevotes.AddVote(vote)
	case types.PrecommitStage:
		added, err = g.precommits.AddVote(vote)
	default:
		g.Logger.Error("vote with unknown stage", "vote", vote, "peer", peerID)
		return
	}

	if err == ErrVoteConflict {
		g.metric.MarkEquivocation()
		g.Logger.Error("voter equivocated", "voter", vote.Voter, "round", vote.Round, "stage", vote.Stage)
		return
	}
	if err != nil {
		g.Logger.Debug("vote rejected", "err", err, "peer", peerID)
		return
	}
	if !added {
		return
	}

	g.metric.MarkVote(g.prevotes.Size(), g.precommits.Size())

	switch g.step {
	case StepPrevote:
		g.tryPrecommit()
	case StepPrecommit:
		g.tryConclude()
	}
}

// handleLateVote tallies nothing: a finished round only keeps its
// equivocation bookkeeping alive, so a late conflicting pair still yields a
// proof.
func (g *Gadget) handleLateVote(vote *types.Vote) {
	var vs *WeightedVoteSet
	switch vote.Stage {
	case types.PrevoteStage:
		vs = g.prevPrevotes
	case types.PrecommitStage:
		vs = g.prevPrecommits
	}
	if vs == nil {
		return
	}

	if _, err := vs.AddVote(vote); err == ErrVoteConflict {
		g.metric.MarkEquivocation()
		g.Logger.Error("late equivocation in finished round",
			"voter", vote.Voter, "round", vote.Round, "stage", vote.Stage)
		g.archiveProofFor(vs, vote.Voter)
	}
}

// archiveProofFor copies the voter's proof out of vs unless an identical
// offence is already on record.
func (g *Gadget) archiveProofFor(vs *WeightedVoteSet, voter types.Address) {
	for _, proof := range vs.Evidence() {
		if !types.AddressEqual(proof.Offender, voter) {
			continue
		}

		g.mtx.Lock()
		known := false
		for _, have := range g.evidence {
			if have.Round == proof.Round && have.Stage == proof.Stage &&
				types.AddressEqual(have.Offender, proof.Offender) {
				known = true
				break
			}
		}
		if !known {
			g.evidence = append(g.evidence, proof)
		}
		g.mtx.Unlock()
	}
}

// tryPrecommit moves to the precommit step once the prevotes elect a ghost.
func (g *Gadget) tryPrecommit() {
	ghost, ok := g.prevotes.Ghost(g.tree)
	if !ok {
		return
	}

	g.mtx.Lock()
	g.step = StepPrecommit
	g.mtx.Unlock()

	g.Logger.Info("prevote ghost elected", "round", g.round, "ghost", ghost)
	g.castPrecommit(ghost)
	// precommits may already hold a supermajority from faster peers
	g.tryConclude()
}

// tryConclude finalizes once a precommit supermajority agrees on one block.
func (g *Gadget) tryConclude() {
	target, ok := g.precommits.ExactSupermajority()
	if !ok {
		return
	}

	just, err := g.buildJustification(target)
	if err != nil {
		g.Logger.Error("building justification failed", "target", target, "err", err)
		return
	}

	if err := g.importQ.Finalize(target, just); err != nil {
		g.Logger.Error("finalize failed", "target", target, "err", err)
		return
	}

	g.mtx.Lock()
	g.step = StepConcluded
	g.failedRounds = 0
	round := g.round
	g.mtx.Unlock()

	g.metric.MarkConcluded(just.BlockNumber)
	g.Logger.Info("round concluded",
		"round", round, "finalized", just.BlockHash, "number", just.BlockNumber)
	g.eventSwitch.FireEvent(EventRoundConcluded, just)

	g.archiveEvidence()
	g.activatePendingChanges()
	g.enterNewRound(round + 1)
}

func (g *Gadget) buildJustification(target []byte) (*types.Justification, error) {
	block, err := g.tree.Block(target)
	if err != nil {
		return nil, err
	}

	votes := g.precommits.VotesFor(target)
	signers := make([]int32, 0, len(votes))
	sigs := make([][]byte, 0, len(votes))
	for _, vote := range votes {
		signers = append(signers, vote.VoterIndex)
		sigs = append(sigs, vote.Signature)
	}

	aggSig, err := bls.AggregateSignatures(sigs...)
	if err != nil {
		return nil, err
	}

	return &types.Justification{
		Round:        g.round,
		Session:      g.session,
		BlockHash:    block.Hash(),
		BlockNumber:  block.Number,
		Signers:      signers,
		AggregateSig: aggSig,
	}, nil
}

func (g *Gadget) handleTimeout(ti timeoutInfo) {
	g.mtx.RLock()
	stale := ti.Round != g.round || g.step == StepConcluded
	g.mtx.RUnlock()
	if stale {
		return
	}

	g.mtx.Lock()
	g.failedRounds++
	round := g.round
	g.mtx.Unlock()

	g.metric.MarkFailedRound()
	g.Logger.Info("round timed out without conclusion",
		"round", round, "after", ti.Duration)

	g.archiveEvidence()
	g.enterNewRound(round + 1)
}

// archiveEvidence moves the round's equivocation proofs into the long-lived
// record before the vote sets are replaced.
func (g *Gadget) archiveEvidence() {
	ev := append(g.prevotes.Evidence(), g.precommits.Evidence()...)
	if len(ev) == 0 {
		return
	}
	g.mtx.Lock()
	g.evidence = append(g.evidence, ev...)
	g.mtx.Unlock()
}

// activatePendingChanges hands the session over once a change's trigger
// block is part of finalized history.
func (g *Gadget) activatePendingChanges() {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	remaining := g.pending[:0]
	for _, change := range g.pending {
		if g.tree.Status(change.TriggerHash) != types.StatusFinalized {
			remaining = append(remaining, change)
			continue
		}

		next := g.authorities.NextSession(change.NextAuthorities)
		g.authorities = next
		g.session = next.Session
		g.importQ.SetAuthorities(next)

		g.metric.MarkSession(next.Session)
		g.Logger.Info("authority session activated",
			"session", next.Session, "authorities", next.Size())
	}
	g.pending = remaining
}
