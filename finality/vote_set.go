package finality

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"slotchain/types"
)

// WeightedVoteSet tallies one stage of one round. Each authority is counted
// once: the first vote binds, a conflicting second vote yields an
// equivocation proof and no extra weight.
type WeightedVoteSet struct {
	chainID     string
	round       uint64
	session     uint64
	stage       types.VoteStage
	authorities *types.AuthoritySet

	mtx      sync.Mutex
	votes    map[string]*types.Vote // voter address -> first vote
	weight   int64
	evidence []*types.VoteEquivocationProof
}

func NewWeightedVoteSet(
	chainID string,
	round, session uint64,
	stage types.VoteStage,
	authorities *types.AuthoritySet,
) *WeightedVoteSet {
	return &WeightedVoteSet{
		chainID:     chainID,
		round:       round,
		session:     session,
		stage:       stage,
		authorities: authorities,
		votes:       make(map[string]*types.Vote),
	}
}

// AddVote verifies and counts the vote. Returns true when the vote added
// weight; duplicates return (false, nil), conflicting votes return
// (false, ErrVoteConflict) after the proof is recorded.
func (vs *WeightedVoteSet) AddVote(vote *types.Vote) (bool, error) {
	if err := vote.ValidateBasic(); err != nil {
		return false, err
	}
	if vote.Round != vs.round || vote.Session != vs.session || vote.Stage != vs.stage {
		return false, errors.Wrapf(ErrVoteUnexpected,
			"got %d/%d/%s, want %d/%d/%s",
			vote.Round, vote.Session, vote.Stage, vs.round, vs.session, vs.stage)
	}

	idx, val := vs.authorities.GetByAddress(vote.Voter)
	if val == nil {
		return false, ErrVoteNonAuthority
	}
	if !val.PubKey.VerifySignature(types.VoteSignBytes(vs.chainID, vote), vote.Signature) {
		return false, ErrVoteInvalidSignature
	}

	vs.mtx.Lock()
	defer vs.mtx.Unlock()

	key := string(vote.Voter)
	if first, ok := vs.votes[key]; ok {
		if first.Equal(vote) {
			return false, nil
		}
		if vs.conflictRecorded(vote.Voter) {
			return false, ErrVoteConflict
		}
		vs.evidence = append(vs.evidence, &types.VoteEquivocationProof{
			Offender:   vote.Voter,
			Round:      vote.Round,
			Stage:      vote.Stage,
			FirstVote:  *first,
			SecondVote: *vote,
		})
		return false, ErrVoteConflict
	}

	counted := *vote
	counted.VoterIndex = idx
	vs.votes[key] = &counted
	vs.weight += val.VotingPower
	return true, nil
}

// caller holds the lock.
func (vs *WeightedVoteSet) conflictRecorded(voter types.Address) bool {
	for _, proof := range vs.evidence {
		if types.AddressEqual(proof.Offender, voter) {
			return true
		}
	}
	return false
}

// Weight is the total counted voting power.
func (vs *WeightedVoteSet) Weight() int64 {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()
	return vs.weight
}

// Size is the number of counted votes.
func (vs *WeightedVoteSet) Size() int {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()
	return len(vs.votes)
}

// SumExact is the weight behind votes targeting exactly the given block.
func (vs *WeightedVoteSet) SumExact(hash []byte) int64 {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()

	var weight int64
	for _, vote := range vs.votes {
		if bytes.Equal(vote.BlockHash, hash) {
			_, val := vs.authorities.GetByAddress(vote.Voter)
			weight += val.VotingPower
		}
	}
	return weight
}

// VotesFor returns the counted votes targeting exactly the given block,
// the raw material of an aggregated justification.
func (vs *WeightedVoteSet) VotesFor(hash []byte) []*types.Vote {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()

	votes := []*types.Vote{}
	for _, vote := range vs.votes {
		if bytes.Equal(vote.BlockHash, hash) {
			votes = append(votes, vote)
		}
	}
	return votes
}

// ExactSupermajority returns the block backed by a supermajority of
// identical votes, if any.
func (vs *WeightedVoteSet) ExactSupermajority() (tmbytes.HexBytes, bool) {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()

	tally := make(map[string]int64)
	for _, vote := range vs.votes {
		_, val := vs.authorities.GetByAddress(vote.Voter)
		tally[string(vote.BlockHash)] += val.VotingPower
	}
	threshold := vs.authorities.Threshold()
	for hash, weight := range tally {
		if weight >= threshold {
			return tmbytes.HexBytes(hash), true
		}
	}
	return nil, false
}

// Ghost returns the deepest block whose subtree carries a supermajority of
// votes: a vote supports its target and every ancestor of the target. Ties
// at equal depth break toward the smallest hash.
func (vs *WeightedVoteSet) Ghost(tree *types.BlockTree) (tmbytes.HexBytes, bool) {
	vs.mtx.Lock()
	votes := make([]*types.Vote, 0, len(vs.votes))
	for _, vote := range vs.votes {
		votes = append(votes, vote)
	}
	vs.mtx.Unlock()

	threshold := vs.authorities.Threshold()

	// one walk snapshots the tree; support is tallied on the snapshot so no
	// tree lock is held while resolving ancestry
	type treeNode struct {
		number int64
		parent string
		pruned bool
	}
	nodes := make(map[string]*treeNode)
	tree.ForEach(func(block *types.Block, status types.BlockStatus) {
		nodes[string(block.Hash())] = &treeNode{
			number: block.Number,
			parent: string(block.ParentHash),
			pruned: status == types.StatusPruned,
		}
	})

	// a vote supports its target and every ancestor of the target
	support := make(map[string]int64)
	for _, vote := range votes {
		_, val := vs.authorities.GetByAddress(vote.Voter)
		for cur := string(vote.BlockHash); cur != ""; {
			node, ok := nodes[cur]
			if !ok {
				break
			}
			support[cur] += val.VotingPower
			cur = node.parent
		}
	}

	var (
		ghost      tmbytes.HexBytes
		ghostDepth int64 = -1
	)
	for key, node := range nodes {
		if node.pruned || support[key] < threshold {
			continue
		}
		hash := tmbytes.HexBytes(key)
		switch {
		case node.number > ghostDepth:
			ghost, ghostDepth = hash, node.number
		case node.number == ghostDepth && bytes.Compare(hash, ghost) < 0:
			ghost = hash
		}
	}

	if ghost == nil {
		return nil, false
	}
	return ghost, true
}

// Evidence returns the equivocation proofs collected so far.
func (vs *WeightedVoteSet) Evidence() []*types.VoteEquivocationProof {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()

	ev := make([]*types.VoteEquivocationProof, len(vs.evidence))
	copy(ev, vs.evidence)
	return ev
}
