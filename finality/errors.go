package finality

import "github.com/pkg/errors"

var (
	ErrVoteUnexpected       = errors.New("vote does not belong to this round")
	ErrVoteNonAuthority     = errors.New("voter is not in the authority set")
	ErrVoteInvalidSignature = errors.New("vote signature verification failed")
	ErrVoteConflict         = errors.New("voter already voted for a different target")
)
