package importer

import (
	"fmt"

	"github.com/pkg/errors"

	"slotchain/types"
)

var (
	// ErrKnownBlock means the block is already in the tree. Re-import is
	// a no-op, callers should not treat it as a failure.
	ErrKnownBlock = errors.New("block already imported")

	ErrBadProposer       = errors.New("proposer is not the author of the slot")
	ErrBadSignature      = errors.New("author signature verification failed")
	ErrStateRootMismatch = errors.New("state root does not match execution result")
	ErrBadNumber         = errors.New("block number does not follow its parent")
	ErrSlotOrder         = errors.New("block slot does not advance its parent's slot")

	ErrQueueFull    = errors.New("too many blocks waiting for their parent")
	ErrQueueStopped = errors.New("import queue is not running")
)

// ErrInvalidBlock marks a block as permanently rejected. Re-submitting the
// same block can never succeed.
type ErrInvalidBlock struct {
	Reason error
}

func (e ErrInvalidBlock) Error() string {
	return fmt.Sprintf("invalid block: %v", e.Reason)
}

func (e ErrInvalidBlock) Unwrap() error { return e.Reason }

// ErrPrematureBlock is a transient rejection: the block's slot lies beyond
// the local clock's drift tolerance and may become valid shortly.
type ErrPrematureBlock struct {
	Slot        types.LTime
	CurrentSlot types.LTime
}

func (e ErrPrematureBlock) Error() string {
	return fmt.Sprintf("premature block: slot %v, local slot %v", e.Slot, e.CurrentSlot)
}

// IsTransient reports whether the import may succeed if retried later,
// i.e. the parent is missing or the block arrived early.
func IsTransient(err error) bool {
	if errors.Is(err, types.ErrMissingParent) {
		return true
	}
	var premature ErrPrematureBlock
	return errors.As(err, &premature)
}

// IsInvalidBlock reports whether the block was permanently rejected.
func IsInvalidBlock(err error) bool {
	var invalid ErrInvalidBlock
	return errors.As(err, &invalid)
}

func invalid(reason error) error {
	return ErrInvalidBlock{Reason: reason}
}
