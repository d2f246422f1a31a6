package state

import (
	"errors"
	"fmt"

	"slotchain/types"
)

var (
	// ErrUnknownRoot means the executor has no snapshot for the requested
	// state root. Import treats this as fatal: continuing could finalize a
	// block whose state was never executed.
	ErrUnknownRoot = errors.New("no state snapshot for root")
)

// ErrInvalidTx marks a transaction the state-transition function rejected.
// It carries the offending tx so the author can drop it and retry.
type ErrInvalidTx struct {
	Tx     types.Tx
	Reason string
}

func (e ErrInvalidTx) Error() string {
	return fmt.Sprintf("invalid tx %X: %s", e.Tx.Hash(), e.Reason)
}

// AsInvalidTx extracts the offending tx if err is an ErrInvalidTx.
func AsInvalidTx(err error) (types.Tx, bool) {
	var e ErrInvalidTx
	if errors.As(err, &e) {
		return e.Tx, true
	}
	return types.Tx{}, false
}
