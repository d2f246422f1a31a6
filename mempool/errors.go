package mempool

import (
	"errors"
	"fmt"
)

var (
	// ErrTxInCache is returned to the client if we saw tx earlier
	ErrTxInCache = errors.New("tx already exists in cache")
	// ErrTxInMap is returned when the tx is already pooled
	ErrTxInMap = errors.New("tx already exists in map")
)

// ErrTxExpired is returned when a transaction's expiry slot already passed.
type ErrTxExpired struct {
	Expiry      int64
	CurrentSlot int64
}

func (e ErrTxExpired) Error() string {
	return fmt.Sprintf("tx expired at slot %d, current slot %d", e.Expiry, e.CurrentSlot)
}

// ErrTxTooLarge means the tx exceeds the configured maximum size.
type ErrTxTooLarge struct {
	Max    int64
	Actual int64
}

func (e ErrTxTooLarge) Error() string {
	return fmt.Sprintf("tx too large: max %d bytes, got %d bytes", e.Max, e.Actual)
}

// ErrMempoolIsFull means the pool ran out of space for new transactions.
type ErrMempoolIsFull struct {
	NumTxs      int
	MaxTxs      int
	TxsBytes    int64
	MaxTxsBytes int64
}

func (e ErrMempoolIsFull) Error() string {
	return fmt.Sprintf(
		"mempool is full: number of txs %d (max: %d), total bytes %d (max: %d)",
		e.NumTxs, e.MaxTxs, e.TxsBytes, e.MaxTxsBytes)
}

// ErrPreCheck wraps a rejection from the configured pre-check filter.
type ErrPreCheck struct {
	Reason error
}

func (e ErrPreCheck) Error() string {
	return fmt.Sprintf("tx pre-check failed: %v", e.Reason)
}

// IsPreCheckError reports whether err was produced by the pre-check filter.
func IsPreCheckError(err error) bool {
	var e ErrPreCheck
	return errors.As(err, &e)
}
