package types

import (
	"encoding/binary"
	"strconv"
)

// LTime is the logical slot number of the chain. Slot numbers only ever grow;
// wall-clock time maps onto them through the slot clock.
type LTime int64

const (
	LtimeZero = LTime(0)
)

func (t LTime) Int64() int64 {
	return int64(t)
}

func (t LTime) Equal(other LTime) bool {
	return int64(t) == int64(other)
}

func (t LTime) Greater(other LTime) bool {
	return int64(t) > int64(other)
}

func (t LTime) GreaterEqual(other LTime) bool {
	return int64(t) >= int64(other)
}

// Add returns the slot delta slots later.
func (t LTime) Add(delta int64) LTime {
	return LTime(int64(t) + delta)
}

// Sub returns the distance between two slots.
func (t LTime) Sub(other LTime) int64 {
	return int64(t) - int64(other)
}

// Mod is used by the round-robin author rotation. n must be positive.
func (t LTime) Mod(n int) int {
	return int(int64(t) % int64(n))
}

// Hash returns the canonical byte encoding fed into header hashing.
func (t LTime) Hash() []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, uint64(t))
	return bz
}

func (t LTime) String() string {
	return strconv.FormatInt(int64(t), 10)
}
