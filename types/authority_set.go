// fork from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tendermint/tendermint/crypto/merkle"
)

// AuthoritySet is the ordered set of authorities for one session: block
// authors and finality voters with their weights.
//
// The set is an immutable snapshot versioned by Session. A session change
// never mutates a set in place; it produces a new snapshot with Session+1 so
// that in-flight finality rounds referencing an older session stay
// consistent. Authorities are ordered by address (ascending); the round-robin
// author rotation and voter indices are derived from that order.
//
// NOTE: All get to authorities copy the value for safety.
type AuthoritySet struct {
	Session     uint64       `json:"session"`
	Authorities []*Validator `json:"authorities"`

	totalWeight int64
}

// NewAuthoritySet sorts the given validators by address and wraps them into
// a snapshot for the given session. Duplicate addresses panic.
func NewAuthoritySet(session uint64, valz []*Validator) *AuthoritySet {
	authorities := validatorListCopy(valz)
	sort.Slice(authorities, func(i, j int) bool {
		return bytes.Compare(authorities[i].Address, authorities[j].Address) < 0
	})
	for i := 1; i < len(authorities); i++ {
		if AddressEqual(authorities[i-1].Address, authorities[i].Address) {
			panic(fmt.Sprintf("duplicate authority address %v", authorities[i].Address))
		}
	}
	return &AuthoritySet{
		Session:     session,
		Authorities: authorities,
	}
}

func (set *AuthoritySet) ValidateBasic() error {
	if set.IsNilOrEmpty() {
		return errors.New("authority set is nil or empty")
	}
	for idx, val := range set.Authorities {
		if err := val.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid authority #%d: %w", idx, err)
		}
	}
	return nil
}

// IsNilOrEmpty returns true if the authority set is nil or empty.
func (set *AuthoritySet) IsNilOrEmpty() bool {
	return set == nil || len(set.Authorities) == 0
}

func validatorListCopy(valsList []*Validator) []*Validator {
	if valsList == nil {
		return nil
	}
	valsCopy := make([]*Validator, len(valsList))
	for i, val := range valsList {
		valsCopy[i] = val.Copy()
	}
	return valsCopy
}

// Copy returns a snapshot with the same session and authorities.
func (set *AuthoritySet) Copy() *AuthoritySet {
	return &AuthoritySet{
		Session:     set.Session,
		Authorities: validatorListCopy(set.Authorities),
		totalWeight: set.totalWeight,
	}
}

// NextSession derives the successor snapshot holding the given authorities.
func (set *AuthoritySet) NextSession(valz []*Validator) *AuthoritySet {
	return NewAuthoritySet(set.Session+1, valz)
}

func (set *AuthoritySet) Size() int {
	return len(set.Authorities)
}

// TotalWeight sums the voting power of every authority. Fixed per session.
func (set *AuthoritySet) TotalWeight() int64 {
	if set.totalWeight == 0 {
		for _, val := range set.Authorities {
			set.totalWeight += val.VotingPower
		}
	}
	return set.totalWeight
}

// Threshold is the supermajority bound: strictly more than two thirds of the
// total weight, i.e. the least w with 3w > 2*total.
func (set *AuthoritySet) Threshold() int64 {
	return 2*set.TotalWeight()/3 + 1
}

// AuthorForSlot returns the single authority eligible to author at the given
// slot: plain round-robin over the ordered set, a total function with no
// ties. Nil for an empty set.
func (set *AuthoritySet) AuthorForSlot(slot LTime) *Validator {
	if len(set.Authorities) == 0 {
		return nil
	}
	idx := slot.Mod(len(set.Authorities))
	return set.Authorities[idx].Copy()
}

// HasAddress returns true if address given is in the authority set.
func (set *AuthoritySet) HasAddress(address Address) bool {
	for _, val := range set.Authorities {
		if AddressEqual(val.Address, address) {
			return true
		}
	}
	return false
}

// GetByAddress returns an index of the authority with address and the
// authority itself (copy) if found. Otherwise, -1 and nil are returned.
func (set *AuthoritySet) GetByAddress(address Address) (index int32, val *Validator) {
	for idx, val := range set.Authorities {
		if AddressEqual(val.Address, address) {
			return int32(idx), val.Copy()
		}
	}
	return -1, nil
}

// GetByIndex returns the authority's address and the authority itself (copy)
// by index. It returns nil values if index is out of range.
func (set *AuthoritySet) GetByIndex(index int32) (address Address, val *Validator) {
	if index < 0 || int(index) >= len(set.Authorities) {
		return nil, nil
	}
	val = set.Authorities[index]
	return val.Address, val.Copy()
}

// Hash returns the merkle root over the authorities in order, prefixed with
// the session number.
func (set *AuthoritySet) Hash() []byte {
	bzs := make([][]byte, 0, len(set.Authorities)+1)
	bzs = append(bzs, LTime(set.Session).Hash())
	for _, val := range set.Authorities {
		bzs = append(bzs, val.Bytes())
	}
	return merkle.HashFromByteSlices(bzs)
}

// Iterate will run the given function over the set.
func (set *AuthoritySet) Iterate(fn func(index int, val *Validator) bool) {
	for i, val := range set.Authorities {
		stop := fn(i, val.Copy())
		if stop {
			break
		}
	}
}

func (set *AuthoritySet) String() string {
	return set.StringIndented("")
}

// StringIndented returns an indented String.
func (set *AuthoritySet) StringIndented(indent string) string {
	if set == nil {
		return "nil-AuthoritySet"
	}
	var valStrings []string
	set.Iterate(func(index int, val *Validator) bool {
		valStrings = append(valStrings, val.String())
		return false
	})
	return fmt.Sprintf(`AuthoritySet{
%s  Session: %d
%s  Authorities:
%s    %v
%s}`,
		indent, set.Session,
		indent,
		indent, strings.Join(valStrings, "\n"+indent+"    "),
		indent)
}

//----------------------------------------

// RandAuthoritySet returns a randomized authority set for session 0 (size:
// +numValidators+), where each authority has a voting power of 1.
//
// EXPOSED FOR TESTING.
func RandAuthoritySet(numValidators int) (*AuthoritySet, []PrivValidator) {
	var (
		valz           = make([]*Validator, numValidators)
		privValidators = make([]PrivValidator, numValidators)
	)
	for i := 0; i < numValidators; i++ {
		val, privValidator := RandValidator()
		valz[i] = val
		privValidators[i] = privValidator
	}
	sort.Sort(PrivValidatorsByAddress(privValidators))
	return NewAuthoritySet(0, valz), privValidators
}
