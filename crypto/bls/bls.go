// Package bls adapts BLS keys over the bn256 pairing to the tendermint
// crypto interfaces. Authorities sign block headers and finality votes with
// these keys; precommit signatures for a concluded round aggregate into a
// single justification signature.
package bls

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
)

const (
	PrivKeyName = "slotchain/PrivKeyBLS"
	PubKeyName  = "slotchain/PubKeyBLS"

	KeyType = "bls-bn256"
)

var suite = bn256.NewSuite()

func init() {
	tmjson.RegisterType(PubKey{}, PubKeyName)
	tmjson.RegisterType(PrivKey{}, PrivKeyName)
}

//-------------------------------------

var _ crypto.PrivKey = PrivKey{}

// PrivKey is a marshaled bn256 scalar.
type PrivKey []byte

func (privKey PrivKey) Bytes() []byte {
	return []byte(privKey)
}

func (privKey PrivKey) scalar() (kyber.Scalar, error) {
	s := suite.G2().Scalar()
	if err := s.UnmarshalBinary(privKey); err != nil {
		return nil, fmt.Errorf("malformed bls private key: %w", err)
	}
	return s, nil
}

// Sign produces a BLS signature on msg (hashed onto G1).
func (privKey PrivKey) Sign(msg []byte) ([]byte, error) {
	x, err := privKey.scalar()
	if err != nil {
		return nil, err
	}
	return bls.Sign(suite, x, msg)
}

func (privKey PrivKey) PubKey() crypto.PubKey {
	x, err := privKey.scalar()
	if err != nil {
		panic(err)
	}
	point := suite.G2().Point().Mul(x, nil)
	bz, err := point.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return PubKey(bz)
}

func (privKey PrivKey) Equals(other crypto.PrivKey) bool {
	if otherBLS, ok := other.(PrivKey); ok {
		return subtle.ConstantTimeCompare(privKey[:], otherBLS[:]) == 1
	}
	return false
}

func (privKey PrivKey) Type() string {
	return KeyType
}

// GenPrivKey generates a new BLS private key from crypto/rand randomness.
func GenPrivKey() PrivKey {
	x, _ := bls.NewKeyPair(suite, random.New())
	return marshalScalar(x)
}

// GenPrivKeyWithSeed derives a private key deterministically from seed.
// Test and cluster-bootstrap helper, not for production keys.
func GenPrivKeyWithSeed(seed int64) PrivKey {
	seedBz := make([]byte, 8)
	binary.BigEndian.PutUint64(seedBz, uint64(seed))
	x, _ := bls.NewKeyPair(suite, suite.XOF(seedBz))
	return marshalScalar(x)
}

func marshalScalar(x kyber.Scalar) PrivKey {
	bz, err := x.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return PrivKey(bz)
}

//-------------------------------------

var _ crypto.PubKey = PubKey{}

// PubKey is a marshaled point on G2.
type PubKey []byte

// Address is the first 20 bytes of the hash of the marshaled public key.
func (pubKey PubKey) Address() crypto.Address {
	return crypto.Address(tmhash.SumTruncated(pubKey))
}

func (pubKey PubKey) Bytes() []byte {
	return []byte(pubKey)
}

func (pubKey PubKey) point() (kyber.Point, error) {
	p := suite.G2().Point()
	if err := p.UnmarshalBinary(pubKey); err != nil {
		return nil, fmt.Errorf("malformed bls public key: %w", err)
	}
	return p, nil
}

func (pubKey PubKey) VerifySignature(msg []byte, sig []byte) bool {
	point, err := pubKey.point()
	if err != nil {
		return false
	}
	return bls.Verify(suite, point, msg, sig) == nil
}

func (pubKey PubKey) Equals(other crypto.PubKey) bool {
	if otherBLS, ok := other.(PubKey); ok {
		return bytes.Equal(pubKey[:], otherBLS[:])
	}
	return false
}

func (pubKey PubKey) Type() string {
	return KeyType
}

func (pubKey PubKey) String() string {
	return fmt.Sprintf("PubKeyBLS{%X}", []byte(pubKey))
}

//-------------------------------------
// aggregation

// AggregateSignatures combines signatures made on the same message into one.
func AggregateSignatures(sigs ...[]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("no signatures to aggregate")
	}
	return bls.AggregateSignatures(suite, sigs...)
}

// VerifyAggregate verifies an aggregated signature on msg against the
// combined public keys of the signers.
func VerifyAggregate(pubs []PubKey, msg, aggSig []byte) error {
	if len(pubs) == 0 {
		return errors.New("no public keys to verify against")
	}
	points := make([]kyber.Point, len(pubs))
	for i, pub := range pubs {
		point, err := pub.point()
		if err != nil {
			return err
		}
		points[i] = point
	}
	combined := bls.AggregatePublicKeys(suite, points...)
	return bls.Verify(suite, combined, msg, aggSig)
}
