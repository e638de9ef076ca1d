// Package bls wraps the herumi BLS12-381 implementation behind the small
// surface the consensus engine needs: sign, verify, aggregate. Callers deal
// in the fixed-size wire forms from the types package.
package bls

import (
	"errors"
	"fmt"
	"sync"

	herumi "github.com/herumi/bls-eth-go-binary/bls"

	"github.com/veldtlabs/veldt/types"
)

var initOnce sync.Once

// ErrInvalidSignature is returned when signature bytes do not deserialize.
var ErrInvalidSignature = errors.New("invalid signature bytes")

// ErrInvalidPubkey is returned when pubkey bytes do not deserialize.
var ErrInvalidPubkey = errors.New("invalid pubkey bytes")

func ensureInit() {
	initOnce.Do(func() {
		if err := herumi.Init(herumi.BLS12_381); err != nil {
			panic(fmt.Sprintf("bls init: %v", err))
		}
		if err := herumi.SetETHmode(herumi.EthModeDraft07); err != nil {
			panic(fmt.Sprintf("bls eth mode: %v", err))
		}
	})
}

// SecretKey is a validator signing key.
type SecretKey struct {
	sk herumi.SecretKey
}

// GenerateKey creates a fresh random secret key.
func GenerateKey() *SecretKey {
	ensureInit()
	k := &SecretKey{}
	k.sk.SetByCSPRNG()
	return k
}

// SecretKeyFromBytes deserializes a 32-byte secret key.
func SecretKeyFromBytes(raw []byte) (*SecretKey, error) {
	ensureInit()
	k := &SecretKey{}
	if err := k.sk.Deserialize(raw); err != nil {
		return nil, fmt.Errorf("deserialize secret key: %w", err)
	}
	return k, nil
}

// Public returns the compressed public key.
func (k *SecretKey) Public() types.Pubkey {
	var pk types.Pubkey
	copy(pk[:], k.sk.GetPublicKey().Serialize())
	return pk
}

// Sign signs the 32-byte message root.
func (k *SecretKey) Sign(root types.Root) types.Signature {
	var sig types.Signature
	copy(sig[:], k.sk.SignByte(root[:]).Serialize())
	return sig
}

// Verify checks a single signature over a message root.
func Verify(pub types.Pubkey, root types.Root, sig types.Signature) bool {
	ensureInit()
	var p herumi.PublicKey
	if err := p.Deserialize(pub[:]); err != nil {
		return false
	}
	var s herumi.Sign
	if err := s.Deserialize(sig[:]); err != nil {
		return false
	}
	return s.VerifyByte(&p, root[:])
}

// Aggregate combines signatures over the same message.
func Aggregate(sigs []types.Signature) (types.Signature, error) {
	ensureInit()
	if len(sigs) == 0 {
		return types.Signature{}, errors.New("no signatures to aggregate")
	}
	parts := make([]herumi.Sign, len(sigs))
	for i, sig := range sigs {
		if err := parts[i].Deserialize(sig[:]); err != nil {
			return types.Signature{}, fmt.Errorf("%w: index %d", ErrInvalidSignature, i)
		}
	}
	var agg herumi.Sign
	agg.Aggregate(parts)
	var out types.Signature
	copy(out[:], agg.Serialize())
	return out, nil
}

// FastAggregateVerify checks an aggregate signature by the given pubkeys
// over one message root.
func FastAggregateVerify(pubs []types.Pubkey, root types.Root, sig types.Signature) bool {
	ensureInit()
	if len(pubs) == 0 {
		return false
	}
	keys := make([]herumi.PublicKey, len(pubs))
	for i, pub := range pubs {
		if err := keys[i].Deserialize(pub[:]); err != nil {
			return false
		}
	}
	var s herumi.Sign
	if err := s.Deserialize(sig[:]); err != nil {
		return false
	}
	return s.FastAggregateVerify(keys, root[:])
}
