// Package phe implements the additively homomorphic layer used to keep a
// numeric column encrypted end to end.
//
// The scheme is threshold Paillier (Damgård–Jurik with s = 1) from
// niclabs/tcpaillier:
//   - Enc(a) + Enc(b) decrypts to a + b mod N
//   - Enc(a) * k decrypts to a * k mod N
//   - decryption combines Threshold partial decryptions
//
// The party that encrypts and combines ciphertexts (the query server) only
// ever holds a PublicKey. The decryption authority owns the CryptoContext
// that carries the key shares.
//
// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause
package phe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/niclabs/tcpaillier"
)

// Parameters defines the key pair and fixed-point convention.
type Parameters struct {
	// KeyBits is the bit length of the Paillier modulus N
	KeyBits int
	// Shares is the number of key shares held by the authority
	Shares uint8
	// Threshold is the number of partial decryptions combined per call
	Threshold uint8
	// Scale is the fixed-point factor applied to amounts before encryption
	Scale int64
}

// Standard parameter sets
var (
	// DefaultParameters is used by the authority binary unless overridden.
	DefaultParameters = Parameters{
		KeyBits:   2048,
		Shares:    3,
		Threshold: 2,
		Scale:     1000,
	}

	// TestParameters trades security for key generation speed.
	TestParameters = Parameters{
		KeyBits:   512,
		Shares:    3,
		Threshold: 2,
		Scale:     1000,
	}
)

// Validate checks the parameter set.
func (p Parameters) Validate() error {
	switch {
	case p.KeyBits < 256:
		return fmt.Errorf("%w: key size %d too small", ErrInvalidArgument, p.KeyBits)
	case p.Shares == 0:
		return fmt.Errorf("%w: at least one key share required", ErrInvalidArgument)
	case p.Threshold == 0 || p.Threshold > p.Shares:
		return fmt.Errorf("%w: threshold %d out of range for %d shares", ErrInvalidArgument, p.Threshold, p.Shares)
	case p.Scale < 1:
		return fmt.Errorf("%w: scale must be positive", ErrInvalidArgument)
	}
	return nil
}

// PublicKey is the encryption half of the key pair.
type PublicKey struct {
	pk      *tcpaillier.PubKey
	nSquare *big.Int
	half    *big.Int
	scale   int64
	id      string
}

func newPublicKey(pk *tcpaillier.PubKey, scale int64) *PublicKey {
	nSquare := new(big.Int).Mul(pk.N, pk.N)
	sum := sha256.Sum256(pk.N.Bytes())
	return &PublicKey{
		pk:      pk,
		nSquare: nSquare,
		half:    new(big.Int).Rsh(pk.N, 1),
		scale:   scale,
		id:      hex.EncodeToString(sum[:8]),
	}
}

// N returns the plaintext modulus.
func (pk *PublicKey) N() *big.Int { return pk.pk.N }

// NSquare returns the ciphertext modulus.
func (pk *PublicKey) NSquare() *big.Int { return pk.nSquare }

// HalfN returns floor(N/2), the boundary above which a residue is negative.
func (pk *PublicKey) HalfN() *big.Int { return pk.half }

// Scale returns the fixed-point factor.
func (pk *PublicKey) Scale() int64 { return pk.scale }

// ID is a short fingerprint of the modulus.
func (pk *PublicKey) ID() string { return pk.id }

// Equal reports whether both keys share the same modulus.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	if pk == nil || other == nil {
		return false
	}
	return pk == other || pk.pk.N.Cmp(other.pk.N) == 0
}

// SecretKey holds every key share of the threshold key.
// SECURITY: never leaves the decryption authority.
type SecretKey struct {
	shares    []*tcpaillier.KeyShare
	threshold int
}

// CryptoContext is the process-wide key material. It is created once at
// startup and never regenerated; doing so would orphan every ciphertext
// issued under the previous key.
type CryptoContext struct {
	params Parameters
	pk     *PublicKey
	sk     *SecretKey
}

// NewCryptoContext generates a fresh key pair.
func NewCryptoContext(params Parameters) (*CryptoContext, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	shares, pk, err := tcpaillier.NewKey(params.KeyBits, 1, params.Shares, params.Threshold)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	return &CryptoContext{
		params: params,
		pk:     newPublicKey(pk, params.Scale),
		sk:     &SecretKey{shares: shares, threshold: int(params.Threshold)},
	}, nil
}

// NewPublicContext wraps a public key obtained from the authority.
// The resulting context can encrypt and combine but never decrypt.
func NewPublicContext(pk *PublicKey) *CryptoContext {
	return &CryptoContext{
		params: Parameters{
			KeyBits: pk.N().BitLen(),
			Scale:   pk.scale,
		},
		pk: pk,
	}
}

// Parameters returns the parameter set of the context.
func (ctx *CryptoContext) Parameters() Parameters { return ctx.params }

// PublicKey returns the public key.
func (ctx *CryptoContext) PublicKey() *PublicKey { return ctx.pk }

// CanDecrypt reports whether the context carries key shares.
func (ctx *CryptoContext) CanDecrypt() bool { return ctx.sk != nil }
