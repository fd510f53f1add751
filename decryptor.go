// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package phe

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/niclabs/tcpaillier"
)

// Operation selects the homomorphic combination applied before decryption.
type Operation string

const (
	OpAddition       Operation = "addition"
	OpMultiplication Operation = "multiplication"
)

// ParseOperation maps a wire name to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(s))); op {
	case OpAddition, OpMultiplication:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, s)
	}
}

// Decryptor is the decryption authority. It holds every key share and
// combines Threshold partial decryptions per call; nothing is retained
// between calls.
type Decryptor struct {
	pk   *PublicKey
	sk   *SecretKey
	eval *Evaluator
}

// NewDecryptor creates a decryptor. The context must carry key shares.
func NewDecryptor(ctx *CryptoContext) (*Decryptor, error) {
	if !ctx.CanDecrypt() {
		return nil, ErrNoSecretKey
	}
	return &Decryptor{
		pk:   ctx.pk,
		sk:   ctx.sk,
		eval: NewEvaluator(ctx),
	}, nil
}

// Decrypt returns the plaintext residue in [0, N).
func (dec *Decryptor) Decrypt(ct *Ciphertext) (*big.Int, error) {
	if ct == nil || ct.c == nil {
		return nil, fmt.Errorf("%w: nil ciphertext", ErrDecryption)
	}
	if !ct.pk.Equal(dec.pk) {
		return nil, fmt.Errorf("%w: ciphertext key %s, authority key %s", ErrKeyMismatch, ct.pk.ID(), dec.pk.ID())
	}
	if err := dec.pk.validate(ct.c); err != nil {
		return nil, err
	}

	parts := make([]*tcpaillier.DecryptionShare, dec.sk.threshold)
	for i := 0; i < dec.sk.threshold; i++ {
		part, err := dec.sk.shares[i].PartialDecrypt(ct.c)
		if err != nil {
			return nil, fmt.Errorf("%w: partial decryption %d: %v", ErrDecryption, i, err)
		}
		parts[i] = part
	}

	m, err := dec.pk.pk.CombineShares(parts...)
	if err != nil {
		return nil, fmt.Errorf("%w: combine shares: %v", ErrDecryption, err)
	}
	return m.Mod(m, dec.pk.N()), nil
}

// DecryptBatch decrypts each ciphertext, failing on the first error.
func (dec *Decryptor) DecryptBatch(cts []*Ciphertext) ([]*big.Int, error) {
	out := make([]*big.Int, len(cts))
	for i, ct := range cts {
		m, err := dec.Decrypt(ct)
		if err != nil {
			return nil, fmt.Errorf("ciphertext %d: %w", i, err)
		}
		out[i] = m
	}
	return out, nil
}

// DecryptSigned decrypts and maps the residue to (-N/2, N/2].
func (dec *Decryptor) DecryptSigned(ct *Ciphertext) (*big.Int, error) {
	m, err := dec.Decrypt(ct)
	if err != nil {
		return nil, err
	}
	return CorrectWraparound(m, dec.pk.N()), nil
}

// DecryptSum decrypts an aggregate, corrects wraparound and removes the
// fixed-point scale.
func (dec *Decryptor) DecryptSum(ct *Ciphertext) (float64, error) {
	m, err := dec.DecryptSigned(ct)
	if err != nil {
		return 0, err
	}
	return DecodeAmount(m, dec.pk.scale), nil
}

// DecryptAmounts applies DecryptSum to each ciphertext.
func (dec *Decryptor) DecryptAmounts(cts []*Ciphertext) ([]float64, error) {
	out := make([]float64, len(cts))
	for i, ct := range cts {
		v, err := dec.DecryptSum(ct)
		if err != nil {
			return nil, fmt.Errorf("ciphertext %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// HomomorphicOperations combines operands with op and decrypts the single
// result: addition folds every operand, multiplication scales operands[0].
func (dec *Decryptor) HomomorphicOperations(op Operation, operands []*Ciphertext, scalar *big.Int) (float64, error) {
	if len(operands) == 0 {
		return 0, fmt.Errorf("%w: no operands", ErrInvalidArgument)
	}

	var (
		result *Ciphertext
		err    error
	)
	switch op {
	case OpAddition:
		result, err = dec.eval.Sum(operands)
	case OpMultiplication:
		if scalar == nil {
			return 0, ErrMissingScalar
		}
		result, err = dec.eval.ScalarMultiply(operands[0], scalar)
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOperation, string(op))
	}
	if err != nil {
		return 0, err
	}
	return dec.DecryptSum(result)
}

// CorrectWraparound interprets a residue mod n as a signed value: anything
// above n/2 is a negative number that wrapped.
func CorrectWraparound(m, n *big.Int) *big.Int {
	v := new(big.Int).Set(m)
	if v.Sign() < 0 {
		v.Add(v, n)
	}
	half := new(big.Int).Rsh(n, 1)
	if v.Cmp(half) > 0 {
		v.Sub(v, n)
	}
	return v
}
