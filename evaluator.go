// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package phe

import (
	"fmt"
	"math/big"
)

// Evaluator combines ciphertexts without decrypting them.
// SECURITY: This evaluator does NOT require the secret key.
type Evaluator struct {
	pk *PublicKey
}

// NewEvaluator creates an evaluator for the context's public key.
func NewEvaluator(ctx *CryptoContext) *Evaluator {
	return &Evaluator{pk: ctx.pk}
}

func (eval *Evaluator) check(cts ...*Ciphertext) error {
	for i, ct := range cts {
		if ct == nil || ct.c == nil {
			return fmt.Errorf("%w: operand %d is not a ciphertext", ErrTypeMismatch, i)
		}
		if !ct.pk.Equal(eval.pk) {
			return fmt.Errorf("%w: operand %d under key %s, evaluator key %s", ErrTypeMismatch, i, ct.pk.ID(), eval.pk.ID())
		}
	}
	return nil
}

// Add returns a ciphertext of plaintext(a) + plaintext(b).
func (eval *Evaluator) Add(a, b *Ciphertext) (*Ciphertext, error) {
	if err := eval.check(a, b); err != nil {
		return nil, err
	}
	sum, err := eval.pk.pk.Add(a.c, b.c)
	if err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}
	return &Ciphertext{c: sum, pk: eval.pk}, nil
}

// ScalarMultiply returns a ciphertext of plaintext(ct) * k. Negative k is
// taken mod N.
func (eval *Evaluator) ScalarMultiply(ct *Ciphertext, k *big.Int) (*Ciphertext, error) {
	if err := eval.check(ct); err != nil {
		return nil, err
	}
	if k == nil {
		return nil, fmt.Errorf("%w: scalar is not numeric", ErrTypeMismatch)
	}
	alpha := new(big.Int).Mod(k, eval.pk.N())
	prod, _, err := eval.pk.pk.Multiply(ct.c, alpha)
	if err != nil {
		return nil, fmt.Errorf("multiply: %w", err)
	}
	return &Ciphertext{c: prod, pk: eval.pk}, nil
}

// Sum folds Add over cts. The plaintext ring is commutative, so the order
// of cts does not change the decrypted result.
func (eval *Evaluator) Sum(cts []*Ciphertext) (*Ciphertext, error) {
	if len(cts) == 0 {
		return nil, fmt.Errorf("%w: nothing to sum", ErrInvalidArgument)
	}
	if err := eval.check(cts...); err != nil {
		return nil, err
	}
	if len(cts) == 1 {
		return cts[0], nil
	}
	terms := make([]*big.Int, len(cts))
	for i, ct := range cts {
		terms[i] = ct.c
	}
	sum, err := eval.pk.pk.Add(terms...)
	if err != nil {
		return nil, fmt.Errorf("sum: %w", err)
	}
	return &Ciphertext{c: sum, pk: eval.pk}, nil
}

// Negate returns a ciphertext of -plaintext(ct).
func (eval *Evaluator) Negate(ct *Ciphertext) (*Ciphertext, error) {
	return eval.ScalarMultiply(ct, big.NewInt(-1))
}

// Sub returns a ciphertext of plaintext(a) - plaintext(b).
func (eval *Evaluator) Sub(a, b *Ciphertext) (*Ciphertext, error) {
	neg, err := eval.Negate(b)
	if err != nil {
		return nil, err
	}
	return eval.Add(a, neg)
}
