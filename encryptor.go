// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package phe

import (
	"fmt"
	"math"
	"math/big"
)

// Ciphertext is an element of Z*_{N^2} bound to the public key that
// produced it.
type Ciphertext struct {
	c  *big.Int
	pk *PublicKey
}

// PublicKey returns the key the ciphertext lives under.
func (ct *Ciphertext) PublicKey() *PublicKey { return ct.pk }

// Int returns a copy of the underlying integer.
func (ct *Ciphertext) Int() *big.Int { return new(big.Int).Set(ct.c) }

// Encryptor encrypts plaintext integers and fixed-point amounts
type Encryptor struct {
	pk *PublicKey
}

// NewEncryptor creates an encryptor for the context's public key
func NewEncryptor(ctx *CryptoContext) *Encryptor {
	return &Encryptor{pk: ctx.pk}
}

// Encrypt encrypts a signed integer. Negative values are mapped to N - |m|.
// Magnitude is not checked; values beyond N/2 wrap.
func (enc *Encryptor) Encrypt(m *big.Int) (*Ciphertext, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil plaintext", ErrInvalidArgument)
	}
	residue := new(big.Int).Mod(m, enc.pk.N())
	c, _, err := enc.pk.pk.Encrypt(residue)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return &Ciphertext{c: c, pk: enc.pk}, nil
}

// EncryptInt64 encrypts an int64
func (enc *Encryptor) EncryptInt64(v int64) (*Ciphertext, error) {
	return enc.Encrypt(big.NewInt(v))
}

// EncryptBatch encrypts one ciphertext per input
func (enc *Encryptor) EncryptBatch(ms []*big.Int) ([]*Ciphertext, error) {
	cts := make([]*Ciphertext, len(ms))
	for i, m := range ms {
		ct, err := enc.Encrypt(m)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		cts[i] = ct
	}
	return cts, nil
}

// EncryptAmount encrypts round(amount * Scale).
func (enc *Encryptor) EncryptAmount(amount float64) (*Ciphertext, error) {
	m, err := EncodeAmount(amount, enc.pk.scale)
	if err != nil {
		return nil, err
	}
	return enc.Encrypt(m)
}

// EncryptAmounts encrypts a column of amounts
func (enc *Encryptor) EncryptAmounts(amounts []float64) ([]*Ciphertext, error) {
	cts := make([]*Ciphertext, len(amounts))
	for i, a := range amounts {
		ct, err := enc.EncryptAmount(a)
		if err != nil {
			return nil, fmt.Errorf("amount %d: %w", i, err)
		}
		cts[i] = ct
	}
	return cts, nil
}

// EncodeAmount converts an amount to its fixed-point integer, rounding
// half away from zero.
func EncodeAmount(amount float64, scale int64) (*big.Int, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, fmt.Errorf("%w: amount %v is not finite", ErrInvalidArgument, amount)
	}
	f := new(big.Float).SetPrec(256).SetFloat64(amount)
	f.Mul(f, new(big.Float).SetInt64(scale))
	if f.Sign() < 0 {
		f.Sub(f, big.NewFloat(0.5))
	} else {
		f.Add(f, big.NewFloat(0.5))
	}
	m, _ := f.Int(nil)
	return m, nil
}

// DecodeAmount converts a signed fixed-point integer back to an amount.
func DecodeAmount(m *big.Int, scale int64) float64 {
	r := new(big.Rat).SetFrac(m, big.NewInt(scale))
	f, _ := r.Float64()
	return f
}
