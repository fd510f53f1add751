// Package phe - Security Levels
//
// Paillier security rests on the hardness of factoring N, so the modulus
// size follows the usual integer-factorization equivalences:
//
//	Level         Modulus bits    Notes
//	----------------------------------------------------------
//	Security112   2048            default, matches DefaultParameters
//	Security128   3072            recommended for long-lived data
//	Security192   7680            slow key generation
//
// Key generation draws safe primes, so its cost grows steeply with the
// modulus; ciphertexts are 2x the modulus size on the wire.
//
// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause
package phe

import "fmt"

// SecurityLevel represents the target classical security level in bits
type SecurityLevel int

const (
	// Security112 provides 112-bit classical security
	Security112 SecurityLevel = 112
	// Security128 provides 128-bit classical security
	Security128 SecurityLevel = 128
	// Security192 provides 192-bit classical security
	Security192 SecurityLevel = 192
)

// ModulusBits returns the Paillier modulus size for the level.
func (l SecurityLevel) ModulusBits() (int, error) {
	switch l {
	case Security112:
		return 2048, nil
	case Security128:
		return 3072, nil
	case Security192:
		return 7680, nil
	default:
		return 0, fmt.Errorf("%w: unsupported security level %d", ErrInvalidArgument, int(l))
	}
}

// ParametersForLevel returns DefaultParameters sized for the level.
func ParametersForLevel(l SecurityLevel) (Parameters, error) {
	bits, err := l.ModulusBits()
	if err != nil {
		return Parameters{}, err
	}
	p := DefaultParameters
	p.KeyBits = bits
	return p, nil
}
