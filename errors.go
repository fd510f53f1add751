// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package phe

import "errors"

// Common errors.
var (
	ErrInvalidArgument  = errors.New("phe: invalid argument")
	ErrTypeMismatch     = errors.New("phe: operands are not ciphertexts under the same public key")
	ErrKeyMismatch      = errors.New("phe: ciphertext was produced under a different public key")
	ErrDecryption       = errors.New("phe: malformed ciphertext")
	ErrInvalidOperation = errors.New("phe: invalid operation, supported: addition, multiplication")
	ErrMissingScalar    = errors.New("phe: multiplication requires a scalar")
	ErrNoSecretKey      = errors.New("phe: context holds no secret key")
)
