// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package phe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/niclabs/tcpaillier"
)

// ========== Ciphertext Transport ==========

// String returns the decimal integer form used on the wire.
func (ct *Ciphertext) String() string {
	if ct == nil || ct.c == nil {
		return ""
	}
	return ct.c.String()
}

// ParseCiphertext rebuilds a ciphertext from its decimal wire form and binds
// it to pk.
func (pk *PublicKey) ParseCiphertext(s string) (*Ciphertext, error) {
	c, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a decimal integer", ErrDecryption, truncate(s, 32))
	}
	if err := pk.validate(c); err != nil {
		return nil, err
	}
	return &Ciphertext{c: c, pk: pk}, nil
}

// ParseCiphertexts parses a batch, failing on the first malformed entry.
func (pk *PublicKey) ParseCiphertexts(ss []string) ([]*Ciphertext, error) {
	cts := make([]*Ciphertext, len(ss))
	for i, s := range ss {
		ct, err := pk.ParseCiphertext(s)
		if err != nil {
			return nil, fmt.Errorf("ciphertext %d: %w", i, err)
		}
		cts[i] = ct
	}
	return cts, nil
}

// Strings renders a batch of ciphertexts.
func Strings(cts []*Ciphertext) []string {
	out := make([]string, len(cts))
	for i, ct := range cts {
		out[i] = ct.String()
	}
	return out
}

// validate checks c is a unit of Z_{N^2}.
func (pk *PublicKey) validate(c *big.Int) error {
	if c.Sign() <= 0 || c.Cmp(pk.nSquare) >= 0 {
		return fmt.Errorf("%w: value outside (0, N^2)", ErrDecryption)
	}
	if new(big.Int).GCD(nil, nil, c, pk.pk.N).Cmp(big.NewInt(1)) != 0 {
		return fmt.Errorf("%w: value not invertible mod N", ErrDecryption)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ========== Tagged Ciphertext Input ==========

// CiphertextInput is either a single ciphertext string or a batch, resolved
// once when the request body is decoded.
type CiphertextInput struct {
	values []string
	batch  bool
}

// Scalar wraps a single ciphertext string.
func Scalar(s string) CiphertextInput {
	return CiphertextInput{values: []string{s}}
}

// Batch wraps a list of ciphertext strings.
func Batch(ss []string) CiphertextInput {
	return CiphertextInput{values: ss, batch: true}
}

// IsBatch reports whether the input was a list.
func (in CiphertextInput) IsBatch() bool { return in.batch }

// Values returns the ciphertext strings (one for a scalar).
func (in CiphertextInput) Values() []string { return in.values }

// Empty reports whether no ciphertext was supplied.
func (in CiphertextInput) Empty() bool { return len(in.values) == 0 }

// MarshalJSON emits a string for scalars and a list for batches.
func (in CiphertextInput) MarshalJSON() ([]byte, error) {
	if in.batch {
		if in.values == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(in.values)
	}
	if len(in.values) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(in.values[0])
}

// UnmarshalJSON accepts a JSON string or a list of strings.
func (in *CiphertextInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*in = CiphertextInput{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		*in = Scalar(s)
		return nil
	case len(data) > 0 && data[0] == '[':
		var ss []string
		if err := json.Unmarshal(data, &ss); err != nil {
			return fmt.Errorf("%w: expected a list of strings: %v", ErrInvalidArgument, err)
		}
		*in = Batch(ss)
		return nil
	default:
		return fmt.Errorf("%w: expected a string or a list of strings", ErrInvalidArgument)
	}
}

// ========== Public Key Serialization ==========

type publicKeyDocument struct {
	ID    string             `json:"id"`
	Scale int64              `json:"scale"`
	Key   *tcpaillier.PubKey `json:"key"`
}

// MarshalJSON serializes the public key with its fixed-point scale.
func (pk *PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(publicKeyDocument{ID: pk.id, Scale: pk.scale, Key: pk.pk})
}

// UnmarshalJSON restores a public key served by the authority.
func (pk *PublicKey) UnmarshalJSON(data []byte) error {
	var doc publicKeyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if doc.Key == nil || doc.Key.N == nil || doc.Key.N.Sign() <= 0 {
		return fmt.Errorf("%w: public key without modulus", ErrInvalidArgument)
	}
	if doc.Scale < 1 {
		return fmt.Errorf("%w: public key without scale", ErrInvalidArgument)
	}
	*pk = *newPublicKey(doc.Key, doc.Scale)
	if doc.ID != "" && doc.ID != pk.id {
		return fmt.Errorf("%w: fingerprint %s does not match modulus", ErrInvalidArgument, doc.ID)
	}
	return nil
}
