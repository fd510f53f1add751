package membership

import (
	"crypto/sha256"
	"fmt"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// HashFamily selects the digest behind the filter's hash functions.
// Persisted snapshots record it, so values must stay stable.
type HashFamily uint8

const (
	// SHA224 hashes salt || decimal(i) || key. Digests match the earlier
	// Python service but coordinates use a mixed-radix split of one digest,
	// so lattices built by that service cannot be loaded.
	SHA224 HashFamily = iota + 1
	// BLAKE2b uses BLAKE2b-256 over the same input.
	BLAKE2b
)

func (f HashFamily) String() string {
	switch f {
	case SHA224:
		return "sha224"
	case BLAKE2b:
		return "blake2b"
	default:
		return "unknown(" + strconv.Itoa(int(f)) + ")"
	}
}

// ParseHashFamily maps a configuration name to a HashFamily.
func ParseHashFamily(s string) (HashFamily, error) {
	switch s {
	case "", "sha224":
		return SHA224, nil
	case "blake2b":
		return BLAKE2b, nil
	default:
		return 0, fmt.Errorf("%w: unknown hash family %q", ErrInvalidConfig, s)
	}
}

func (f HashFamily) valid() bool {
	return f == SHA224 || f == BLAKE2b
}

// digest computes hash function i of the family over key.
func (f HashFamily) digest(salt string, i int, key string) []byte {
	input := []byte(salt + strconv.Itoa(i) + key)
	switch f {
	case BLAKE2b:
		sum := blake2b.Sum256(input)
		return sum[:]
	default:
		sum := sha256.Sum224(input)
		return sum[:]
	}
}

// coordinates decomposes the big-endian integer in digest into one
// coordinate per dimension (mixed radix, least significant digit first).
// For a single dimension this is digest mod dim.
func coordinates(digest []byte, dims []int, out []int) {
	// Work on a copy; long division by each radix overwrites the quotient.
	q := make([]byte, len(digest))
	copy(q, digest)
	for d, dim := range dims {
		out[d] = divmod(q, dim)
	}
}

// divmod divides the big-endian number in q by m in place and returns the
// remainder.
func divmod(q []byte, m int) int {
	var r uint64
	div := uint64(m)
	for i, b := range q {
		cur := r<<8 | uint64(b)
		q[i] = byte(cur / div)
		r = cur % div
	}
	return int(r)
}
