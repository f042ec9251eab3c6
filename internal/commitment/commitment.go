// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package commitment provides the one-way binding used to hide player
// positions. A commitment is Hash(x, y, salt); only the owner of the salt can
// reproduce it.
package commitment

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/samber/oops"
	"golang.org/x/crypto/blake2b"
)

// FieldSize is the width of a field element and of a digest, in bytes.
const FieldSize = 32

// domainKey keys every hash so digests cannot collide with other BLAKE2b uses.
var domainKey = []byte("hiddenmove/commitment/v1")

// fieldModulus is 2^256; field elements wrap modulo this value.
var fieldModulus = new(big.Int).Lsh(big.NewInt(1), FieldSize*8)

// Field is a 256-bit big-endian field element.
type Field [FieldSize]byte

// FieldFromInt returns v as a field element. Negative values are
// sign-extended, so FieldFromInt(-1) is 2^256-1.
func FieldFromInt(v int64) Field {
	var f Field
	if v < 0 {
		for i := range f {
			f[i] = 0xff
		}
	}
	binary.BigEndian.PutUint64(f[FieldSize-8:], uint64(v))
	return f
}

// FieldFromUint returns v as a field element.
func FieldFromUint(v uint64) Field {
	var f Field
	binary.BigEndian.PutUint64(f[FieldSize-8:], v)
	return f
}

// ParseField parses a decimal or 0x-prefixed hexadecimal integer.
// Negative values wrap modulo 2^256. Values outside
// [-2^255, 2^256) are rejected.
func ParseField(s string) (Field, error) {
	// The input may be a salt, so only its length goes into error context.
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return Field{}, oops.Code("INVALID_FIELD").With("length", len(s)).Errorf("not an integer")
	}
	if n.Sign() < 0 {
		if n.CmpAbs(new(big.Int).Rsh(fieldModulus, 1)) > 0 {
			return Field{}, oops.Code("INVALID_FIELD").Errorf("integer does not fit in %d bits", FieldSize*8)
		}
		n.Add(n, fieldModulus)
	} else if n.Cmp(fieldModulus) >= 0 {
		return Field{}, oops.Code("INVALID_FIELD").Errorf("integer does not fit in %d bits", FieldSize*8)
	}
	var f Field
	n.FillBytes(f[:])
	return f, nil
}

// RandomField draws a uniformly random field element, suitable as a salt.
func RandomField() (Field, error) {
	var f Field
	if _, err := rand.Read(f[:]); err != nil {
		return Field{}, oops.Code("RANDOM_FAILED").Wrap(err)
	}
	return f, nil
}

// Big returns f as a non-negative integer.
func (f Field) Big() *big.Int {
	return new(big.Int).SetBytes(f[:])
}

// Digest is the output of a Hasher. The zero Digest is reserved as the
// "nothing committed yet" sentinel.
type Digest [FieldSize]byte

// IsZero reports whether d is the sentinel digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Field reinterprets d as a field element so it can be hashed again.
func (d Digest) Field() Field {
	return Field(d)
}

// String returns the lowercase hex encoding of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	decoded, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = decoded
	return nil
}

// ParseDigest decodes a 64-character hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, oops.Code("INVALID_DIGEST").Wrap(err)
	}
	if len(raw) != FieldSize {
		return d, oops.Code("INVALID_DIGEST").With("length", len(raw)).Errorf("digest must be %d bytes", FieldSize)
	}
	copy(d[:], raw)
	return d, nil
}

// Hasher is the commitment primitive: deterministic and collision resistant
// over a sequence of field elements.
type Hasher interface {
	Hash(fields ...Field) Digest
}

// Blake2b hashes with keyed BLAKE2b-256. The field count is absorbed before
// the fields so that sequences of different length never share a digest.
type Blake2b struct{}

// Hash implements Hasher.
func (Blake2b) Hash(fields ...Field) Digest {
	h, err := blake2b.New256(domainKey)
	if err != nil {
		// Only reachable with a key longer than 64 bytes.
		panic(fmt.Sprintf("commitment: blake2b init: %v", err))
	}
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(fields)))
	h.Write(count[:])
	for _, f := range fields {
		h.Write(f[:])
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Default is the hasher used when none is configured.
var Default Hasher = Blake2b{}

// CommitPosition returns Hash(x, y, salt).
func CommitPosition(h Hasher, x, y int64, salt Field) Digest {
	return h.Hash(FieldFromInt(x), FieldFromInt(y), salt)
}

// HashTick returns Hash(tick).
func HashTick(h Hasher, tick uint64) Digest {
	return h.Hash(FieldFromUint(tick))
}
