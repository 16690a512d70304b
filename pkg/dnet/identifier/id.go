// Package identifier implements the fixed-width opaque identifiers
// used to address objects and peers across the storage mesh. Ordering
// is big-endian lexicographic byte comparison; the type carries no
// knowledge of how ids are produced.
package identifier

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Size is the identifier width in bytes.
const Size = 64

// ID is a fixed-width, opaque byte string. The zero value is the all-zero
// identifier, which is a valid (if unusual) id.
type ID [Size]byte

// Zero is the identifier consisting of all zero bytes.
var Zero ID

// Compare returns -1, 0 or 1 following big-endian lexicographic order,
// the same semantics as bytes.Compare.
func (id ID) Compare(other ID) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether id sorts strictly before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a fresh copy of the identifier's bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// FromBytes copies b (which must be exactly Size bytes) into a new ID.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("identifier: expected %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Random generates an identifier from the system CSPRNG. Useful for tests
// and for nodes that have not yet derived an id from content.
func Random() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("identifier: failed reading random bytes: %v", err))
	}
	return id
}
