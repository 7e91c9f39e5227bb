// Package hash computes canonical, content-addressable references for
// directory and value nodes. Serialization is a stable ordering of
// (name, kind, payload) triples so that a round trip through the cache
// always preserves equality, independent of in-memory map iteration order.
package hash

import (
	"crypto/sha256"

	"fencekv/pkg/types"
)

// Family names a hash algorithm, threaded through CanonicalHash the way
// the source system selects among hash families by name. Only SHA256 is
// implemented; any other name is rejected with ErrUnknownFamily.
type Family string

// SHA256 is the only implemented hash family.
const SHA256 Family = "sha256"

// ErrUnknownFamily is returned when Family names an unsupported algorithm.
type ErrUnknownFamily Family

func (e ErrUnknownFamily) Error() string {
	return "unknown hash family: " + string(e)
}

// CanonicalHash serializes dir and returns its content reference under the
// named hash family. It never allocates the directory itself; it only
// reads it.
func CanonicalHash(family Family, dir types.Dir) (types.Ref, []byte, error) {
	if family != SHA256 {
		return types.Ref{}, nil, ErrUnknownFamily(family)
	}
	buf := EncodeDir(dir)
	return sha256.Sum256(buf), buf, nil
}

// CanonicalHashValue hashes an inline value payload the same way a
// directory is hashed, used when a FileVal is demoted to a FileRef.
func CanonicalHashValue(family Family, value []byte) (types.Ref, error) {
	if family != SHA256 {
		return types.Ref{}, ErrUnknownFamily(family)
	}
	return sha256.Sum256(EncodeValue(value)), nil
}
