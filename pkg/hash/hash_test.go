package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"fencekv/pkg/types"
)

func TestCanonicalHashIgnoresMapOrder(t *testing.T) {
	assert := assert.New(t)

	dir := types.Dir{
		"a": types.FileVal([]byte("1")),
		"b": types.FileVal([]byte("2")),
		"c": types.DirRef(types.Ref{1, 2, 3}),
	}
	ref1, _, err := CanonicalHash(SHA256, dir)
	assert.NoError(err)

	// Rebuild the same logical directory via a different insertion order;
	// Go map iteration order is randomized, so two builds of the same
	// content should still hash identically.
	dir2 := types.Dir{}
	dir2["c"] = types.DirRef(types.Ref{1, 2, 3})
	dir2["b"] = types.FileVal([]byte("2"))
	dir2["a"] = types.FileVal([]byte("1"))
	ref2, _, err := CanonicalHash(SHA256, dir2)
	assert.NoError(err)

	assert.Equal(ref1, ref2)
}

func TestCanonicalHashUnknownFamily(t *testing.T) {
	assert := assert.New(t)

	_, _, err := CanonicalHash(Family("md5"), types.Dir{})
	assert.Error(err)
}

func TestEncodeDecodeDirRoundTrip(t *testing.T) {
	assert := assert.New(t)

	dir := types.Dir{
		"file":    types.FileVal([]byte("hello")),
		"fileref": types.FileRef(types.Ref{7}),
		"dirref":  types.DirRef(types.Ref{8}),
		"link":    types.LinkVal("some.path"),
	}
	encoded := EncodeDir(dir)
	decoded, err := DecodeDir(encoded)
	assert.NoError(err)
	assert.Equal(dir, decoded)
}

func TestEncodeDirPanicsOnUnresolvedDirVal(t *testing.T) {
	assert := assert.New(t)

	dir := types.Dir{"sub": types.DirVal(types.Dir{})}
	assert.Panics(func() { EncodeDir(dir) })
}

func TestDecodeDirRejectsTruncatedData(t *testing.T) {
	assert := assert.New(t)

	_, err := DecodeDir([]byte{0, 0, 0, 1})
	assert.Error(err)
}

func TestPropertyValueRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.SliceOf(rapid.Byte()).Draw(t, "value")
		encoded := EncodeValue(v)
		decoded, err := DecodeValue(encoded)
		if err != nil {
			t.Fatalf("DecodeValue failed: %v", err)
		}
		if string(decoded) != string(v) {
			t.Fatalf("round trip mismatch: got %v want %v", decoded, v)
		}
	})
}
