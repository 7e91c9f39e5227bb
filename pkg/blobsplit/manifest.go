package blobsplit

import (
	"encoding/binary"
	"fmt"

	"fencekv/pkg/types"
)

// Manifest lists the blocks a split value was divided into, in order.
type Manifest struct {
	Blocks []types.Ref
}

// ErrCorruptedManifest is returned when decoding a manifest fails.
var ErrCorruptedManifest = fmt.Errorf("blobsplit: corrupted manifest")

// EncodeManifest serializes m to a deterministic byte string: a count
// followed by each block ref in order.
func EncodeManifest(m Manifest) []byte {
	buf := make([]byte, 4, 4+32*len(m.Blocks))
	binary.BigEndian.PutUint32(buf, uint32(len(m.Blocks)))
	for _, ref := range m.Blocks {
		buf = append(buf, ref[:]...)
	}
	return buf
}

// DecodeManifest deserializes bytes produced by EncodeManifest.
func DecodeManifest(data []byte) (Manifest, error) {
	if len(data) < 4 {
		return Manifest{}, ErrCorruptedManifest
	}
	count := binary.BigEndian.Uint32(data[:4])
	pos := 4
	blocks := make([]types.Ref, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+32 > len(data) {
			return Manifest{}, ErrCorruptedManifest
		}
		var ref types.Ref
		copy(ref[:], data[pos:pos+32])
		pos += 32
		blocks = append(blocks, ref)
	}
	if pos != len(data) {
		return Manifest{}, ErrCorruptedManifest
	}
	return Manifest{Blocks: blocks}, nil
}
