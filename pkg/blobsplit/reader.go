package blobsplit

import (
	"bytes"
	"fmt"

	"fencekv/pkg/cache"
	"fencekv/pkg/types"
)

// Read reconstructs a value stored under ref. ref may name either a raw
// block (the whole value fit under one block) or a Manifest (the value was
// split); Read tells the two apart by the node type the cache handed back,
// the same way commit.unroll tells a DirVal from a FileVal by Kind.
func Read(c cache.Cache, ref types.Ref, epoch cache.Epoch) ([]byte, error) {
	node, ok := c.LookupAndGet(ref, epoch)
	if !ok {
		return nil, fmt.Errorf("blobsplit: %s not in cache", ref)
	}
	switch v := node.(type) {
	case []byte:
		return v, nil
	case Manifest:
		var buf bytes.Buffer
		for _, blockRef := range v.Blocks {
			block, ok := c.LookupAndGet(blockRef, epoch)
			if !ok {
				return nil, fmt.Errorf("blobsplit: block %s not in cache", blockRef)
			}
			b, ok := block.([]byte)
			if !ok {
				return nil, fmt.Errorf("blobsplit: block %s is not raw bytes", blockRef)
			}
			buf.Write(b)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("blobsplit: %s is not a value node", ref)
	}
}
