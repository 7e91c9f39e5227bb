// Package blobsplit breaks an oversize value blob into content-defined
// blocks so that large values sharing long common runs dedup at the block
// level in the cache, rather than a single changed byte forcing the whole
// blob to be rewritten and restored under a new reference.
package blobsplit

// Splitter divides a byte slice into content-defined blocks using a rolling
// hash over a sliding window; the same bytes always split the same way
// regardless of where they sit in the surrounding stream.
type Splitter struct {
	// TargetSize is the average block size (boundary when hash % TargetSize == 0).
	TargetSize uint32
	// MinSize prevents degenerate tiny blocks.
	MinSize uint32
	// MaxSize forces a boundary even if none was found naturally.
	MaxSize uint32
}

// DefaultSplitter returns a Splitter with sensible defaults for commit
// value blobs.
func DefaultSplitter() *Splitter {
	return &Splitter{TargetSize: 65536, MinSize: 16384, MaxSize: 262144}
}

// NewSplitter creates a Splitter with the given parameters.
func NewSplitter(targetSize, minSize, maxSize uint32) *Splitter {
	return &Splitter{TargetSize: targetSize, MinSize: minSize, MaxSize: maxSize}
}

// Split divides data into content-defined blocks. The returned slices
// alias data; callers that mutate data afterward must copy first.
func (s *Splitter) Split(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}

	h := newRollingHash(s.TargetSize, s.MinSize, s.MaxSize)
	var blocks [][]byte
	start := 0
	for i, b := range data {
		h.roll(b)
		if h.isBoundary() {
			blocks = append(blocks, data[start:i+1])
			start = i + 1
			h.reset()
		}
	}
	if start < len(data) {
		blocks = append(blocks, data[start:])
	}
	return blocks
}
