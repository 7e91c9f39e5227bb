package blobsplit

// rollingHash is a Buzhash-style rolling hash over a sliding window of
// bytes, used to find content-defined boundaries inside a large value blob
// so that two values sharing a long common run (e.g. successive snapshots
// of the same large payload) dedup at the block level instead of the whole
// blob having to be rewritten whenever any byte changes.
type rollingHash struct {
	targetSize uint32
	minSize    uint32
	maxSize    uint32

	hash        uint32
	window      []byte
	pos         int
	count       int
	boundaryHit bool
}

// rollingHashTable contains the per-byte multipliers the rolling hash uses.
var rollingHashTable = [256]uint32{
	0x458be752, 0xc10748cc, 0xfbbcdbb8, 0x6ded5b68,
	0xb10a82b5, 0x20d75648, 0xdfc5665f, 0xa8428801,
	0x7ebf5191, 0x841135c7, 0x65cc53b3, 0x280a597c,
	0x16f60255, 0xc78cbc3e, 0x294415f5, 0xb938d494,
	0xec85c4e6, 0xb7d33edc, 0xe549b544, 0xfdeda5aa,
	0x882bf287, 0x3116571e, 0xa6fc8d2d, 0x1b5f3f3c,
	0x2e7d4e29, 0x49e95d76, 0x540d0a26, 0xf87b1a02,
	0x84b4a028, 0xd7f89c1e, 0xf309cbe0, 0x600a2f4f,
	0x5f33e848, 0xb149a5d5, 0x1e39e8bd, 0x2a1fc67a,
	0x934d46e4, 0x8f902f30, 0xfc4b0223, 0xfb6d4314,
	0x5f6b9b30, 0x6f2d9c6c, 0x58597e40, 0x3cbbb848,
	0x7c3b5360, 0x3f0ab26c, 0x9ea521c8, 0x1c1b0d14,
	0x3e9de0c0, 0x289d8f1c, 0x0c01f56c, 0x61bd8e3c,
	0xd6e2e980, 0x9c098894, 0x9e0e2534, 0x049dc09c,
	0x64a0dc24, 0xb07c0440, 0x8e5b0a50, 0xf05c1e10,
	0x4c449e3c, 0x5c8c6c30, 0x88507800, 0x08b09a40,
}

// windowSize is the size of the sliding window the rolling hash considers.
const windowSize = 64

func newRollingHash(targetSize, minSize, maxSize uint32) *rollingHash {
	return &rollingHash{
		targetSize: targetSize,
		minSize:    minSize,
		maxSize:    maxSize,
		window:     make([]byte, windowSize),
	}
}

func (h *rollingHash) reset() {
	h.hash = 0
	h.pos = 0
	h.count = 0
	h.boundaryHit = false
	for i := range h.window {
		h.window[i] = 0
	}
}

// roll folds newByte into the window and returns the updated hash.
func (h *rollingHash) roll(newByte byte) uint32 {
	outByte := h.window[h.pos]
	h.window[h.pos] = newByte
	h.pos = (h.pos + 1) % len(h.window)

	h.hash = rotateLeft(h.hash, 1) ^ rotateLeft(rollingHashTable[outByte], uint32(len(h.window))) ^ rollingHashTable[newByte]
	h.count++

	if h.count >= int(h.minSize) && h.hash%h.targetSize == 0 {
		h.boundaryHit = true
	}
	return h.hash
}

// isBoundary reports whether the byte just rolled in should end a block.
func (h *rollingHash) isBoundary() bool {
	if h.count < int(h.minSize) {
		return false
	}
	if h.count >= int(h.maxSize) {
		return true
	}
	return h.boundaryHit
}

func rotateLeft(val uint32, n uint32) uint32 {
	n %= 32
	return (val << n) | (val >> (32 - n))
}
