package hash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"fencekv/pkg/types"
)

// Entry type tags, written as a single byte ahead of each directory entry.
// These mirror the tagged-variant names in types.Kind.
const (
	tagDirRef  = 0x01
	tagFileVal = 0x02
	tagFileRef = 0x03
	tagLinkVal = 0x04
)

// ErrCorruptedData is returned when decoding a serialized node fails.
var ErrCorruptedData = errors.New("hash: corrupted node data")

// EncodeDir serializes dir to a deterministic byte string: entries are
// sorted by name so that two directories with the same entries hash
// identically regardless of Go map iteration order. A DirVal entry cannot
// be encoded and makes EncodeDir panic — EncodeDir is only ever called on a
// directory whose immediate children are already DirRef/FileVal/FileRef/
// LinkVal (see Commit.unroll in package commit).
func EncodeDir(dir types.Dir) []byte {
	names := make([]string, 0, len(dir))
	for name := range dir {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := make([]byte, 0, 64*len(names))
	buf = appendUint32(buf, uint32(len(names)))
	for _, name := range names {
		buf = appendString(buf, name)
		buf = appendDirent(buf, dir[name])
	}
	return buf
}

// EncodeValue serializes a raw value payload the same way a FileVal entry's
// payload is written, used when hashing a value on its own (before it is
// wrapped in a FileRef entry).
func EncodeValue(v []byte) []byte {
	return appendBytes(nil, v)
}

func appendDirent(buf []byte, d types.Dirent) []byte {
	switch d.Kind {
	case types.KindDirRef:
		buf = append(buf, tagDirRef)
		return append(buf, d.Ref[:]...)
	case types.KindFileVal:
		buf = append(buf, tagFileVal)
		return appendBytes(buf, d.Value)
	case types.KindFileRef:
		buf = append(buf, tagFileRef)
		return append(buf, d.Ref[:]...)
	case types.KindLinkVal:
		buf = append(buf, tagLinkVal)
		return appendString(buf, d.Link)
	default:
		panic(fmt.Sprintf("hash: cannot encode unresolved entry kind %s", d.Kind))
	}
}

func appendUint32(buf []byte, n uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], n)
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

// DecodeDir deserializes bytes produced by EncodeDir back into a Dir whose
// entries are all resolved variants (DirRef/FileVal/FileRef/LinkVal).
func DecodeDir(data []byte) (types.Dir, error) {
	pos := 0
	count, n, err := readUint32(data, pos)
	if err != nil {
		return nil, err
	}
	pos += n

	dir := make(types.Dir, count)
	for i := uint32(0); i < count; i++ {
		name, adv, err := readString(data, pos)
		if err != nil {
			return nil, err
		}
		pos += adv

		if pos >= len(data) {
			return nil, fmt.Errorf("%w: truncated entry tag", ErrCorruptedData)
		}
		tag := data[pos]
		pos++

		var d types.Dirent
		switch tag {
		case tagDirRef:
			if pos+32 > len(data) {
				return nil, fmt.Errorf("%w: truncated dir ref", ErrCorruptedData)
			}
			var ref types.Ref
			copy(ref[:], data[pos:pos+32])
			pos += 32
			d = types.DirRef(ref)
		case tagFileVal:
			val, adv, err := readBytes(data, pos)
			if err != nil {
				return nil, err
			}
			pos += adv
			d = types.FileVal(val)
		case tagFileRef:
			if pos+32 > len(data) {
				return nil, fmt.Errorf("%w: truncated file ref", ErrCorruptedData)
			}
			var ref types.Ref
			copy(ref[:], data[pos:pos+32])
			pos += 32
			d = types.FileRef(ref)
		case tagLinkVal:
			link, adv, err := readString(data, pos)
			if err != nil {
				return nil, err
			}
			pos += adv
			d = types.LinkVal(link)
		default:
			return nil, fmt.Errorf("%w: unknown entry tag %d", ErrCorruptedData, tag)
		}
		dir[name] = d
	}

	if pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptedData, len(data)-pos)
	}
	return dir, nil
}

// DecodeValue deserializes bytes produced by EncodeValue.
func DecodeValue(data []byte) ([]byte, error) {
	val, adv, err := readBytes(data, 0)
	if err != nil {
		return nil, err
	}
	if adv != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptedData, len(data)-adv)
	}
	return val, nil
}

func readUint32(data []byte, pos int) (uint32, int, error) {
	if pos+4 > len(data) {
		return 0, 0, fmt.Errorf("%w: truncated length", ErrCorruptedData)
	}
	return binary.BigEndian.Uint32(data[pos : pos+4]), 4, nil
}

func readBytes(data []byte, pos int) ([]byte, int, error) {
	n, adv, err := readUint32(data, pos)
	if err != nil {
		return nil, 0, err
	}
	start := pos + adv
	end := start + int(n)
	if end > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated payload", ErrCorruptedData)
	}
	out := make([]byte, n)
	copy(out, data[start:end])
	return out, adv + int(n), nil
}

func readString(data []byte, pos int) (string, int, error) {
	b, adv, err := readBytes(data, pos)
	if err != nil {
		return "", 0, err
	}
	return string(b), adv, nil
}
