// Package history persists the chain of named commits a host builds on top
// of the engine's finished roots: each entry pairs a root ref with the
// message, parent, and timestamp a caller supplied, the same way a
// namespace manager external to the engine (spec.md §6) would track it.
// This is bookkeeping around commit.Commit, not the engine's own
// in-flight-apply Commit type.
package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"fencekv/pkg/cache"
	"fencekv/pkg/types"
)

// Entry is one persisted record in the history: the root a commit
// produced, plus the metadata a caller attached to it.
type Entry struct {
	Root      types.Ref `json:"root"`
	Message   string    `json:"message"`
	Parent    types.Ref `json:"parent"`
	Timestamp int64     `json:"timestamp"`
}

// entryJSON mirrors Entry with hex-encoded refs for readability on disk
// or in logs.
type entryJSON struct {
	Root      string `json:"root"`
	Message   string `json:"message"`
	Parent    string `json:"parent"`
	Timestamp int64  `json:"timestamp"`
}

// Marshal serializes an Entry to JSON bytes.
func Marshal(e *Entry) ([]byte, error) {
	ej := entryJSON{
		Root:      hex.EncodeToString(e.Root[:]),
		Message:   e.Message,
		Parent:    hex.EncodeToString(e.Parent[:]),
		Timestamp: e.Timestamp,
	}
	return json.Marshal(ej)
}

// Unmarshal deserializes JSON bytes produced by Marshal.
func Unmarshal(data []byte) (*Entry, error) {
	var ej entryJSON
	if err := json.Unmarshal(data, &ej); err != nil {
		return nil, errors.Wrap(err, "unmarshal history entry")
	}

	root, err := types.RefFromHex(ej.Root)
	if err != nil {
		return nil, errors.Wrap(err, "invalid root ref")
	}
	parent, err := types.RefFromHex(ej.Parent)
	if err != nil {
		return nil, errors.Wrap(err, "invalid parent ref")
	}

	return &Entry{
		Root:      root,
		Message:   ej.Message,
		Parent:    parent,
		Timestamp: ej.Timestamp,
	}, nil
}

// entryNode lets an Entry ride through a cache.Cache like any other node:
// Log walks parent pointers by reading entries back out of the cache the
// same way the engine reads directories and values.
type entryNode struct {
	data []byte
}

// Log tracks named commits in a cache.Cache, keyed by the hash of their
// own serialized form (so two identical commits, e.g. produced by replaying
// the same fence twice, collapse to one history entry).
type Log struct {
	cache cache.Cache
	epoch cache.Epoch
}

// NewLog creates a Log writing entries into the given cache.
func NewLog(c cache.Cache) *Log {
	return &Log{cache: c}
}

// Append records a new history entry for a finished commit and returns the
// entry's own content reference, suitable for use as the next Append's
// parent.
func (l *Log) Append(root types.Ref, message string, parent types.Ref, now time.Time) (types.Ref, error) {
	entry := &Entry{
		Root:      root,
		Message:   message,
		Parent:    parent,
		Timestamp: now.Unix(),
	}
	data, err := Marshal(entry)
	if err != nil {
		return types.Ref{}, errors.Wrap(err, "marshal history entry")
	}

	ref := contentRef(data)
	if e, ok := l.cache.Lookup(ref, l.epoch); ok && e.GetValid() {
		return ref, nil
	}
	e := &cache.Entry{}
	l.cache.Insert(ref, e)
	e.SetNode(entryNode{data: data})
	return ref, nil
}

// Get retrieves a history entry by its own content reference.
func (l *Log) Get(ref types.Ref) (*Entry, error) {
	node, ok := l.cache.LookupAndGet(ref, l.epoch)
	if !ok {
		return nil, fmt.Errorf("history: entry %s not found", ref)
	}
	en, ok := node.(entryNode)
	if !ok {
		return nil, fmt.Errorf("history: %s is not a history entry", ref)
	}
	return Unmarshal(en.data)
}

// Chain returns the entries from ref back to the root of history (oldest
// last), following Parent pointers.
func (l *Log) Chain(ref types.Ref) ([]*Entry, error) {
	var entries []*Entry
	for !ref.IsZero() {
		e, err := l.Get(ref)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		ref = e.Parent
	}
	return entries, nil
}

func contentRef(data []byte) types.Ref {
	return sha256.Sum256(data)
}
