// Package fence implements the accumulating-batch object the commit engine
// applies: a named set of operations contributed by one or more
// participants, eligible to run once all participants have checked in.
package fence

import (
	"github.com/google/uuid"
	"fencekv/pkg/errkind"
	"fencekv/pkg/types"
)

// Flags is a bitset of fence behaviors.
type Flags uint32

const (
	// NoMerge prevents this fence from being concatenated onto, or having
	// another fence concatenated onto it, by the merge policy.
	NoMerge Flags = 1 << iota
)

// Op is one operation in a fence: install dirent at key, or — if Dirent is
// nil — remove whatever is at key.
type Op struct {
	Key    string
	Dirent *types.Dirent
}

// Fence is an accumulating batch of operations aggregated from one or more
// distributed participants. It becomes eligible once Count reaches NProcs.
type Fence struct {
	// ID is assigned at construction purely for log correlation; it plays
	// no role in equality, ordering, or the manager's registry key.
	ID uuid.UUID

	Name   string
	Flags  Flags
	Count  int
	NProcs int
	Ops    []Op
}

// New creates a fence with the given primary name and expected participant
// count. name must be non-empty; nprocs must be at least 1.
func New(name string, nprocs int) (*Fence, error) {
	if name == "" {
		return nil, errkind.New(errkind.InvalidArgument, "fence name must not be empty")
	}
	if nprocs < 1 {
		return nil, errkind.New(errkind.InvalidArgument, "fence nprocs must be at least 1")
	}
	return &Fence{
		ID:     uuid.New(),
		Name:   name,
		NProcs: nprocs,
	}, nil
}

// AddOps appends a participant's contribution and advances Count by one.
func (f *Fence) AddOps(ops []Op) {
	f.Ops = append(f.Ops, ops...)
	f.Count++
}

// Eligible reports whether every expected participant has contributed.
func (f *Fence) Eligible() bool {
	return f.Count >= f.NProcs
}

// HasFlag reports whether f has all bits of flag set.
func (f *Fence) HasFlag(flag Flags) bool {
	return f.Flags&flag == flag
}

// Merge attempts to concatenate donor's ops onto target, preserving
// target's Name and ID. It returns false — leaving target unchanged — if
// either fence has NoMerge set. Merging never touches donor in place; the
// caller discards the donor fence whole once Merge returns true.
func Merge(target, donor *Fence) bool {
	if target.HasFlag(NoMerge) || donor.HasFlag(NoMerge) {
		return false
	}
	target.Ops = append(target.Ops, donor.Ops...)
	return true
}
