// Package commit implements the resumable state machine that applies a
// fence's operations to a directory tree and produces a new content-addressed
// root. Processing never blocks: when a needed blob isn't cached yet, or a
// freshly-stored blob hasn't finished its durable flush, Process returns an
// outcome telling the caller what to wait for, and the caller re-invokes
// Process once that condition clears.
package commit

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"fencekv/pkg/blobsplit"
	"fencekv/pkg/cache"
	"fencekv/pkg/errkind"
	"fencekv/pkg/fence"
	"fencekv/pkg/hash"
	"fencekv/pkg/types"
)

// State is one stage of the commit's apply pipeline.
type State int

const (
	StateInit State = iota + 1
	StateLoadRoot
	StateApplyOps
	StateStore
	StatePreFinished
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLoadRoot:
		return "load-root"
	case StateApplyOps:
		return "apply-ops"
	case StateStore:
		return "store"
	case StatePreFinished:
		return "pre-finished"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Outcome is what Process discovered on its most recent call.
type Outcome int

const (
	// Finished means the commit produced a new root; NewRoot returns it.
	Finished Outcome = iota
	// LoadMissingRefs means the caller must feed back the refs named by
	// IterMissingRefs (e.g. fetch them from durable storage into the
	// cache) before calling Process again.
	LoadMissingRefs
	// DirtyCacheEntries means the caller must wait for the entries named
	// by IterDirtyCacheEntries to finish their durable flush before
	// calling Process again.
	DirtyCacheEntries
	// Error means the commit failed; Err returns why.
	Error
)

// DefaultMaxLinkDepth bounds how many LinkVal redirects a single key
// resolution will follow before reporting a link loop.
const DefaultMaxLinkDepth = 32

// DefaultInlineMax is the largest a FileVal payload may be before Store
// demotes it to a FileRef blob.
const DefaultInlineMax = 4096

// Commit threads one fence's operations through the load/apply/store
// pipeline against a single cache. A Commit is used once: create it from a
// ready fence, drive it to Finished, then discard it.
type Commit struct {
	Fence *fence.Fence

	cache        cache.Cache
	maxLinkDepth int
	inlineMax    int
	splitter     *blobsplit.Splitter
	noopStores   *int64

	state   State
	blocked bool
	err     error

	rootcpy types.Dir
	newroot types.Ref

	parkedRefs    []types.Ref
	parkedEntries []*cache.Entry

	log *logrus.Entry
}

// Option configures a Commit at construction.
type Option func(*Commit)

// WithMaxLinkDepth overrides DefaultMaxLinkDepth.
func WithMaxLinkDepth(n int) Option {
	return func(c *Commit) { c.maxLinkDepth = n }
}

// WithInlineMax overrides DefaultInlineMax.
func WithInlineMax(n int) Option {
	return func(c *Commit) { c.inlineMax = n }
}

// WithNoopStores points the commit at a shared counter incremented every
// time Store finds a blob already valid in the cache — the same accounting
// commitmgr.Manager exposes via NoopStores.
func WithNoopStores(counter *int64) Option {
	return func(c *Commit) { c.noopStores = counter }
}

// WithSplitter overrides the blobsplit.Splitter used to break an oversize
// FileVal into content-defined blocks. The default keeps most demoted
// values as a single block; only values large enough to cross the
// splitter's MinSize get divided.
func WithSplitter(s *blobsplit.Splitter) Option {
	return func(c *Commit) { c.splitter = s }
}

// WithLogger attaches a *logrus.Entry the commit logs state transitions,
// stalls, and terminal errors through. Defaults to a logger carrying the
// fence's name, built from logrus's standard logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Commit) { c.log = log }
}

// New creates a commit that will apply f's operations once processed.
func New(f *fence.Fence, c cache.Cache, opts ...Option) *Commit {
	cm := &Commit{
		Fence:        f,
		cache:        c,
		maxLinkDepth: DefaultMaxLinkDepth,
		inlineMax:    DefaultInlineMax,
		splitter:     blobsplit.DefaultSplitter(),
		state:        StateInit,
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.log == nil {
		cm.log = logrus.WithFields(logrus.Fields{"fence": f.Name, "commit_id": f.ID})
	}
	return cm
}

// Blocked reports whether the commit is currently stalled on a load or a
// flush.
func (c *Commit) Blocked() bool { return c.blocked }

// Err returns the error that put the commit into the Error state, if any.
func (c *Commit) Err() error { return c.err }

// State returns the commit's current pipeline stage.
func (c *Commit) State() State { return c.state }

// NewRoot returns the root produced by a finished commit. ok is false until
// the commit has reached StateFinished.
func (c *Commit) NewRoot() (ref types.Ref, ok bool) {
	if c.state != StateFinished {
		return types.Ref{}, false
	}
	return c.newroot, true
}

// Process advances the commit as far as it can go against rootRef, the
// content reference of the tree the fence's ops apply on top of. Call it
// again after satisfying whatever the returned Outcome asked for.
func (c *Commit) Process(rootRef types.Ref, epoch cache.Epoch) Outcome {
	if c.err != nil {
		return Error
	}
	c.blocked = false

	switch c.state {
	case StateInit, StateLoadRoot:
		if len(c.parkedRefs) > 0 {
			return c.stallLoad()
		}
		c.state = StateLoadRoot

		if rootRef.IsZero() {
			// No committed content yet: the zero ref stands for an empty
			// directory rather than a blob that must be fetched.
			c.rootcpy = types.Dir{}
		} else {
			node, ok := c.cache.LookupAndGet(rootRef, epoch)
			if !ok {
				c.parkedRefs = append(c.parkedRefs, rootRef)
				return c.stallLoad()
			}
			rootDir, ok := node.(types.Dir)
			if !ok {
				c.err = fmt.Errorf("commit: root %s is not a directory", rootRef)
				return Error
			}
			c.rootcpy = rootDir.Clone()
		}
		c.log.Debug("commit advancing to apply-ops")
		c.state = StateApplyOps
		fallthrough

	case StateApplyOps:
		if len(c.parkedRefs) > 0 {
			return c.stallLoad()
		}
		for _, op := range c.Fence.Ops {
			missing, err := c.linkDirent(c.rootcpy, op.Key, op.Dirent, epoch, 0)
			if err != nil {
				c.err = err
				c.log.WithError(err).WithField("key", op.Key).Error("commit failed applying op")
				return Error
			}
			if missing != nil {
				c.parkedRefs = append(c.parkedRefs, *missing)
			}
		}
		if len(c.parkedRefs) > 0 {
			return c.stallLoad()
		}
		c.log.Debug("commit advancing to store")
		c.state = StateStore
		fallthrough

	case StateStore:
		if err := c.unroll(c.rootcpy, epoch); err != nil {
			c.err = err
			c.log.WithError(err).Error("commit failed during unroll")
			return Error
		}
		ref, entry, err := c.storeDir(c.rootcpy, epoch)
		if err != nil {
			c.err = err
			c.log.WithError(err).Error("commit failed storing root")
			return Error
		}
		c.newroot = ref
		if entry.GetDirty() {
			c.parkedEntries = append(c.parkedEntries, entry)
		}
		c.log.WithField("new_root", ref).Debug("commit advancing to pre-finished")
		c.state = StatePreFinished
		c.rootcpy = nil
		fallthrough

	case StatePreFinished:
		if len(c.parkedEntries) > 0 {
			return c.stallStore()
		}
		c.state = StateFinished
		c.log.WithField("new_root", c.newroot).Debug("commit finished")
		fallthrough

	case StateFinished:
		return Finished

	default:
		c.err = fmt.Errorf("commit: invalid state %d", c.state)
		return Error
	}
}

func (c *Commit) stallLoad() Outcome {
	c.blocked = true
	c.log.WithField("state", c.state).WithField("parked_refs", len(c.parkedRefs)).Warn("commit stalled on missing refs")
	return LoadMissingRefs
}

func (c *Commit) stallStore() Outcome {
	c.blocked = true
	c.log.WithField("state", c.state).WithField("parked_entries", len(c.parkedEntries)).Warn("commit stalled on dirty cache entries")
	return DirtyCacheEntries
}

// IterMissingRefs drains the refs the commit needs loaded into the cache,
// calling cb for each. Valid only while stalled in LoadRoot or ApplyOps.
func (c *Commit) IterMissingRefs(cb func(ref types.Ref) error) error {
	if c.state != StateLoadRoot && c.state != StateApplyOps {
		return errkind.New(errkind.Protocol, "IterMissingRefs called in state %s", c.state)
	}
	refs := c.parkedRefs
	c.parkedRefs = nil
	for _, ref := range refs {
		if err := cb(ref); err != nil {
			return err
		}
	}
	return nil
}

// IterDirtyCacheEntries drains the entries the commit is waiting to see
// flushed, calling cb for each. Valid only while stalled in PreFinished.
func (c *Commit) IterDirtyCacheEntries(cb func(e *cache.Entry) error) error {
	if c.state != StatePreFinished {
		return errkind.New(errkind.Protocol, "IterDirtyCacheEntries called in state %s", c.state)
	}
	entries := c.parkedEntries
	c.parkedEntries = nil
	for _, e := range entries {
		if err := cb(e); err != nil {
			return err
		}
	}
	return nil
}

// unroll walks dir depth-first, converting every inline subdirectory to a
// content reference and demoting any oversize inline value the same way,
// so that by the time it returns dir's immediate children are all
// DirRef/FileVal/FileRef/LinkVal — the only shapes EncodeDir accepts. epoch
// is threaded through to every cache touch the pass makes, the same epoch
// Process was called with, so a single Store pass ages every entry it
// visits consistently rather than just the root.
func (c *Commit) unroll(dir types.Dir, epoch cache.Epoch) error {
	for name, d := range dir {
		switch d.Kind {
		case types.KindDirVal:
			if err := c.unroll(d.Dir, epoch); err != nil {
				return err
			}
			ref, entry, err := c.storeDir(d.Dir, epoch)
			if err != nil {
				return err
			}
			if entry.GetDirty() {
				c.parkedEntries = append(c.parkedEntries, entry)
			}
			dir[name] = types.DirRef(ref)
		case types.KindFileVal:
			if len(d.Value) > c.inlineMax {
				ref, entry, err := c.storeValue(d.Value, epoch)
				if err != nil {
					return err
				}
				if entry.GetDirty() {
					c.parkedEntries = append(c.parkedEntries, entry)
				}
				dir[name] = types.FileRef(ref)
			}
		}
	}
	return nil
}

// storeDir hashes dir, inserts it into the cache if new, and counts a
// no-op store if an identical blob was already valid — this is how
// repeated commits of the same content collapse to a single write.
func (c *Commit) storeDir(dir types.Dir, epoch cache.Epoch) (types.Ref, *cache.Entry, error) {
	ref, _, err := hash.CanonicalHash(hash.SHA256, dir)
	if err != nil {
		return types.Ref{}, nil, err
	}
	entry, ok := c.cache.Lookup(ref, epoch)
	if !ok {
		entry = &cache.Entry{}
		c.cache.Insert(ref, entry)
	}
	if entry.GetValid() {
		if c.noopStores != nil {
			atomic.AddInt64(c.noopStores, 1)
		}
		return ref, entry, nil
	}
	entry.SetNode(dir)
	entry.SetDirty(true)
	entry.MarkContentStore(c.cache)
	return ref, entry, nil
}

// storeValue is storeDir's counterpart for a raw value blob produced by
// demoting an oversize FileVal. When the splitter divides the value into
// more than one content-defined block, each block is stored independently,
// with a manifest tying them back together; a value that yields a single
// block (always the case below the splitter's MinSize) is stored as that
// one block, same as before blobsplit existed.
func (c *Commit) storeValue(value []byte, epoch cache.Epoch) (types.Ref, *cache.Entry, error) {
	blocks := c.splitter.Split(value)
	if len(blocks) <= 1 {
		return c.storeBlock(value, epoch)
	}

	refs := make([]types.Ref, 0, len(blocks))
	for _, block := range blocks {
		ref, entry, err := c.storeBlock(block, epoch)
		if err != nil {
			return types.Ref{}, nil, err
		}
		if entry.GetDirty() {
			c.parkedEntries = append(c.parkedEntries, entry)
		}
		refs = append(refs, ref)
	}

	manifest := blobsplit.Manifest{Blocks: refs}
	data := blobsplit.EncodeManifest(manifest)
	ref, err := hash.CanonicalHashValue(hash.SHA256, data)
	if err != nil {
		return types.Ref{}, nil, err
	}
	entry, ok := c.cache.Lookup(ref, epoch)
	if !ok {
		entry = &cache.Entry{}
		c.cache.Insert(ref, entry)
	}
	if entry.GetValid() {
		if c.noopStores != nil {
			atomic.AddInt64(c.noopStores, 1)
		}
		return ref, entry, nil
	}
	entry.SetNode(manifest)
	entry.SetDirty(true)
	entry.MarkContentStore(c.cache)
	return ref, entry, nil
}

// storeBlock hashes and inserts a single raw block (a whole unsplit value,
// or one piece of a split one), counting a no-op store on a dedup hit.
func (c *Commit) storeBlock(block []byte, epoch cache.Epoch) (types.Ref, *cache.Entry, error) {
	ref, err := hash.CanonicalHashValue(hash.SHA256, block)
	if err != nil {
		return types.Ref{}, nil, err
	}
	entry, ok := c.cache.Lookup(ref, epoch)
	if !ok {
		entry = &cache.Entry{}
		c.cache.Insert(ref, entry)
	}
	if entry.GetValid() {
		if c.noopStores != nil {
			atomic.AddInt64(c.noopStores, 1)
		}
		return ref, entry, nil
	}
	entry.SetNode(block)
	entry.SetDirty(true)
	entry.MarkContentStore(c.cache)
	return ref, entry, nil
}

// linkDirent installs dirent at key inside rootdir (or, if dirent is nil,
// removes whatever is at key), walking and materializing intermediate
// directories as it goes. It returns a non-nil ref when the walk needs a
// DirRef the cache doesn't have loaded yet, in which case rootdir is left
// untouched past the stall point and the caller should retry once that ref
// is available.
func (c *Commit) linkDirent(rootdir types.Dir, key string, dirent *types.Dirent, epoch cache.Epoch, depth int) (*types.Ref, error) {
	if depth > c.maxLinkDepth {
		return nil, errkind.New(errkind.LinkLoop, "key %q exceeds max link depth %d", key, c.maxLinkDepth)
	}
	if key == "." {
		return nil, errkind.New(errkind.InvalidArgument, "key must not be \".\"")
	}

	segments := strings.Split(key, types.KeySeparator)
	cur := rootdir
	for i := 0; i < len(segments)-1; i++ {
		name := segments[i]
		d, exists := cur[name]
		switch {
		case !exists:
			if dirent == nil {
				return nil, nil // deleting a path that doesn't exist: no-op
			}
			sub := types.Dir{}
			cur[name] = types.DirVal(sub)
			cur = sub
		case d.Kind == types.KindDirVal:
			cur = d.Dir
		case d.Kind == types.KindDirRef:
			node, ok := c.cache.LookupAndGet(d.Ref, epoch)
			if !ok {
				ref := d.Ref
				return &ref, nil
			}
			subDir, ok := node.(types.Dir)
			if !ok {
				return nil, fmt.Errorf("commit: %s is not a directory blob", d.Ref)
			}
			cloned := subDir.Clone()
			cur[name] = types.DirVal(cloned)
			cur = cloned
		case d.Kind == types.KindLinkVal:
			remainder := strings.Join(segments[i+1:], types.KeySeparator)
			nextKey := d.Link + types.KeySeparator + remainder
			return c.linkDirent(rootdir, nextKey, dirent, epoch, depth+1)
		default:
			if dirent == nil {
				return nil, nil
			}
			sub := types.Dir{}
			cur[name] = types.DirVal(sub)
			cur = sub
		}
	}

	last := segments[len(segments)-1]
	if dirent != nil {
		cur[last] = *dirent
	} else {
		delete(cur, last)
	}
	return nil, nil
}

