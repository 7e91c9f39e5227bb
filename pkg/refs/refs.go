// Package refs tracks named pointers at engine commit roots, the way a
// namespace manager living outside the engine (spec.md §6) would track
// which root a name like "main" currently resolves to, plus which name (or
// which detached root) a caller is currently sitting on.
//
// Unlike a source-control branch namespace, ref names here have no
// hierarchy of their own: the engine's keys already nest via
// types.KeySeparator, and overloading ref names with a second, incompatible
// nesting scheme (and the path-conflict bookkeeping a nested namespace
// needs to avoid colliding with itself) would only invite confusion between
// the two. So the whole namespace — every ref plus the current-state
// pointer — lives in one flat JSON manifest, written atomically the same
// way every on-disk writer in this module does: serialize, write a temp
// file, fsync, rename over the target. A single rename keeps refs and
// current state from ever disagreeing mid-crash, which a per-name-file
// layout split across two files could not guarantee.
package refs

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"fencekv/pkg/errkind"
	"fencekv/pkg/types"
)

// ErrNotFound is returned when a named ref doesn't exist.
var ErrNotFound = errkind.New(errkind.InvalidArgument, "ref not found")

// ValidateName reports whether name is an acceptable ref name: non-empty,
// not the reserved sentinel "current", and free of whitespace or the
// engine's own key separator so a ref name can never be mistaken for one of
// the dotted key paths it might end up pointing a tree at.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errkind.New(errkind.InvalidArgument, "ref name must not be empty")
	case name == "current":
		return errkind.New(errkind.InvalidArgument, "ref name %q is reserved", name)
	case strings.ContainsAny(name, " \t\n"):
		return errkind.New(errkind.InvalidArgument, "ref name %q contains whitespace", name)
	case strings.Contains(name, types.KeySeparator):
		return errkind.New(errkind.InvalidArgument, "ref name %q must not contain %q", name, types.KeySeparator)
	}
	return nil
}

// State describes what a caller is currently sitting on: either an attached
// named ref (Detached false, Name set) or a detached root (Detached true,
// Root set, no name to repoint on a later Update).
type State struct {
	Detached bool
	Name     string
	Root     types.Ref
}

// manifest is the on-disk shape of the whole ref namespace.
type manifest struct {
	Refs     map[string]string `json:"refs"`
	Current  string            `json:"current,omitempty"`
	Detached string            `json:"detached,omitempty"`
}

// Manager owns the ref namespace and the current-state pointer for one data
// directory, persisted as a single JSON manifest file.
type Manager struct {
	path string

	mu       sync.Mutex
	refs     map[string]types.Ref
	detached bool
	current  string
	root     types.Ref
	existed  bool
}

// NewManager loads (or, if absent, prepares to create) the ref manifest
// under dataDir.
func NewManager(dataDir string) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	m := &Manager{
		path: filepath.Join(dataDir, "refs.json"),
		refs: make(map[string]types.Ref),
	}

	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}

	var mf manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, errkind.New(errkind.Protocol, "corrupt ref manifest: %v", err)
	}
	for name, hexRef := range mf.Refs {
		ref, err := types.RefFromHex(hexRef)
		if err != nil {
			return nil, errkind.New(errkind.Protocol, "ref %q has invalid root: %v", name, err)
		}
		m.refs[name] = ref
	}
	if mf.Detached != "" {
		root, err := types.RefFromHex(mf.Detached)
		if err != nil {
			return nil, errkind.New(errkind.Protocol, "invalid detached root: %v", err)
		}
		m.detached = true
		m.root = root
	} else {
		m.current = mf.Current
	}
	m.existed = true
	return m, nil
}

// Initialize attaches the namespace to defaultName if it has no current
// state yet: neither attached to a name nor detached at a root (a brand-new
// data directory, or one whose manifest so far only holds refs). It's a
// no-op once current state has been set, loaded or written, so calling it
// against an already-used directory never clobbers a caller's prior state.
func (m *Manager) Initialize(defaultName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detached || m.current != "" {
		return nil
	}
	m.detached = false
	m.current = defaultName
	return m.persistLocked()
}

// Create points a new ref name at root. It fails if name already exists.
func (m *Manager) Create(name string, root types.Ref) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refs[name]; ok {
		return errkind.New(errkind.AlreadyExists, "ref %q already exists", name)
	}
	m.refs[name] = root
	return m.persistLocked()
}

// Get returns the root a ref currently points to.
func (m *Manager) Get(name string) (types.Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	root, ok := m.refs[name]
	if !ok {
		return types.Ref{}, ErrNotFound
	}
	return root, nil
}

// Exists reports whether a ref by this name is registered.
func (m *Manager) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.refs[name]
	return ok
}

// Update repoints an existing ref at a new root. It fails if name doesn't
// already exist; use Create for that.
func (m *Manager) Update(name string, root types.Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refs[name]; !ok {
		return ErrNotFound
	}
	m.refs[name] = root
	return m.persistLocked()
}

// Delete removes a ref. Deleting the ref the namespace is currently attached
// to leaves the current-state pointer dangling by name rather than silently
// reattaching elsewhere; Root then resolves to types.ZeroRef until a caller
// calls AttachTo or DetachAt again.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refs[name]; !ok {
		return ErrNotFound
	}
	delete(m.refs, name)
	return m.persistLocked()
}

// List returns every registered ref name, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.refs))
	for name := range m.refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// State returns what the namespace is currently sitting on. A freshly
// created Manager that was never Initialize'd, attached, or detached
// reports Detached false with an empty Name, resolving via Root to
// types.ZeroRef.
func (m *Manager) State() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detached {
		return &State{Detached: true, Root: m.root}
	}
	return &State{Name: m.current}
}

// Root resolves the current-state pointer to a root: the detached root if
// detached, otherwise whatever the attached name currently points to
// (types.ZeroRef if that name isn't registered).
func (m *Manager) Root() types.Ref {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detached {
		return m.root
	}
	return m.refs[m.current]
}

// AttachTo repoints current state at an existing ref name, leaving any
// detached state behind. It fails if name isn't registered.
func (m *Manager) AttachTo(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refs[name]; !ok {
		return ErrNotFound
	}
	m.detached = false
	m.current = name
	m.root = types.Ref{}
	return m.persistLocked()
}

// DetachAt points current state directly at root, with no name to repoint
// on a later Update.
func (m *Manager) DetachAt(root types.Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detached = true
	m.root = root
	m.current = ""
	return m.persistLocked()
}

func (m *Manager) persistLocked() error {
	mf := manifest{Refs: make(map[string]string, len(m.refs))}
	for name, root := range m.refs {
		mf.Refs[name] = hex.EncodeToString(root[:])
	}
	if m.detached {
		mf.Detached = hex.EncodeToString(m.root[:])
	} else {
		mf.Current = m.current
	}

	data, err := json.MarshalIndent(&mf, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".refs-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	m.existed = true
	return nil
}
