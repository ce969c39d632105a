// Package resource owns transient references to in-memory binaries.
//
// A Ref lets a host address compressed bytes as a fetchable resource (the web
// server serves them under /api/blobs/{ref}). Each owner holds at most one live
// Ref at a time: creating a new one for the same owner releases the old one
// first. Refs must be released explicitly once they are no longer needed.
package resource

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"image-compressor-go/internal/metrics"

	"github.com/google/uuid"
)

// refScheme prefixes every reference, mirroring object URL syntax.
const refScheme = "blob:"

// ErrReleased is returned when resolving a reference that is no longer live.
var ErrReleased = errors.New("reference released")

// Ref is an opaque transient reference.
type Ref string

// Token returns the reference without its scheme, suitable for URL paths.
func (r Ref) Token() string {
	return strings.TrimPrefix(string(r), refScheme)
}

// ParseToken turns a URL token back into a Ref.
func ParseToken(token string) Ref {
	return Ref(refScheme + token)
}

type entry struct {
	owner string
	data  []byte
}

// Manager tracks live references.
type Manager struct {
	mu      sync.Mutex
	refs    map[Ref]entry
	byOwner map[string]Ref
	created int64
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		refs:    make(map[Ref]entry),
		byOwner: make(map[string]Ref),
	}
}

// Create registers data under owner and returns a fresh reference. Any
// reference the owner already held is released first.
func (m *Manager) Create(owner string, data []byte) Ref {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseOwnerLocked(owner)

	ref := Ref(refScheme + uuid.NewString())
	m.refs[ref] = entry{owner: owner, data: data}
	m.byOwner[owner] = ref
	m.created++
	metrics.LiveReferences.Set(float64(len(m.refs)))
	return ref
}

// Acquire returns the owner's live reference, creating one for data if the
// owner has none.
func (m *Manager) Acquire(owner string, data []byte) Ref {
	m.mu.Lock()
	if ref, ok := m.byOwner[owner]; ok {
		m.mu.Unlock()
		return ref
	}
	m.mu.Unlock()
	return m.Create(owner, data)
}

// Resolve returns the bytes behind a live reference.
func (m *Manager) Resolve(ref Ref) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.refs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReleased, ref)
	}
	return e.data, nil
}

// Release drops ref. It reports false if ref was not live.
func (m *Manager) Release(ref Ref) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.refs[ref]
	if !ok {
		return false
	}
	delete(m.refs, ref)
	if m.byOwner[e.owner] == ref {
		delete(m.byOwner, e.owner)
	}
	metrics.LiveReferences.Set(float64(len(m.refs)))
	return true
}

// ReleaseOwner drops whatever reference owner currently holds.
func (m *Manager) ReleaseOwner(owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseOwnerLocked(owner)
}

func (m *Manager) releaseOwnerLocked(owner string) bool {
	ref, ok := m.byOwner[owner]
	if !ok {
		return false
	}
	delete(m.byOwner, owner)
	delete(m.refs, ref)
	metrics.LiveReferences.Set(float64(len(m.refs)))
	return true
}

// Live returns the number of live references.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refs)
}

// Created returns how many references have ever been issued.
func (m *Manager) Created() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

// ReleaseAll drops every live reference and returns how many were released.
func (m *Manager) ReleaseAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.refs)
	m.refs = make(map[Ref]entry)
	m.byOwner = make(map[string]Ref)
	metrics.LiveReferences.Set(0)
	return n
}
