// Package cache holds the in-memory note cache used by the sync engine.
//
// The cache is advisory: it is never consulted to decide whether a write is
// safe, and a miss always falls through to persistent storage. Every entry
// occupies a single slot indexed under its local identifier and, when known,
// its server GUID.
//
// A Manager is not safe for concurrent use; it belongs to the goroutine that
// runs synchronization.
package cache

import (
	"container/list"

	"notesync/internal/model"
)

// DefaultMaxEntries bounds the cache when no explicit size is configured.
const DefaultMaxEntries = 1000

// KeySpace selects which identifier FindNote looks up.
type KeySpace int

const (
	KeyLocalID KeySpace = iota
	KeyGUID
)

// ExpiryFunc decides whether one more entry should be evicted. It does not
// pick the victim: eviction always removes the least-recently-inserted entry.
type ExpiryFunc func(m *Manager) bool

// DefaultExpiry evicts while the cache holds more than MaxEntries notes.
func DefaultExpiry(m *Manager) bool {
	return m.NumCachedNotes() > m.MaxEntries()
}

type slot struct {
	note model.Entity
}

// Manager is a dual-keyed FIFO note cache with a pluggable expiry policy.
type Manager struct {
	maxEntries int
	expiry     ExpiryFunc

	// order holds *slot values, oldest insertion at the front.
	order   *list.List
	byLocal map[string]*list.Element
	byGUID  map[string]*list.Element

	evictions int
}

// NewManager creates a cache bounded to maxEntries under the default policy.
// A non-positive maxEntries selects DefaultMaxEntries.
func NewManager(maxEntries int) *Manager {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Manager{
		maxEntries: maxEntries,
		expiry:     DefaultExpiry,
		order:      list.New(),
		byLocal:    make(map[string]*list.Element),
		byGUID:     make(map[string]*list.Element),
	}
}

// MaxEntries returns the configured bound used by DefaultExpiry.
func (m *Manager) MaxEntries() int {
	return m.maxEntries
}

// NumCachedNotes returns the entry count after the most recent eviction pass.
func (m *Manager) NumCachedNotes() int {
	return m.order.Len()
}

// Evictions returns how many entries the expiry policy has removed so far.
func (m *Manager) Evictions() int {
	return m.evictions
}

// InstallCacheExpiryFunction replaces the eviction policy. A nil function
// restores DefaultExpiry.
func (m *Manager) InstallCacheExpiryFunction(fn ExpiryFunc) {
	if fn == nil {
		fn = DefaultExpiry
	}
	m.expiry = fn
}

// CacheNote inserts a copy of note, replacing any slot that already holds
// the same local ID or GUID, and then runs the eviction pass.
// Notes without a local ID cannot be indexed and are ignored.
func (m *Manager) CacheNote(note model.Entity) {
	if note.LocalID == "" {
		return
	}

	if el, ok := m.byLocal[note.LocalID]; ok {
		m.remove(el)
	}
	if note.GUID != "" {
		if el, ok := m.byGUID[note.GUID]; ok {
			m.remove(el)
		}
	}

	el := m.order.PushBack(&slot{note: note.Clone()})
	m.index(el)

	for m.order.Len() > 0 && m.expiry(m) {
		m.remove(m.order.Front())
		m.evictions++
	}
}

// FindNote returns the cached note for id in the given key space. The
// returned value is owned by the cache and must not be modified; callers
// replace entries through CacheNote.
func (m *Manager) FindNote(id string, ks KeySpace) (*model.Entity, bool) {
	var el *list.Element
	var ok bool
	switch ks {
	case KeyLocalID:
		el, ok = m.byLocal[id]
	case KeyGUID:
		el, ok = m.byGUID[id]
	}
	if !ok {
		return nil, false
	}
	return &el.Value.(*slot).note, true
}

// ExpungeNote drops the slot holding note under either of its keys.
func (m *Manager) ExpungeNote(note model.Entity) {
	if el, ok := m.byLocal[note.LocalID]; ok && note.LocalID != "" {
		m.remove(el)
	}
	if note.GUID == "" {
		return
	}
	if el, ok := m.byGUID[note.GUID]; ok {
		m.remove(el)
	}
}

// Clear drops every entry.
func (m *Manager) Clear() {
	m.order.Init()
	clear(m.byLocal)
	clear(m.byGUID)
}

func (m *Manager) index(el *list.Element) {
	n := &el.Value.(*slot).note
	m.byLocal[n.LocalID] = el
	if n.GUID != "" {
		m.byGUID[n.GUID] = el
	}
}

func (m *Manager) remove(el *list.Element) {
	n := &el.Value.(*slot).note
	if cur, ok := m.byLocal[n.LocalID]; ok && cur == el {
		delete(m.byLocal, n.LocalID)
	}
	if n.GUID != "" {
		if cur, ok := m.byGUID[n.GUID]; ok && cur == el {
			delete(m.byGUID, n.GUID)
		}
	}
	m.order.Remove(el)
}
