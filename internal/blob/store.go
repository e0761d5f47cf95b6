package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

// ErrNotFound is returned for unknown or released handles.
var ErrNotFound = errors.New("blob not found")

// Entry is a stored blob.
type Entry struct {
	Data     []byte
	MimeType string
}

type ref struct {
	entry Entry
	count int
}

// Store holds transient output bytes under content-addressed handles.
// Identical content shares one entry; each Put must be paired with a Release.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*ref
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*ref)}
}

// Handle returns the content address of data.
func Handle(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and returns its handle.
func (s *Store) Put(data []byte, mimeType string) string {
	h := Handle(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.entries[h]; ok {
		r.count++
		return h
	}
	s.entries[h] = &ref{entry: Entry{Data: data, MimeType: mimeType}, count: 1}
	return h
}

// Get returns the entry for handle.
func (s *Store) Get(handle string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.entries[handle]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return r.entry, nil
}

// Release drops one reference to handle. The entry is removed with its last reference.
func (s *Store) Release(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entries[handle]
	if !ok {
		return
	}
	r.count--
	if r.count <= 0 {
		delete(s.entries, handle)
	}
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
