package tle

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Store provides thread-safe access to the current almanac of every system.
// Readers load an immutable map; writers replace it copy-on-write.
type Store struct {
	datasets atomic.Pointer[map[string]*Dataset]
	mu       sync.Mutex // serializes writers
}

// NewStore creates a new empty Store.
func NewStore() *Store {
	s := &Store{}
	empty := map[string]*Dataset{}
	s.datasets.Store(&empty)
	return s
}

// Get returns the dataset of system, or nil if none has been loaded.
func (s *Store) Get(system string) *Dataset {
	return (*s.datasets.Load())[system]
}

// Set atomically replaces the dataset of ds.System.
func (s *Store) Set(ds *Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.datasets.Load()
	next := make(map[string]*Dataset, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[ds.System] = ds
	s.datasets.Store(&next)
}

// Systems returns the loaded system names in sorted order.
func (s *Store) Systems() []string {
	cur := *s.datasets.Load()
	names := make([]string, 0, len(cur))
	for k := range cur {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// AgeSeconds returns the age of a system's dataset in seconds.
// Returns -1 if no dataset is loaded.
func (s *Store) AgeSeconds(system string) float64 {
	ds := s.Get(system)
	if ds == nil {
		return -1
	}
	return time.Since(ds.FetchedAt).Seconds()
}
