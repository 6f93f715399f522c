// Package store provides the in-memory flow repository: a concurrent
// keyed collection of captured request/response pairs, queryable by
// identifier or predicate.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/HakAl/snitcher/internal/httpmsg"
)

// Status is a Flow's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Flow is the unit of captured traffic: one request/response pair plus
// metadata. ID is immutable once assigned; Duration is set exactly once,
// at terminalization.
type Flow struct {
	ID            string
	Timestamp     time.Time
	RemoteAddr    string
	Request       *httpmsg.Request
	Response      *httpmsg.Response
	Duration      time.Duration
	Status        Status
	FailureReason string
}

// Filter selects flows by predicate for Find.
type Filter func(*Flow) bool

// Store is a concurrent keyed collection of flows.
type Store struct {
	mu       sync.RWMutex
	flows    map[string]*Flow
	order    []string // insertion order, for MaxFlows eviction
	maxFlows int
}

// New constructs an empty store. maxFlows caps the number of retained
// flows; zero or negative means unbounded (the core spec imposes no cap;
// eviction is an optional wrapper behavior).
func New(maxFlows int) *Store {
	return &Store{
		flows:    make(map[string]*Flow),
		maxFlows: maxFlows,
	}
}

// Put inserts or replaces a flow by identifier.
func (s *Store) Put(flow *Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flows[flow.ID]; !exists {
		s.order = append(s.order, flow.ID)
	}
	s.flows[flow.ID] = flow

	if s.maxFlows > 0 && len(s.order) > s.maxFlows {
		s.evictOldestLocked()
	}
}

// Get performs a point lookup by identifier.
func (s *Store) Get(id string) (*Flow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	return f, ok
}

// List returns all flows sorted by timestamp descending, ties broken by
// identifier, truncated at limit if limit > 0.
func (s *Store) List(limit int) []*Flow {
	return s.Find(func(*Flow) bool { return true }, limit)
}

// Find filters flows by predicate, then sorts descending by timestamp
// (ties broken by identifier), then truncates at limit if limit > 0.
func (s *Store) Find(pred Filter, limit int) []*Flow {
	s.mu.RLock()
	matched := make([]*Flow, 0, len(s.flows))
	for _, f := range s.flows {
		if pred(f) {
			matched = append(matched, f)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// Clear empties the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = make(map[string]*Flow)
	s.order = nil
}

// Len reports the number of stored flows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flows)
}

// evictOldestLocked drops the earliest-inserted flow. Caller must hold s.mu.
func (s *Store) evictOldestLocked() {
	oldest := s.order[0]
	s.order = s.order[1:]
	delete(s.flows, oldest)
}
