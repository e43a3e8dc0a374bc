// v0
// internal/history/history.go
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bodycomp"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/dispatch"
)

// DefaultCapacity is the per-identity entry limit.
const DefaultCapacity = 50

// SinkName is the dispatcher name of the store.
const SinkName = "history"

// Entry is one remembered measurement.
type Entry struct {
	ID        string           `json:"id"`
	Identity  string           `json:"identity"`
	Timestamp time.Time        `json:"timestamp"`
	DeviceID  string           `json:"deviceId,omitempty"`
	Impedance int              `json:"impedance"`
	Metrics   bodycomp.Metrics `json:"metrics"`
}

// Store keeps the most recent measurements per identity in memory.
type Store struct {
	capacity int

	mu      sync.RWMutex
	entries map[string][]Entry
}

// New builds a store; capacity <= 0 uses DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity, entries: make(map[string][]Entry)}
}

// Name implements dispatch.Sink.
func (s *Store) Name() string { return SinkName }

// Deliver implements dispatch.Sink.
func (s *Store) Deliver(_ context.Context, m dispatch.Measurement) error {
	s.Add(Entry{
		ID:        m.ID,
		Identity:  m.Identity(),
		Timestamp: m.Timestamp(),
		DeviceID:  m.Reading.DeviceID,
		Impedance: m.Reading.Impedance,
		Metrics:   m.Metrics,
	})
	return nil
}

// Add appends e, evicting the oldest entry of the identity when full.
func (s *Store) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.entries[e.Identity], e)
	if len(list) > s.capacity {
		list = append([]Entry(nil), list[len(list)-s.capacity:]...)
	}
	s.entries[e.Identity] = list
}

// ForIdentity returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) ForIdentity(identity string, limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.entries[identity]
	n := len(list)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, list[i])
	}
	return out
}

// Latest returns the newest entry of every identity, ordered by identity.
func (s *Store) Latest() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, list := range s.entries {
		if len(list) > 0 {
			out = append(out, list[len(list)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Identities lists identities with at least one entry.
func (s *Store) Identities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for id, list := range s.entries {
		if len(list) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
