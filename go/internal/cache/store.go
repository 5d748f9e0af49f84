package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/couplet/go/internal/metrics"
)

// Key is a logical query name
type Key string

const (
	KeyUnseenInteractions Key = "unseenInteractions"
	KeyRecentActivities   Key = "recentActivities"
	KeyPartnerStatus      Key = "partnerStatus"
	KeyPartnerMood        Key = "partnerMood"
	KeyVentMessages       Key = "ventMessages"
	KeySweetMessages      Key = "sweetMessages"
	KeyReceivedGifts      Key = "receivedGifts"
	KeyUnreadCounts       Key = "unreadCounts"
)

var (
	// ErrNoFetcher is returned when a key has no registered fetcher
	ErrNoFetcher = errors.New("no fetcher registered")
	// ErrNotFound is returned by Get-style reads for an absent key
	ErrNotFound = errors.New("cache entry not found")
)

// Entry is the cached value for one key. List-shaped entries hold []json.RawMessage.
type Entry struct {
	Value     interface{}
	Stale     bool
	UpdatedAt time.Time
}

// Fetcher loads the authoritative value of a key
type Fetcher interface {
	Fetch(ctx context.Context) (interface{}, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context) (interface{}, error)

func (f FetcherFunc) Fetch(ctx context.Context) (interface{}, error) { return f(ctx) }

// Observer is called after every committed change. It must not call back into
// the store synchronously.
type Observer func(key Key, entry Entry)

// Store is a keyed read cache. The router is its only event-driven writer;
// readers go through Get/Read.
type Store struct {
	mu       sync.RWMutex
	entries  map[Key]*Entry
	fetchers map[Key]Fetcher

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	clock clockwork.Clock
}

// NewStore creates an empty store
func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		entries:   make(map[Key]*Entry),
		fetchers:  make(map[Key]Fetcher),
		observers: make(map[int]Observer),
		clock:     clock,
	}
}

// RegisterFetcher sets the fetcher used to (re)load a key
func (s *Store) RegisterFetcher(key Key, f Fetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchers[key] = f
}

// Subscribe registers an observer and returns a function removing it.
func (s *Store) Subscribe(o Observer) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// Get returns the current entry without fetching
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot copies every entry, for diagnostics and tests
func (s *Store) Snapshot() map[Key]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Key]Entry, len(s.entries))
	for k, e := range s.entries {
		out[k] = *e
	}
	return out
}

// Read returns a fresh value, refetching when the entry is absent or stale.
func (s *Store) Read(ctx context.Context, key Key) (interface{}, error) {
	if e, ok := s.Get(key); ok && !e.Stale {
		return e.Value, nil
	}
	if err := s.refetch(ctx, key); err != nil {
		return nil, err
	}
	e, ok := s.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return e.Value, nil
}

// Prepend puts item at the head of a list-shaped entry. An absent entry becomes a
// one-item list; a non-list entry is invalidated instead.
func (s *Store) Prepend(key Key, item json.RawMessage) {
	s.mu.Lock()
	e, ok := s.entries[key]
	switch {
	case !ok:
		e = &Entry{Value: []json.RawMessage{item}}
		s.entries[key] = e
	default:
		list, isList := e.Value.([]json.RawMessage)
		if !isList && e.Value != nil {
			log.Warn().Str("key", string(key)).Msg("prepend on non-list cache entry, invalidating instead")
			e.Stale = true
			break
		}
		next := make([]json.RawMessage, 0, len(list)+1)
		next = append(next, item)
		next = append(next, list...)
		e.Value = next
	}
	e.UpdatedAt = s.clock.Now()
	committed := *e
	s.mu.Unlock()

	s.notify(key, committed)
}

// Replace sets a key's value wholesale and clears its stale flag
func (s *Store) Replace(key Key, value interface{}) {
	s.mu.Lock()
	e := &Entry{Value: value, UpdatedAt: s.clock.Now()}
	s.entries[key] = e
	committed := *e
	s.mu.Unlock()

	s.notify(key, committed)
}

// Invalidate marks a key stale so the next Read refetches it. Absent keys are
// left absent.
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.Stale {
		s.mu.Unlock()
		return
	}
	e.Stale = true
	committed := *e
	s.mu.Unlock()

	s.notify(key, committed)
}

// Refetch reloads the given keys regardless of their stale flag. Every key is
// attempted; the returned error joins the individual failures.
func (s *Store) Refetch(ctx context.Context, keys ...Key) error {
	var errs []error
	for _, key := range keys {
		if err := s.refetch(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) refetch(ctx context.Context, key Key) error {
	s.mu.RLock()
	f, ok := s.fetchers[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("refetch %s: %w", key, ErrNoFetcher)
	}

	value, err := f.Fetch(ctx)
	if err != nil {
		metrics.CacheRefetches.WithLabelValues("failure").Inc()
		log.Warn().Err(err).Str("key", string(key)).Msg("cache refetch failed")
		return fmt.Errorf("refetch %s: %w", key, err)
	}

	metrics.CacheRefetches.WithLabelValues("success").Inc()
	s.Replace(key, value)
	return nil
}

// seed installs an entry loaded from outside (e.g. a mirror) without notifying
// observers, so mirrors are not echoed back to themselves.
func (s *Store) seed(key Key, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; exists {
		return
	}
	s.entries[key] = &entry
}

func (s *Store) notify(key Key, entry Entry) {
	s.obsMu.RLock()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.obsMu.RUnlock()

	for _, o := range observers {
		o(key, entry)
	}
}
