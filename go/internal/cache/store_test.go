package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	mu    sync.Mutex
	calls int
	value interface{}
	err   error
}

func (f *countingFetcher) Fetch(ctx context.Context) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.value, f.err
}

func (f *countingFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestStore_PrependAbsentCreatesList(t *testing.T) {
	s := NewStore(clockwork.NewFakeClock())
	s.Prepend(KeyVentMessages, json.RawMessage(`{"id":"1"}`))

	e, ok := s.Get(KeyVentMessages)
	require.True(t, ok)
	assert.Equal(t, []json.RawMessage{json.RawMessage(`{"id":"1"}`)}, e.Value)
}

func TestStore_PrependNonListInvalidates(t *testing.T) {
	s := NewStore(clockwork.NewFakeClock())
	s.Replace(KeyPartnerMood, json.RawMessage(`{"mood":"happy"}`))
	s.Prepend(KeyPartnerMood, json.RawMessage(`{"id":"1"}`))

	e, _ := s.Get(KeyPartnerMood)
	assert.True(t, e.Stale)
	assert.Equal(t, json.RawMessage(`{"mood":"happy"}`), e.Value)
}

func TestStore_PrependDoesNotAliasPreviousValue(t *testing.T) {
	s := NewStore(clockwork.NewFakeClock())
	s.Replace(KeySweetMessages, []json.RawMessage{json.RawMessage(`"a"`)})
	old, _ := s.Get(KeySweetMessages)

	s.Prepend(KeySweetMessages, json.RawMessage(`"b"`))

	assert.Len(t, old.Value.([]json.RawMessage), 1)
}

func TestStore_InvalidateAbsentIsNoop(t *testing.T) {
	s := NewStore(clockwork.NewFakeClock())
	s.Invalidate(KeyUnreadCounts)
	_, ok := s.Get(KeyUnreadCounts)
	assert.False(t, ok)
}

func TestStore_ReadRefetchesOnlyWhenStale(t *testing.T) {
	s := NewStore(clockwork.NewFakeClock())
	f := &countingFetcher{value: json.RawMessage(`{"vent":2}`)}
	s.RegisterFetcher(KeyUnreadCounts, f)

	v, err := s.Read(context.Background(), KeyUnreadCounts)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"vent":2}`), v)
	assert.Equal(t, 1, f.Calls())

	_, err = s.Read(context.Background(), KeyUnreadCounts)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Calls())

	s.Invalidate(KeyUnreadCounts)
	_, err = s.Read(context.Background(), KeyUnreadCounts)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Calls())

	e, _ := s.Get(KeyUnreadCounts)
	assert.False(t, e.Stale)
}

func TestStore_RefetchJoinsErrors(t *testing.T) {
	s := NewStore(clockwork.NewFakeClock())
	boom := errors.New("boom")
	ok := &countingFetcher{value: []json.RawMessage{}}
	s.RegisterFetcher(KeyVentMessages, ok)
	s.RegisterFetcher(KeySweetMessages, &countingFetcher{err: boom})

	err := s.Refetch(context.Background(), KeyVentMessages, KeySweetMessages, KeyReceivedGifts)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrNoFetcher)
	assert.Equal(t, 1, ok.Calls())

	_, present := s.Get(KeyVentMessages)
	assert.True(t, present)
}

func TestStore_SubscribeAndUnsubscribe(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC))
	s := NewStore(clock)

	var got []Key
	unsubscribe := s.Subscribe(func(k Key, e Entry) {
		got = append(got, k)
		assert.Equal(t, clock.Now(), e.UpdatedAt)
	})

	s.Replace(KeyPartnerStatus, json.RawMessage(`{"online":true}`))
	s.Invalidate(KeyPartnerStatus)
	// already stale, no second notification
	s.Invalidate(KeyPartnerStatus)
	unsubscribe()
	s.Replace(KeyPartnerMood, json.RawMessage(`{}`))

	assert.Equal(t, []Key{KeyPartnerStatus, KeyPartnerStatus}, got)
}

type mapLoader map[Key]Entry

func (m mapLoader) Load(ctx context.Context, key Key) (Entry, bool, error) {
	e, ok := m[key]
	return e, ok, nil
}

func TestStore_WarmSeedsStaleEntries(t *testing.T) {
	s := NewStore(clockwork.NewFakeClock())
	s.Replace(KeyPartnerMood, json.RawMessage(`{"mood":"fresh"}`))

	var notified int
	s.Subscribe(func(Key, Entry) { notified++ })

	loader := mapLoader{
		KeyVentMessages: {Value: []json.RawMessage{json.RawMessage(`"v"`)}},
		KeyPartnerMood:  {Value: json.RawMessage(`{"mood":"old"}`)},
	}
	require.NoError(t, s.Warm(context.Background(), loader, KeyVentMessages, KeyPartnerMood, KeyUnreadCounts))

	vent, ok := s.Get(KeyVentMessages)
	require.True(t, ok)
	assert.True(t, vent.Stale)

	// existing entries win over the mirror
	mood, _ := s.Get(KeyPartnerMood)
	assert.Equal(t, json.RawMessage(`{"mood":"fresh"}`), mood.Value)

	_, ok = s.Get(KeyUnreadCounts)
	assert.False(t, ok)
	assert.Zero(t, notified)
}

func TestRedisMirror_ObserveSkipsStale(t *testing.T) {
	m := NewRedisMirror(nil, "u1", time.Hour)

	m.Observe(KeyPartnerMood, Entry{Value: json.RawMessage(`{}`), Stale: true})
	m.Observe(KeyPartnerStatus, Entry{Value: json.RawMessage(`{}`)})

	require.Len(t, m.queue, 1)
	w := <-m.queue
	assert.Equal(t, KeyPartnerStatus, w.key)
	assert.Equal(t, "couplet:cache:u1:", m.prefix)
}

type fakeGetter struct {
	doc  json.RawMessage
	list []json.RawMessage
	seen []string
}

func (g *fakeGetter) GetDocument(ctx context.Context, endpoint string) (json.RawMessage, error) {
	g.seen = append(g.seen, endpoint)
	return g.doc, nil
}

func (g *fakeGetter) GetList(ctx context.Context, endpoint string) ([]json.RawMessage, error) {
	g.seen = append(g.seen, endpoint)
	return g.list, nil
}

func TestHTTPFetcher_ListAndDocument(t *testing.T) {
	g := &fakeGetter{
		doc:  json.RawMessage(`{"vent":1}`),
		list: []json.RawMessage{json.RawMessage(`{"id":"g1"}`)},
	}
	s := NewStore(clockwork.NewFakeClock())
	RegisterHTTPFetchers(s, g, map[Key]Endpoint{
		KeyReceivedGifts: {Path: "/gifts/received", List: true},
		KeyUnreadCounts:  {Path: "/messages/unread-counts"},
	})

	require.NoError(t, s.Refetch(context.Background(), KeyReceivedGifts))
	require.NoError(t, s.Refetch(context.Background(), KeyUnreadCounts))

	gifts, _ := s.Get(KeyReceivedGifts)
	assert.IsType(t, []json.RawMessage{}, gifts.Value)
	counts, _ := s.Get(KeyUnreadCounts)
	assert.Equal(t, json.RawMessage(`{"vent":1}`), counts.Value)
	assert.Equal(t, []string{"/gifts/received", "/messages/unread-counts"}, g.seen)
}
