package cache

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/couplet/go/internal/events"
	"github.com/mcdev12/couplet/go/internal/metrics"
)

// ActionKind is one of the three cache mutations an event can trigger
type ActionKind string

const (
	ActionPrepend    ActionKind = "prepend"
	ActionReplace    ActionKind = "replace"
	ActionInvalidate ActionKind = "invalidate"
)

// Action applies one mutation to one key
type Action struct {
	Kind ActionKind
	Key  Key
}

func Prepend(key Key) Action    { return Action{Kind: ActionPrepend, Key: key} }
func Replace(key Key) Action    { return Action{Kind: ActionReplace, Key: key} }
func Invalidate(key Key) Action { return Action{Kind: ActionInvalidate, Key: key} }

// Mutator is the write side of the cache the router needs
type Mutator interface {
	Prepend(key Key, item json.RawMessage)
	Replace(key Key, value interface{})
	Invalidate(key Key)
}

// DefaultTable maps every known event type to its cache actions. Types with an
// empty list are known but do not touch the cache.
func DefaultTable() map[events.Type][]Action {
	return map[events.Type][]Action{
		events.TypeConnected:           {},
		events.TypePing:                {},
		events.TypeNewInteraction:      {Prepend(KeyUnseenInteractions), Invalidate(KeyRecentActivities)},
		events.TypePartnerStatusUpdate: {Replace(KeyPartnerStatus)},
		events.TypePartnerMoodUpdate:   {Replace(KeyPartnerMood), Invalidate(KeyRecentActivities)},
		events.TypeNewVentMessage:      {Prepend(KeyVentMessages), Invalidate(KeyUnreadCounts)},
		events.TypeNewSweetMessage:     {Prepend(KeySweetMessages), Invalidate(KeyUnreadCounts)},
		events.TypeNewGiftReceived:     {Prepend(KeyReceivedGifts), Invalidate(KeyUnreadCounts), Invalidate(KeyRecentActivities)},
	}
}

// Router applies push events to the cache through a dispatch table
type Router struct {
	store Mutator

	mu    sync.RWMutex
	table map[events.Type][]Action
}

// NewRouter creates a router using DefaultTable
func NewRouter(store Mutator) *Router {
	return &Router{
		store: store,
		table: DefaultTable(),
	}
}

// Register sets (or overrides) the actions for an event type
func (r *Router) Register(t events.Type, actions ...Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[t] = append([]Action(nil), actions...)
}

// Actions returns the actions registered for an event type
func (r *Router) Actions(t events.Type) ([]Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actions, ok := r.table[t]
	return actions, ok
}

// Route applies the actions for ev. Unknown types are logged and ignored.
func (r *Router) Route(ev events.Event) {
	actions, ok := r.Actions(ev.Type)
	if !ok {
		log.Debug().Str("event_type", string(ev.Type)).Msg("unknown event type - ignoring")
		return
	}

	// an event without a payload still invalidates, but never writes
	missing := len(ev.Data) == 0 || string(ev.Data) == "null"

	for _, a := range actions {
		if missing && (a.Kind == ActionPrepend || a.Kind == ActionReplace) {
			log.Warn().
				Str("event_type", string(ev.Type)).
				Str("key", string(a.Key)).
				Msg("malformed event, no data to write")
			continue
		}

		switch a.Kind {
		case ActionPrepend:
			r.store.Prepend(a.Key, ev.Data)
		case ActionReplace:
			r.store.Replace(a.Key, ev.Data)
		case ActionInvalidate:
			r.store.Invalidate(a.Key)
		default:
			log.Warn().Str("action", string(a.Kind)).Msg("unknown cache action")
			continue
		}
		metrics.CacheActions.WithLabelValues(string(a.Kind)).Inc()
	}

	log.Debug().
		Str("event_type", string(ev.Type)).
		Int("actions", len(actions)).
		Msg("event routed")
}
