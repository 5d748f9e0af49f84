// Package sockettest provides an in-memory socket.Conn for tests.
package sockettest

import (
	"context"
	"sync"

	"github.com/mcdev12/couplet/go/internal/socket"
)

// Fake records sent messages and lets tests inject incoming ones.
type Fake struct {
	mu       sync.Mutex
	sent     []socket.Envelope
	handlers map[int]socket.Handler
	nextID   int
	sendErr  error
}

func New() *Fake {
	return &Fake{handlers: make(map[int]socket.Handler)}
}

// FailSends makes every later Send return err (nil restores success)
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *Fake) Send(ctx context.Context, t socket.MessageType, payload interface{}) error {
	env, err := socket.NewEnvelope(t, payload)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *Fake) Subscribe(h socket.Handler) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = h
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

// Inject delivers a message to every subscriber synchronously
func (f *Fake) Inject(t socket.MessageType, payload interface{}) {
	env, err := socket.NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}

	f.mu.Lock()
	handlers := make([]socket.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

// Sent returns every message sent so far
func (f *Fake) Sent() []socket.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]socket.Envelope(nil), f.sent...)
}

// SentOfType filters Sent by type
func (f *Fake) SentOfType(t socket.MessageType) []socket.Envelope {
	var out []socket.Envelope
	for _, env := range f.Sent() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Subscribers reports how many handlers are registered
func (f *Fake) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}
