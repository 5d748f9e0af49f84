package eventstream

import (
	"context"
	"errors"
)

var (
	// ErrNoCredential is returned by Reconnect when no session credential is held
	ErrNoCredential = errors.New("no credential")
	// ErrStreamClosed is returned by Recv after the stream is closed
	ErrStreamClosed = errors.New("stream closed")
	// ErrStaleStream is the failure recorded when no frame arrives in time
	ErrStaleStream = errors.New("no frames received within stale window")
)

// Stream is one open push-event connection
type Stream interface {
	// Recv blocks until the next raw frame or a transport failure
	Recv() ([]byte, error)
	Close() error
}

// Keepaliver is implemented by streams whose transport carries liveness
// signals that never surface as frames, like WebSocket control pings.
type Keepaliver interface {
	Keepalive() <-chan struct{}
}

// Dialer opens push-event connections authenticated with a credential
type Dialer interface {
	Dial(ctx context.Context, credential string) (Stream, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, credential string) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, credential string) (Stream, error) {
	return f(ctx, credential)
}
