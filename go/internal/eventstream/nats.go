package eventstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSDialer receives push events from a per-user NATS subject. The credential
// is used as the connection token.
type NATSDialer struct {
	URL     string
	Subject string
	Timeout time.Duration
	// PingInterval is how often the connection pings the server; two
	// unanswered pings fail the stream.
	PingInterval time.Duration
}

// UserSubject is the subject the relay publishes a user's events on
func UserSubject(prefix, userID string) string {
	if prefix == "" {
		prefix = "push"
	}
	return prefix + "." + userID
}

func (d *NATSDialer) Dial(ctx context.Context, credential string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &natsStream{
		msgs: make(chan *nats.Msg, 256),
		done: make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Name("couplet-client"),
		nats.Token(credential),
		// reconnects are driven by Client, not the NATS library
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			s.fail(fmt.Errorf("nats disconnected: %w", err))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			s.fail(ErrStreamClosed)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	if d.Timeout > 0 {
		opts = append(opts, nats.Timeout(d.Timeout))
	}
	if d.PingInterval > 0 {
		opts = append(opts, nats.PingInterval(d.PingInterval), nats.MaxPingsOutstanding(2))
	}

	nc, err := nats.Connect(d.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	sub, err := nc.ChanSubscribe(d.Subject, s.msgs)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", d.Subject, err)
	}

	s.nc = nc
	s.sub = sub
	return s, nil
}

type natsStream struct {
	nc   *nats.Conn
	sub  *nats.Subscription
	msgs chan *nats.Msg

	once sync.Once
	done chan struct{}
	err  error
}

func (s *natsStream) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *natsStream) Recv() ([]byte, error) {
	select {
	case msg := <-s.msgs:
		return msg.Data, nil
	case <-s.done:
		return nil, s.err
	}
}

func (s *natsStream) Close() error {
	s.fail(ErrStreamClosed)
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
