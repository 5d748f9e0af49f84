package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/couplet/go/internal/config"
	"github.com/mcdev12/couplet/go/internal/events"
)

// ErrBadSubject is returned for subjects outside <prefix>.<userId>
var ErrBadSubject = errors.New("subject does not name a user")

// EventConsumer consumes push events from JetStream and delivers them
// through the gateway. Subjects are <prefix>.<userId>; clients on the NATS
// transport subscribe to the same subjects directly.
type EventConsumer struct {
	gateway  *PushGateway
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	config   config.RelayNATSConfig
}

// NewEventConsumer connects, ensures the stream and durable consumer exist
func NewEventConsumer(ctx context.Context, gateway *PushGateway, cfg config.RelayNATSConfig) (*EventConsumer, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ec := &EventConsumer{
		gateway: gateway,
		nc:      nc,
		js:      js,
		config:  cfg,
	}
	if err := ec.ensureConsumer(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return ec, nil
}

func (ec *EventConsumer) ensureConsumer(ctx context.Context) error {
	stream, err := ec.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      ec.config.StreamName,
		Subjects:  []string{ec.config.SubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
	})
	if err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          ec.config.ConsumerName,
		Durable:       ec.config.ConsumerName,
		Description:   "couplet relay push fan-out",
		FilterSubject: ec.config.SubjectPrefix + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    ec.config.MaxDeliver,
		AckWait:       ec.config.AckWait,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	log.Info().
		Str("consumer", ec.config.ConsumerName).
		Str("stream", ec.config.StreamName).
		Msg("JetStream consumer ready")

	ec.consumer = consumer
	return nil
}

// Start consumes until ctx is done
func (ec *EventConsumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", ec.config.ConsumerName).
		Str("stream", ec.config.StreamName).
		Msg("starting JetStream event consumer")

	consumeCtx, err := ec.consumer.Consume(func(msg jetstream.Msg) {
		if err := ec.route(msg.Subject(), msg.Data()); err != nil {
			// undeliverable frames are not retried
			log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping push event")
			if termErr := msg.Term(); termErr != nil {
				log.Error().Err(termErr).Msg("failed to TERM message")
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ACK message")
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	<-ctx.Done()
	log.Info().Msg("event consumer shutting down")
	return nil
}

// Publish writes the frame to the user's subject
func (ec *EventConsumer) Publish(ctx context.Context, userID string, frame []byte) error {
	if _, err := events.Parse(frame); err != nil {
		return err
	}
	if _, err := ec.js.Publish(ctx, ec.config.SubjectPrefix+"."+userID, frame); err != nil {
		return fmt.Errorf("publish push event: %w", err)
	}
	return nil
}

func (ec *EventConsumer) route(subject string, data []byte) error {
	return routeFrame(ec.gateway, ec.config.SubjectPrefix, subject, data)
}

// routeFrame validates a frame and delivers it to the user named by subject
func routeFrame(g *PushGateway, prefix, subject string, data []byte) error {
	userID, ok := strings.CutPrefix(subject, prefix+".")
	if !ok || userID == "" || strings.Contains(userID, ".") {
		return fmt.Errorf("%w: %s", ErrBadSubject, subject)
	}
	if _, err := events.Parse(data); err != nil {
		return err
	}
	g.Deliver(userID, data)
	return nil
}

// Stop closes the NATS connection
func (ec *EventConsumer) Stop() error {
	log.Info().Msg("stopping event consumer")
	if ec.nc != nil {
		ec.nc.Close()
	}
	return nil
}
