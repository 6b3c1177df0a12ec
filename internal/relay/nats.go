package relay

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hostguard-project/hostguard/internal/core"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Relay mirrors every accepted event onto a NATS JetStream stream so local
// tooling beyond the broadcast socket can consume the feed durably. When
// configured as embedded it runs its own in-process NATS server.
type Relay struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription

	published atomic.Int64
	failed    atomic.Int64
}

// StreamName is the JetStream stream carrying mirrored events.
const StreamName = "HOST_EVENTS"

// New connects the relay, starting an in-process NATS server first when
// cfg.Embedded is set.
func New(cfg *core.RelayConfig, logger zerolog.Logger) (*Relay, error) {
	r := &Relay{
		logger: logger.With().Str("component", "relay").Logger(),
	}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating relay data dir: %w", err)
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		r.ns = ns
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)
		r.logger.Info().Int("port", cfg.Port).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				r.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			r.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	r.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	r.js = js

	streamCfg := &nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"host.events.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 7,
		MaxBytes:  512 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err := js.AddStream(streamCfg); err != nil {
		// Stream may exist with an older config — try updating in place.
		if _, updateErr := js.UpdateStream(streamCfg); updateErr != nil {
			return nil, fmt.Errorf("creating/updating event stream: %w (original: %v)", updateErr, err)
		}
	}

	r.logger.Info().Str("url", url).Msg("relay connected")
	return r, nil
}

// Publish mirrors one event. Failures are counted and reported but the
// caller treats them as non-fatal.
func (r *Relay) Publish(event *core.Event) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := fmt.Sprintf("host.events.%s.%s", event.Type, event.Severity)
	if _, err := r.js.Publish(subject, data); err != nil {
		r.failed.Add(1)
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	r.published.Add(1)
	return nil
}

// Subscribe creates a durable subscription over the mirrored feed.
func (r *Relay) Subscribe(durableName string, handler func(event *core.Event)) error {
	sub, err := r.js.Subscribe("host.events.>", func(msg *nats.Msg) {
		event, err := core.UnmarshalEvent(msg.Data)
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to unmarshal relayed event")
			_ = msg.Nak()
			return
		}
		handler(event)
		_ = msg.Ack()
	}, nats.DeliverNew(), nats.AckExplicit(), nats.Durable(durableName))
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", StreamName, err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return nil
}

// Stats returns relay counters.
func (r *Relay) Stats() map[string]int64 {
	return map[string]int64{
		"events_relayed": r.published.Load(),
		"relay_failures": r.failed.Load(),
	}
}

// Close drains subscriptions and shuts down the connection and any embedded
// server.
func (r *Relay) Close() error {
	r.mu.Lock()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
	r.mu.Unlock()

	if r.nc != nil {
		r.nc.Close()
	}
	if r.ns != nil {
		r.ns.Shutdown()
		r.ns.WaitForShutdown()
		r.logger.Info().Msg("embedded NATS server stopped")
	}
	return nil
}
