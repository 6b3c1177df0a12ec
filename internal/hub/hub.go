package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/hostguard-project/hostguard/internal/broadcast"
	"github.com/hostguard-project/hostguard/internal/core"
	"github.com/hostguard-project/hostguard/internal/ingest"
	"github.com/hostguard-project/hostguard/internal/relay"
)

// UnknownHost is the sentinel cached when a reverse lookup fails.
const UnknownHost = "unknown"

// Hub owns every long-lived component of the event bus and wires the accept
// path: ingest → normalize → dedup → enrich → store → broadcast → relay →
// correlate. Composite events from the correlator re-enter the same path.
type Hub struct {
	Logger zerolog.Logger

	cfg        *core.Config
	normalizer *core.Normalizer
	store      *core.EventStore
	correlator *core.Correlator
	ingest     *ingest.Server
	broadcast  *broadcast.Server
	relay      *relay.Relay
	archiver   *core.Archiver
	resolver   *core.ResolutionCache[string, string]
	seenIDs    *lru.Cache[string, struct{}]

	configPath string

	ctx         context.Context
	cancel      context.CancelFunc
	sweepCancel context.CancelFunc

	accepted   atomic.Int64
	rejected   atomic.Int64
	duplicates atomic.Int64
}

// NewLogger builds the process logger from config, matching the configured
// level and console/JSON format.
func NewLogger(cfg *core.LoggingConfig) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	switch strings.ToLower(cfg.Level) {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}

// New assembles a hub from config. resolve supplies the reverse-lookup
// function for the resolution cache; nil selects the real reverse DNS
// resolver.
func New(cfg *core.Config, resolve core.ResolveFunc[string, string], logger zerolog.Logger) (*Hub, error) {
	h := &Hub{
		Logger:     logger.With().Str("component", "hub").Logger(),
		cfg:        cfg,
		normalizer: core.NewNormalizer(cfg.Ingest.ExtraTypes),
	}

	writer, err := core.NewEventWriter(cfg.Events.Dir)
	if err != nil {
		return nil, fmt.Errorf("creating event writer: %w", err)
	}
	h.store = core.NewEventStore(cfg.Store.Capacity, writer, logger)

	if resolve == nil {
		resolve = reverseLookup
	}
	h.resolver, err = core.NewResolutionCache[string, string](cfg.Cache.Capacity, UnknownHost, resolve)
	if err != nil {
		return nil, fmt.Errorf("creating resolution cache: %w", err)
	}
	if err := h.resolver.LoadFile(cfg.Cache.Path); err != nil {
		h.Logger.Warn().Err(err).Msg("could not load persisted resolution cache, starting cold")
	}

	// Track recent IDs well past store capacity so a late replayed duplicate
	// is still caught.
	h.seenIDs, err = lru.New[string, struct{}](4 * cfg.Store.Capacity)
	if err != nil {
		return nil, fmt.Errorf("creating id guard: %w", err)
	}

	h.correlator = core.NewCorrelator(cfg.Correlation, h.acceptComposite, logger)
	h.broadcast = broadcast.NewServer(&cfg.Broadcast, h.store.Tail, logger)
	h.ingest = ingest.NewServer(&cfg.Ingest, h.Ingest, logger)
	return h, nil
}

// Start brings up the relay, correlator sweeper, and both listeners.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	if h.cfg.Relay.Enabled {
		r, err := relay.New(&h.cfg.Relay, h.Logger)
		if err != nil {
			return fmt.Errorf("starting relay: %w", err)
		}
		h.relay = r
	}

	if h.cfg.Archive.Enabled {
		a, err := core.NewArchiver(h.cfg.Archive, h.cfg.Events.Dir, h.Logger)
		if err != nil {
			return fmt.Errorf("starting archiver: %w", err)
		}
		h.archiver = a
		h.archiver.Start(h.ctx)
	}

	// The sweeper gets its own lifetime: shutdown stops it only after every
	// in-flight event has drained.
	var sweepCtx context.Context
	sweepCtx, h.sweepCancel = context.WithCancel(context.Background())
	h.correlator.Start(sweepCtx)

	if err := h.broadcast.Start(h.ctx); err != nil {
		return fmt.Errorf("starting broadcast server: %w", err)
	}
	if err := h.ingest.Start(h.ctx); err != nil {
		h.broadcast.Stop()
		return fmt.Errorf("starting ingestion server: %w", err)
	}

	h.Logger.Info().
		Str("socket", h.cfg.Ingest.SocketPath).
		Int("broadcast_port", h.cfg.Broadcast.Port).
		Msg("hub started")
	return nil
}

// SetConfigPath records where the config was loaded from so SIGHUP can
// reload it.
func (h *Hub) SetConfigPath(path string) {
	h.configPath = path
}

// Run starts the hub and blocks until a shutdown signal arrives. SIGHUP
// triggers a config reload instead of stopping.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := h.Reload(); err != nil {
					h.Logger.Error().Err(err).Msg("config reload failed")
				}
				continue
			}
			h.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
			return h.Shutdown()
		case <-h.ctx.Done():
			return h.Shutdown()
		}
	}
}

// Reload re-reads the config file and applies the hot-reloadable settings:
// correlation window and thresholds, and the log level. Listener addresses,
// store capacity, and relay settings need a restart.
func (h *Hub) Reload() error {
	if h.configPath == "" {
		return errors.New("no config path set, nothing to reload")
	}
	cfg, err := core.LoadConfig(h.configPath)
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}

	h.correlator.UpdateConfig(cfg.Correlation)
	h.cfg.Correlation = cfg.Correlation

	if cfg.LogLevel() != h.cfg.LogLevel() {
		if level, err := zerolog.ParseLevel(cfg.LogLevel()); err == nil {
			zerolog.SetGlobalLevel(level)
			h.cfg.Logging.Level = cfg.Logging.Level
		}
	}

	h.Logger.Info().
		Int("correlation_threshold", cfg.Correlation.Threshold).
		Str("log_level", cfg.LogLevel()).
		Msg("configuration reloaded")
	return nil
}

// Ingest is the entry point for one raw producer message. Schema-invalid
// payloads are logged and dropped; the producer connection is unaffected.
func (h *Hub) Ingest(raw []byte) {
	event, err := h.normalizer.Normalize(raw)
	if err != nil {
		h.rejected.Add(1)
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			h.Logger.Warn().Str("field", verr.Field).Str("reason", verr.Reason).Msg("event rejected")
		} else {
			h.Logger.Warn().Err(err).Msg("event rejected")
		}
		return
	}
	h.accept(event)
}

// accept runs the post-validation path shared by ingested and composite
// events.
func (h *Hub) accept(event *core.Event) {
	if seen, _ := h.seenIDs.ContainsOrAdd(event.ID, struct{}{}); seen {
		h.duplicates.Add(1)
		h.Logger.Debug().Str("event_id", event.ID).Msg("duplicate event id dropped")
		return
	}

	h.enrich(event)
	h.store.Append(event)
	h.broadcast.Publish(event)
	if h.relay != nil {
		if err := h.relay.Publish(event); err != nil {
			h.Logger.Error().Err(err).Str("event_id", event.ID).Msg("relay publish failed")
		}
	}
	h.correlator.Offer(event)
	h.accepted.Add(1)
}

// acceptComposite feeds a synthesized incident back through the normalizer
// path so it is validated, stored, and broadcast like any producer event.
func (h *Hub) acceptComposite(event *core.Event) {
	data, err := event.Marshal()
	if err != nil {
		h.Logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to marshal composite event")
		return
	}
	h.Ingest(data)
}

// enrich resolves the peer hostname for network events through the bounded
// resolution cache.
func (h *Hub) enrich(event *core.Event) {
	switch event.Type {
	case "network_connection", "dns_request":
	default:
		return
	}
	ip, ok := event.Context["ip"].(string)
	if !ok || ip == "" {
		return
	}
	if _, present := event.Context["hostname"]; present {
		return
	}
	event.Context["hostname"] = h.resolver.GetOrResolve(ip)
}

// reverseLookup is the production resolver: first PTR name for the address.
func reverseLookup(ip string) (string, error) {
	names, err := net.LookupAddr(ip)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", errors.New("no PTR record")
	}
	return strings.TrimSuffix(names[0], "."), nil
}

// Tail exposes the store tail for consumers embedded in the same process.
func (h *Hub) Tail(k int) []*core.Event {
	return h.store.Tail(k)
}

// Stats returns a merged snapshot of hub counters.
func (h *Hub) Stats() map[string]any {
	stats := map[string]any{
		"events_accepted":  h.accepted.Load(),
		"events_rejected":  h.rejected.Load(),
		"events_duplicate": h.duplicates.Load(),
		"store_len":        h.store.Len(),
		"resolution_cache": h.resolver.Stats(),
		"correlator":       h.correlator.Stats(),
		"broadcast":        h.broadcast.Stats(),
	}
	if h.relay != nil {
		stats["relay"] = h.relay.Stats()
	}
	if h.archiver != nil {
		stats["archiver"] = h.archiver.Stats()
	}
	return stats
}

// Shutdown stops the hub in dependency order: listeners first, then the
// in-flight drain, then remaining connections, and the correlation sweeper
// last so open buckets can finish or be flushed.
func (h *Hub) Shutdown() error {
	h.Logger.Info().Msg("shutting down hub")

	h.ingest.Stop()
	h.broadcast.Stop()

	h.store.Close()

	h.ingest.CloseConns()
	h.broadcast.CloseSubs()

	if h.sweepCancel != nil {
		h.sweepCancel()
	}
	if h.cancel != nil {
		h.cancel()
	}

	if err := h.resolver.SaveFile(h.cfg.Cache.Path); err != nil {
		h.Logger.Error().Err(err).Msg("failed to persist resolution cache")
	}

	if h.archiver != nil {
		h.archiver.Close()
	}

	if h.relay != nil {
		if err := h.relay.Close(); err != nil {
			h.Logger.Error().Err(err).Msg("error closing relay")
		}
	}

	h.Logger.Info().Msg("hub stopped")
	return nil
}
