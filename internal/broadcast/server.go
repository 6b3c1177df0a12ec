package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hostguard-project/hostguard/internal/core"
	"github.com/rs/zerolog"
)

// TailFunc supplies the most recent events for replay-on-connect, newest
// first.
type TailFunc func(k int) []*core.Event

// Server fans accepted events out to consumer connections over a framed TCP
// socket: one newline-terminated JSON event per frame. Each subscriber gets
// a bounded outbound queue and its own writer goroutine, so a slow consumer
// only ever loses its own frames.
type Server struct {
	cfg    *core.BroadcastConfig
	tail   TailFunc
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ln     net.Listener

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	published atomic.Int64
	dropped   atomic.Int64
	kicked    atomic.Int64
}

// subscriber is one consumer connection with its outbound queue and an
// optional type/severity filter.
type subscriber struct {
	conn   net.Conn
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	types       map[string]struct{}
	minSeverity core.Severity
	hasMin      bool
	drops       int
}

// filterRequest is the optional frame a consumer may send to narrow its
// subscription. Filters apply to subsequent deliveries only.
type filterRequest struct {
	Types       []string `json:"types"`
	MinSeverity string   `json:"min_severity"`
}

// NewServer creates a broadcast server reading replay data through tail.
func NewServer(cfg *core.BroadcastConfig, tail TailFunc, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		tail:   tail,
		logger: logger.With().Str("component", "broadcast").Logger(),
		subs:   make(map[*subscriber]struct{}),
	}
}

// Start begins accepting consumer connections.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.ln = ln

	go s.acceptLoop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("broadcast listening")
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("accept error")
			continue
		}
		s.admit(conn)
	}
}

// admit replays the store tail to the new subscriber and registers it for
// live delivery. Replay frames go through the same queue as live frames so
// a consumer sees them strictly before anything accepted afterwards.
func (s *Server) admit(conn net.Conn) {
	sub := &subscriber{
		conn:   conn,
		out:    make(chan []byte, s.cfg.QueueCapacity),
		closed: make(chan struct{}),
	}

	s.mu.Lock()
	replay := s.tail(s.cfg.ReplayDepth)
	// Tail is newest-first; consumers want chronological order.
	for i := len(replay) - 1; i >= 0; i-- {
		if frame, err := replay[i].Marshal(); err == nil {
			s.enqueueLocked(sub, frame)
		}
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go s.writeLoop(sub)
	go s.readLoop(sub)

	s.logger.Debug().Str("remote", conn.RemoteAddr().String()).Int("replayed", len(replay)).Msg("subscriber connected")
}

// Publish delivers an accepted event to every matching subscriber.
func (s *Server) Publish(event *core.Event) {
	frame, err := event.Marshal()
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to marshal event for broadcast")
		return
	}
	s.published.Add(1)

	s.mu.Lock()
	var evict []*subscriber
	for sub := range s.subs {
		if !sub.matches(event) {
			continue
		}
		if !s.enqueueLocked(sub, frame) {
			evict = append(evict, sub)
		}
	}
	for _, sub := range evict {
		delete(s.subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range evict {
		s.kicked.Add(1)
		s.logger.Warn().Str("remote", sub.conn.RemoteAddr().String()).Msg("subscriber too slow, disconnecting")
		sub.close()
	}
}

// enqueueLocked offers a frame to the subscriber's queue. On overflow the
// oldest queued frame is shed; under the disconnect policy a subscriber
// whose total drops pass the hard cap is reported for eviction.
func (s *Server) enqueueLocked(sub *subscriber, frame []byte) bool {
	for {
		select {
		case sub.out <- frame:
			return true
		default:
		}
		select {
		case <-sub.out:
			sub.drops++
			s.dropped.Add(1)
		default:
		}
		if s.cfg.OverflowPolicy == core.OverflowDisconnect && sub.drops > s.cfg.MaxDropped {
			return false
		}
	}
}

func (s *Server) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.closed:
			return
		case frame := <-sub.out:
			if _, err := sub.conn.Write(append(frame, '\n')); err != nil {
				s.remove(sub)
				return
			}
		}
	}
}

// readLoop watches the connection for disconnect and for optional filter
// frames sent by the consumer.
func (s *Server) readLoop(sub *subscriber) {
	scanner := bufio.NewScanner(sub.conn)
	for scanner.Scan() {
		var req filterRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			s.logger.Debug().Err(err).Msg("ignoring malformed filter frame")
			continue
		}
		sub.setFilter(req)
	}
	s.remove(sub)
}

func (s *Server) remove(sub *subscriber) {
	s.mu.Lock()
	_, present := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()
	if present {
		s.logger.Debug().Str("remote", sub.conn.RemoteAddr().String()).Msg("subscriber disconnected")
	}
	sub.close()
}

func (sub *subscriber) close() {
	sub.once.Do(func() {
		close(sub.closed)
		sub.conn.Close()
	})
}

func (sub *subscriber) setFilter(req filterRequest) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(req.Types) > 0 {
		sub.types = make(map[string]struct{}, len(req.Types))
		for _, t := range req.Types {
			sub.types[t] = struct{}{}
		}
	}
	if req.MinSeverity != "" {
		if sev, ok := core.ParseSeverity(req.MinSeverity); ok {
			sub.minSeverity = sev
			sub.hasMin = true
		}
	}
}

func (sub *subscriber) matches(event *core.Event) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.types) > 0 {
		if _, ok := sub.types[event.Type]; !ok {
			return false
		}
	}
	if sub.hasMin && event.Severity < sub.minSeverity {
		return false
	}
	return true
}

// Subscribers returns the number of connected consumers.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Stats returns delivery counters.
func (s *Server) Stats() map[string]int64 {
	return map[string]int64{
		"events_published":      s.published.Load(),
		"frames_dropped":        s.dropped.Load(),
		"subscribers_kicked":    s.kicked.Load(),
		"subscribers_connected": int64(s.Subscribers()),
	}
}

// Stop closes the listener so no new consumers are admitted.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.logger.Info().Msg("broadcast listener stopped")
}

// CloseSubs disconnects every remaining subscriber.
func (s *Server) CloseSubs() {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*subscriber]struct{})
	s.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
