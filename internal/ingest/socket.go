package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/hostguard-project/hostguard/internal/core"
	"github.com/rs/zerolog"
)

// maxMessageSize caps a single ingested message. Anything larger is treated
// like a malformed payload: logged and dropped.
const maxMessageSize = 256 * 1024

// Handler receives one raw message from a producer connection.
type Handler func(raw []byte)

// Server accepts producer connections on a local stream socket. Each
// connection carries newline-delimited serialized events, fire-and-forget:
// nothing is ever written back. Every connection is read by its own
// goroutine so one slow or malformed producer never blocks another.
type Server struct {
	cfg     *core.IngestConfig
	handler Handler
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ln     net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates an ingestion server delivering each message to handler.
func NewServer(cfg *core.IngestConfig, handler Handler, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "ingest").Logger(),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins listening on the unix socket, replacing any stale socket
// file from a previous run.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	path := s.cfg.SocketPath
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	s.ln = ln

	// Producers run as arbitrary local users.
	if err := os.Chmod(path, 0o666); err != nil {
		s.logger.Warn().Err(err).Msg("could not loosen socket permissions")
	}

	go s.acceptLoop()

	s.logger.Info().Str("socket", path).Msg("ingestion listening")
	return nil
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
		s.track(conn, true)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	s.mu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.track(conn, false)
		conn.Close()
	}()

	reader := bufio.NewReaderSize(conn, 64*1024)
	var msg []byte
	dropping := false

	for {
		if s.ctx.Err() != nil {
			return
		}
		chunk, err := reader.ReadSlice('\n')
		if !dropping {
			msg = append(msg, chunk...)
		}
		if len(msg) > maxMessageSize {
			// Oversized input is handled like any malformed message: the
			// message is dropped, the connection stays open.
			s.logger.Warn().Int("bytes", len(msg)).Msg("oversized message dropped")
			msg = msg[:0]
			dropping = true
		}

		switch err {
		case nil:
			if !dropping {
				line := bytes.TrimRight(msg, "\r\n")
				if len(line) > 0 {
					out := make([]byte, len(line))
					copy(out, line)
					s.handler(out)
				}
			}
			msg = msg[:0]
			dropping = false
		case bufio.ErrBufferFull:
			// Message continues past the read buffer; keep accumulating
			// (or, when dropping, keep discarding until its newline).
		default:
			if err != io.EOF && s.ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("producer connection read error, dropping connection")
			}
			return
		}
	}
}

// Stop closes the listener so no new producers are admitted. Connections
// already accepted keep draining until CloseConns.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.logger.Info().Msg("ingestion listener stopped")
}

// CloseConns terminates any producer connections still open.
func (s *Server) CloseConns() {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
}
