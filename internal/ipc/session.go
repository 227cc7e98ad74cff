package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-desktop/internal/command"
	"github.com/MacJediWizard/keldris-desktop/internal/metrics"
)

// ListenerFunc starts consuming queue and returns a function that stops
// the consumer and waits for it.
type ListenerFunc func(queue *command.Queue) (stop func(), err error)

// SessionConfig holds what a Session needs to create its connection.
type SessionConfig struct {
	SocketPath string
	Listener   ListenerFunc
	Status     StatusProvider
	Aborter    Aborter
	Metrics    *metrics.Metrics
}

// Connection is the process-lifetime handle of the remote surface.
type Connection struct {
	Service *Service
	Queue   *command.Queue

	server *Server
	stop   func()
}

// Session creates the connection at most once.
type Session struct {
	cfg    SessionConfig
	logger zerolog.Logger

	mu   sync.Mutex
	conn *Connection
}

// NewSession creates a session. Nothing is started until Connection is called.
func NewSession(cfg SessionConfig, logger zerolog.Logger) *Session {
	return &Session{
		cfg:    cfg,
		logger: logger,
	}
}

// Connection returns the connection, creating it on first use. Concurrent
// callers all receive the same handle. A failed creation is not cached and
// leaves nothing running.
func (s *Session) Connection(ctx context.Context) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return s.conn, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cfg.Listener == nil {
		return nil, errors.New("no command listener configured")
	}

	queue := command.NewQueue()
	stop, err := s.cfg.Listener(queue)
	if err != nil {
		queue.Close()
		return nil, fmt.Errorf("spawn command listener: %w", err)
	}

	service := NewService(queue, s.cfg.Metrics, s.logger)
	handlers := NewHandlers(service, s.cfg.Status, s.cfg.Aborter, s.cfg.Metrics.Handler(), s.logger)
	server := NewServer(s.cfg.SocketPath, NewEngine(handlers, s.logger), s.logger)
	if err := server.Listen(); err != nil {
		queue.Close()
		stop()
		return nil, err
	}

	s.conn = &Connection{
		Service: service,
		Queue:   queue,
		server:  server,
		stop:    stop,
	}
	return s.conn, nil
}

// Close shuts the connection down if it was created.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.server.Shutdown(ctx)
	conn.Queue.Close()
	conn.stop()
	return err
}
