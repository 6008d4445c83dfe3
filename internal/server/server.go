// Package server is the TCP transport: it accepts connections, frames the stream into
// newline-delimited JSON envelopes and feeds them to a Handler one at a time per
// connection.
package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-chat/internal/connection"
	"github.com/life-stream-dev/life-stream-go-chat/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat/internal/presence"
	"github.com/life-stream-dev/life-stream-go-chat/internal/protocol"
)

const (
	defaultMaxConnections = 10000
	defaultMaxFrameSize   = 1 << 20
	defaultWriteTimeout   = 10 * time.Second
	defaultMaxMalformed   = 8
	acceptRetryDelay      = 50 * time.Millisecond
)

// Handler receives connection events. OnDisconnect is called exactly once per
// connection, after its last OnEnvelope has returned.
type Handler interface {
	OnConnect(conn presence.Conn)
	OnEnvelope(ctx context.Context, conn presence.Conn, frame []byte) error
	OnDisconnect(ctx context.Context, conn presence.Conn)
}

type Options struct {
	Addr           string
	MaxConnections int
	// IdleTimeout closes connections that send nothing for this long. Zero disables it.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int
	// MaxMalformed closes a connection after this many consecutive malformed frames.
	MaxMalformed int
}

type Server struct {
	opts    Options
	handler Handler
	manager *connection.Manager
	sem     chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

func New(handler Handler, opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = defaultMaxFrameSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxMalformed <= 0 {
		opts.MaxMalformed = defaultMaxMalformed
	}
	return &Server{
		opts:    opts,
		handler: handler,
		manager: connection.NewManager(),
		sem:     make(chan struct{}, opts.MaxConnections),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Connections() *connection.Manager {
	return s.manager
}

// ListenAndServe listens on Options.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or ln fails. On return
// every connection has been closed and has finished its disconnect handling.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)
	logger.InfoF("Chat server listen on %s", ln.Addr().String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.acceptLoop(gctx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := ln.Close(); err != nil && !isNetClosedError(err) {
			logger.ErrorF("Server close error: %v", err)
		}
		return s.manager.CloseAll()
	})

	err := g.Wait()
	s.wg.Wait()
	logger.InfoF("Chat server on %s stopped", ln.Addr().String())
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())
		c := connection.New(conn, s.opts.WriteTimeout)
		s.manager.Add(c)
		if ctx.Err() != nil {
			// Shutdown may have swept the manager before this connection was added.
			_ = c.Close()
		}
		s.wg.Add(1)
		go func() {
			defer func() {
				<-s.sem
				s.wg.Done()
			}()
			s.handleConnection(ctx, c)
		}()
	}
}

// handleConnection runs the read loop of one connection. Envelopes are handled in
// arrival order on this goroutine; the disconnect notification follows the last one.
func (s *Server) handleConnection(ctx context.Context, c *connection.Connection) {
	// Handlers run to completion even while the server shuts down.
	handlerCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := c.Close(); err != nil && !isNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.ID(), err)
		}
		s.manager.Remove(c.ID())
		s.handler.OnDisconnect(handlerCtx, c)
		logger.DebugF("[%s] Connection closed", c.ID())
	}()

	s.handler.OnConnect(c)

	conn := c.NetConn()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.opts.MaxFrameSize)
	malformed := 0
	for {
		if s.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !c.Closed() {
				handleReadError(c.ID(), err)
			} else {
				logger.InfoF("[%s] Client close connection", c.ID())
			}
			return
		}

		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}
		err := s.handler.OnEnvelope(handlerCtx, c, frame)
		if errors.Is(err, protocol.ErrMalformedEnvelope) {
			malformed++
			if malformed >= s.opts.MaxMalformed {
				logger.WarnF("[%s] Too many malformed envelopes, closing connection", c.ID())
				return
			}
			continue
		}
		malformed = 0
	}
}
