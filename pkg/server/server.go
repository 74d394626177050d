package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/directory"
	"github.com/aeolun/relaychat/pkg/netutil"
	"github.com/aeolun/relaychat/pkg/protocol"
)

var (
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
)

// EnableDebugLogging sends per-session debug output to stderr
func EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// Server is the directory server: it owns the registry and serves the
// command protocol over TCP and, when configured, WebSocket.
type Server struct {
	db         *database.DB // nil when no database path is configured
	registry   *directory.Registry
	sessions   *SessionManager
	metrics    *Metrics
	config     ServerConfig
	listener   net.Listener
	httpServer *http.Server
	httpAddr   net.Addr
	startTime  time.Time
	shutdown   chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopErr    error
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr        string
	HTTPAddr          string // empty disables /ws, /metrics and the JSON endpoints
	DatabasePath      string // empty disables the session audit store
	MaxNicknameLength int
	MaxUsers          int // 0 means unlimited

	// ReleaseOnDisconnect frees a nickname when its connection drops
	// without Logout or Exit. Off, the nickname stays registered.
	ReleaseOnDisconnect bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        "127.0.0.1:6142",
		HTTPAddr:          "",
		DatabasePath:      "",
		MaxNicknameLength: 64,
		MaxUsers:          0,
	}
}

// NewServer creates a new server instance
func NewServer(config ServerConfig) (*Server, error) {
	var db *database.DB
	if config.DatabasePath != "" {
		var err error
		db, err = database.Open(config.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	}

	registry := directory.NewRegistry()
	registry.SetLimits(directory.Limits{
		MaxUsers:          config.MaxUsers,
		MaxNicknameLength: config.MaxNicknameLength,
	})

	metrics := NewMetrics()
	sessions := NewSessionManager(db, registry)
	sessions.SetMetrics(metrics)
	sessions.SetReleaseOnDisconnect(config.ReleaseOnDisconnect)
	registry.SetObserver(sessions)

	return &Server{
		db:       db,
		registry: registry,
		sessions: sessions,
		metrics:  metrics,
		config:   config,
		shutdown: make(chan struct{}),
	}, nil
}

// Registry returns the directory served by this server
func (s *Server) Registry() *directory.Registry {
	return s.registry
}

// Start starts the TCP listener and, when configured, the HTTP server
func (s *Server) Start() error {
	if s.db != nil {
		stale, err := s.db.ClearSessions()
		if err != nil {
			return fmt.Errorf("failed to clear stale sessions: %w", err)
		}
		if stale > 0 {
			log.Printf("Cleared %d stale session records", stale)
		}
	}

	listener, err := netutil.Listen(context.Background(), s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = listener
	s.startTime = time.Now()
	if backlog := listenBacklog(); backlog > 0 {
		log.Printf("Directory server listening on %s (kernel listen backlog: %d)", listener.Addr(), backlog)
	} else {
		log.Printf("Directory server listening on %s", listener.Addr())
	}

	if s.config.HTTPAddr != "" {
		if err := s.startHTTPServer(); err != nil {
			s.listener.Close()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) startHTTPServer() error {
	listener, err := netutil.Listen(context.Background(), s.config.HTTPAddr)
	if err != nil {
		return err
	}
	s.httpAddr = listener.Addr()
	s.httpServer = &http.Server{
		Handler:           s.httpHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("HTTP server listening on %s (/ws, /metrics, /directory.json)", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the TCP listen address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the HTTP listen address, or nil when HTTP is disabled
func (s *Server) HTTPAddr() net.Addr {
	return s.httpAddr
}

// Stop gracefully stops the server. Later calls return the first result.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop()
	})
	return s.stopErr
}

func (s *Server) stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errorLog.Printf("HTTP shutdown: %v", err)
		}
		cancel()
	}

	// Wait for the listeners to finish
	s.wg.Wait()

	// Close all sessions and wait for their handlers to release identities
	s.sessions.CloseAll()
	s.sessions.Wait()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn, "tcp")
	}
}

// handleConnection runs one directory connection until it ends
func (s *Server) handleConnection(conn net.Conn, connType string) {
	netutil.SetNoDelay(conn)

	sess, err := s.sessions.CreateSession(connType, conn)
	if err != nil {
		debugLog.Printf("Rejecting %s connection from %s: %v", connType, conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	defer s.sessions.RemoveSession(sess.ID)

	debugLog.Printf("New %s connection from %s (session %d)", connType, conn.RemoteAddr(), sess.ID)

	s.messageLoop(sess)
}

// messageLoop reads one command message at a time and writes exactly one
// response message for it
func (s *Server) messageLoop(sess *Session) {
	reader := bufio.NewReader(sess.Conn)

	for {
		packets, err := protocol.ReadMessage(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				debugLog.Printf("Session %d disconnected", sess.ID)
			} else {
				debugLog.Printf("Session %d read error: %v", sess.ID, err)
			}
			return
		}

		s.sessions.Touch(sess)

		cmd, err := protocol.DecodeCommand(packets)
		if err != nil {
			s.metrics.RecordDecodeError()
			errorLog.Printf("Session %d: dropping malformed message: %v", sess.ID, err)
			if err := s.reply(sess, nil); err != nil {
				return
			}
			continue
		}

		debugLog.Printf("Session %d ← RECV: %s", sess.ID, cmd)
		s.metrics.RecordCommandReceived(cmd.String())

		resp := s.dispatch(sess, cmd)
		if err := s.reply(sess, resp); err != nil {
			return
		}

		if _, ok := cmd.(protocol.ExitCommand); ok {
			debugLog.Printf("Session %d exited", sess.ID)
			return
		}
	}
}

// dispatch routes a command to the registry. Message is answered with the
// recipient's endpoint so the client can deliver it directly.
func (s *Server) dispatch(sess *Session, cmd protocol.Command) protocol.Response {
	if msg, ok := cmd.(protocol.MessageCommand); ok {
		return s.registry.Resolve(msg.Nickname, msg.Text)
	}
	return s.registry.Handle(sess.Directory, cmd)
}

func (s *Server) reply(sess *Session, resp protocol.Response) error {
	name := protocol.ResponseName(resp)
	if err := sess.Conn.WriteResponse(resp); err != nil {
		debugLog.Printf("Session %d: failed to send %s: %v", sess.ID, name, err)
		return err
	}
	debugLog.Printf("Session %d → SEND: %s", sess.ID, name)
	s.metrics.RecordResponseSent(name)
	return nil
}
