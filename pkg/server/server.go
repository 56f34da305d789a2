package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/relaychat/pkg/history"
	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/aeolun/relaychat/pkg/store"
)

var (
	errorLog = log.New(os.Stderr, "", log.LstdFlags)
	debugLog = log.New(io.Discard, "", 0)
)

// Server is the chat relay: it accepts connections, runs one read loop per
// connection, and dispatches NDJSON commands against the credential store,
// the ephemeral code registry, and the session table.
type Server struct {
	users    *store.Store
	history  *history.Store
	sessions *SessionManager
	codes    *CodeRegistry
	config   ServerConfig

	listener   net.Listener
	httpServer *http.Server
	metrics    *Metrics
	startTime  time.Time
	shutdown   chan struct{}
	wg         sync.WaitGroup
}

// ServerConfig holds resolved server configuration.
type ServerConfig struct {
	TCPPort             int
	HTTPPort            int // 0 disables the HTTP side server (/ws, /health, /metrics)
	UsersPath           string
	HistoryPath         string
	MaxMessageLength    int
	CodeTTLSeconds      int
	CodeRotationSeconds int // 0 disables background code rotation
	IdleTimeoutSeconds  int // 0 disables the idle session sweep
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		TCPPort:             5000,
		HTTPPort:            5080,
		UsersPath:           "users.json",
		HistoryPath:         "history.db",
		MaxMessageLength:    4096,
		CodeTTLSeconds:      60,
		CodeRotationSeconds: 60,
		IdleTimeoutSeconds:  0,
	}
}

// NewServer creates a server instance, opening the credential store and the
// history log.
func NewServer(config ServerConfig) (*Server, error) {
	users, err := store.Open(config.UsersPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open user store: %w", err)
	}

	hist, err := history.Open(config.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history log: %w", err)
	}

	return &Server{
		users:     users,
		history:   hist,
		sessions:  NewSessionManager(),
		codes:     NewCodeRegistry(time.Duration(config.CodeTTLSeconds) * time.Second),
		config:    config,
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
	}, nil
}

// EnableDebugLogging turns on per-line debug logging.
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
}

// EnableMetrics registers Prometheus metrics. Call at most once per process.
func (s *Server) EnableMetrics() {
	s.metrics = NewMetrics()
	s.sessions.SetMetrics(s.metrics)
}

// Start begins listening for TCP connections and, if configured, starts the
// HTTP side server and the background loops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	if s.config.HTTPPort != 0 {
		if err := s.startHTTPServer(); err != nil {
			s.listener.Close()
			return err
		}
	}

	if s.config.CodeRotationSeconds > 0 {
		s.wg.Add(1)
		go s.codeRotationLoop()
	}

	if s.config.IdleTimeoutSeconds > 0 {
		s.wg.Add(1)
		go s.idleSweepLoop()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the address the TCP listener is bound to.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}

	s.wg.Wait()
	s.sessions.CloseAll()

	return s.history.Close()
}

// startHTTPServer starts the side server carrying the WebSocket transport,
// the health endpoint, and Prometheus metrics.
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HealthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	httpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{Handler: mux}
	log.Printf("HTTP server listening on %s", httpListener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// acceptLoop accepts incoming connections until shutdown.
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

		go s.handleConnection(conn)
	}
}

// handleConnection runs the read-parse-dispatch loop for one connection.
// The deferred teardown removes the session from the table and closes the
// connection no matter how the loop exits.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.sessions.CreateSession(conn)
	defer s.sessions.RemoveSession(sess.ID)

	debugLog.Printf("Session %d connected from %s", sess.ID, conn.RemoteAddr())

	reader := bufio.NewReaderSize(conn, 4096)
	for {
		line, err := protocol.ReadLine(reader)
		if err != nil {
			if errors.Is(err, protocol.ErrLineTooLong) {
				if serr := s.sendEvent(sess, protocol.NewErrorEvent("Line too long.")); serr != nil {
					return
				}
				continue
			}
			if err == io.EOF {
				debugLog.Printf("Session %d disconnected", sess.ID)
			} else {
				debugLog.Printf("Session %d read error: %v", sess.ID, err)
			}
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		sess.Touch(time.Now().UnixMilli())

		cmd, err := protocol.DecodeCommand(line)
		if err != nil {
			// Recoverable protocol errors: report and keep the connection
			msg := "Invalid JSON"
			if errors.Is(err, protocol.ErrUnknownCommand) || errors.Is(err, protocol.ErrMissingType) {
				msg = "Unknown command"
			}
			if serr := s.sendEvent(sess, protocol.NewErrorEvent(msg)); serr != nil {
				return
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordCommand(cmd.CommandType())
		}
		debugLog.Printf("Session %d ← RECV: %s", sess.ID, cmd.CommandType())

		// A handler error is a transport failure on this connection only;
		// recoverable conditions are reported in-band as error events
		if err := s.handleCommand(sess, cmd); err != nil {
			debugLog.Printf("Session %d write error: %v", sess.ID, err)
			return
		}
	}
}

// sendEvent encodes and writes one event line to the session.
func (s *Server) sendEvent(sess *Session, event interface{}) error {
	data, err := protocol.EncodeLine(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return sess.Conn.WriteLine(data)
}

// codeRotationLoop periodically mints a fresh ephemeral code for every
// registered account, keeping codes rotating even absent explicit requests.
func (s *Server) codeRotationLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.config.CodeRotationSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			usernames, err := s.users.Usernames()
			if err != nil {
				errorLog.Printf("Code rotation: failed to list users: %v", err)
				continue
			}
			if err := s.codes.RotateAll(usernames); err != nil {
				errorLog.Printf("Code rotation failed: %v", err)
			}
		}
	}
}

// idleSweepLoop disconnects sessions that have not produced any input
// (including pings) within the configured timeout.
func (s *Server) idleSweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.sweepIdleSessions()
		}
	}
}

func (s *Server) sweepIdleSessions() {
	timeout := time.Duration(s.config.IdleTimeoutSeconds) * time.Second
	cutoff := time.Now().Add(-timeout).UnixMilli()

	for _, sess := range s.sessions.GetAllSessions() {
		if sess.LastActivity() < cutoff {
			debugLog.Printf("Session %d idle for over %v, disconnecting", sess.ID, timeout)
			s.sessions.RemoveSession(sess.ID)
		}
	}
}
