// Package inspector streams async hook events of one environment to
// websocket clients, for watching work move between the engine thread and
// the worker pool.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/cryguy/napi/internal/asynchooks"
)

// DefaultBufferSize is the number of events queued per client before the
// client is considered too slow and dropped.
const DefaultBufferSize = 256

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// Event is one message sent to clients.
type Event struct {
	Type    string `json:"type"`
	AsyncID uint64 `json:"asyncId,omitempty"`
	Name    string `json:"name,omitempty"`
	Env     string `json:"env,omitempty"`
	TS      int64  `json:"ts"`
}

type client struct {
	events chan []byte
}

// Server fans hook events out to connected clients.
type Server struct {
	envID   string
	logger  *zap.Logger
	bufSize int

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	done    chan struct{}
	httpSrv *http.Server
}

// New creates a server for the environment envID.
func New(envID string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		envID:   envID,
		logger:  logger,
		bufSize: DefaultBufferSize,
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
}

// Hooks returns a hook set that publishes every event.
func (s *Server) Hooks() asynchooks.Hooks {
	return asynchooks.Hooks{
		Init: func(id asynchooks.ID, name string) {
			s.Publish(Event{Type: "init", AsyncID: uint64(id), Name: name})
		},
		Before:  func(id asynchooks.ID) { s.Publish(Event{Type: "before", AsyncID: uint64(id)}) },
		After:   func(id asynchooks.ID) { s.Publish(Event{Type: "after", AsyncID: uint64(id)}) },
		Destroy: func(id asynchooks.ID) { s.Publish(Event{Type: "destroy", AsyncID: uint64(id)}) },
	}
}

// Publish queues ev for every client without blocking. Clients whose
// buffer is full are disconnected.
func (s *Server) Publish(ev Event) {
	if ev.TS == 0 {
		ev.TS = time.Now().UnixMicro()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("encoding inspector event", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.events <- data:
		default:
			delete(s.clients, c)
			close(c.events)
			s.logger.Debug("dropping slow inspector client")
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) register() (*client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("inspector: server closed")
	}
	c := &client{events: make(chan []byte, s.bufSize)}
	s.clients[c] = struct{}{}
	return c, nil
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// Handler returns the websocket endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("inspector accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	c, err := s.register()
	if err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer s.unregister(c)

	// Clients only listen; CloseRead handles control frames.
	ctx := conn.CloseRead(r.Context())

	hello, _ := json.Marshal(Event{Type: "hello", Env: s.envID, TS: time.Now().UnixMicro()})
	if err := write(ctx, conn, hello); err != nil {
		return
	}
	for {
		select {
		case msg, ok := <-c.events:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			if err := write(ctx, conn, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-s.done:
			_ = conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}

// Listen serves the websocket endpoint on addr in the background,
// accepting at most maxClients concurrent connections (0 for no limit).
// It returns the bound address.
func (s *Server) Listen(addr string, maxClients int) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("inspector: listening on %s: %w", addr, err)
	}
	if maxClients > 0 {
		ln = netutil.LimitListener(ln, maxClients)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("inspector server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("inspector listening", zap.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

// Close disconnects every client and stops the listener, if any.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	srv := s.httpSrv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
