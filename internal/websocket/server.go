// internal/websocket/server.go
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// AuthKeyEnv names the environment variable holding the shared secret
// clients must send in the X-Auth-Key header.
const AuthKeyEnv = "SNAPKEEP_AUTH_KEY"

// DefaultAddr binds an ephemeral loopback port.
const DefaultAddr = "127.0.0.1:0"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // loopback only
	},
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithAuthKey overrides the key read from AuthKeyEnv. An empty key disables
// authentication.
func WithAuthKey(key string) Option {
	return func(s *Server) { s.authKey = key }
}

// WithHandler mounts h at pattern next to /ws and /health.
func WithHandler(pattern string, h http.Handler) Option {
	return func(s *Server) { s.extra[pattern] = h }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server serves RPC calls and pushes events over websocket
type Server struct {
	addr       string
	authKey    string
	router     *Router
	extra      map[string]http.Handler
	logger     zerolog.Logger
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a server dispatching RPC calls to app's methods
func NewServer(app interface{}, opts ...Option) *Server {
	s := &Server{
		addr:    DefaultAddr,
		authKey: os.Getenv(AuthKeyEnv),
		router:  NewRouter(app),
		extra:   make(map[string]http.Handler),
		logger:  zerolog.Nop(),
		clients: make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens and serves in the background. It returns the bound address.
func (s *Server) Start(ctx context.Context) (string, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}

	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("websocket server error")
		}
	}()

	addr := listener.Addr().String()
	s.logger.Info().Str("addr", addr).Bool("auth", s.authKey != "").Msg("websocket server listening")
	return addr, nil
}

// Stop disconnects every client and shuts the HTTP server down
func (s *Server) Stop(ctx context.Context) error {
	s.clientsMu.Lock()
	for _, client := range s.clients {
		client.Close()
	}
	s.clientsMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.authKey != "" {
		authHeader := r.Header.Get("X-Auth-Key")
		if authHeader != s.authKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn)

	s.clientsMu.Lock()
	s.clients[clientID] = client
	s.clientsMu.Unlock()

	s.logger.Debug().Str("client", clientID).Msg("client connected")

	go client.WritePump()

	s.readPump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client.ID)
		s.clientsMu.Unlock()
		client.Close()
		s.logger.Debug().Str("client", client.ID).Msg("client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("websocket read error")
			}
			break
		}

		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("invalid message format")
		return
	}

	if msg.Kind == KindRequest && msg.Request != nil {
		s.handleRPCRequest(client, msg.Request)
	}
}

func (s *Server) handleRPCRequest(client *Client, req *RPCRequest) {
	result, err := s.router.Call(req.Method, req.Params)

	var errMsg string
	if err != nil {
		errMsg = err.Error()
		s.logger.Debug().Str("method", req.Method).Err(err).Msg("rpc call failed")
	}

	if err := client.SendResponse(req.ID, result, errMsg); err != nil {
		s.logger.Warn().Str("client", client.ID).Err(err).Msg("failed to send response")
	}
}

// BroadcastEvent sends an event to every connected client
func (s *Server) BroadcastEvent(eventType string, payload interface{}) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		if err := client.SendEvent(eventType, payload); err != nil {
			s.logger.Warn().Str("client", client.ID).Err(err).Msg("failed to send event")
		}
	}
}
