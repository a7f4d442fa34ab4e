package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/conversation"
	"github.com/voxline/voxline/pkg/errorsx"
	"github.com/voxline/voxline/pkg/orchestrator"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws/conversation"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// SessionFactory builds a session bound to one client connection.
type SessionFactory func(id string, sender orchestrator.Sender) *orchestrator.Session

// Server accepts websocket conversations: one connection, one session.
// Inbound control messages are dispatched from the read loop, which is
// what serializes state transitions per session.
type Server struct {
	cfg        Config
	newSession SessionFactory
	server     *http.Server
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*client

	draining atomic.Bool
}

func New(cfg Config, factory SessionFactory, logger *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		newSession: factory,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*client),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Server) Name() string { return "ws" }

func (s *Server) ReadyFields() map[string]any {
	addr := s.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return map[string]any{"ws_url": "ws://" + addr + s.cfg.WebsocketPath}
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(s.cfg.WebsocketPath, s)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.server = &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ws_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (s *Server) Stop() error {
	s.draining.Store(true)
	if s.server != nil {
		_ = s.server.Close()
	}
	s.mu.Lock()
	clients := make([]*client, 0, len(s.sessions))
	for _, c := range s.sessions {
		clients = append(clients, c)
	}
	s.sessions = make(map[string]*client)
	s.mu.Unlock()
	for _, c := range clients {
		c.teardown()
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := uuid.NewString()
	c := &client{
		conn:   conn,
		sendCh: make(chan []byte, 256),
		logger: s.logger.With("session_id", id),
	}
	c.session = s.newSession(id, c)

	s.mu.Lock()
	s.sessions[id] = c
	s.mu.Unlock()

	go c.writeLoop()
	c.logger.Info("client_connected", "remote", r.RemoteAddr)
	c.session.Announce()

	c.readLoop()

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	c.teardown()
	c.logger.Info("client_disconnected")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

// inboundMessage is the decoded envelope of every client command.
type inboundMessage struct {
	Type        string                 `json:"type"`
	SampleRate  int                    `json:"sampleRate"`
	Channels    int                    `json:"channels"`
	BitDepth    int                    `json:"bitDepth"`
	STTProvider string                 `json:"sttProvider"`
	History     []conversation.Message `json:"history"`
	Chunk       string                 `json:"chunk"`
}

type client struct {
	conn    *websocket.Conn
	session *orchestrator.Session
	sendCh  chan []byte
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

var errClientClosed = errors.New("client connection closed")

// Send implements orchestrator.Sender. A full queue drops the event
// rather than stalling the pipeline on a slow client.
func (c *client) Send(event any) error {
	b, err := json.Marshal(event)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errorsx.Wrap(errClientClosed, errorsx.ReasonTransportSend)
	}
	select {
	case c.sendCh <- b:
		return nil
	default:
		return errorsx.Wrap(errors.New("outbound queue full"), errorsx.ReasonTransportSend)
	}
}

func (c *client) writeLoop() {
	for msg := range c.sendCh {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.logger.Debug("ws_write_failed", "error", err)
			return
		}
	}
}

func (c *client) readLoop() {
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			c.session.HandleAudio(payload)
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Debug("ws_bad_message", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *client) dispatch(msg inboundMessage) {
	switch msg.Type {
	case "start":
		c.session.HandleStart(orchestrator.StartParams{
			Format: audio.Format{
				SampleRate: msg.SampleRate,
				Channels:   msg.Channels,
				BitDepth:   msg.BitDepth,
			},
			Provider: msg.STTProvider,
			History:  msg.History,
		})
	case "audio":
		frame, err := base64.StdEncoding.DecodeString(msg.Chunk)
		if err != nil {
			c.logger.Debug("ws_bad_audio_chunk", "error", err)
			return
		}
		c.session.HandleAudio(frame)
	case "stop":
		c.session.HandleStop()
	case "reset_history":
		c.session.HandleResetHistory()
	default:
		c.logger.Debug("ws_unknown_message", "type", msg.Type)
	}
}

// teardown closes the session and the writer. Idempotent.
func (c *client) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.sendCh)
	c.mu.Unlock()

	// Session teardown happens off the send lock: draining goroutines
	// may still call Send, which now fails fast.
	c.session.Close()
	_ = c.conn.Close()
}
