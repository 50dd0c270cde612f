// Package server is the rendezvous point for relay clients. It pairs two
// clients into a session identified by a secret and forwards relay-data
// blobs between them over length-prefixed TCP or WebSocket connections.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dotside-studios/nfc-relay/buildinfo"
	"github.com/dotside-studios/nfc-relay/transport"
)

// Config holds the server configuration
type Config struct {
	TCPAddr      string // empty disables the TCP listener
	WSAddr       string // empty disables the WebSocket listener
	WSPath       string
	TLS          *tls.Config // applied to both listeners when set
	MaxSessions  int
	SecretLength int
	// AckForwards answers every forwarded blob with RelayData{NoError}.
	AckForwards  bool
	MaxFrame     int
	WriteTimeout time.Duration
	MDNS         bool
	Store        Store
	Logger       *zerolog.Logger
}

// Server manages the listeners, the connected clients and their sessions.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	store    Store
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	clients  map[string]*client

	tcpLn      net.Listener
	wsLn       net.Listener
	httpServer *http.Server
	mdnsServer *zeroconf.Server
	conns      sync.WaitGroup
}

// New creates a new server instance
func New(cfg Config) *Server {
	if cfg.WSPath == "" {
		cfg.WSPath = DefaultWSPath
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.SecretLength <= 0 {
		cfg.SecretLength = DefaultSecretLength
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(0)
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Server{
		cfg:   cfg,
		log:   log.With().Str("component", "server").Logger(),
		store: cfg.Store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // relay clients are not browsers
			},
		},
		sessions: make(map[string]*session),
		clients:  make(map[string]*client),
	}
}

// Listen binds the configured listeners. Run calls it when needed; calling
// it first lets callers learn the bound addresses.
func (s *Server) Listen() error {
	if s.cfg.TCPAddr == "" && s.cfg.WSAddr == "" {
		return errors.New("server: no listen address configured")
	}
	if s.cfg.TCPAddr != "" && s.tcpLn == nil {
		ln, err := s.listen(s.cfg.TCPAddr)
		if err != nil {
			return err
		}
		s.tcpLn = ln
	}
	if s.cfg.WSAddr != "" && s.wsLn == nil {
		ln, err := s.listen(s.cfg.WSAddr)
		if err != nil {
			return err
		}
		s.wsLn = ln

		mux := http.NewServeMux()
		mux.HandleFunc(s.cfg.WSPath, s.handleWebSocket)
		mux.HandleFunc(HealthPath, s.handleHealthCheck)
		s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}
	return nil
}

func (s *Server) listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}
	return ln, nil
}

// TCPAddr returns the bound TCP address, or nil when disabled.
func (s *Server) TCPAddr() net.Addr {
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// WSAddr returns the bound WebSocket address, or nil when disabled.
func (s *Server) WSAddr() net.Addr {
	if s.wsLn == nil {
		return nil
	}
	return s.wsLn.Addr()
}

// Run serves until ctx is done, then closes every client.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.tcpLn != nil {
		s.log.Info().Stringer("addr", s.tcpLn.Addr()).Bool("tls", s.cfg.TLS != nil).Msg("tcp listener started")
		g.Go(func() error { return s.acceptTCP(gctx) })
	}
	if s.wsLn != nil {
		s.log.Info().Stringer("addr", s.wsLn.Addr()).Str("path", s.cfg.WSPath).Msg("websocket listener started")
		g.Go(func() error {
			if err := s.httpServer.Serve(s.wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: http: %w", err)
			}
			return nil
		})
	}
	if s.cfg.MDNS {
		if err := s.startMDNS(); err != nil {
			s.log.Warn().Err(err).Msg("mDNS unavailable, clients need the address configured")
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})
	return g.Wait()
}

func (s *Server) shutdown() {
	s.log.Info().Msg("shutting down")
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
	}
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown")
		}
		cancel()
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
	s.conns.Wait()
}

func (s *Server) acceptTCP(ctx context.Context) error {
	for {
		conn, err := s.tcpLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("accept")
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(transport.NewTCP(conn, s.cfg.MaxFrame, s.cfg.WriteTimeout, s.log))
		}()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade")
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()
	if s.cfg.MaxFrame > 0 {
		conn.SetReadLimit(int64(s.cfg.MaxFrame))
	}
	s.serveConn(transport.NewWebSocket(conn, s.cfg.WriteTimeout, s.log))
}

// serveConn runs one client until its connection ends.
func (s *Server) serveConn(conn transport.Conn) {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		srv:  s,
	}
	c.log = s.log.With().Str("client", c.id).Str("remote", conn.RemoteAddr()).Logger()

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	c.log.Info().Msg("client connected")

	if err := conn.Serve(c); err != nil {
		c.log.Debug().Err(err).Msg("read loop ended")
	}
	conn.Close()
	s.disconnect(c)
	c.log.Info().Msg("client disconnected")
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Protocol string `json:"protocol"`
	Clients  int    `json:"clients"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	resp := healthResponse{
		Status:   "ok",
		Version:  buildinfo.FullVersion(),
		Protocol: buildinfo.ProtocolVersion,
		Clients:  len(s.clients),
		Sessions: len(s.sessions),
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// startMDNS registers the server for discovery on the local network
func (s *Server) startMDNS() error {
	addr := s.TCPAddr()
	if addr == nil {
		addr = s.WSAddr()
	}
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("cannot announce %v", addr)
	}

	txtRecords := []string{
		"version=" + buildinfo.Version,
		"protocol=" + buildinfo.ProtocolVersion,
		"tls=" + strconv.FormatBool(s.cfg.TLS != nil),
	}
	if ws := s.WSAddr(); ws != nil {
		txtRecords = append(txtRecords, "ws="+ws.String(), "path="+s.cfg.WSPath)
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, tcpAddr.Port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	s.mdnsServer = server
	s.log.Info().Str("name", MDNSServiceName).Int("port", tcpAddr.Port).Msg("mDNS service registered")
	return nil
}
