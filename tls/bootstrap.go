package tls

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/nfc-relay/buildinfo"
)

// BootstrapServer hands out the CA certificate over plain HTTP so agents on
// the LAN can fetch it before dialing the TLS listeners.
type BootstrapServer struct {
	manager *Manager
	addr    string
	log     zerolog.Logger
}

func NewBootstrapServer(manager *Manager, addr string, log zerolog.Logger) *BootstrapServer {
	return &BootstrapServer{
		manager: manager,
		addr:    addr,
		log:     log.With().Str("component", "bootstrap").Logger(),
	}
}

func (s *BootstrapServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ca.pem", s.handleCACert)
	mux.HandleFunc("/ca.crt", s.handleCACert)
	mux.HandleFunc("/", s.handleIndex)
	return mux
}

// Run serves until ctx is done.
func (s *BootstrapServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("tls: bootstrap listen: %w", err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	ev := s.log.Info().Stringer("addr", ln.Addr())
	if fp, err := s.manager.CAFingerprint(); err == nil {
		ev = ev.Str("ca_sha256", fp)
	}
	ev.Msg("CA bootstrap server started")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("tls: bootstrap: %w", err)
	}
	return nil
}

func (s *BootstrapServer) handleCACert(w http.ResponseWriter, r *http.Request) {
	ca, err := s.manager.CACert()
	if err != nil {
		http.Error(w, "CA certificate not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="nfc-relay-ca.pem"`)
	w.Write(ca)
	s.log.Info().Str("remote", r.RemoteAddr).Msg("CA certificate downloaded")
}

func (s *BootstrapServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fp, err := s.manager.CAFingerprint()
	if err != nil {
		fp = "unavailable"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s certificate authority\n\n", buildinfo.DisplayName)
	fmt.Fprintf(&b, "SHA-256: %s\n\n", fp)
	b.WriteString("Download the CA and pass it to the relay agent with -ca-file,\n")
	b.WriteString("or set relay.tls.ca_file in its configuration.\n\n")
	for _, u := range caURLs(r.Host) {
		fmt.Fprintf(&b, "  %s\n", u)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(b.String()))
}

// caURLs lists download URLs for the host the request came in on plus every
// LAN address on the same port.
func caURLs(requestHost string) []string {
	_, port, err := net.SplitHostPort(requestHost)
	if err != nil {
		return []string{"http://" + requestHost + "/ca.pem"}
	}
	urls := []string{"http://" + requestHost + "/ca.pem"}
	lan, _ := LANAddrs()
	for _, ip := range lan {
		u := "http://" + net.JoinHostPort(ip, port) + "/ca.pem"
		if u != urls[0] {
			urls = append(urls, u)
		}
	}
	return urls
}
