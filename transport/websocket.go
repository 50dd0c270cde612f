package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dotside-studios/nfc-relay/buildinfo"
)

// WebSocket carries one envelope per binary message.
type WebSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	log          zerolog.Logger

	wmu    sync.Mutex
	closed atomic.Bool
}

func dialWebSocket(ctx context.Context, url string, cfg Config, log zerolog.Logger) (*WebSocket, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.DialTimeout,
		TLSClientConfig:  cfg.TLS,
	}
	header := http.Header{"User-Agent": []string{buildinfo.UserAgent()}}
	conn, _, err := d.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	ws := NewWebSocket(conn, cfg.WriteTimeout, log)
	if cfg.MaxFrame > 0 {
		conn.SetReadLimit(int64(cfg.MaxFrame))
	}
	return ws, nil
}

// NewWebSocket wraps an upgraded or dialed connection.
func NewWebSocket(conn *websocket.Conn, writeTimeout time.Duration, log zerolog.Logger) *WebSocket {
	return &WebSocket{
		conn:         conn,
		writeTimeout: writeTimeout,
		log:          log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

func (w *WebSocket) Send(b []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if w.closed.Load() {
		return websocket.ErrCloseSent
	}
	if w.writeTimeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (w *WebSocket) Serve(r Receiver) error {
	for {
		typ, msg, err := w.conn.ReadMessage()
		if err != nil {
			if w.closed.Load() {
				return nil
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.Warn().Err(err).Msg("read message")
			}
			w.conn.Close()
			r.OnBrokenPipe()
			return err
		}
		if typ != websocket.BinaryMessage {
			w.log.Debug().Int("type", typ).Msg("ignoring non-binary message")
			continue
		}
		r.HandleBytes(msg)
	}
}

func (w *WebSocket) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.wmu.Lock()
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.wmu.Unlock()
	return w.conn.Close()
}

func (w *WebSocket) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}
