package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/nfc-relay/protocol"
)

// TCP is a length-prefixed stream connection.
type TCP struct {
	conn         net.Conn
	maxFrame     int
	writeTimeout time.Duration
	log          zerolog.Logger

	wmu    sync.Mutex
	closed atomic.Bool
}

func dialTCP(ctx context.Context, addr string, tlsCfg *tls.Config, cfg Config, log zerolog.Logger) (*TCP, error) {
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if tlsCfg != nil {
		td := &tls.Dialer{NetDialer: d, Config: tlsCfg}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return NewTCP(conn, cfg.MaxFrame, cfg.WriteTimeout, log), nil
}

// NewTCP wraps an accepted or dialed connection.
func NewTCP(conn net.Conn, maxFrame int, writeTimeout time.Duration, log zerolog.Logger) *TCP {
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrame
	}
	return &TCP{
		conn:         conn,
		maxFrame:     maxFrame,
		writeTimeout: writeTimeout,
		log:          log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

func (t *TCP) Send(b []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.closed.Load() {
		return net.ErrClosed
	}
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return protocol.WriteFrame(t.conn, b, t.maxFrame)
}

func (t *TCP) Serve(r Receiver) error {
	for {
		msg, err := protocol.ReadFrame(t.conn, t.maxFrame)
		if err != nil {
			if t.closed.Load() {
				return nil
			}
			if !errors.Is(err, io.EOF) {
				t.log.Warn().Err(err).Msg("read frame")
			}
			t.conn.Close()
			r.OnBrokenPipe()
			return err
		}
		r.HandleBytes(msg)
	}
}

func (t *TCP) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

func (t *TCP) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
