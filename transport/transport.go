// Package transport carries encoded envelopes between a relay client and
// the rendezvous server. Two framings are provided: length-prefixed TCP
// (optionally over TLS) and binary WebSocket messages.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
)

// Receiver consumes inbound messages. relay.Engine implements it.
type Receiver interface {
	HandleBytes(b []byte)
	OnBrokenPipe()
}

// Conn is one established transport connection.
type Conn interface {
	Send(b []byte) error
	// Serve runs the read loop until the connection ends. Unless the end was
	// caused by Close, the receiver's OnBrokenPipe is called once.
	Serve(r Receiver) error
	Close() error
	RemoteAddr() string
}

const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultDialRetries  = 5
	// DialMaxElapsed caps the total time spent retrying one Dial.
	DialMaxElapsed = time.Minute
)

// Config describes how to reach the server.
type Config struct {
	// Addr is tcp://host:port, tls://host:port, ws://host/path or
	// wss://host/path. A bare host:port means tcp.
	Addr         string
	TLS          *tls.Config
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrame     int
	// DialRetries bounds reconnect attempts; 0 means a single attempt.
	DialRetries uint64
	Logger      *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

func (c Config) logger() zerolog.Logger {
	if c.Logger != nil {
		return c.Logger.With().Str("component", "transport").Logger()
	}
	return zerolog.Nop()
}

// Dial connects to cfg.Addr, retrying with exponential backoff.
func Dial(ctx context.Context, cfg Config) (Conn, error) {
	cfg = cfg.withDefaults()
	scheme, target, err := splitAddr(cfg.Addr)
	if err != nil {
		return nil, err
	}
	log := cfg.logger().With().Str("addr", cfg.Addr).Logger()

	var conn Conn
	attempt := 0
	op := func() error {
		attempt++
		var err error
		switch scheme {
		case "tcp":
			conn, err = dialTCP(ctx, target, nil, cfg, log)
		case "tls":
			conn, err = dialTCP(ctx, target, tlsConfig(cfg.TLS), cfg, log)
		case "ws", "wss":
			conn, err = dialWebSocket(ctx, cfg.Addr, cfg, log)
		}
		return err
	}

	err = backoff.RetryNotify(op, dialBackOff(ctx, cfg.DialRetries), func(err error, next time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("dial failed")
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	log.Info().Int("attempts", attempt).Msg("connected")
	return conn, nil
}

// dialBackOff returns the retry policy for Dial. WithMaxRetries treats 0 as
// unlimited, so a zero retry count stops after the first attempt.
func dialBackOff(ctx context.Context, retries uint64) backoff.BackOff {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if retries > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = DialMaxElapsed
		b = backoff.WithMaxRetries(exp, retries)
	}
	return backoff.WithContext(b, ctx)
}

func splitAddr(addr string) (scheme, target string, err error) {
	if addr == "" {
		return "", "", fmt.Errorf("transport: empty address")
	}
	u, err := url.Parse(addr)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "tcp", addr, nil
	}
	switch u.Scheme {
	case "tcp", "tls":
		return u.Scheme, u.Host, nil
	case "ws", "wss":
		return u.Scheme, addr, nil
	default:
		return "", "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
}

func tlsConfig(c *tls.Config) *tls.Config {
	if c != nil {
		return c
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
