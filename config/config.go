// Package config loads the JSON-with-comments configuration shared by the
// relay agent and the rendezvous server.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tailscale/hujson"

	"github.com/dotside-studios/nfc-relay/logging"
)

const (
	ModeReader = "reader"
	ModeCard   = "card"

	BackendLibnfc = "libnfc"
	BackendPCSC   = "pcsc"

	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Duration is a time.Duration written as "250ms" or "2s" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Log    LogConfig    `json:"log"`
	Relay  RelayConfig  `json:"relay"`
	Server ServerConfig `json:"server"`
}

type LogConfig struct {
	Level     string `json:"level"`
	Timestamp bool   `json:"timestamp"`
	NoColor   bool   `json:"no_color"`
	JSON      bool   `json:"json"`
}

// Logging converts the section for logging.Install. Environment overrides
// are applied on top.
func (l LogConfig) Logging() logging.Config {
	cfg := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(l.Level); ok {
		cfg.Level = lvl
	}
	cfg.Timestamp = l.Timestamp
	cfg.NoColor = l.NoColor
	cfg.JSON = l.JSON
	logging.ApplyEnvOverrides(&cfg)
	return cfg
}

// RelayConfig configures the relay agent.
type RelayConfig struct {
	// Server is tcp://, tls://, ws:// or wss:// followed by the address.
	Server string `json:"server"`
	// Mode is "reader" when a real tag sits on the local reader and "card"
	// when the local device emulates the remote tag to a real reader.
	Mode string `json:"mode"`
	// Secret joins an existing session; empty creates one.
	Secret string `json:"secret,omitempty"`

	TLS ClientTLSConfig `json:"tls"`

	DialTimeout       Duration `json:"dial_timeout"`
	WriteTimeout      Duration `json:"write_timeout"`
	ExchangeTimeout   Duration `json:"exchange_timeout"`
	KeepaliveInterval Duration `json:"keepalive_interval"`
	ReconnectRetries  uint64   `json:"reconnect_retries"`
	MaxFrame          int      `json:"max_frame"`

	Reader   ReaderConfig   `json:"reader"`
	Emulator EmulatorConfig `json:"emulator"`

	// LegacyHistoricalByte takes the historical byte from the ATQA buffer
	// for peers built against the old behaviour.
	LegacyHistoricalByte bool `json:"legacy_historical_byte"`
}

type ClientTLSConfig struct {
	CAFile     string `json:"ca_file,omitempty"`
	ServerName string `json:"server_name,omitempty"`
	Insecure   bool   `json:"insecure,omitempty"`
}

type ReaderConfig struct {
	Backend          string   `json:"backend"`
	Device           string   `json:"device,omitempty"`
	ChipsetPath      string   `json:"chipset_path,omitempty"`
	PollInterval     Duration `json:"poll_interval"`
	PresenceInterval Duration `json:"presence_interval"`
}

type EmulatorConfig struct {
	Device       string   `json:"device,omitempty"`
	ReplyTimeout Duration `json:"reply_timeout"`
}

// ServerConfig configures the rendezvous server.
type ServerConfig struct {
	TCPAddr      string `json:"tcp_addr"`
	WSAddr       string `json:"ws_addr"`
	WSPath       string `json:"ws_path"`
	MDNS         bool   `json:"mdns"`
	SecretLength int    `json:"secret_length"`
	MaxSessions  int    `json:"max_sessions"`
	AckForwards  bool   `json:"ack_forwards"`
	MaxFrame     int    `json:"max_frame"`

	TLS   ServerTLSConfig `json:"tls"`
	Store StoreConfig     `json:"store"`
}

type ServerTLSConfig struct {
	Enabled   bool     `json:"enabled"`
	Dir       string   `json:"dir,omitempty"`
	Hosts     []string `json:"hosts,omitempty"`
	InstallCA bool     `json:"install_ca"`
	// BootstrapAddr serves the CA over plain HTTP when set.
	BootstrapAddr string `json:"bootstrap_addr,omitempty"`
}

type StoreConfig struct {
	Backend       string   `json:"backend"`
	RedisAddr     string   `json:"redis_addr,omitempty"`
	RedisPassword string   `json:"redis_password,omitempty"`
	RedisDB       int      `json:"redis_db,omitempty"`
	TTL           Duration `json:"ttl"`
}

func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Timestamp: true},
		Relay: RelayConfig{
			Server:            "tcp://localhost:5566",
			Mode:              ModeReader,
			DialTimeout:       Duration(5 * time.Second),
			WriteTimeout:      Duration(5 * time.Second),
			ExchangeTimeout:   Duration(2 * time.Second),
			KeepaliveInterval: Duration(15 * time.Second),
			ReconnectRetries:  5,
			MaxFrame:          64 * 1024,
			Reader: ReaderConfig{
				Backend:          BackendLibnfc,
				PollInterval:     Duration(100 * time.Millisecond),
				PresenceInterval: Duration(250 * time.Millisecond),
			},
			Emulator: EmulatorConfig{ReplyTimeout: Duration(2 * time.Second)},
		},
		Server: ServerConfig{
			TCPAddr:      ":5566",
			WSAddr:       ":5567",
			WSPath:       "/ws",
			MDNS:         true,
			SecretLength: 6,
			MaxSessions:  1000,
			MaxFrame:     64 * 1024,
			Store: StoreConfig{
				Backend: StoreMemory,
				TTL:     Duration(time.Hour),
			},
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Comments and trailing commas are allowed; unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read: %w", err)
	}
	if err := Parse(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes a HuJSON document into cfg, keeping fields it doesn't set.
func Parse(raw []byte, cfg *Config) error {
	std, err := hujson.Standardize(raw)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(std))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: %s: "+format, append([]any{field}, args...)...))
	}

	if _, ok := logging.ParseLevel(c.Log.Level); !ok && c.Log.Level != "" {
		bad("log.level", "unknown level %q", c.Log.Level)
	}

	r := c.Relay
	if r.Mode != ModeReader && r.Mode != ModeCard {
		bad("relay.mode", "must be %q or %q, got %q", ModeReader, ModeCard, r.Mode)
	}
	if r.Reader.Backend != BackendLibnfc && r.Reader.Backend != BackendPCSC {
		bad("relay.reader.backend", "must be %q or %q, got %q", BackendLibnfc, BackendPCSC, r.Reader.Backend)
	}
	if r.Mode == ModeCard && r.Reader.Backend == BackendPCSC {
		bad("relay.mode", "card emulation needs the %q backend", BackendLibnfc)
	}
	for _, d := range []struct {
		field string
		value Duration
	}{
		{"relay.dial_timeout", r.DialTimeout},
		{"relay.write_timeout", r.WriteTimeout},
		{"relay.exchange_timeout", r.ExchangeTimeout},
		{"relay.keepalive_interval", r.KeepaliveInterval},
		{"relay.reader.poll_interval", r.Reader.PollInterval},
		{"relay.reader.presence_interval", r.Reader.PresenceInterval},
		{"relay.emulator.reply_timeout", r.Emulator.ReplyTimeout},
		{"server.store.ttl", c.Server.Store.TTL},
	} {
		if d.value < 0 {
			bad(d.field, "must not be negative")
		}
	}
	if r.MaxFrame < 0 {
		bad("relay.max_frame", "must not be negative")
	}

	s := c.Server
	if s.WSPath != "" && !strings.HasPrefix(s.WSPath, "/") {
		bad("server.ws_path", "must start with /")
	}
	if s.SecretLength < 4 || s.SecretLength > 32 {
		bad("server.secret_length", "must be between 4 and 32, got %d", s.SecretLength)
	}
	if s.MaxSessions < 1 {
		bad("server.max_sessions", "must be positive")
	}
	if s.MaxFrame < 0 {
		bad("server.max_frame", "must not be negative")
	}
	switch s.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if s.Store.RedisAddr == "" {
			bad("server.store.redis_addr", "required for the redis store")
		}
	default:
		bad("server.store.backend", "must be %q or %q, got %q", StoreMemory, StoreRedis, s.Store.Backend)
	}
	if s.TLS.BootstrapAddr != "" && !s.TLS.Enabled {
		bad("server.tls.bootstrap_addr", "requires server.tls.enabled")
	}

	return errors.Join(errs...)
}
