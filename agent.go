package main

import (
	"context"
	stdtls "crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dotside-studios/nfc-relay/config"
	"github.com/dotside-studios/nfc-relay/nfc"
	"github.com/dotside-studios/nfc-relay/protocol"
	"github.com/dotside-studios/nfc-relay/relay"
	rtls "github.com/dotside-studios/nfc-relay/tls"
	"github.com/dotside-studios/nfc-relay/transport"
)

const (
	reconnectDelay = time.Second
	leaveTimeout   = time.Second
)

// Agent connects one relay engine to the rendezvous server and to the local
// hardware: a tag reader in reader mode or a card emulator in card mode.
type Agent struct {
	cfg    config.RelayConfig
	tls    *stdtls.Config
	log    zerolog.Logger
	engine *relay.Engine
	events *sessionEvents

	reader   *nfc.Reader
	emulator *nfc.Emulator
	closers  []func() error
}

// NewAgent opens the hardware for cfg.Mode and builds the engine.
func NewAgent(cfg config.RelayConfig, log zerolog.Logger) (*Agent, error) {
	switch cfg.Mode {
	case config.ModeReader:
		reader, err := nfc.OpenReader(nfc.ReaderConfig{
			Backend:          cfg.Reader.Backend,
			Device:           cfg.Reader.Device,
			ChipsetPath:      cfg.Reader.ChipsetPath,
			PollInterval:     cfg.Reader.PollInterval.Std(),
			PresenceInterval: cfg.Reader.PresenceInterval.Std(),
		}, log.With().Str("component", "reader").Logger())
		if err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}
		return newAgent(cfg, log, reader, nil)

	case config.ModeCard:
		dev, err := nfc.NewManager().OpenDevice(cfg.Emulator.Device)
		if err != nil {
			return nil, fmt.Errorf("agent: open emulator device: %w", err)
		}
		a, err := newAgent(cfg, log, nil, nfc.NewEmulator(dev, cfg.Emulator.ReplyTimeout.Std(), log))
		if err != nil {
			dev.Close()
			return nil, err
		}
		a.closers = append(a.closers, dev.Close)
		return a, nil

	default:
		return nil, fmt.Errorf("agent: unknown mode %q", cfg.Mode)
	}
}

func newAgent(cfg config.RelayConfig, log zerolog.Logger, reader *nfc.Reader, emu *nfc.Emulator) (*Agent, error) {
	a := &Agent{
		cfg:      cfg,
		log:      log.With().Str("component", "agent").Str("mode", cfg.Mode).Logger(),
		events:   newSessionEvents(relay.NewLogNotifier(log), cfg.Secret),
		reader:   reader,
		emulator: emu,
	}
	if cfg.TLS.CAFile != "" || cfg.TLS.ServerName != "" || cfg.TLS.Insecure {
		tc, err := rtls.ClientConfig(cfg.TLS.CAFile, cfg.TLS.ServerName, cfg.TLS.Insecure)
		if err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}
		a.tls = tc
	}

	ecfg := relay.Config{
		Notifier:             a.events,
		Logger:               &log,
		ExchangeTimeout:      cfg.ExchangeTimeout.Std(),
		LegacyHistoricalByte: cfg.LegacyHistoricalByte,
	}
	if emu != nil {
		ecfg.Emulator = emu
		ecfg.Identity = emu
	}
	a.engine = relay.New(ecfg)
	return a, nil
}

// Run keeps the agent connected and relaying until ctx is done or the
// server can no longer be reached.
func (a *Agent) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.connectLoop(gctx) })
	g.Go(func() error { return a.actionLoop(gctx) })
	if a.cfg.KeepaliveInterval > 0 {
		g.Go(func() error { return a.keepaliveLoop(gctx) })
	}
	if a.reader != nil {
		g.Go(func() error { return a.reader.Run(gctx) })
		g.Go(func() error { return a.tagLoop(gctx) })
	}
	if a.emulator != nil {
		a.emulator.OnActiveChange(func(active bool) {
			if err := a.engine.AnnounceReader(gctx, active); err != nil {
				a.log.Debug().Err(err).Bool("active", active).Msg("announce reader")
			}
		})
		g.Go(func() error { return a.emulator.Serve(gctx, a.engine) })
	}
	return g.Wait()
}

func (a *Agent) close() {
	a.engine.Close()
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}
}

func (a *Agent) dialConfig() transport.Config {
	return transport.Config{
		Addr:         a.cfg.Server,
		TLS:          a.tls,
		DialTimeout:  a.cfg.DialTimeout.Std(),
		WriteTimeout: a.cfg.WriteTimeout.Std(),
		MaxFrame:     a.cfg.MaxFrame,
		DialRetries:  a.cfg.ReconnectRetries,
		Logger:       &a.log,
	}
}

// connectLoop dials the server, opens or rejoins the session and serves the
// connection, reconnecting when it breaks.
func (a *Agent) connectLoop(ctx context.Context) error {
	for {
		conn, err := transport.Dial(ctx, a.dialConfig())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("agent: %w", err)
		}
		a.engine.Resume(conn)
		a.startSession(ctx)

		done := make(chan error, 1)
		go func() { done <- conn.Serve(a.engine) }()

		select {
		case <-ctx.Done():
			a.leave()
			conn.Close()
			<-done
			return nil
		case err := <-done:
			conn.Close()
			a.log.Warn().Err(err).Msg("connection lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (a *Agent) startSession(ctx context.Context) {
	var err error
	if secret := a.events.rejoinSecret(); secret != "" {
		a.log.Info().Str("secret", secret).Msg("joining session")
		err = a.engine.JoinSession(ctx, secret)
	} else {
		a.log.Info().Msg("creating session")
		err = a.engine.CreateSession(ctx)
	}
	if err != nil {
		a.log.Warn().Err(err).Msg("session request")
	}
}

func (a *Agent) leave() {
	if a.engine.State().Phase != relay.Active {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := a.engine.LeaveSession(ctx); err != nil {
		a.log.Debug().Err(err).Msg("leave session")
	}
}

// actionLoop runs follow-ups the notifier asks for. Notifier callbacks run
// on the engine's control lane and cannot call back into the engine.
func (a *Agent) actionLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case act := <-a.events.actions:
			var err error
			switch act {
			case actionCreate:
				err = a.engine.CreateSession(ctx)
			case actionAnnounceTag:
				err = a.engine.AnnounceTag(ctx)
			}
			if err != nil && ctx.Err() == nil {
				a.log.Warn().Err(err).Stringer("action", act).Msg("session follow-up")
			}
		}
	}
}

func (a *Agent) keepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.KeepaliveInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !a.engine.State().PeerPresent {
				continue
			}
			if err := a.engine.Keepalive(ctx); err != nil {
				a.log.Debug().Err(err).Msg("keepalive")
			}
		}
	}
}

// tagLoop hands each tag from the reader to the engine and releases it once
// it leaves the field.
func (a *Agent) tagLoop(ctx context.Context) error {
	for tag := range a.reader.Tags() {
		a.log.Info().Str("type", tag.Type()).Hex("uid", tag.UID()).Msg("tag detected")
		if err := a.engine.AttachTag(ctx, tag); err != nil {
			// A tag attached while disconnected is announced once a peer joins.
			if !errors.Is(err, relay.ErrSuspended) {
				a.log.Warn().Err(err).Msg("attach tag")
				tag.Close()
				continue
			}
		}

		select {
		case <-tag.Lost():
			if err := a.engine.ReleaseTag(ctx, tag); err != nil && ctx.Err() == nil {
				a.log.Debug().Err(err).Msg("release tag")
			}
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

type agentAction int

const (
	actionCreate agentAction = iota
	actionAnnounceTag
)

func (a agentAction) String() string {
	switch a {
	case actionCreate:
		return "create"
	case actionAnnounceTag:
		return "announce-tag"
	default:
		return fmt.Sprintf("agentAction(%d)", int(a))
	}
}

// sessionEvents logs every engine event and remembers the session so a
// reconnecting agent rejoins it instead of creating a new one.
type sessionEvents struct {
	*relay.LogNotifier

	mu     sync.Mutex
	secret string
	owner  bool

	actions chan agentAction
}

func newSessionEvents(base *relay.LogNotifier, secret string) *sessionEvents {
	return &sessionEvents{
		LogNotifier: base,
		secret:      secret,
		actions:     make(chan agentAction, 4),
	}
}

func (n *sessionEvents) rejoinSecret() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.secret
}

func (n *sessionEvents) push(act agentAction) {
	select {
	case n.actions <- act:
	default:
		n.Log.Warn().Stringer("action", act).Msg("action queue full")
	}
}

func (n *sessionEvents) SessionCreated(secret string) {
	n.LogNotifier.SessionCreated(secret)
	n.mu.Lock()
	n.secret, n.owner = secret, true
	n.mu.Unlock()
}

// SessionJoinFailed replaces a session this agent created but the server
// no longer knows, which happens when both members dropped at once.
func (n *sessionEvents) SessionJoinFailed(code protocol.SessionErrorCode) {
	n.LogNotifier.SessionJoinFailed(code)
	n.mu.Lock()
	recreate := n.owner && code == protocol.SessionJoinUnknownSecret
	if recreate {
		n.secret, n.owner = "", false
	}
	n.mu.Unlock()
	if recreate {
		n.push(actionCreate)
	}
}

func (n *sessionEvents) SessionLeft() {
	n.LogNotifier.SessionLeft()
	n.mu.Lock()
	n.secret, n.owner = "", false
	n.mu.Unlock()
}

func (n *sessionEvents) PeerJoined() {
	n.LogNotifier.PeerJoined()
	n.push(actionAnnounceTag)
}
