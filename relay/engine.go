package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dotside-studios/nfc-relay/protocol"
)

const (
	DefaultExchangeTimeout = 2 * time.Second
	DefaultQueueSize       = 64

	// maxNesting bounds recursive RelayData unwrapping.
	maxNesting = 4
)

// Config wires an Engine to its ports.
type Config struct {
	// Transport may be nil; the engine then starts suspended until Resume.
	Transport Transport
	Emulator  CardEmulator
	Identity  IdentityConfigurer
	Notifier  Notifier
	Logger    *zerolog.Logger

	ExchangeTimeout time.Duration
	QueueSize       int

	// LegacyHistoricalByte reads the historical byte from the ATQA buffer,
	// which is what older peers expect.
	LegacyHistoricalByte bool
}

// Engine is the relay protocol engine. It runs two lanes: the control lane
// decodes and routes every inbound message and owns the session state; the
// relay lane runs tag I/O, card replies and identity updates, and owns the
// tag handle. Each lane processes its work strictly in order.
type Engine struct {
	id     string
	cfg    Config
	log    zerolog.Logger
	notify Notifier

	control chan func()
	relay   chan func()

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	sendMu    sync.Mutex
	transport Transport
	suspended atomic.Bool

	mu    sync.RWMutex
	state SessionState

	// control lane only
	prevPhase     Phase
	pendingSecret string

	// relay lane only
	tag            TagConn
	stopWorkaround context.CancelFunc
	workaroundDone chan struct{}
}

// New builds an engine and starts its lanes.
func New(cfg Config) *Engine {
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:        uuid.NewString(),
		cfg:       cfg,
		notify:    cfg.Notifier,
		control:   make(chan func(), cfg.QueueSize),
		relay:     make(chan func(), cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		transport: cfg.Transport,
	}
	e.log = log.With().Str("component", "relay").Str("engine", e.id).Logger()
	if cfg.Transport == nil {
		e.suspended.Store(true)
		e.state.Suspended = true
	}

	e.wg.Add(2)
	go e.run(e.control, nil)
	go e.run(e.relay, e.teardownTag)
	return e
}

// ID identifies this engine instance in logs.
func (e *Engine) ID() string {
	return e.id
}

func (e *Engine) run(lane chan func(), onExit func()) {
	defer e.wg.Done()
	for {
		select {
		case fn := <-lane:
			fn()
		case <-e.ctx.Done():
			if onExit != nil {
				onExit()
			}
			return
		}
	}
}

func (e *Engine) enqueue(lane chan func(), fn func()) error {
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case lane <- fn:
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	}
}

// call runs fn on lane and waits for its result.
func (e *Engine) call(ctx context.Context, lane chan func(), fn func() error) error {
	res := make(chan error, 1)
	if err := e.enqueue(lane, func() { res <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
}

// HandleBytes queues one complete inbound message. It is the transport's
// receive callback and does not wait for the message to be handled.
func (e *Engine) HandleBytes(b []byte) {
	msg := append([]byte(nil), b...)
	if err := e.enqueue(e.control, func() { e.handleInbound(msg) }); err != nil {
		e.log.Debug().Err(err).Msg("dropping inbound message")
	}
}

// OnBrokenPipe suspends outbound traffic, resets the session and reports
// the lost connection. The tag connection is kept.
func (e *Engine) OnBrokenPipe() {
	e.sendMu.Lock()
	e.transport = nil
	e.suspended.Store(true)
	e.sendMu.Unlock()

	err := e.enqueue(e.control, func() {
		e.update(func(s *SessionState) {
			s.resetSession()
			s.Suspended = true
		})
		e.prevPhase = NoSession
		e.pendingSecret = ""
		e.log.Warn().Msg("transport broken, session reset")
		e.notify.ConnectionLost()
	})
	if err != nil {
		e.log.Debug().Err(err).Msg("broken pipe after close")
	}
}

// Resume arms a new transport after OnBrokenPipe.
func (e *Engine) Resume(t Transport) {
	e.sendMu.Lock()
	e.transport = t
	e.suspended.Store(t == nil)
	e.sendMu.Unlock()

	err := e.enqueue(e.control, func() {
		e.update(func(s *SessionState) { s.Suspended = t == nil })
		e.log.Info().Msg("transport resumed")
	})
	if err != nil {
		e.log.Debug().Err(err).Msg("resume after close")
	}
}

// Flush waits until everything queued before the call has been handled
// by both lanes.
func (e *Engine) Flush(ctx context.Context) error {
	done := make(chan struct{})
	err := e.enqueue(e.control, func() {
		if err := e.enqueue(e.relay, func() { close(done) }); err != nil {
			e.log.Debug().Err(err).Msg("flush after close")
		}
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
}

// State returns a snapshot of the session state.
func (e *Engine) State() SessionState {
	e.mu.RLock()
	s := e.state
	e.mu.RUnlock()
	if e.cfg.Emulator != nil {
		s.Local.CardEmulator = e.cfg.Emulator.Active()
	}
	return s
}

// Close stops both lanes. The tag connection, if any, is torn down before
// Close returns.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		e.log.Debug().Msg("engine closed")
	})
	return nil
}

func (e *Engine) update(fn func(s *SessionState)) {
	e.mu.Lock()
	fn(&e.state)
	e.mu.Unlock()
}

func (e *Engine) phase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Phase
}

// emit encodes env and sends it. Peer-directed envelopes are wrapped in a
// RelayData blob for the server to forward.
func (e *Engine) emit(env *protocol.Envelope, toPeer bool) error {
	b, err := protocol.Encode(env)
	if err == nil && toPeer {
		b, err = protocol.Encode(protocol.NewBlob(b))
	}
	if err != nil {
		e.log.Error().Err(err).Stringer("kind", env.Kind()).Msg("encode outbound")
		return err
	}
	if err := e.send(b); err != nil {
		e.log.Warn().Err(err).Stringer("kind", env.Kind()).Bool("peer", toPeer).Msg("send outbound")
		return err
	}
	return nil
}

func (e *Engine) emitStatus(code protocol.StatusCode, toPeer bool) error {
	return e.emit(protocol.NewStatus(code), toPeer)
}

func (e *Engine) send(b []byte) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.suspended.Load() || e.transport == nil {
		return ErrSuspended
	}
	return e.transport.Send(b)
}
