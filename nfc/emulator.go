package nfc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/nfc-relay/relay"
)

// CommandSink receives the commands an external reader sends to the
// emulated card. The relay engine implements it.
type CommandSink interface {
	SendReaderCommand(ctx context.Context, cmd []byte) error
}

// atsPrefix is T0 with TA, TB and TC present and FSCI=5, followed by the
// interface bytes. The single historical byte is appended.
var atsPrefix = []byte{0x75, 0x77, 0x81, 0x02}

// Emulator puts a libnfc device in target mode and presents the identity of
// the peer's tag to an external reader.
type Emulator struct {
	dev          Device
	replyTimeout time.Duration
	log          zerolog.Logger

	mu       sync.Mutex
	identity *TargetInfo
	active   bool
	onActive func(active bool)

	reconfigure chan struct{}
	replies     chan []byte
}

// NewEmulator creates an emulator on dev. A zero replyTimeout selects
// DefaultReplyTimeout.
func NewEmulator(dev Device, replyTimeout time.Duration, log zerolog.Logger) *Emulator {
	if replyTimeout <= 0 {
		replyTimeout = DefaultReplyTimeout
	}
	return &Emulator{
		dev:          dev,
		replyTimeout: replyTimeout,
		log:          log.With().Str("component", "emulator").Logger(),
		reconfigure:  make(chan struct{}, 1),
		replies:      make(chan []byte, 1),
	}
}

// targetFromIdentity builds the libnfc target for an identity. PN53x
// controllers only let the last three UID bytes be chosen; the first is
// forced to 0x08.
func targetFromIdentity(id relay.CardIdentity) TargetInfo {
	return TargetInfo{
		UID:  append([]byte(nil), id.UID...),
		ATQA: []byte{0x00, id.ATQA},
		SAK:  id.SAK,
		ATS:  append(append([]byte(nil), atsPrefix...), id.Historical),
	}
}

// Configure sets the identity presented from the next target
// initialisation on.
func (e *Emulator) Configure(id relay.CardIdentity) error {
	if len(id.UID) == 0 {
		return NewEmulationError("Configure", errors.New("empty UID"))
	}
	target := targetFromIdentity(id)
	e.mu.Lock()
	e.identity = &target
	e.mu.Unlock()

	select {
	case e.reconfigure <- struct{}{}:
	default:
	}
	e.log.Info().Stringer("identity", id).Msg("identity configured")
	return nil
}

// Active reports whether an external reader is talking to the emulated card.
func (e *Emulator) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// SendReply hands the card's reply to the pending reader command.
func (e *Emulator) SendReply(b []byte) error {
	if !e.Active() {
		return NewEmulationError("SendReply", errors.New("no reader connected"))
	}
	select {
	case e.replies <- append([]byte(nil), b...):
		return nil
	default:
		return NewEmulationError("SendReply", errors.New("no command awaiting a reply"))
	}
}

// OnActiveChange registers fn to be called from Serve when a reader enters
// or leaves the field.
func (e *Emulator) OnActiveChange(fn func(active bool)) {
	e.mu.Lock()
	e.onActive = fn
	e.mu.Unlock()
}

func (e *Emulator) setActive(active bool) {
	e.mu.Lock()
	changed := e.active != active
	e.active = active
	fn := e.onActive
	e.mu.Unlock()
	if changed && fn != nil {
		fn(active)
	}
}

func (e *Emulator) currentIdentity() *TargetInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// Serve emulates the configured card until ctx is done. Each reader
// command goes to sink; the reply delivered through SendReply is sent back
// to the reader. Any target-mode error ends the reader session and the
// device is initialised again.
func (e *Emulator) Serve(ctx context.Context, sink CommandSink) error {
	e.log.Info().Msg("emulator started")
	defer e.log.Info().Msg("emulator stopped")

	for {
		id := e.currentIdentity()
		if id == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-e.reconfigure:
				continue
			}
		}

		select {
		case <-e.reconfigure:
		default:
		}
		cmd, err := e.dev.TargetInit(*id, TargetInitTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !IsTimeoutError(err) {
				e.log.Debug().Err(err).Msg("target init")
				if !sleepCtx(ctx, DefaultPollingInterval) {
					return nil
				}
			}
			continue
		}

		e.log.Info().Str("uid", id.UIDString()).Msg("reader connected")
		e.session(ctx, sink, cmd)
		e.setActive(false)
		e.log.Info().Msg("reader disconnected")
		if ctx.Err() != nil {
			return nil
		}
	}
}

// session relays one reader session starting with its first command.
func (e *Emulator) session(ctx context.Context, sink CommandSink, cmd []byte) {
	e.drainReplies()
	e.setActive(true)

	for {
		if err := sink.SendReaderCommand(ctx, cmd); err != nil {
			e.log.Warn().Err(err).Msg("forward reader command")
			return
		}

		timer := time.NewTimer(e.replyTimeout)
		var reply []byte
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.reconfigure:
			timer.Stop()
			e.log.Info().Msg("identity changed, restarting target")
			return
		case <-timer.C:
			e.log.Warn().Dur("timeout", e.replyTimeout).Msg("no reply from peer")
			return
		case reply = <-e.replies:
			timer.Stop()
		}

		if err := e.dev.TargetSend(reply, e.replyTimeout); err != nil {
			e.log.Debug().Err(err).Msg("target send")
			return
		}
		next, err := e.dev.TargetReceive(e.replyTimeout)
		if err != nil {
			e.log.Debug().Err(err).Msg("target receive")
			return
		}
		cmd = next
	}
}

func (e *Emulator) drainReplies() {
	for {
		select {
		case <-e.replies:
		default:
			return
		}
	}
}
