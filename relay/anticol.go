package relay

import (
	"context"
	"errors"

	"github.com/dotside-studios/nfc-relay/protocol"
)

// identityFromAnticol maps the wire Anticol to an emulator identity. Empty
// buffers yield zero bytes.
func identityFromAnticol(a *protocol.Anticol, legacyHist bool) CardIdentity {
	id := CardIdentity{UID: append([]byte(nil), a.UID...)}
	if n := len(a.ATQA); n > 0 {
		id.ATQA = a.ATQA[n-1]
	}
	if len(a.SAK) > 0 {
		id.SAK = a.SAK[0]
	}
	hist := a.HistoricalBytes
	if legacyHist {
		hist = a.ATQA
	}
	if len(hist) > 0 {
		id.Historical = hist[0]
	}
	return id
}

// handleAnticol runs on the relay lane.
func (e *Engine) handleAnticol(a *protocol.Anticol) {
	id := identityFromAnticol(a, e.cfg.LegacyHistoricalByte)
	if e.cfg.Identity == nil {
		e.log.Warn().Stringer("identity", id).Msg("no emulator to configure")
	} else if err := e.cfg.Identity.Configure(id); err != nil {
		e.log.Error().Err(err).Stringer("identity", id).Msg("configure emulator identity")
	}
	e.notify.AnticolObserved(id)
}

// AttachTag makes tag the local tag, announces its identity to the peer
// and starts the hardware workaround when the tag asks for it. A
// previously attached tag is torn down first. A tag that is not connected
// is rejected and the current tag stays attached.
func (e *Engine) AttachTag(ctx context.Context, tag TagConn) error {
	if tag == nil {
		return errors.New("relay: nil tag")
	}
	return e.call(ctx, e.relay, func() error {
		if !tag.IsConnected() {
			return newError(KindHardwareUnavailable, "attach", "tag not connected", nil)
		}
		e.teardownTag()

		e.tag = tag
		if wp, ok := tag.(WorkaroundProvider); ok && wp.NeedsWorkaround() {
			wctx, cancel := context.WithCancel(e.ctx)
			done := make(chan struct{})
			e.stopWorkaround = cancel
			e.workaroundDone = done
			go func() {
				defer close(done)
				wp.Workaround(wctx)
			}()
			e.log.Info().Msg("workaround started")
			e.notify.WorkaroundStarted()
		}
		e.update(func(s *SessionState) {
			s.TagConnected = true
			s.Local.ReaderTalker = true
		})

		e.log.Info().Hex("uid", tag.UID()).Msg("tag attached")
		return e.announceTag()
	})
}

// AnnounceTag resends the attached tag's identity, for a peer that joined
// after the tag was attached. It is a no-op without a tag.
func (e *Engine) AnnounceTag(ctx context.Context) error {
	return e.call(ctx, e.relay, func() error {
		if e.tag == nil {
			return nil
		}
		return e.announceTag()
	})
}

func (e *Engine) announceTag() error {
	anticol := &protocol.Anticol{
		UID:             nonNil(e.tag.UID()),
		ATQA:            nonNil(e.tag.ATQA()),
		SAK:             nonNil(e.tag.SAK()),
		HistoricalBytes: e.tag.HistoricalBytes(),
	}
	if err := e.emit(&protocol.Envelope{Anticol: anticol}, true); err != nil {
		return err
	}
	return e.emitStatus(protocol.StatusCardFound, true)
}

// DetachTag releases the local tag and tells the peer the card is gone.
func (e *Engine) DetachTag(ctx context.Context) error {
	return e.call(ctx, e.relay, func() error {
		if e.tag == nil {
			return nil
		}
		e.teardownTag()
		return e.emitStatus(protocol.StatusCardRemoved, true)
	})
}

// ReleaseTag detaches tag only while it is still the attached tag. Reader
// watchers call it when a tag leaves the field, which may happen after the
// engine already dropped or replaced it.
func (e *Engine) ReleaseTag(ctx context.Context, tag TagConn) error {
	return e.call(ctx, e.relay, func() error {
		if e.tag == nil || e.tag != tag {
			return nil
		}
		e.teardownTag()
		return e.emitStatus(protocol.StatusCardRemoved, true)
	})
}

// teardownTag stops the workaround, waits for it, then closes the tag.
// Runs on the relay lane.
func (e *Engine) teardownTag() {
	if e.stopWorkaround != nil {
		e.stopWorkaround()
		<-e.workaroundDone
		e.stopWorkaround = nil
		e.workaroundDone = nil
	}
	if e.tag == nil {
		return
	}
	if err := e.tag.Close(); err != nil {
		e.log.Warn().Err(err).Msg("close tag")
	}
	e.tag = nil
	e.update(func(s *SessionState) {
		s.TagConnected = false
		s.Local.ReaderTalker = false
	})
	e.log.Info().Msg("tag released")
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
