package relay

import (
	"context"
	"fmt"

	"github.com/dotside-studios/nfc-relay/protocol"
)

// handleExchange runs on the relay lane.
func (e *Engine) handleExchange(x *protocol.NFCExchange, fromPeer bool) {
	if e.suspended.Load() {
		e.log.Debug().Msg("dropping exchange while suspended")
		return
	}
	switch x.Source {
	case protocol.SourceReader:
		e.forwardToTag(x.Bytes, fromPeer)
	case protocol.SourceCard:
		e.deliverReply(x.Bytes, fromPeer)
	default:
		e.malformed("exchange", fmt.Errorf("unknown data source %d", int32(x.Source)), fromPeer)
	}
}

// forwardToTag sends a command from the remote reader to the local tag and
// ships the reply back. Any transceive error counts as a lost tag.
func (e *Engine) forwardToTag(cmd []byte, fromPeer bool) {
	if e.tag == nil || !e.tag.IsConnected() {
		e.notConnected("forward", fromPeer)
		return
	}
	e.notify.ExchangeObserved(ReaderToCard, cmd)

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.ExchangeTimeout)
	reply, err := e.tag.Transceive(ctx, cmd)
	cancel()
	if err != nil {
		e.log.Warn().Err(err).Hex("cmd", cmd).Msg("tag did not answer")
		e.teardownTag()
		e.emitStatus(protocol.StatusCardRemoved, true)
		e.notify.TagLost(err)
		return
	}

	e.notify.ExchangeObserved(CardToReader, reply)
	e.emit(protocol.NewNFC(protocol.SourceCard, reply), fromPeer)
}

// deliverReply hands a card reply from the peer to the local emulator.
func (e *Engine) deliverReply(reply []byte, fromPeer bool) {
	em := e.cfg.Emulator
	if em == nil || !em.Active() {
		e.notConnected("reply", fromPeer)
		return
	}
	e.notify.ExchangeObserved(CardToReader, reply)
	if err := em.SendReply(reply); err != nil {
		e.log.Warn().Err(err).Msg("emulator rejected reply")
	}
}

func (e *Engine) notConnected(op string, fromPeer bool) {
	err := newError(KindHardwareUnavailable, op, "no local nfc connection", nil)
	e.log.Warn().Err(err).Msg("cannot relay")
	e.emitStatus(protocol.StatusNFCNoConn, fromPeer)
	e.notify.NotConnected()
}

// SendReaderCommand ships a command captured from a real reader by the
// local card emulator to the peer holding the tag.
func (e *Engine) SendReaderCommand(ctx context.Context, cmd []byte) error {
	data := append([]byte(nil), cmd...)
	return e.call(ctx, e.relay, func() error {
		e.notify.ExchangeObserved(ReaderToCard, data)
		return e.emit(protocol.NewNFC(protocol.SourceReader, data), true)
	})
}
