package relay

import (
	"errors"
	"fmt"

	"github.com/dotside-studios/nfc-relay/protocol"
)

// handleInbound runs on the control lane.
func (e *Engine) handleInbound(b []byte) {
	env, err := protocol.Decode(b)
	if err != nil {
		e.malformed("decode", err, false)
		return
	}
	e.route(env, false, 0)
}

// route dispatches env to exactly one handler. fromPeer is set when env
// arrived inside a RelayData blob; replies then go back the same way.
func (e *Engine) route(env *protocol.Envelope, fromPeer bool, depth int) {
	switch env.Kind() {
	case protocol.KindNone:
		e.log.Warn().Bool("peer", fromPeer).Msg("envelope without payload")
		e.emitStatus(protocol.StatusUnknownMessage, fromPeer)
		e.notify.UnknownMessageType()
	case protocol.KindRelayData:
		e.handleRelayData(env.Data, depth)
	case protocol.KindNFCExchange:
		x := env.NFC
		e.toRelay(func() { e.handleExchange(x, fromPeer) })
	case protocol.KindSession:
		e.handleSession(env.Session, fromPeer)
	case protocol.KindStatus:
		e.handleStatus(env.Status, fromPeer)
	case protocol.KindAnticol:
		a := env.Anticol
		e.toRelay(func() { e.handleAnticol(a) })
	}
}

func (e *Engine) toRelay(fn func()) {
	if err := e.enqueue(e.relay, fn); err != nil {
		e.log.Debug().Err(err).Msg("relay lane gone")
	}
}

func (e *Engine) handleRelayData(d *protocol.RelayData, depth int) {
	switch {
	case d.Blob != nil:
		if depth >= maxNesting {
			e.malformed("unwrap", fmt.Errorf("blob nested deeper than %d", maxNesting), true)
			return
		}
		inner, err := protocol.Decode(d.Blob)
		if err != nil {
			e.malformed("unwrap", err, true)
			return
		}
		e.route(inner, true, depth+1)
	case d.ErrCode != nil:
		e.handleDataError(*d.ErrCode)
	default:
		e.malformed("relay data", errors.New("neither blob nor errcode present"), false)
	}
}

func (e *Engine) handleDataError(code protocol.DataErrorCode) {
	switch code {
	case protocol.DataNoError:
		e.log.Debug().Msg("server delivered message")
	case protocol.DataNoSession:
		err := newError(KindProtocolState, "relay", "server reports no active session", nil)
		e.log.Warn().Err(err).Stringer("phase", e.phase()).Msg("message not delivered")
	case protocol.DataTransmissionFailed:
		err := newError(KindTransmissionFailure, "relay", "server could not reach peer", nil)
		e.log.Warn().Err(err).Msg("message not delivered")
		e.notify.TransmissionFailed()
	case protocol.DataUnknownError:
		e.unknownDataError(code)
	default:
		e.unknownDataError(code)
	}
}

func (e *Engine) unknownDataError(code protocol.DataErrorCode) {
	e.log.Error().Stringer("code", code).Msg("server reported an unknown error")
	e.emitStatus(protocol.StatusInvalidMsgFormat, false)
}

// malformed reports a structural failure outward as InvalidMsgFormat.
func (e *Engine) malformed(op string, cause error, toPeer bool) {
	err := newError(KindMalformedMessage, op, "cannot decode message", cause)
	e.log.Warn().Err(err).Bool("peer", toPeer).Msg("malformed message")
	e.emitStatus(protocol.StatusInvalidMsgFormat, toPeer)
	e.notify.MalformedMessage(err)
}
