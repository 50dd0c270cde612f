package relay

import (
	"context"

	"github.com/dotside-studios/nfc-relay/protocol"
)

func (e *Engine) handleStatus(st *protocol.Status, fromPeer bool) {
	log := e.log.With().Stringer("status", st.Code).Bool("peer", fromPeer).Logger()

	switch st.Code {
	case protocol.StatusKeepaliveReq:
		e.emitStatus(protocol.StatusKeepaliveRep, fromPeer)

	case protocol.StatusKeepaliveRep:
		log.Debug().Msg("keepalive answered")

	case protocol.StatusNotImplemented,
		protocol.StatusUnknownError,
		protocol.StatusUnknownMessage,
		protocol.StatusInvalidMsgFormat:
		log.Warn().Msg("remote reported an error")

	case protocol.StatusReaderFound, protocol.StatusReaderRemoved:
		present := st.Code == protocol.StatusReaderFound
		e.update(func(s *SessionState) { s.PeerReaderMode = present })
		log.Info().Msg("peer reader mode")
		e.notify.PeerReaderModeChanged(present)

	case protocol.StatusCardFound, protocol.StatusCardRemoved:
		present := st.Code == protocol.StatusCardFound
		e.update(func(s *SessionState) { s.PeerCardMode = present })
		log.Info().Msg("peer card mode")
		e.notify.PeerCardModeChanged(present)

	case protocol.StatusNFCNoConn:
		log.Warn().Msg("peer has no nfc connection")
		e.notify.PeerNFCLost()

	default:
		log.Warn().Msg("unsupported status")
		e.emitStatus(protocol.StatusNotImplemented, fromPeer)
		e.notify.NotImplemented(st.Code)
	}
}

// AnnounceReader tells the peer whether an external reader is in the field
// of the local card emulator.
func (e *Engine) AnnounceReader(ctx context.Context, found bool) error {
	code := protocol.StatusReaderRemoved
	if found {
		code = protocol.StatusReaderFound
	}
	return e.call(ctx, e.control, func() error {
		return e.emitStatus(code, true)
	})
}

// Keepalive sends a keepalive request to the peer.
func (e *Engine) Keepalive(ctx context.Context) error {
	return e.call(ctx, e.control, func() error {
		return e.emitStatus(protocol.StatusKeepaliveReq, true)
	})
}
