package relay

import (
	"github.com/rs/zerolog"

	"github.com/dotside-studios/nfc-relay/protocol"
)

// Notifier receives engine events. Calls are made from the engine's lanes
// and must return quickly; blocking a notifier stalls message handling.
type Notifier interface {
	SessionCreated(secret string)
	SessionCreateFailed(code protocol.SessionErrorCode)
	SessionJoined()
	SessionJoinFailed(code protocol.SessionErrorCode)
	SessionLeft()
	SessionLeaveFailed(code protocol.SessionErrorCode)
	PeerJoined()
	PeerLeft()
	PeerReaderModeChanged(present bool)
	PeerCardModeChanged(present bool)
	PeerNFCLost()
	NotConnected()
	MalformedMessage(err error)
	UnknownMessageType()
	NotImplemented(code protocol.StatusCode)
	ExchangeObserved(dir Direction, data []byte)
	AnticolObserved(id CardIdentity)
	TransmissionFailed()
	TagLost(err error)
	WorkaroundStarted()
	ConnectionLost()
}

// NopNotifier ignores every event. Embed it to implement a subset.
type NopNotifier struct{}

func (NopNotifier) SessionCreated(string)                         {}
func (NopNotifier) SessionCreateFailed(protocol.SessionErrorCode) {}
func (NopNotifier) SessionJoined()                                {}
func (NopNotifier) SessionJoinFailed(protocol.SessionErrorCode)   {}
func (NopNotifier) SessionLeft()                                  {}
func (NopNotifier) SessionLeaveFailed(protocol.SessionErrorCode)  {}
func (NopNotifier) PeerJoined()                                   {}
func (NopNotifier) PeerLeft()                                     {}
func (NopNotifier) PeerReaderModeChanged(bool)                    {}
func (NopNotifier) PeerCardModeChanged(bool)                      {}
func (NopNotifier) PeerNFCLost()                                  {}
func (NopNotifier) NotConnected()                                 {}
func (NopNotifier) MalformedMessage(error)                        {}
func (NopNotifier) UnknownMessageType()                           {}
func (NopNotifier) NotImplemented(protocol.StatusCode)            {}
func (NopNotifier) ExchangeObserved(Direction, []byte)            {}
func (NopNotifier) AnticolObserved(CardIdentity)                  {}
func (NopNotifier) TransmissionFailed()                           {}
func (NopNotifier) TagLost(error)                                 {}
func (NopNotifier) WorkaroundStarted()                            {}
func (NopNotifier) ConnectionLost()                               {}

// LogNotifier writes every event to a zerolog logger.
type LogNotifier struct {
	Log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{Log: log.With().Str("component", "events").Logger()}
}

func (n *LogNotifier) SessionCreated(secret string) {
	n.Log.Info().Str("secret", secret).Msg("session created")
}

func (n *LogNotifier) SessionCreateFailed(code protocol.SessionErrorCode) {
	n.Log.Warn().Stringer("code", code).Msg("session create failed")
}

func (n *LogNotifier) SessionJoined() {
	n.Log.Info().Msg("session joined")
}

func (n *LogNotifier) SessionJoinFailed(code protocol.SessionErrorCode) {
	n.Log.Warn().Stringer("code", code).Msg("session join failed")
}

func (n *LogNotifier) SessionLeft() {
	n.Log.Info().Msg("session left")
}

func (n *LogNotifier) SessionLeaveFailed(code protocol.SessionErrorCode) {
	n.Log.Warn().Stringer("code", code).Msg("session leave failed")
}

func (n *LogNotifier) PeerJoined() {
	n.Log.Info().Msg("peer joined")
}

func (n *LogNotifier) PeerLeft() {
	n.Log.Info().Msg("peer left")
}

func (n *LogNotifier) PeerReaderModeChanged(present bool) {
	n.Log.Info().Bool("present", present).Msg("peer reader mode changed")
}

func (n *LogNotifier) PeerCardModeChanged(present bool) {
	n.Log.Info().Bool("present", present).Msg("peer card mode changed")
}

func (n *LogNotifier) PeerNFCLost() {
	n.Log.Warn().Msg("peer lost its nfc link")
}

func (n *LogNotifier) NotConnected() {
	n.Log.Warn().Msg("local nfc hardware not connected")
}

func (n *LogNotifier) MalformedMessage(err error) {
	n.Log.Warn().Err(err).Msg("malformed message")
}

func (n *LogNotifier) UnknownMessageType() {
	n.Log.Warn().Msg("unknown message type")
}

func (n *LogNotifier) NotImplemented(code protocol.StatusCode) {
	n.Log.Warn().Stringer("code", code).Msg("status not implemented")
}

func (n *LogNotifier) ExchangeObserved(dir Direction, data []byte) {
	n.Log.Debug().Stringer("dir", dir).Hex("data", data).Msg("exchange")
}

func (n *LogNotifier) AnticolObserved(id CardIdentity) {
	n.Log.Info().Hex("uid", id.UID).
		Uint8("atqa", id.ATQA).
		Uint8("sak", id.SAK).
		Uint8("hist", id.Historical).
		Msg("anticol received")
}

func (n *LogNotifier) TransmissionFailed() {
	n.Log.Warn().Msg("server could not deliver to peer")
}

func (n *LogNotifier) TagLost(err error) {
	n.Log.Warn().Err(err).Msg("tag lost")
}

func (n *LogNotifier) WorkaroundStarted() {
	n.Log.Info().Msg("hardware workaround started")
}

func (n *LogNotifier) ConnectionLost() {
	n.Log.Warn().Msg("connection to server lost")
}
