// Package relay is the session-scoped protocol engine that sits between a
// transport and the local NFC hardware. It routes inbound envelopes, tracks
// session membership and the peer's advertised capabilities, and relays
// reader commands and card replies in arrival order.
package relay

import (
	"context"
	"fmt"
)

// Transport sends one encoded envelope. Implementations must be safe for
// concurrent use; the engine calls Send from both of its lanes.
type Transport interface {
	Send(b []byte) error
}

// TagConn is a connection to a physical tag on the local reader.
//
// Transceive returns an error when the tag is gone; errors wrapping
// ErrTagLost are the usual case but the engine treats any error the same.
type TagConn interface {
	IsConnected() bool
	Transceive(ctx context.Context, cmd []byte) ([]byte, error)
	UID() []byte
	ATQA() []byte
	SAK() []byte
	HistoricalBytes() []byte
	Close() error
}

// WorkaroundProvider is implemented by tags on hardware that needs a
// background task while the tag is held (e.g. presence-check suppression).
type WorkaroundProvider interface {
	NeedsWorkaround() bool
	Workaround(ctx context.Context)
}

// CardEmulator delivers card replies to a real reader talking to the local
// device in card-emulation mode.
type CardEmulator interface {
	Active() bool
	SendReply(b []byte) error
}

// IdentityConfigurer sets the identity presented by the local card emulator.
type IdentityConfigurer interface {
	Configure(id CardIdentity) error
}

// CardIdentity is the anticollision identity derived from a peer's Anticol.
type CardIdentity struct {
	UID        []byte
	ATQA       byte
	SAK        byte
	Historical byte
}

func (id CardIdentity) String() string {
	return fmt.Sprintf("uid=%X atqa=%02X sak=%02X hist=%02X", id.UID, id.ATQA, id.SAK, id.Historical)
}

// Direction of an observed exchange.
type Direction int

const (
	ReaderToCard Direction = iota
	CardToReader
)

func (d Direction) String() string {
	switch d {
	case ReaderToCard:
		return "reader->card"
	case CardToReader:
		return "card->reader"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}
