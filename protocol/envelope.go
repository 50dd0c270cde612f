// Package protocol defines the relay wire format: a tagged-union envelope
// carrying relay data, NFC exchanges, session control, peer status and
// anticollision metadata, encoded with the protobuf wire format.
//
// This package is importable without pulling in hardware or server
// dependencies.
package protocol

// Envelope is the unit of transport. At most one variant is set; an
// envelope with none set decodes fine and is rejected by the router.
type Envelope struct {
	Data    *RelayData
	NFC     *NFCExchange
	Session *Session
	Status  *Status
	Anticol *Anticol
}

// RelayData is a server-wrapped payload. Blob (a nested, still encoded
// envelope) and ErrCode are mutually exclusive. A nil Blob is absent; an
// empty non-nil Blob is present.
type RelayData struct {
	Blob    []byte
	ErrCode *DataErrorCode
}

// NFCExchange is one half of a reader/card exchange.
type NFCExchange struct {
	Source DataSource
	Bytes  []byte
}

// Anticol identifies a physical tag so a peer can impersonate it.
type Anticol struct {
	UID             []byte
	ATQA            []byte
	SAK             []byte
	HistoricalBytes []byte // nil when absent
}

// Session carries lifecycle requests and replies.
type Session struct {
	Opcode  SessionOpcode
	Secret  *string
	ErrCode *SessionErrorCode
}

// Status is a peer-to-peer status notification.
type Status struct {
	Code StatusCode
}

// Kind reports the populated variant, or KindNone. When several are set
// the first in declaration order wins; Encode refuses such envelopes.
func (e *Envelope) Kind() PayloadKind {
	switch {
	case e == nil:
		return KindNone
	case e.Data != nil:
		return KindRelayData
	case e.NFC != nil:
		return KindNFCExchange
	case e.Session != nil:
		return KindSession
	case e.Status != nil:
		return KindStatus
	case e.Anticol != nil:
		return KindAnticol
	default:
		return KindNone
	}
}

func (e *Envelope) populated() int {
	n := 0
	for _, set := range []bool{e.Data != nil, e.NFC != nil, e.Session != nil, e.Status != nil, e.Anticol != nil} {
		if set {
			n++
		}
	}
	return n
}

// NewBlob wraps an already encoded envelope for delivery to the peer.
func NewBlob(inner []byte) *Envelope {
	if inner == nil {
		inner = []byte{}
	}
	return &Envelope{Data: &RelayData{Blob: inner}}
}

// NewDataError builds a server-side relay result.
func NewDataError(code DataErrorCode) *Envelope {
	return &Envelope{Data: &RelayData{ErrCode: &code}}
}

// NewStatus builds a status envelope.
func NewStatus(code StatusCode) *Envelope {
	return &Envelope{Status: &Status{Code: code}}
}

// NewNFC builds an exchange envelope.
func NewNFC(source DataSource, data []byte) *Envelope {
	return &Envelope{NFC: &NFCExchange{Source: source, Bytes: data}}
}

// NewSession builds a session envelope with no secret or error code.
func NewSession(op SessionOpcode) *Envelope {
	return &Envelope{Session: &Session{Opcode: op}}
}

// NewSessionWithSecret builds a session envelope carrying secret.
func NewSessionWithSecret(op SessionOpcode, secret string) *Envelope {
	return &Envelope{Session: &Session{Opcode: op, Secret: &secret}}
}

// NewSessionError builds a *Fail session envelope.
func NewSessionError(op SessionOpcode, code SessionErrorCode) *Envelope {
	return &Envelope{Session: &Session{Opcode: op, ErrCode: &code}}
}

// SecretValue returns the secret or "" when absent.
func (s *Session) SecretValue() string {
	if s == nil || s.Secret == nil {
		return ""
	}
	return *s.Secret
}

// ErrCodeValue returns the error code or SessionNoError when absent.
func (s *Session) ErrCodeValue() SessionErrorCode {
	if s == nil || s.ErrCode == nil {
		return SessionNoError
	}
	return *s.ErrCode
}
