package protocol

import "fmt"

// PayloadKind identifies which envelope variant is populated.
type PayloadKind int

const (
	KindNone PayloadKind = iota
	KindRelayData
	KindNFCExchange
	KindSession
	KindStatus
	KindAnticol
)

func (k PayloadKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRelayData:
		return "relay-data"
	case KindNFCExchange:
		return "nfc-exchange"
	case KindSession:
		return "session"
	case KindStatus:
		return "status"
	case KindAnticol:
		return "anticol"
	default:
		return fmt.Sprintf("PayloadKind(%d)", int(k))
	}
}

// DataSource says which side of a reader/card exchange produced the bytes.
type DataSource int32

const (
	SourceReader DataSource = 0
	SourceCard   DataSource = 1
)

func (s DataSource) String() string {
	switch s {
	case SourceReader:
		return "reader"
	case SourceCard:
		return "card"
	default:
		return fmt.Sprintf("DataSource(%d)", int32(s))
	}
}

// DataErrorCode is reported by the rendezvous server about a relayed blob.
type DataErrorCode int32

const (
	DataNoError            DataErrorCode = 0
	DataNoSession          DataErrorCode = 1
	DataTransmissionFailed DataErrorCode = 2
	DataUnknownError       DataErrorCode = 3
)

func (c DataErrorCode) String() string {
	switch c {
	case DataNoError:
		return "no-error"
	case DataNoSession:
		return "no-session"
	case DataTransmissionFailed:
		return "transmission-failed"
	case DataUnknownError:
		return "unknown-error"
	default:
		return fmt.Sprintf("DataErrorCode(%d)", int32(c))
	}
}

// SessionOpcode covers both the client requests and the server replies.
type SessionOpcode int32

const (
	SessionCreate        SessionOpcode = 0
	SessionCreateSuccess SessionOpcode = 1
	SessionCreateFail    SessionOpcode = 2
	SessionJoin          SessionOpcode = 3
	SessionJoinSuccess   SessionOpcode = 4
	SessionJoinFail      SessionOpcode = 5
	SessionLeave         SessionOpcode = 6
	SessionLeaveSuccess  SessionOpcode = 7
	SessionLeaveFail     SessionOpcode = 8
	SessionPeerJoined    SessionOpcode = 9
	SessionPeerLeft      SessionOpcode = 10
)

func (o SessionOpcode) String() string {
	switch o {
	case SessionCreate:
		return "create"
	case SessionCreateSuccess:
		return "create-success"
	case SessionCreateFail:
		return "create-fail"
	case SessionJoin:
		return "join"
	case SessionJoinSuccess:
		return "join-success"
	case SessionJoinFail:
		return "join-fail"
	case SessionLeave:
		return "leave"
	case SessionLeaveSuccess:
		return "leave-success"
	case SessionLeaveFail:
		return "leave-fail"
	case SessionPeerJoined:
		return "peer-joined"
	case SessionPeerLeft:
		return "peer-left"
	default:
		return fmt.Sprintf("SessionOpcode(%d)", int32(o))
	}
}

// SessionErrorCode accompanies the *Fail opcodes.
type SessionErrorCode int32

const (
	SessionNoError           SessionErrorCode = 0
	SessionCreateUnknown     SessionErrorCode = 1
	SessionCreateMaxSessions SessionErrorCode = 2
	SessionJoinUnknown       SessionErrorCode = 3
	SessionJoinUnknownSecret SessionErrorCode = 4
	SessionJoinSessionFull   SessionErrorCode = 5
	SessionLeaveUnknown      SessionErrorCode = 6
	SessionLeaveNotInSession SessionErrorCode = 7
)

func (c SessionErrorCode) String() string {
	switch c {
	case SessionNoError:
		return "no-error"
	case SessionCreateUnknown:
		return "create-unknown"
	case SessionCreateMaxSessions:
		return "create-max-sessions"
	case SessionJoinUnknown:
		return "join-unknown"
	case SessionJoinUnknownSecret:
		return "join-unknown-secret"
	case SessionJoinSessionFull:
		return "join-session-full"
	case SessionLeaveUnknown:
		return "leave-unknown"
	case SessionLeaveNotInSession:
		return "leave-not-in-session"
	default:
		return fmt.Sprintf("SessionErrorCode(%d)", int32(c))
	}
}

// StatusCode is exchanged between the two session peers.
type StatusCode int32

const (
	StatusKeepaliveReq     StatusCode = 0
	StatusKeepaliveRep     StatusCode = 1
	StatusNotImplemented   StatusCode = 2
	StatusUnknownError     StatusCode = 3
	StatusUnknownMessage   StatusCode = 4
	StatusInvalidMsgFormat StatusCode = 5
	StatusReaderFound      StatusCode = 6
	StatusReaderRemoved    StatusCode = 7
	StatusCardFound        StatusCode = 8
	StatusCardRemoved      StatusCode = 9
	StatusNFCNoConn        StatusCode = 10
)

func (c StatusCode) String() string {
	switch c {
	case StatusKeepaliveReq:
		return "keepalive-req"
	case StatusKeepaliveRep:
		return "keepalive-rep"
	case StatusNotImplemented:
		return "not-implemented"
	case StatusUnknownError:
		return "unknown-error"
	case StatusUnknownMessage:
		return "unknown-message"
	case StatusInvalidMsgFormat:
		return "invalid-msg-format"
	case StatusReaderFound:
		return "reader-found"
	case StatusReaderRemoved:
		return "reader-removed"
	case StatusCardFound:
		return "card-found"
	case StatusCardRemoved:
		return "card-removed"
	case StatusNFCNoConn:
		return "nfc-no-conn"
	default:
		return fmt.Sprintf("StatusCode(%d)", int32(c))
	}
}
