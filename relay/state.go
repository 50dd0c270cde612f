package relay

import "fmt"

// Phase is the session lifecycle phase.
type Phase int

const (
	NoSession Phase = iota
	CreateRequested
	JoinRequested
	Active
	LeaveRequested
)

func (p Phase) String() string {
	switch p {
	case NoSession:
		return "no-session"
	case CreateRequested:
		return "create-requested"
	case JoinRequested:
		return "join-requested"
	case Active:
		return "active"
	case LeaveRequested:
		return "leave-requested"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Role is what the local device currently does in the relay.
type Role struct {
	ReaderTalker bool
	CardEmulator bool
}

// SessionState is a snapshot of the engine's session and hardware view.
// The control lane owns the session fields; the relay lane owns
// TagConnected and Local.ReaderTalker.
type SessionState struct {
	SessionID      string
	Phase          Phase
	Local          Role
	PeerPresent    bool
	PeerReaderMode bool
	PeerCardMode   bool
	TagConnected   bool
	Suspended      bool
}

// InSession reports whether the session is established.
func (s SessionState) InSession() bool {
	return s.Phase == Active || s.Phase == LeaveRequested
}

// resetSession clears the session fields, keeping hardware fields.
func (s *SessionState) resetSession() {
	s.SessionID = ""
	s.Phase = NoSession
	s.PeerPresent = false
	s.PeerReaderMode = false
	s.PeerCardMode = false
}
