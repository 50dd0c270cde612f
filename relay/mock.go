package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/dotside-studios/nfc-relay/protocol"
)

// MockTransport records every message the engine sends.
type MockTransport struct {
	// SendError, if set, is returned by Send.
	SendError error

	mu   sync.Mutex
	sent [][]byte
}

func (m *MockTransport) Send(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendError != nil {
		return m.SendError
	}
	m.sent = append(m.sent, append([]byte(nil), b...))
	return nil
}

// Outbound is a decoded message sent by the engine. ToPeer is set when it
// was wrapped for forwarding and Env is the unwrapped envelope.
type Outbound struct {
	Env    *protocol.Envelope
	ToPeer bool
}

// Outbound decodes everything sent so far.
func (m *MockTransport) Outbound() []Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Outbound, 0, len(m.sent))
	for _, b := range m.sent {
		env, err := protocol.Decode(b)
		if err != nil {
			panic(fmt.Sprintf("engine sent undecodable message %x: %v", b, err))
		}
		if env.Data != nil && env.Data.Blob != nil {
			inner, err := protocol.Decode(env.Data.Blob)
			if err != nil {
				panic(fmt.Sprintf("engine sent undecodable blob %x: %v", env.Data.Blob, err))
			}
			out = append(out, Outbound{Env: inner, ToPeer: true})
			continue
		}
		out = append(out, Outbound{Env: env})
	}
	return out
}

// Reset forgets recorded messages.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

// MockTag simulates a tag on the local reader.
type MockTag struct {
	TagUID  []byte
	TagATQA []byte
	TagSAK  []byte
	TagHist []byte

	// TransceiveFunc, if set, overrides TransceiveResponse/TransceiveError.
	TransceiveFunc     func(ctx context.Context, cmd []byte) ([]byte, error)
	TransceiveResponse []byte
	TransceiveError    error

	// NeedsWork makes the tag request the background workaround.
	NeedsWork bool

	// CallLog tracks calls for verification in tests.
	CallLog []string

	mu        sync.Mutex
	connected bool
	closed    bool
}

// NewMockTag returns a connected tag with a typical DESFire identity.
func NewMockTag() *MockTag {
	return &MockTag{
		TagUID:    []byte{0x04, 0x01, 0x02},
		TagATQA:   []byte{0x00, 0x44},
		TagSAK:    []byte{0x20},
		TagHist:   []byte{0x75, 0x77, 0x81, 0x02, 0x80},
		connected: true,
	}
}

func (m *MockTag) record(call string) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, call)
	m.mu.Unlock()
}

// Calls returns a copy of the call log.
func (m *MockTag) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

func (m *MockTag) SetConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MockTag) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockTag) IsConnected() bool {
	m.record("IsConnected")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && !m.closed
}

func (m *MockTag) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	m.record("Transceive")
	if m.TransceiveFunc != nil {
		return m.TransceiveFunc(ctx, cmd)
	}
	if m.TransceiveError != nil {
		return nil, m.TransceiveError
	}
	return m.TransceiveResponse, nil
}

func (m *MockTag) UID() []byte             { return m.TagUID }
func (m *MockTag) ATQA() []byte            { return m.TagATQA }
func (m *MockTag) SAK() []byte             { return m.TagSAK }
func (m *MockTag) HistoricalBytes() []byte { return m.TagHist }

func (m *MockTag) Close() error {
	m.record("Close")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("tag already closed")
	}
	m.closed = true
	return nil
}

func (m *MockTag) NeedsWorkaround() bool {
	return m.NeedsWork
}

// Workaround blocks until ctx is cancelled.
func (m *MockTag) Workaround(ctx context.Context) {
	m.record("WorkaroundStarted")
	<-ctx.Done()
	m.record("WorkaroundStopped")
}

// MockEmulator is a card emulator and identity port.
type MockEmulator struct {
	ReplyError     error
	ConfigureError error

	mu         sync.Mutex
	active     bool
	replies    [][]byte
	identities []CardIdentity
}

func NewMockEmulator(active bool) *MockEmulator {
	return &MockEmulator{active: active}
}

func (m *MockEmulator) SetActive(v bool) {
	m.mu.Lock()
	m.active = v
	m.mu.Unlock()
}

func (m *MockEmulator) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *MockEmulator) SendReply(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReplyError != nil {
		return m.ReplyError
	}
	m.replies = append(m.replies, append([]byte(nil), b...))
	return nil
}

func (m *MockEmulator) Configure(id CardIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConfigureError != nil {
		return m.ConfigureError
	}
	m.identities = append(m.identities, id)
	return nil
}

func (m *MockEmulator) Replies() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.replies...)
}

func (m *MockEmulator) Identities() []CardIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CardIdentity(nil), m.identities...)
}

// RecordingNotifier records every event as a short string.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *RecordingNotifier) add(format string, args ...any) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *RecordingNotifier) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Count returns how many recorded events equal ev.
func (r *RecordingNotifier) Count(ev string) int {
	n := 0
	for _, got := range r.Events() {
		if got == ev {
			n++
		}
	}
	return n
}

func (r *RecordingNotifier) SessionCreated(secret string) { r.add("SessionCreated(%s)", secret) }
func (r *RecordingNotifier) SessionCreateFailed(code protocol.SessionErrorCode) {
	r.add("SessionCreateFailed(%s)", code)
}
func (r *RecordingNotifier) SessionJoined() { r.add("SessionJoined") }
func (r *RecordingNotifier) SessionJoinFailed(code protocol.SessionErrorCode) {
	r.add("SessionJoinFailed(%s)", code)
}
func (r *RecordingNotifier) SessionLeft() { r.add("SessionLeft") }
func (r *RecordingNotifier) SessionLeaveFailed(code protocol.SessionErrorCode) {
	r.add("SessionLeaveFailed(%s)", code)
}
func (r *RecordingNotifier) PeerJoined()                  { r.add("PeerJoined") }
func (r *RecordingNotifier) PeerLeft()                    { r.add("PeerLeft") }
func (r *RecordingNotifier) PeerReaderModeChanged(v bool) { r.add("PeerReaderModeChanged(%t)", v) }
func (r *RecordingNotifier) PeerCardModeChanged(v bool)   { r.add("PeerCardModeChanged(%t)", v) }
func (r *RecordingNotifier) PeerNFCLost()                 { r.add("PeerNFCLost") }
func (r *RecordingNotifier) NotConnected()                { r.add("NotConnected") }
func (r *RecordingNotifier) MalformedMessage(error)       { r.add("MalformedMessage") }
func (r *RecordingNotifier) UnknownMessageType()          { r.add("UnknownMessageType") }
func (r *RecordingNotifier) NotImplemented(c protocol.StatusCode) {
	r.add("NotImplemented(%s)", c)
}
func (r *RecordingNotifier) ExchangeObserved(d Direction, b []byte) {
	r.add("ExchangeObserved(%s,%X)", d, b)
}
func (r *RecordingNotifier) AnticolObserved(id CardIdentity) { r.add("AnticolObserved(%s)", id) }
func (r *RecordingNotifier) TransmissionFailed()             { r.add("TransmissionFailed") }
func (r *RecordingNotifier) TagLost(error)                   { r.add("TagLost") }
func (r *RecordingNotifier) WorkaroundStarted()              { r.add("WorkaroundStarted") }
func (r *RecordingNotifier) ConnectionLost()                 { r.add("ConnectionLost") }
