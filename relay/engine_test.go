package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/dotside-studios/nfc-relay/protocol"
)

type harness struct {
	e  *Engine
	tr *MockTransport
	ev *RecordingNotifier
	em *MockEmulator
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		tr: &MockTransport{},
		ev: &RecordingNotifier{},
		em: NewMockEmulator(false),
	}
	cfg := Config{
		Transport: h.tr,
		Emulator:  h.em,
		Identity:  h.em,
		Notifier:  h.ev,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.e = New(cfg)
	t.Cleanup(func() { h.e.Close() })
	return h
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	if err := h.e.Flush(testCtx(t)); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}

// deliver feeds env to the engine, wrapped as the server would when it
// comes from the peer.
func (h *harness) deliver(t *testing.T, env *protocol.Envelope, fromPeer bool) {
	t.Helper()
	b := protocol.MustEncode(env)
	if fromPeer {
		b = protocol.MustEncode(protocol.NewBlob(b))
	}
	h.e.HandleBytes(b)
	h.flush(t)
}

func (h *harness) activate(t *testing.T) {
	t.Helper()
	h.deliver(t, protocol.NewSessionWithSecret(protocol.SessionCreateSuccess, "S"), false)
	h.tr.Reset()
}

func (h *harness) attach(t *testing.T, tag *MockTag) {
	t.Helper()
	if err := h.e.AttachTag(testCtx(t), tag); err != nil {
		t.Fatalf("AttachTag() error = %v", err)
	}
	h.tr.Reset()
}

func statuses(out []Outbound) []protocol.StatusCode {
	var codes []protocol.StatusCode
	for _, o := range out {
		if o.Env.Status != nil {
			codes = append(codes, o.Env.Status.Code)
		}
	}
	return codes
}

func wantSingleStatus(t *testing.T, out []Outbound, code protocol.StatusCode, toPeer bool) {
	t.Helper()
	if len(out) != 1 {
		t.Fatalf("sent %d messages, want 1: %+v", len(out), out)
	}
	if out[0].Env.Status == nil || out[0].Env.Status.Code != code {
		t.Fatalf("sent %+v, want status %s", out[0].Env, code)
	}
	if out[0].ToPeer != toPeer {
		t.Errorf("ToPeer = %t, want %t", out[0].ToPeer, toPeer)
	}
}

func TestKeepaliveAlwaysAnswered(t *testing.T) {
	tests := []struct {
		name     string
		active   bool
		fromPeer bool
	}{
		{"no session from server", false, false},
		{"no session from peer", false, true},
		{"active from server", true, false},
		{"active from peer", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.active {
				h.activate(t)
			}
			before := h.e.State()
			h.deliver(t, protocol.NewStatus(protocol.StatusKeepaliveReq), tt.fromPeer)
			wantSingleStatus(t, h.tr.Outbound(), protocol.StatusKeepaliveRep, tt.fromPeer)
			if diff := cmp.Diff(before, h.e.State()); diff != "" {
				t.Errorf("state changed (-before +after):\n%s", diff)
			}
		})
	}
}

func TestCreateSuccessFromNoSession(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, protocol.NewSessionWithSecret(protocol.SessionCreateSuccess, "S"), false)

	st := h.e.State()
	if st.Phase != Active || st.SessionID != "S" {
		t.Errorf("state = %+v, want Active with secret S", st)
	}
	if n := h.ev.Count("SessionCreated(S)"); n != 1 {
		t.Errorf("SessionCreated fired %d times, want 1", n)
	}
}

func TestSessionRequests(t *testing.T) {
	t.Run("create then fail reverts", func(t *testing.T) {
		h := newHarness(t)
		if err := h.e.CreateSession(testCtx(t)); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
		out := h.tr.Outbound()
		if len(out) != 1 || out[0].ToPeer || out[0].Env.Session == nil || out[0].Env.Session.Opcode != protocol.SessionCreate {
			t.Fatalf("sent %+v, want bare create", out)
		}
		if got := h.e.State().Phase; got != CreateRequested {
			t.Fatalf("Phase = %s, want create-requested", got)
		}

		h.deliver(t, protocol.NewSessionError(protocol.SessionCreateFail, protocol.SessionCreateMaxSessions), false)
		if got := h.e.State().Phase; got != NoSession {
			t.Errorf("Phase = %s, want no-session", got)
		}
		if n := h.ev.Count("SessionCreateFailed(create-max-sessions)"); n != 1 {
			t.Errorf("events = %v", h.ev.Events())
		}
	})

	t.Run("join records pending secret", func(t *testing.T) {
		h := newHarness(t)
		if err := h.e.JoinSession(testCtx(t), "abc"); err != nil {
			t.Fatalf("JoinSession() error = %v", err)
		}
		out := h.tr.Outbound()
		if len(out) != 1 || out[0].Env.Session.SecretValue() != "abc" {
			t.Fatalf("sent %+v, want join with secret", out)
		}
		h.deliver(t, protocol.NewSession(protocol.SessionJoinSuccess), false)
		st := h.e.State()
		if st.Phase != Active || st.SessionID != "abc" {
			t.Errorf("state = %+v, want Active abc", st)
		}
		if h.ev.Count("SessionJoined") != 1 {
			t.Errorf("events = %v", h.ev.Events())
		}
	})

	t.Run("join fail", func(t *testing.T) {
		h := newHarness(t)
		if err := h.e.JoinSession(testCtx(t), "nope"); err != nil {
			t.Fatalf("JoinSession() error = %v", err)
		}
		h.deliver(t, protocol.NewSessionError(protocol.SessionJoinFail, protocol.SessionJoinUnknownSecret), false)
		if got := h.e.State().Phase; got != NoSession {
			t.Errorf("Phase = %s, want no-session", got)
		}
		if h.ev.Count("SessionJoinFailed(join-unknown-secret)") != 1 {
			t.Errorf("events = %v", h.ev.Events())
		}
	})

	t.Run("leave fail then success", func(t *testing.T) {
		h := newHarness(t)
		h.activate(t)
		if err := h.e.LeaveSession(testCtx(t)); err != nil {
			t.Fatalf("LeaveSession() error = %v", err)
		}
		if got := h.e.State().Phase; got != LeaveRequested {
			t.Fatalf("Phase = %s, want leave-requested", got)
		}
		h.deliver(t, protocol.NewSessionError(protocol.SessionLeaveFail, protocol.SessionLeaveUnknown), false)
		if got := h.e.State().Phase; got != Active {
			t.Fatalf("Phase = %s, want active", got)
		}

		if err := h.e.LeaveSession(testCtx(t)); err != nil {
			t.Fatalf("LeaveSession() error = %v", err)
		}
		h.deliver(t, protocol.NewSession(protocol.SessionLeaveSuccess), false)
		st := h.e.State()
		if st.Phase != NoSession || st.SessionID != "" {
			t.Errorf("state = %+v, want reset", st)
		}
		if h.ev.Count("SessionLeft") != 1 {
			t.Errorf("events = %v", h.ev.Events())
		}
	})

	t.Run("failure without request leaves phase", func(t *testing.T) {
		h := newHarness(t)
		h.activate(t)
		h.deliver(t, protocol.NewSessionError(protocol.SessionCreateFail, protocol.SessionCreateUnknown), false)
		if got := h.e.State().Phase; got != Active {
			t.Errorf("Phase = %s, want active", got)
		}
	})

	t.Run("wrong phase", func(t *testing.T) {
		h := newHarness(t)
		err := h.e.LeaveSession(testCtx(t))
		if !errors.Is(err, ErrProtocolState) {
			t.Fatalf("LeaveSession() error = %v, want ErrProtocolState", err)
		}
		if out := h.tr.Outbound(); len(out) != 0 {
			t.Errorf("sent %+v, want nothing", out)
		}
	})
}

func TestPeerPresenceIdempotent(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	h.deliver(t, protocol.NewSession(protocol.SessionPeerJoined), false)
	if !h.e.State().PeerPresent {
		t.Fatal("PeerPresent = false after PeerJoined")
	}

	h.deliver(t, protocol.NewSession(protocol.SessionPeerLeft), false)
	afterFirst := h.e.State()
	h.deliver(t, protocol.NewSession(protocol.SessionPeerLeft), false)
	afterSecond := h.e.State()

	if afterFirst.PeerPresent {
		t.Error("PeerPresent = true after PeerLeft")
	}
	if diff := cmp.Diff(afterFirst, afterSecond); diff != "" {
		t.Errorf("second PeerLeft changed state:\n%s", diff)
	}
	if n := h.ev.Count("PeerLeft"); n != 2 {
		t.Errorf("PeerLeft notified %d times, want 2", n)
	}
	if out := h.tr.Outbound(); len(out) != 0 {
		t.Errorf("sent %+v, want nothing", out)
	}
}

func TestUnexpectedSessionOpcode(t *testing.T) {
	for _, op := range []protocol.SessionOpcode{protocol.SessionJoin, protocol.SessionOpcode(42)} {
		t.Run(op.String(), func(t *testing.T) {
			h := newHarness(t)
			h.deliver(t, protocol.NewSession(op), false)
			wantSingleStatus(t, h.tr.Outbound(), protocol.StatusInvalidMsgFormat, false)
			if h.ev.Count("MalformedMessage") != 1 {
				t.Errorf("events = %v", h.ev.Events())
			}
			if got := h.e.State().Phase; got != NoSession {
				t.Errorf("Phase = %s", got)
			}
		})
	}
}

func TestReaderExchangeWithoutTag(t *testing.T) {
	t.Run("no tag attached", func(t *testing.T) {
		h := newHarness(t)
		h.activate(t)
		h.deliver(t, protocol.NewNFC(protocol.SourceReader, []byte{0x90, 0x60, 0x00, 0x00, 0x00}), true)
		wantSingleStatus(t, h.tr.Outbound(), protocol.StatusNFCNoConn, true)
		if n := h.ev.Count("NotConnected"); n != 1 {
			t.Errorf("NotConnected fired %d times, want 1", n)
		}
	})

	t.Run("tag left the field", func(t *testing.T) {
		h := newHarness(t)
		h.activate(t)
		tag := NewMockTag()
		h.attach(t, tag)
		tag.SetConnected(false)
		before := len(tag.Calls())

		h.deliver(t, protocol.NewNFC(protocol.SourceReader, []byte{0x90, 0x60, 0x00, 0x00, 0x00}), true)
		if diff := cmp.Diff([]string{"IsConnected"}, tag.Calls()[before:]); diff != "" {
			t.Errorf("tag calls (-want +got):\n%s", diff)
		}
		wantSingleStatus(t, h.tr.Outbound(), protocol.StatusNFCNoConn, true)
		if n := h.ev.Count("NotConnected"); n != 1 {
			t.Errorf("NotConnected fired %d times, want 1", n)
		}
	})
}

func TestReaderExchangeForwardsReply(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	tag := NewMockTag()
	tag.TransceiveFunc = func(_ context.Context, cmd []byte) ([]byte, error) {
		if cmd[1] != 0x60 {
			return nil, fmt.Errorf("unexpected command %X", cmd)
		}
		return []byte{0x91, 0x00}, nil
	}
	h.attach(t, tag)

	h.deliver(t, protocol.NewNFC(protocol.SourceReader, []byte{0x90, 0x60, 0x00, 0x00, 0x00}), true)

	out := h.tr.Outbound()
	want := []Outbound{{Env: protocol.NewNFC(protocol.SourceCard, []byte{0x91, 0x00}), ToPeer: true}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("outbound (-want +got):\n%s", diff)
	}
	wantEvents := []string{"ExchangeObserved(reader->card,9060000000)", "ExchangeObserved(card->reader,9100)"}
	for _, ev := range wantEvents {
		if h.ev.Count(ev) != 1 {
			t.Errorf("missing event %s in %v", ev, h.ev.Events())
		}
	}
}

func TestReaderExchangeTagLost(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		fn      func(ctx context.Context, cmd []byte) ([]byte, error)
	}{
		{
			name: "lost sentinel",
			fn: func(context.Context, []byte) ([]byte, error) {
				return nil, fmt.Errorf("transceive: %w", ErrTagLost)
			},
		},
		{
			name:    "deadline",
			timeout: 20 * time.Millisecond,
			fn: func(ctx context.Context, _ []byte) ([]byte, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *Config) { c.ExchangeTimeout = tt.timeout })
			h.activate(t)
			tag := NewMockTag()
			tag.NeedsWork = true
			tag.TransceiveFunc = tt.fn
			h.attach(t, tag)

			h.deliver(t, protocol.NewNFC(protocol.SourceReader, []byte{0x00, 0xb0, 0x00, 0x00, 0x10}), true)

			if !tag.Closed() {
				t.Error("tag not closed")
			}
			calls := tag.Calls()
			if slices.Index(calls, "WorkaroundStopped") > slices.Index(calls, "Close") {
				t.Errorf("workaround stopped after close: %v", calls)
			}
			for _, o := range h.tr.Outbound() {
				if o.Env.NFC != nil {
					t.Errorf("relayed %+v after tag loss", o.Env.NFC)
				}
			}
			if diff := cmp.Diff([]protocol.StatusCode{protocol.StatusCardRemoved}, statuses(h.tr.Outbound())); diff != "" {
				t.Errorf("statuses (-want +got):\n%s", diff)
			}
			if st := h.e.State(); st.TagConnected || st.Local.ReaderTalker {
				t.Errorf("state = %+v, want tag released", st)
			}
			if h.ev.Count("TagLost") != 1 {
				t.Errorf("events = %v", h.ev.Events())
			}
		})
	}
}

func TestCardExchange(t *testing.T) {
	t.Run("emulator active", func(t *testing.T) {
		h := newHarness(t)
		h.em.SetActive(true)
		h.deliver(t, protocol.NewNFC(protocol.SourceCard, []byte{0x90, 0x00}), true)

		if diff := cmp.Diff([][]byte{{0x90, 0x00}}, h.em.Replies()); diff != "" {
			t.Errorf("replies (-want +got):\n%s", diff)
		}
		if out := h.tr.Outbound(); len(out) != 0 {
			t.Errorf("sent %+v, want nothing", out)
		}
		if h.ev.Count("ExchangeObserved(card->reader,9000)") != 1 {
			t.Errorf("events = %v", h.ev.Events())
		}
	})

	t.Run("emulator inactive", func(t *testing.T) {
		h := newHarness(t)
		h.deliver(t, protocol.NewNFC(protocol.SourceCard, []byte{0x90, 0x00}), true)
		wantSingleStatus(t, h.tr.Outbound(), protocol.StatusNFCNoConn, true)
		if h.ev.Count("NotConnected") != 1 {
			t.Errorf("events = %v", h.ev.Events())
		}
		if len(h.em.Replies()) != 0 {
			t.Error("reply delivered to inactive emulator")
		}
	})
}

func TestAnticolConfiguresIdentity(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.attach(t, NewMockTag())

	h.deliver(t, &protocol.Envelope{Anticol: &protocol.Anticol{
		UID:             []byte{0x04, 0x01, 0x02},
		ATQA:            []byte{0x00, 0x44},
		SAK:             []byte{0x20},
		HistoricalBytes: []byte{},
	}}, true)

	want := []CardIdentity{{UID: []byte{0x04, 0x01, 0x02}, ATQA: 0x44, SAK: 0x20}}
	if diff := cmp.Diff(want, h.em.Identities()); diff != "" {
		t.Errorf("identities (-want +got):\n%s", diff)
	}
	if h.ev.Count("AnticolObserved(uid=040102 atqa=44 sak=20 hist=00)") != 1 {
		t.Errorf("events = %v", h.ev.Events())
	}
}

func TestIdentityFromAnticol(t *testing.T) {
	tests := []struct {
		name   string
		in     protocol.Anticol
		legacy bool
		want   CardIdentity
	}{
		{
			name: "own historical buffer",
			in:   protocol.Anticol{UID: []byte{1, 2, 3, 4}, ATQA: []byte{0x03, 0x44}, SAK: []byte{0x20}, HistoricalBytes: []byte{0x75, 0x77}},
			want: CardIdentity{UID: []byte{1, 2, 3, 4}, ATQA: 0x44, SAK: 0x20, Historical: 0x75},
		},
		{
			name:   "legacy reads atqa",
			in:     protocol.Anticol{UID: []byte{1, 2, 3, 4}, ATQA: []byte{0x03, 0x44}, SAK: []byte{0x20}, HistoricalBytes: []byte{0x75, 0x77}},
			legacy: true,
			want:   CardIdentity{UID: []byte{1, 2, 3, 4}, ATQA: 0x44, SAK: 0x20, Historical: 0x03},
		},
		{
			name: "empty buffers",
			in:   protocol.Anticol{UID: []byte{}, ATQA: []byte{}, SAK: []byte{}},
			want: CardIdentity{},
		},
		{
			name: "single byte atqa",
			in:   protocol.Anticol{UID: []byte{9}, ATQA: []byte{0x04}, SAK: []byte{0x08, 0xff}},
			want: CardIdentity{UID: []byte{9}, ATQA: 0x04, SAK: 0x08},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := identityFromAnticol(&tt.in, tt.legacy)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("identity (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRelayDataErrorCodes(t *testing.T) {
	t.Run("no session is silent", func(t *testing.T) {
		h := newHarness(t)
		before := h.e.State()
		h.deliver(t, protocol.NewDataError(protocol.DataNoSession), false)
		if out := h.tr.Outbound(); len(out) != 0 {
			t.Errorf("sent %+v, want nothing", out)
		}
		if diff := cmp.Diff(before, h.e.State()); diff != "" {
			t.Errorf("state changed:\n%s", diff)
		}
		if ev := h.ev.Events(); len(ev) != 0 {
			t.Errorf("events = %v, want none", ev)
		}
	})

	t.Run("no error", func(t *testing.T) {
		h := newHarness(t)
		h.deliver(t, protocol.NewDataError(protocol.DataNoError), false)
		if out := h.tr.Outbound(); len(out) != 0 {
			t.Errorf("sent %+v, want nothing", out)
		}
	})

	t.Run("transmission failed", func(t *testing.T) {
		h := newHarness(t)
		h.activate(t)
		h.deliver(t, protocol.NewDataError(protocol.DataTransmissionFailed), false)
		if out := h.tr.Outbound(); len(out) != 0 {
			t.Errorf("sent %+v, want nothing", out)
		}
		if h.ev.Count("TransmissionFailed") != 1 {
			t.Errorf("events = %v", h.ev.Events())
		}
	})

	for _, code := range []protocol.DataErrorCode{protocol.DataUnknownError, protocol.DataErrorCode(17)} {
		t.Run(code.String(), func(t *testing.T) {
			h := newHarness(t)
			h.deliver(t, protocol.NewDataError(code), false)
			wantSingleStatus(t, h.tr.Outbound(), protocol.StatusInvalidMsgFormat, false)
		})
	}
}

func TestMalformedInput(t *testing.T) {
	nested := protocol.MustEncode(protocol.NewStatus(protocol.StatusKeepaliveReq))
	for i := 0; i < maxNesting+1; i++ {
		nested = protocol.MustEncode(protocol.NewBlob(nested))
	}

	tests := []struct {
		name   string
		input  []byte
		toPeer bool
	}{
		{"garbage", []byte{0xff}, false},
		{"bad blob", protocol.MustEncode(protocol.NewBlob([]byte{0x0a, 0x09})), true},
		{"empty relay data", []byte{0x0a, 0x00}, false},
		{"nested too deep", nested, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.e.HandleBytes(tt.input)
			h.flush(t)
			wantSingleStatus(t, h.tr.Outbound(), protocol.StatusInvalidMsgFormat, tt.toPeer)
			if h.ev.Count("MalformedMessage") != 1 {
				t.Errorf("events = %v", h.ev.Events())
			}
		})
	}
}

func TestEmptyEnvelope(t *testing.T) {
	h := newHarness(t)
	h.e.HandleBytes(nil)
	h.flush(t)
	wantSingleStatus(t, h.tr.Outbound(), protocol.StatusUnknownMessage, false)
	if h.ev.Count("UnknownMessageType") != 1 {
		t.Errorf("events = %v", h.ev.Events())
	}
}

func TestPeerStatus(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	steps := []struct {
		code  protocol.StatusCode
		event string
		check func(SessionState) bool
	}{
		{protocol.StatusReaderFound, "PeerReaderModeChanged(true)", func(s SessionState) bool { return s.PeerReaderMode }},
		{protocol.StatusCardFound, "PeerCardModeChanged(true)", func(s SessionState) bool { return s.PeerCardMode }},
		{protocol.StatusReaderRemoved, "PeerReaderModeChanged(false)", func(s SessionState) bool { return !s.PeerReaderMode }},
		{protocol.StatusCardRemoved, "PeerCardModeChanged(false)", func(s SessionState) bool { return !s.PeerCardMode }},
		{protocol.StatusNFCNoConn, "PeerNFCLost", func(s SessionState) bool { return s.Phase == Active }},
	}
	for _, step := range steps {
		h.deliver(t, protocol.NewStatus(step.code), true)
		if !step.check(h.e.State()) {
			t.Errorf("after %s state = %+v", step.code, h.e.State())
		}
		if h.ev.Count(step.event) != 1 {
			t.Errorf("after %s events = %v", step.code, h.ev.Events())
		}
	}
	if out := h.tr.Outbound(); len(out) != 0 {
		t.Errorf("sent %+v, want nothing", out)
	}
}

func TestErrorStatusesAreNotAnswered(t *testing.T) {
	codes := []protocol.StatusCode{
		protocol.StatusKeepaliveRep,
		protocol.StatusNotImplemented,
		protocol.StatusUnknownError,
		protocol.StatusUnknownMessage,
		protocol.StatusInvalidMsgFormat,
	}
	h := newHarness(t)
	for _, code := range codes {
		h.deliver(t, protocol.NewStatus(code), true)
		h.deliver(t, protocol.NewStatus(code), false)
	}
	if out := h.tr.Outbound(); len(out) != 0 {
		t.Errorf("sent %+v, want nothing", out)
	}
}

func TestUnsupportedStatus(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, protocol.NewStatus(protocol.StatusCode(77)), true)
	wantSingleStatus(t, h.tr.Outbound(), protocol.StatusNotImplemented, true)
	if h.ev.Count("NotImplemented(StatusCode(77))") != 1 {
		t.Errorf("events = %v", h.ev.Events())
	}
}

func TestAttachAndDetachTag(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	tag := NewMockTag()
	tag.NeedsWork = true
	tag.TagHist = nil

	if err := h.e.AttachTag(testCtx(t), tag); err != nil {
		t.Fatalf("AttachTag() error = %v", err)
	}
	want := []Outbound{
		{Env: &protocol.Envelope{Anticol: &protocol.Anticol{
			UID:  []byte{0x04, 0x01, 0x02},
			ATQA: []byte{0x00, 0x44},
			SAK:  []byte{0x20},
		}}, ToPeer: true},
		{Env: protocol.NewStatus(protocol.StatusCardFound), ToPeer: true},
	}
	if diff := cmp.Diff(want, h.tr.Outbound()); diff != "" {
		t.Errorf("outbound (-want +got):\n%s", diff)
	}
	if st := h.e.State(); !st.TagConnected || !st.Local.ReaderTalker {
		t.Errorf("state = %+v, want tag connected", st)
	}
	if h.ev.Count("WorkaroundStarted") != 1 {
		t.Errorf("events = %v", h.ev.Events())
	}

	h.tr.Reset()
	if err := h.e.DetachTag(testCtx(t)); err != nil {
		t.Fatalf("DetachTag() error = %v", err)
	}
	calls := tag.Calls()
	if i, j := slices.Index(calls, "WorkaroundStopped"), slices.Index(calls, "Close"); i < 0 || j < i {
		t.Errorf("calls = %v, want workaround stopped before close", calls)
	}
	wantSingleStatus(t, h.tr.Outbound(), protocol.StatusCardRemoved, true)
}

func TestReleaseTagOnlyReleasesCurrentTag(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	old, current := NewMockTag(), NewMockTag()
	h.attach(t, old)
	h.attach(t, current)
	if !old.Closed() {
		t.Fatal("replaced tag still open")
	}

	if err := h.e.ReleaseTag(testCtx(t), old); err != nil {
		t.Fatalf("ReleaseTag(old) error = %v", err)
	}
	if out := h.tr.Outbound(); len(out) != 0 {
		t.Errorf("stale release sent %+v", out)
	}
	if current.Closed() || !h.e.State().TagConnected {
		t.Fatal("stale release dropped the current tag")
	}

	if err := h.e.ReleaseTag(testCtx(t), current); err != nil {
		t.Fatalf("ReleaseTag(current) error = %v", err)
	}
	wantSingleStatus(t, h.tr.Outbound(), protocol.StatusCardRemoved, true)
	if !current.Closed() || h.e.State().TagConnected {
		t.Error("current tag not released")
	}
}

func TestAnnounceTag(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	if err := h.e.AnnounceTag(testCtx(t)); err != nil {
		t.Fatalf("AnnounceTag() without a tag error = %v", err)
	}
	if out := h.tr.Outbound(); len(out) != 0 {
		t.Fatalf("sent %+v without a tag", out)
	}

	tag := NewMockTag()
	h.attach(t, tag)
	if err := h.e.AnnounceTag(testCtx(t)); err != nil {
		t.Fatalf("AnnounceTag() error = %v", err)
	}
	out := h.tr.Outbound()
	if len(out) != 2 || out[0].Env.Anticol == nil || !out[0].ToPeer {
		t.Fatalf("sent %+v, want Anticol then CardFound", out)
	}
	if diff := cmp.Diff(tag.UID(), out[0].Env.Anticol.UID); diff != "" {
		t.Errorf("announced UID mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]protocol.StatusCode{protocol.StatusCardFound}, statuses(out)); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
	if tag.Closed() {
		t.Error("AnnounceTag() closed the tag")
	}
}

func TestAttachDisconnectedTag(t *testing.T) {
	h := newHarness(t)
	tag := NewMockTag()
	tag.SetConnected(false)
	err := h.e.AttachTag(testCtx(t), tag)
	if !errors.Is(err, ErrHardwareUnavailable) {
		t.Fatalf("AttachTag() error = %v, want ErrHardwareUnavailable", err)
	}
	if out := h.tr.Outbound(); len(out) != 0 {
		t.Errorf("sent %+v, want nothing", out)
	}
}

func TestAttachDisconnectedTagKeepsCurrentTag(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	current := NewMockTag()
	h.attach(t, current)

	dead := NewMockTag()
	dead.SetConnected(false)
	if err := h.e.AttachTag(testCtx(t), dead); !errors.Is(err, ErrHardwareUnavailable) {
		t.Fatalf("AttachTag() error = %v, want ErrHardwareUnavailable", err)
	}
	if current.Closed() || !h.e.State().TagConnected {
		t.Fatal("rejected attach dropped the current tag")
	}
	if out := h.tr.Outbound(); len(out) != 0 {
		t.Errorf("sent %+v, want nothing", out)
	}

	if err := h.e.DetachTag(testCtx(t)); err != nil {
		t.Fatalf("DetachTag() error = %v", err)
	}
	wantSingleStatus(t, h.tr.Outbound(), protocol.StatusCardRemoved, true)
}

func TestBlockedTagDoesNotStallControl(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	tag := NewMockTag()
	tag.TransceiveFunc = func(ctx context.Context, _ []byte) ([]byte, error) {
		close(started)
		select {
		case <-release:
			return []byte{0x90, 0x00}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.attach(t, tag)

	exchange := protocol.MustEncode(protocol.NewBlob(protocol.MustEncode(protocol.NewNFC(protocol.SourceReader, []byte{0x00, 0xa4, 0x04, 0x00}))))
	h.e.HandleBytes(exchange)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("tag never received the command")
	}

	h.e.HandleBytes(protocol.MustEncode(protocol.NewStatus(protocol.StatusKeepaliveReq)))
	deadline := time.Now().Add(time.Second)
	for len(h.tr.Outbound()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("keepalive not answered while the tag was busy")
		}
		time.Sleep(5 * time.Millisecond)
	}
	wantSingleStatus(t, h.tr.Outbound(), protocol.StatusKeepaliveRep, false)

	unblock()
	h.flush(t)
	out := h.tr.Outbound()
	if len(out) != 2 || out[1].Env.NFC == nil || out[1].Env.NFC.Source != protocol.SourceCard {
		t.Errorf("sent %+v, want the card reply after the keepalive reply", out)
	}
}

func TestResumeAfterClose(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)
	h := newHarness(t, func(c *Config) { c.Logger = &log })
	if err := h.e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	h.e.Resume(&MockTransport{})
	if !strings.Contains(buf.String(), "resume after close") {
		t.Errorf("log = %q, want the dropped resume reported", buf.String())
	}
}

func TestCloseReleasesTag(t *testing.T) {
	h := newHarness(t)
	tag := NewMockTag()
	tag.NeedsWork = true
	h.attach(t, tag)

	if err := h.e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !tag.Closed() {
		t.Error("tag still open after Close")
	}
	if err := h.e.CreateSession(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateSession() after Close error = %v, want ErrClosed", err)
	}
}

func TestBrokenPipeAndResume(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.deliver(t, protocol.NewSession(protocol.SessionPeerJoined), false)

	h.e.OnBrokenPipe()
	h.flush(t)

	st := h.e.State()
	if st.Phase != NoSession || st.PeerPresent || !st.Suspended {
		t.Errorf("state = %+v, want reset and suspended", st)
	}
	if h.ev.Count("ConnectionLost") != 1 {
		t.Errorf("events = %v", h.ev.Events())
	}
	if err := h.e.Keepalive(testCtx(t)); !errors.Is(err, ErrSuspended) {
		t.Errorf("Keepalive() error = %v, want ErrSuspended", err)
	}

	tr2 := &MockTransport{}
	h.e.Resume(tr2)
	if err := h.e.Keepalive(testCtx(t)); err != nil {
		t.Fatalf("Keepalive() after Resume error = %v", err)
	}
	wantSingleStatus(t, tr2.Outbound(), protocol.StatusKeepaliveReq, true)
	if h.e.State().Suspended {
		t.Error("still suspended after Resume")
	}
}

func TestOutboundAnnouncements(t *testing.T) {
	h := newHarness(t)
	if err := h.e.AnnounceReader(testCtx(t), true); err != nil {
		t.Fatalf("AnnounceReader() error = %v", err)
	}
	wantSingleStatus(t, h.tr.Outbound(), protocol.StatusReaderFound, true)

	h.tr.Reset()
	if err := h.e.SendReaderCommand(testCtx(t), []byte{0x90, 0x60, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("SendReaderCommand() error = %v", err)
	}
	want := []Outbound{{Env: protocol.NewNFC(protocol.SourceReader, []byte{0x90, 0x60, 0x00, 0x00, 0x00}), ToPeer: true}}
	if diff := cmp.Diff(want, h.tr.Outbound()); diff != "" {
		t.Errorf("outbound (-want +got):\n%s", diff)
	}
}

func TestStartsSuspendedWithoutTransport(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Transport = nil })
	if !h.e.State().Suspended {
		t.Fatal("engine without transport is not suspended")
	}
	if err := h.e.CreateSession(testCtx(t)); !errors.Is(err, ErrSuspended) {
		t.Errorf("CreateSession() error = %v, want ErrSuspended", err)
	}
	if got := h.e.State().Phase; got != NoSession {
		t.Errorf("Phase = %s after failed send", got)
	}
}
