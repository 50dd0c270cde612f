package nfc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/dotside-studios/nfc-relay/relay"
)

// echoSink answers every reader command with the command plus 90 00.
type echoSink struct {
	emu     *Emulator
	reply   bool
	mu      sync.Mutex
	command [][]byte
}

func (s *echoSink) SendReaderCommand(ctx context.Context, cmd []byte) error {
	s.mu.Lock()
	s.command = append(s.command, append([]byte(nil), cmd...))
	s.mu.Unlock()
	if !s.reply {
		return nil
	}
	return s.emu.SendReply(append(append([]byte(nil), cmd...), 0x90, 0x00))
}

func (s *echoSink) commands() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.command...)
}

func serveEmulator(t *testing.T, emu *Emulator, sink CommandSink) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- emu.Serve(ctx, sink) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var testIdentity = relay.CardIdentity{
	UID:        []byte{0x04, 0x01, 0x02},
	ATQA:       0x44,
	SAK:        0x20,
	Historical: 0x80,
}

func TestTargetFromIdentity(t *testing.T) {
	want := TargetInfo{
		UID:  []byte{0x04, 0x01, 0x02},
		ATQA: []byte{0x00, 0x44},
		SAK:  0x20,
		ATS:  []byte{0x75, 0x77, 0x81, 0x02, 0x80},
	}
	if diff := cmp.Diff(want, targetFromIdentity(testIdentity)); diff != "" {
		t.Errorf("targetFromIdentity() mismatch (-want +got):\n%s", diff)
	}
	if got := historicalFromATS(want.ATS); len(got) != 1 || got[0] != testIdentity.Historical {
		t.Errorf("historical byte does not survive the ATS round trip: % X", got)
	}
}

func TestEmulator_RelaysReaderSession(t *testing.T) {
	dev := NewMockDevice()
	dev.ReaderCommands = [][]byte{{0x90, 0x60, 0x00, 0x00, 0x00}, {0x90, 0xAF, 0x00, 0x00, 0x00}}
	emu := NewEmulator(dev, time.Second, zerolog.Nop())
	sink := &echoSink{emu: emu, reply: true}

	if err := emu.Configure(testIdentity); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	serveEmulator(t, emu, sink)

	waitFor(t, "two replies", func() bool { return len(dev.Sent()) == 2 })

	wantSent := [][]byte{
		{0x90, 0x60, 0x00, 0x00, 0x00, 0x90, 0x00},
		{0x90, 0xAF, 0x00, 0x00, 0x00, 0x90, 0x00},
	}
	if diff := cmp.Diff(wantSent, dev.Sent()); diff != "" {
		t.Errorf("frames to reader mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(dev.ReaderCommands, sink.commands()); diff != "" {
		t.Errorf("forwarded commands mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(targetFromIdentity(testIdentity), dev.Inits()[0]); diff != "" {
		t.Errorf("emulated identity mismatch (-want +got):\n%s", diff)
	}
	// the scripted reader is gone, so the session ends
	waitFor(t, "inactive emulator", func() bool { return !emu.Active() })
}

func TestEmulator_WaitsForIdentity(t *testing.T) {
	dev := NewMockDevice()
	emu := NewEmulator(dev, time.Second, zerolog.Nop())
	serveEmulator(t, emu, &echoSink{emu: emu})

	time.Sleep(30 * time.Millisecond)
	if n := len(dev.Inits()); n != 0 {
		t.Fatalf("TargetInit called %d times before an identity was configured", n)
	}

	if err := emu.Configure(testIdentity); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	waitFor(t, "target init", func() bool { return len(dev.Inits()) > 0 })
}

func TestEmulator_ReplyTimeoutEndsSession(t *testing.T) {
	dev := NewMockDevice()
	dev.ReaderCommands = [][]byte{{0x00, 0xA4, 0x04, 0x00}}
	emu := NewEmulator(dev, 20*time.Millisecond, zerolog.Nop())
	sink := &echoSink{emu: emu}
	if err := emu.Configure(testIdentity); err != nil {
		t.Fatal(err)
	}
	serveEmulator(t, emu, sink)

	waitFor(t, "forwarded command", func() bool { return len(sink.commands()) == 1 })
	waitFor(t, "inactive emulator", func() bool { return !emu.Active() })
	if n := len(dev.Sent()); n != 0 {
		t.Errorf("%d frames sent without a reply", n)
	}
}

func TestEmulator_SendReplyWithoutReader(t *testing.T) {
	emu := NewEmulator(NewMockDevice(), 0, zerolog.Nop())
	err := emu.SendReply([]byte{0x90, 0x00})
	if GetErrorCode(err) != ErrCodeEmulationFailed {
		t.Errorf("SendReply() error = %v, want emulation error", err)
	}
}

func TestEmulator_ConfigureRejectsEmptyUID(t *testing.T) {
	emu := NewEmulator(NewMockDevice(), 0, zerolog.Nop())
	err := emu.Configure(relay.CardIdentity{SAK: 0x20})
	var nfcErr *NFCError
	if !errors.As(err, &nfcErr) || nfcErr.Code != ErrCodeEmulationFailed {
		t.Errorf("Configure() error = %v, want emulation error", err)
	}
}

func TestEmulator_ReportsActivity(t *testing.T) {
	dev := NewMockDevice()
	dev.ReaderCommands = [][]byte{{0x90, 0x60, 0x00, 0x00, 0x00}}
	emu := NewEmulator(dev, time.Second, zerolog.Nop())

	var mu sync.Mutex
	var events []bool
	emu.OnActiveChange(func(active bool) {
		mu.Lock()
		events = append(events, active)
		mu.Unlock()
	})
	if err := emu.Configure(testIdentity); err != nil {
		t.Fatal(err)
	}
	serveEmulator(t, emu, &echoSink{emu: emu, reply: true})

	waitFor(t, "reader session to end", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]bool{true, false}, events); diff != "" {
		t.Errorf("activity events mismatch (-want +got):\n%s", diff)
	}
}
