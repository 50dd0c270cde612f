package nfc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func startReader(t *testing.T, manager Manager, chipset bool) (*Reader, context.CancelFunc, chan error) {
	t.Helper()
	open := func() (Poller, error) {
		return newLibnfcPoller(manager, "", chipset, 5*time.Millisecond, zerolog.Nop())
	}
	r := NewReader(open, 5*time.Millisecond, 10*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return r, cancel, errc
}

func nextTag(t *testing.T, r *Reader) Tag {
	t.Helper()
	select {
	case tag, ok := <-r.Tags():
		if !ok {
			t.Fatal("tag channel closed")
		}
		return tag
	case <-time.After(2 * time.Second):
		t.Fatal("no tag delivered")
		return nil
	}
}

func TestReader_DeliversTagInField(t *testing.T) {
	manager := NewMockManager()
	target := desfireTarget()
	manager.MockDevice.SetTarget(&target)

	r, _, _ := startReader(t, manager, false)
	tag := nextTag(t, r)
	defer tag.Close()

	if got := tag.Type(); got != CardTypeISO14443_4 {
		t.Errorf("Type() = %q, want %q", got, CardTypeISO14443_4)
	}
	if tag.NeedsWorkaround() {
		t.Error("workaround requested without the chipset")
	}
	for _, c := range manager.MockDevice.Calls() {
		if c == "DESFireUIDs" {
			t.Error("DESFire detection should only run when the chipset is present")
		}
	}
}

func TestReader_DESFireOnBroadcomNeedsWorkaround(t *testing.T) {
	manager := NewMockManager()
	target := desfireTarget()
	manager.MockDevice.SetTarget(&target)
	manager.MockDevice.DESFire = []string{target.UIDString()}

	r, _, _ := startReader(t, manager, true)
	tag := nextTag(t, r)
	defer tag.Close()

	if got := tag.Type(); got != CardTypeDesfire {
		t.Errorf("Type() = %q, want %q", got, CardTypeDesfire)
	}
	if !tag.NeedsWorkaround() {
		t.Error("NeedsWorkaround() = false for DESFire on the Broadcom chipset")
	}
}

func TestReader_WaitsForLossBeforeNextTag(t *testing.T) {
	manager := NewMockManager()
	target := desfireTarget()
	manager.MockDevice.SetTarget(&target)

	r, _, _ := startReader(t, manager, false)
	first := nextTag(t, r)

	select {
	case <-r.Tags():
		t.Fatal("second tag delivered while the first is held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Close()
	second := nextTag(t, r)
	defer second.Close()
	if !second.IsConnected() {
		t.Error("second tag should be connected")
	}
}

func TestReader_RetriesOpenFailures(t *testing.T) {
	manager := NewMockManager()
	manager.OpenDeviceError = errors.New("no device")
	target := desfireTarget()
	manager.MockDevice.SetTarget(&target)

	r, _, _ := startReader(t, manager, false)
	time.Sleep(30 * time.Millisecond)
	manager.SetOpenError(nil)

	tag := nextTag(t, r)
	defer tag.Close()
	if len(manager.Calls()) < 2 {
		t.Errorf("OpenDevice called %d times, want retries", len(manager.Calls()))
	}
}

func TestReader_StopsOnCancel(t *testing.T) {
	manager := NewMockManager()
	r, cancel, errc := startReader(t, manager, false)

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
		errc <- nil // for cleanup
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if _, ok := <-r.Tags(); ok {
		t.Error("Tags() should be closed after Run returns")
	}
}

func TestOpenReader_UnknownBackend(t *testing.T) {
	if _, err := OpenReader(ReaderConfig{Backend: "bluetooth"}, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestChipsetPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bcm2079x-i2c")
	if chipsetPresent(path) {
		t.Fatal("chipsetPresent() = true for missing node")
	}
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if !chipsetPresent(path) {
		t.Error("chipsetPresent() = false for existing node")
	}
}
