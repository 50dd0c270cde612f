package relay

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/nfc-relay/protocol"
)

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(zerolog.New(&buf))

	n.SessionCreated("s3cret")
	n.SessionJoinFailed(protocol.SessionJoinSessionFull)
	n.AnticolObserved(CardIdentity{UID: []byte{0x04, 0xaa}, ATQA: 0x44, SAK: 0x20})

	out := buf.String()
	for _, want := range []string{`"secret":"s3cret"`, `"code":"join-session-full"`, `"uid":"04aa"`, `"component":"events"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s:\n%s", want, out)
		}
	}
}

func TestNopNotifierSatisfiesNotifier(t *testing.T) {
	var n Notifier = NopNotifier{}
	n.ExchangeObserved(ReaderToCard, []byte{1})
	n.ConnectionLost()
}
