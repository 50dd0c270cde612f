package nfc

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/nfc-relay/relay"
)

// Tag is a tag held in the field by a reader and ready to be relayed.
type Tag interface {
	relay.TagConn
	relay.WorkaroundProvider
	Type() string
	// Lost is closed once the tag leaves the field or is closed.
	Lost() <-chan struct{}
}

// libnfcTag is a tag selected by a libnfc initiator. A background watcher
// polls target presence unless the workaround suppresses it.
type libnfcTag struct {
	dev             Device
	info            TargetInfo
	cardType        string
	needsWorkaround bool
	log             zerolog.Logger

	mu         sync.Mutex
	closed     bool
	lost       bool
	suppressed int
	lostCh     chan struct{}
	stopWatch  chan struct{}
	watchDone  chan struct{}
}

func newLibnfcTag(dev Device, info TargetInfo, cardType string, needsWorkaround bool, interval time.Duration, log zerolog.Logger) *libnfcTag {
	t := &libnfcTag{
		dev:             dev,
		info:            info,
		cardType:        cardType,
		needsWorkaround: needsWorkaround,
		log:             log.With().Str("uid", info.UIDString()).Str("type", cardType).Logger(),
		lostCh:          make(chan struct{}),
		stopWatch:       make(chan struct{}),
		watchDone:       make(chan struct{}),
	}
	go t.watch(interval)
	return t
}

func (t *libnfcTag) Type() string { return t.cardType }
func (t *libnfcTag) UID() []byte  { return append([]byte(nil), t.info.UID...) }
func (t *libnfcTag) ATQA() []byte { return append([]byte(nil), t.info.ATQA...) }
func (t *libnfcTag) SAK() []byte  { return []byte{t.info.SAK} }

func (t *libnfcTag) HistoricalBytes() []byte {
	return historicalFromATS(t.info.ATS)
}

func (t *libnfcTag) Lost() <-chan struct{} { return t.lostCh }

func (t *libnfcTag) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && !t.lost
}

// Transceive sends one frame and waits for the reply until ctx's deadline.
// Every failure marks the tag lost.
func (t *libnfcTag) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	if !t.IsConnected() {
		return nil, NewNotConnectedError("Transceive")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}
	resp, err := t.dev.Transceive(cmd, timeout)
	if err != nil {
		t.markLost()
		return nil, NewTagRemovedError("Transceive", t.info.UIDString(), err)
	}
	return resp, nil
}

func (t *libnfcTag) NeedsWorkaround() bool { return t.needsWorkaround }

// Workaround keeps the presence check off until ctx is done. The Broadcom
// controller's own presence check collides with DESFire sessions, so
// nothing may poll the tag while it is held.
func (t *libnfcTag) Workaround(ctx context.Context) {
	t.mu.Lock()
	t.suppressed++
	t.mu.Unlock()
	t.log.Debug().Msg("presence check suppressed")

	<-ctx.Done()

	t.mu.Lock()
	t.suppressed--
	t.mu.Unlock()
	t.log.Debug().Msg("presence check resumed")
}

func (t *libnfcTag) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.stopWatch)
	<-t.watchDone
	t.signalLost()
	return t.dev.Deselect()
}

func (t *libnfcTag) watch(interval time.Duration) {
	defer close(t.watchDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopWatch:
			return
		case <-ticker.C:
			t.mu.Lock()
			skip := t.suppressed > 0 || t.lost
			t.mu.Unlock()
			if skip {
				continue
			}
			if err := t.dev.TargetPresent(); err != nil {
				t.log.Info().Err(err).Msg("tag left the field")
				t.markLost()
				return
			}
		}
	}
}

func (t *libnfcTag) markLost() {
	t.mu.Lock()
	t.lost = true
	t.mu.Unlock()
	t.signalLost()
}

func (t *libnfcTag) signalLost() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.lostCh:
	default:
		close(t.lostCh)
	}
}
