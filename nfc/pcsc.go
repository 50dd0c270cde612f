package nfc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ebfe/scard"
	"github.com/rs/zerolog"
)

// getUIDAPDU is the PC/SC pseudo-APDU that returns the card UID.
var getUIDAPDU = []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}

// pcscPoller connects to cards through the PC/SC daemon.
type pcscPoller struct {
	ctx    *scard.Context
	reader string
	log    zerolog.Logger
}

func newPCSCPoller(reader string, log zerolog.Logger) (*pcscPoller, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, NewDeviceError("EstablishContext", err)
	}
	return &pcscPoller{ctx: ctx, reader: reader, log: log}, nil
}

func (p *pcscPoller) String() string {
	if p.reader == "" {
		return "pcsc (first contactless reader)"
	}
	return "pcsc " + p.reader
}

func (p *pcscPoller) Close() error {
	return p.ctx.Release()
}

// ListPCSCReaders returns the PC/SC readers usable for contactless cards,
// likely NFC readers first.
func ListPCSCReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, NewDeviceError("EstablishContext", err)
	}
	defer ctx.Release()
	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, NewDeviceError("ListReaders", err)
	}
	return filterContactlessReaders(readers), nil
}

func (p *pcscPoller) readerName() (string, error) {
	if p.reader != "" {
		return p.reader, nil
	}
	readers, err := p.ctx.ListReaders()
	if err != nil {
		return "", fmt.Errorf("failed to list readers: %w", err)
	}
	readers = filterContactlessReaders(readers)
	if len(readers) == 0 {
		return "", NewDeviceError("ListReaders", errors.New("no PC/SC readers found"))
	}
	return readers[0], nil
}

func (p *pcscPoller) Poll(ctx context.Context) (Tag, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil
	}
	readerName, err := p.readerName()
	if err != nil {
		return nil, err
	}

	// Check presence first so Connect never blocks on an empty reader
	readerStates := []scard.ReaderState{{Reader: readerName, CurrentState: scard.StateUnaware}}
	if err := p.ctx.GetStatusChange(readerStates, 0); err != nil && !isPCSCTimeout(err) {
		return nil, fmt.Errorf("failed to check card presence: %w", err)
	}
	if readerStates[0].EventState&scard.StatePresent == 0 {
		return nil, nil
	}

	card, err := p.ctx.Connect(readerName, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		if isNoCardPCSCError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to connect to reader %s: %w", readerName, err)
	}

	tag, err := newPCSCTag(p.ctx, card, readerName, readerStates[0].EventState&^scard.StateChanged, p.log)
	if err != nil {
		card.Disconnect(scard.LeaveCard)
		p.log.Debug().Err(err).Msg("card not usable")
		return nil, nil
	}
	return tag, nil
}

// pcscTag is a card connected through PC/SC. The reader performs
// anti-collision itself, so SAK and ATQA are derived from the ATR and UID.
type pcscTag struct {
	ctx        *scard.Context
	card       *scard.Card
	readerName string
	atr        []byte
	uid        []byte
	atqa       []byte
	sak        byte
	cardType   string
	log        zerolog.Logger

	mu        sync.Mutex
	closed    bool
	lost      bool
	lostCh    chan struct{}
	stopWatch chan struct{}
	watchDone chan struct{}
}

func newPCSCTag(ctx *scard.Context, card *scard.Card, readerName string, state scard.StateFlag, log zerolog.Logger) (*pcscTag, error) {
	// the scard library panics on an invalid protocol
	proto := card.ActiveProtocol()
	if proto != scard.ProtocolT0 && proto != scard.ProtocolT1 {
		return nil, fmt.Errorf("unsupported card protocol: %d", proto)
	}
	status, err := card.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get card status: %w", err)
	}

	resp, err := card.Transmit(getUIDAPDU)
	if err != nil {
		return nil, fmt.Errorf("GET UID failed: %w", err)
	}
	if len(resp) < 2 || resp[len(resp)-2] != 0x90 || resp[len(resp)-1] != 0x00 {
		return nil, fmt.Errorf("GET UID failed: status %X", resp)
	}
	uid := append([]byte(nil), resp[:len(resp)-2]...)

	detected := detectTagTypeFromATR(status.Atr)
	atqa, sak := pcscIdentity(uid, detected)
	cardType := detectedTypeName(detected)

	t := &pcscTag{
		ctx:        ctx,
		card:       card,
		readerName: readerName,
		atr:        append([]byte(nil), status.Atr...),
		uid:        uid,
		atqa:       atqa,
		sak:        sak,
		cardType:   cardType,
		log:        log.With().Str("uid", strings.ToUpper(hex.EncodeToString(uid))).Str("type", cardType).Logger(),
		lostCh:     make(chan struct{}),
		stopWatch:  make(chan struct{}),
		watchDone:  make(chan struct{}),
	}
	go t.watch(state)
	return t, nil
}

func (t *pcscTag) Type() string { return t.cardType }
func (t *pcscTag) UID() []byte  { return append([]byte(nil), t.uid...) }
func (t *pcscTag) ATQA() []byte { return append([]byte(nil), t.atqa...) }
func (t *pcscTag) SAK() []byte  { return []byte{t.sak} }

func (t *pcscTag) HistoricalBytes() []byte {
	return historicalFromATR(t.atr)
}

func (t *pcscTag) Lost() <-chan struct{} { return t.lostCh }

// PC/SC readers have no Broadcom controller to work around.
func (t *pcscTag) NeedsWorkaround() bool          { return false }
func (t *pcscTag) Workaround(ctx context.Context) { <-ctx.Done() }

func (t *pcscTag) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && !t.lost
}

type transmitResult struct {
	resp []byte
	err  error
}

// Transceive transmits one APDU. SCardTransmit takes no timeout, so ctx's
// deadline is enforced by abandoning the call and declaring the card lost.
func (t *pcscTag) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	if !t.IsConnected() {
		return nil, NewNotConnectedError("Transceive")
	}
	uid := strings.ToUpper(hex.EncodeToString(t.uid))

	done := make(chan transmitResult, 1)
	go func() {
		t.mu.Lock()
		card := t.card
		t.mu.Unlock()
		if card == nil {
			done <- transmitResult{err: errors.New("card disconnected")}
			return
		}
		resp, err := card.Transmit(cmd)
		done <- transmitResult{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.markLost()
			return nil, NewTagRemovedError("Transceive", uid, res.err)
		}
		return res.resp, nil
	case <-ctx.Done():
		t.markLost()
		return nil, NewTagRemovedError("Transceive", uid, ctx.Err())
	}
}

func (t *pcscTag) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	card := t.card
	t.card = nil
	t.mu.Unlock()

	close(t.stopWatch)
	// unblock GetStatusChange
	t.ctx.Cancel()
	<-t.watchDone
	t.signalLost()
	return card.Disconnect(scard.LeaveCard)
}

// watch blocks on reader state changes until the card is gone.
func (t *pcscTag) watch(state scard.StateFlag) {
	defer close(t.watchDone)
	readerStates := []scard.ReaderState{{Reader: t.readerName, CurrentState: state}}

	for {
		select {
		case <-t.stopWatch:
			return
		default:
		}

		err := t.ctx.GetStatusChange(readerStates, PCSCStatusWait)
		if err != nil {
			if errors.Is(err, scard.ErrCancelled) {
				return
			}
			if isPCSCTimeout(err) {
				continue
			}
			t.log.Warn().Err(err).Msg("reader status")
			t.markLost()
			return
		}

		ev := readerStates[0].EventState
		if ev&scard.StatePresent == 0 || ev&scard.StateEmpty != 0 {
			t.log.Info().Msg("card removed")
			t.markLost()
			return
		}
		readerStates[0].CurrentState = ev &^ scard.StateChanged
	}
}

func (t *pcscTag) markLost() {
	t.mu.Lock()
	t.lost = true
	t.mu.Unlock()
	t.signalLost()
}

func (t *pcscTag) signalLost() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.lostCh:
	default:
		close(t.lostCh)
	}
}

func isPCSCTimeout(err error) bool {
	return errors.Is(err, scard.ErrTimeout) || IsTimeoutError(err)
}

// isNoCardPCSCError matches the various ways PC/SC reports an empty reader.
func isNoCardPCSCError(err error) bool {
	if errors.Is(err, scard.ErrNoSmartcard) || errors.Is(err, scard.ErrRemovedCard) {
		return true
	}
	errLower := strings.ToLower(err.Error())
	return strings.Contains(errLower, "no card") ||
		strings.Contains(errLower, "no smart card") ||
		strings.Contains(errLower, "card is not present") ||
		strings.Contains(errLower, "card not present")
}

// readerContainsPattern checks if reader name contains common NFC reader patterns
func readerContainsPattern(name string) bool {
	patterns := []string{
		"ACR", "ACS", "NFC", "PICC", "Contactless",
		"SCL", "HID", "Identiv", "CCID", "Dual",
	}
	upperName := strings.ToUpper(name)
	for _, p := range patterns {
		if strings.Contains(upperName, strings.ToUpper(p)) {
			return true
		}
	}
	return false
}

// filterContactlessReaders drops SAM slots and puts readers that look
// contactless first.
func filterContactlessReaders(readers []string) []string {
	var preferred, rest []string
	for _, r := range readers {
		if strings.Contains(strings.ToUpper(r), "SAM") {
			continue
		}
		if readerContainsPattern(r) {
			preferred = append(preferred, r)
		} else {
			rest = append(rest, r)
		}
	}
	return append(preferred, rest...)
}
