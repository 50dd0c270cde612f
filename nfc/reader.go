package nfc

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// Poller finds the tag currently in a reader's field.
type Poller interface {
	// Poll returns the tag in the field, or nil when the field is empty.
	Poll(ctx context.Context) (Tag, error)
	Close() error
	String() string
}

// ReaderConfig selects and tunes a reader backend.
type ReaderConfig struct {
	Backend          string // BackendLibnfc or BackendPCSC
	Device           string // libnfc connstring or PC/SC reader name; empty picks the first
	ChipsetPath      string // device node that signals the Broadcom presence-check bug
	PollInterval     time.Duration
	PresenceInterval time.Duration
	RetryInterval    time.Duration
}

func (c *ReaderConfig) setDefaults() {
	if c.Backend == "" {
		c.Backend = BackendLibnfc
	}
	if c.ChipsetPath == "" {
		c.ChipsetPath = DefaultChipsetPath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollingInterval
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = PresenceCheckInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DeviceRetryInterval
	}
}

// Reader hands out one tag at a time: after a tag is delivered it waits for
// that tag to be lost before polling again. A failing device is closed and
// reopened after RetryInterval.
type Reader struct {
	open     func() (Poller, error)
	tags     chan Tag
	interval time.Duration
	retry    time.Duration
	log      zerolog.Logger
}

// NewReader creates a reader around an opener for the backend's poller.
func NewReader(open func() (Poller, error), pollInterval, retryInterval time.Duration, log zerolog.Logger) *Reader {
	return &Reader{
		open:     open,
		tags:     make(chan Tag),
		interval: pollInterval,
		retry:    retryInterval,
		log:      log,
	}
}

// OpenReader builds a Reader for the configured backend.
func OpenReader(cfg ReaderConfig, log zerolog.Logger) (*Reader, error) {
	cfg.setDefaults()
	log = log.With().Str("backend", cfg.Backend).Logger()

	var open func() (Poller, error)
	switch cfg.Backend {
	case BackendLibnfc:
		manager := NewManager()
		chipset := chipsetPresent(cfg.ChipsetPath)
		if chipset {
			log.Info().Str("path", cfg.ChipsetPath).Msg("broadcom chipset detected, DESFire workaround enabled")
		}
		open = func() (Poller, error) {
			return newLibnfcPoller(manager, cfg.Device, chipset, cfg.PresenceInterval, log)
		}
	case BackendPCSC:
		open = func() (Poller, error) {
			return newPCSCPoller(cfg.Device, log)
		}
	default:
		return nil, fmt.Errorf("unknown reader backend %q", cfg.Backend)
	}
	return NewReader(open, cfg.PollInterval, cfg.RetryInterval, log), nil
}

// Tags delivers tags as they enter the field. The channel is closed when
// Run returns.
func (r *Reader) Tags() <-chan Tag {
	return r.tags
}

// Run polls until ctx is done.
func (r *Reader) Run(ctx context.Context) error {
	r.log.Info().Msg("reader worker started")
	defer r.log.Info().Msg("reader worker stopped")
	defer close(r.tags)

	var poller Poller
	defer func() {
		if poller != nil {
			poller.Close()
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if poller == nil {
			p, err := r.open()
			if err != nil {
				r.log.Warn().Err(err).Dur("retry", r.retry).Msg("open reader")
				if !sleepCtx(ctx, r.retry) {
					return nil
				}
				continue
			}
			poller = p
			r.log.Info().Str("device", poller.String()).Msg("reader connected")
		}

		tag, err := poller.Poll(ctx)
		if err != nil {
			r.log.Warn().Err(err).Msg("poll failed, reopening device")
			poller.Close()
			poller = nil
			if !sleepCtx(ctx, r.retry) {
				return nil
			}
			continue
		}

		if tag == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			continue
		}

		r.log.Info().Hex("uid", tag.UID()).Str("type", tag.Type()).Msg("tag detected")
		select {
		case r.tags <- tag:
		case <-ctx.Done():
			tag.Close()
			return nil
		}

		select {
		case <-tag.Lost():
			r.log.Info().Hex("uid", tag.UID()).Msg("tag gone")
		case <-ctx.Done():
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// chipsetPresent reports whether the Broadcom controller's device node exists.
func chipsetPresent(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// libnfcPoller selects ISO14443A targets through a libnfc initiator.
type libnfcPoller struct {
	dev      Device
	chipset  bool
	presence time.Duration
	log      zerolog.Logger
}

func newLibnfcPoller(manager Manager, deviceStr string, chipset bool, presence time.Duration, log zerolog.Logger) (*libnfcPoller, error) {
	dev, err := manager.OpenDevice(deviceStr)
	if err != nil {
		return nil, err
	}
	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return nil, NewDeviceError("InitiatorInit", err)
	}
	return &libnfcPoller{dev: dev, chipset: chipset, presence: presence, log: log}, nil
}

func (p *libnfcPoller) String() string {
	return fmt.Sprintf("%s (%s)", p.dev.String(), p.dev.Connection())
}

func (p *libnfcPoller) Close() error {
	return p.dev.Close()
}

// Poll runs DESFire detection before selecting, since freefare's probe
// leaves no target selected.
func (p *libnfcPoller) Poll(ctx context.Context) (Tag, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil
	}
	var desfire []string
	if p.chipset {
		uids, err := p.dev.DESFireUIDs()
		if err != nil {
			p.log.Debug().Err(err).Msg("DESFire detection")
		}
		desfire = uids
	}

	info, err := p.dev.SelectTarget()
	if err != nil {
		if IsTimeoutError(err) {
			return nil, nil
		}
		return nil, err
	}
	if info == nil {
		return nil, nil
	}

	cardType := cardTypeFromSAK(info.SAK)
	if slices.Contains(desfire, info.UIDString()) {
		cardType = CardTypeDesfire
	}
	needs := p.chipset && cardType == CardTypeDesfire
	return newLibnfcTag(p.dev, *info, cardType, needs, p.presence, p.log), nil
}
