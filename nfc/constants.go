package nfc

import "time"

// Backend names accepted by OpenReader.
const (
	BackendLibnfc = "libnfc"
	BackendPCSC   = "pcsc"
)

// Card type constants for card type identification
const (
	CardTypeDesfire    = "DESFire"
	CardTypeISO14443_4 = "ISO14443-4"
	CardTypeISO14443A  = "ISO14443A"
)

// DefaultChipsetPath is the device node of the Broadcom NFC controller whose
// background presence check breaks DESFire sessions.
const DefaultChipsetPath = "/dev/bcm2079x-i2c"

// Timing
const (
	DeviceEnumRetries       = 3
	DeviceEnumRetryInterval = 100 * time.Millisecond
	DefaultPollingInterval  = 100 * time.Millisecond
	DeviceRetryInterval     = 3 * time.Second
	PresenceCheckInterval   = 250 * time.Millisecond
	TargetInitTimeout       = time.Second
	DefaultReplyTimeout     = 2 * time.Second
	PCSCStatusWait          = 500 * time.Millisecond
)

// maxFrameSize is the largest libnfc frame buffer.
const maxFrameSize = 264
