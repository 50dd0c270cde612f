// Package nfc drives the local NFC hardware: libnfc and PC/SC readers that
// hand tags to the relay engine, and a libnfc target-mode card emulator.
package nfc

import (
	"encoding/hex"
	"strings"
	"time"
)

// TargetInfo is the anti-collision data of an ISO14443A target, either one
// selected in the field or one being emulated.
type TargetInfo struct {
	UID  []byte
	ATQA []byte // SENS_RES as libnfc stores it, MSB first
	SAK  byte
	ATS  []byte // empty for targets without ISO14443-4
}

// UIDString returns the UID as upper-case hex.
func (t TargetInfo) UIDString() string {
	return strings.ToUpper(hex.EncodeToString(t.UID))
}

// Device represents an NFC reader/writer hardware device.
//
// A Device is obtained from a Manager. Initiator operations drive a tag in
// the field; target operations make the device look like a card to an
// external reader. A device is used in one mode at a time.
//
// Example:
//
//	manager := nfc.NewManager()
//	device, err := manager.OpenDevice("")
//	defer device.Close()
type Device interface {
	Close() error
	String() string
	Connection() string

	InitiatorInit() error
	// SelectTarget selects the first ISO14443A target in the field. It
	// returns nil without error when the field is empty.
	SelectTarget() (*TargetInfo, error)
	// TargetPresent returns an error once the selected target left the field.
	TargetPresent() error
	Deselect() error
	Transceive(tx []byte, timeout time.Duration) ([]byte, error)
	// DESFireUIDs lists the UIDs of DESFire tags currently in the field.
	DESFireUIDs() ([]string, error)

	TargetInit(id TargetInfo, timeout time.Duration) ([]byte, error)
	TargetSend(tx []byte, timeout time.Duration) error
	TargetReceive(timeout time.Duration) ([]byte, error)
}

// millis converts a timeout to libnfc's millisecond argument, where zero
// means no timeout.
func millis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}
