package nfc

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clausecker/freefare"
	"github.com/clausecker/nfc/v2"
)

var iso14443a = nfc.Modulation{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106}

// libnfcDevice implements Device using an actual nfc.Device from libnfc.
type libnfcDevice struct {
	mu     sync.Mutex
	device nfc.Device
	target nfc.Target
}

// NewDevice creates a new Device from an nfc.Device.
func NewDevice(dev nfc.Device) Device {
	return &libnfcDevice{device: dev}
}

func (d *libnfcDevice) Close() error {
	return d.device.Close()
}

func (d *libnfcDevice) InitiatorInit() error {
	return d.device.InitiatorInit()
}

func (d *libnfcDevice) String() string {
	return d.device.String()
}

func (d *libnfcDevice) Connection() string {
	return d.device.Connection()
}

// SelectTarget lists ISO14443A targets and re-selects the first one by UID
// so that later transceives address it.
func (d *libnfcDevice) SelectTarget() (*TargetInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	targets, err := d.device.InitiatorListPassiveTargets(iso14443a)
	if err != nil {
		return nil, fmt.Errorf("libnfcDevice.SelectTarget: %w", err)
	}
	for _, target := range targets {
		isoATarget, ok := target.(*nfc.ISO14443aTarget)
		if !ok || isoATarget.UIDLen <= 0 || int(isoATarget.UIDLen) > len(isoATarget.UID) {
			continue
		}
		uid := append([]byte(nil), isoATarget.UID[:isoATarget.UIDLen]...)
		selected, err := d.device.InitiatorSelectPassiveTarget(iso14443a, uid)
		if err != nil {
			return nil, fmt.Errorf("libnfcDevice.SelectTarget: %w", err)
		}
		if selected == nil {
			return nil, nil
		}
		d.target = selected
		info := &TargetInfo{
			UID:  uid,
			ATQA: []byte{isoATarget.Atqa[0], isoATarget.Atqa[1]},
			SAK:  isoATarget.Sak,
		}
		if sel, ok := selected.(*nfc.ISO14443aTarget); ok && sel.AtsLen > 0 && int(sel.AtsLen) <= len(sel.Ats) {
			info.ATS = append([]byte(nil), sel.Ats[:sel.AtsLen]...)
		}
		return info, nil
	}
	return nil, nil
}

func (d *libnfcDevice) TargetPresent() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.target == nil {
		return fmt.Errorf("libnfcDevice.TargetPresent: no target selected")
	}
	return d.device.InitiatorTargetIsPresent(d.target)
}

func (d *libnfcDevice) Deselect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = nil
	return d.device.InitiatorDeselectTarget()
}

// Transceive implements the Device Transceive method for raw data exchange.
func (d *libnfcDevice) Transceive(tx []byte, timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var rxData [maxFrameSize]byte
	count, err := d.device.InitiatorTransceiveBytes(tx, rxData[:], millis(timeout))
	if err != nil {
		return nil, fmt.Errorf("libnfcDevice.Transceive: %w", err)
	}
	return append([]byte(nil), rxData[:count]...), nil
}

// DESFireUIDs uses freefare's tag detection, which tells DESFire apart from
// other ISO14443-4 tags by probing GetVersion.
func (d *libnfcDevice) DESFireUIDs() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ffTags, err := freefare.GetTags(d.device)
	if err != nil {
		return nil, fmt.Errorf("libnfcDevice.DESFireUIDs: %w", err)
	}
	var uids []string
	for _, ffTag := range ffTags {
		if t, ok := ffTag.(freefare.DESFireTag); ok {
			uids = append(uids, strings.ToUpper(t.UID()))
		}
	}
	return uids, nil
}

// TargetInit switches the device to target mode with the given identity and
// blocks until an external reader sends its first command.
func (d *libnfcDevice) TargetInit(id TargetInfo, timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	target := &nfc.ISO14443aTarget{Sak: id.SAK, Baud: nfc.Nbr106}
	copy(target.Atqa[:], id.ATQA)
	target.UIDLen = copy(target.UID[:], id.UID)
	target.AtsLen = copy(target.Ats[:], id.ATS)

	var rxData [maxFrameSize]byte
	count, _, err := d.device.TargetInit(target, rxData[:], millis(timeout))
	if err != nil {
		return nil, fmt.Errorf("libnfcDevice.TargetInit: %w", err)
	}
	return append([]byte(nil), rxData[:count]...), nil
}

func (d *libnfcDevice) TargetSend(tx []byte, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.device.TargetSendBytes(tx, millis(timeout)); err != nil {
		return fmt.Errorf("libnfcDevice.TargetSend: %w", err)
	}
	return nil
}

func (d *libnfcDevice) TargetReceive(timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var rxData [maxFrameSize]byte
	count, err := d.device.TargetReceiveBytes(rxData[:], millis(timeout))
	if err != nil {
		return nil, fmt.Errorf("libnfcDevice.TargetReceive: %w", err)
	}
	return append([]byte(nil), rxData[:count]...), nil
}
