package nfc

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// MockDevice is a test implementation of Device that simulates NFC hardware.
//
// MockDevice allows testing NFC functionality without physical hardware by
// simulating a tag in the field for initiator mode and a scripted external
// reader for target mode.
//
// Example:
//
//	mock := NewMockDevice()
//	mock.SetTarget(&TargetInfo{UID: []byte{0x04, 0x01, 0x02}, SAK: 0x20})
//	info, err := mock.SelectTarget()
type MockDevice struct {
	// DeviceName is the simulated device name returned by String()
	DeviceName string

	// DeviceConnection is the simulated connection string returned by Connection()
	DeviceConnection string

	// InitError, if set, will be returned by InitiatorInit()
	InitError error

	// SelectError, if set, will be returned by SelectTarget()
	SelectError error

	// TransceiveFunc allows custom transceive behavior for testing
	// If nil, returns TransceiveResponse or TransceiveError
	TransceiveFunc func([]byte, time.Duration) ([]byte, error)

	// TransceiveResponse is the default response for Transceive calls
	TransceiveResponse []byte

	// TransceiveError, if set, will be returned by Transceive()
	TransceiveError error

	// DESFire lists the UIDs reported by DESFireUIDs()
	DESFire []string

	// ReaderCommands are the commands a simulated external reader sends in
	// target mode, first one answered by TargetInit
	ReaderCommands [][]byte

	mu          sync.Mutex
	open        bool
	target      *TargetInfo
	presentErr  error
	callLog     []string
	sent        [][]byte
	inits       []TargetInfo
	commandNext int
}

// NewMockDevice creates a new MockDevice with default values.
func NewMockDevice() *MockDevice {
	return &MockDevice{
		DeviceName:       "Mock NFC Reader",
		DeviceConnection: "mock:usb:001",
		open:             true,
	}
}

func (m *MockDevice) record(call string) {
	m.callLog = append(m.callLog, call)
}

// Close simulates closing the device.
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
	if !m.open {
		return fmt.Errorf("device already closed")
	}
	m.open = false
	return nil
}

func (m *MockDevice) String() string     { return m.DeviceName }
func (m *MockDevice) Connection() string { return m.DeviceConnection }

// InitiatorInit simulates initializing the device as an initiator.
func (m *MockDevice) InitiatorInit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InitiatorInit")
	return m.InitError
}

// SetTarget places a target in the field, or empties it with nil.
func (m *MockDevice) SetTarget(t *TargetInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = t
}

// SetPresentError makes presence checks fail, as when a tag leaves.
func (m *MockDevice) SetPresentError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presentErr = err
}

func (m *MockDevice) SelectTarget() (*TargetInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SelectTarget")
	if m.SelectError != nil {
		return nil, m.SelectError
	}
	if m.target == nil {
		return nil, nil
	}
	t := *m.target
	return &t, nil
}

func (m *MockDevice) TargetPresent() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("TargetPresent")
	return m.presentErr
}

func (m *MockDevice) Deselect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Deselect")
	return nil
}

// Transceive simulates sending data to a tag.
func (m *MockDevice) Transceive(tx []byte, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	m.record(fmt.Sprintf("Transceive(%X)", tx))
	fn := m.TransceiveFunc
	resp, err := m.TransceiveResponse, m.TransceiveError
	m.mu.Unlock()

	if fn != nil {
		return fn(tx, timeout)
	}
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), resp...), nil
}

func (m *MockDevice) DESFireUIDs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DESFireUIDs")
	return append([]string(nil), m.DESFire...), nil
}

// errMockTimeout mimics libnfc's timeout error text.
var errMockTimeout = errors.New("mock: operation timed out")

// TargetInit answers with the first scripted reader command. Without one
// it waits briefly and times out like an idle field.
func (m *MockDevice) TargetInit(id TargetInfo, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	m.record("TargetInit")
	m.inits = append(m.inits, id)
	cmd, ok := m.nextCommand()
	m.mu.Unlock()

	if !ok {
		time.Sleep(5 * time.Millisecond)
		return nil, errMockTimeout
	}
	return cmd, nil
}

func (m *MockDevice) TargetSend(tx []byte, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(fmt.Sprintf("TargetSend(%X)", tx))
	m.sent = append(m.sent, append([]byte(nil), tx...))
	return nil
}

// TargetReceive returns the next scripted command. Running out of
// commands means the reader went away.
func (m *MockDevice) TargetReceive(timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("TargetReceive")
	cmd, ok := m.nextCommand()
	if !ok {
		return nil, errors.New("mock: target released")
	}
	return cmd, nil
}

func (m *MockDevice) nextCommand() ([]byte, bool) {
	if m.commandNext >= len(m.ReaderCommands) {
		return nil, false
	}
	cmd := m.ReaderCommands[m.commandNext]
	m.commandNext++
	return cmd, true
}

// Calls returns the method call log.
func (m *MockDevice) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.callLog...)
}

// Sent returns the frames sent to the simulated reader.
func (m *MockDevice) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sent...)
}

// Inits returns the identities passed to TargetInit.
func (m *MockDevice) Inits() []TargetInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TargetInfo(nil), m.inits...)
}
