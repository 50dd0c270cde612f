package server

import (
	"time"

	"github.com/dotside-studios/nfc-relay/buildinfo"
)

// mDNS service discovery constants
var (
	MDNSServiceType = "_nfc-relay._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

const (
	DefaultTCPAddr      = ":5566"
	DefaultWSPath       = "/ws"
	DefaultSecretLength = 6
	DefaultMaxSessions  = 1000
	HealthPath          = "/api/v1/health"
)

const (
	storeTimeout    = 2 * time.Second
	shutdownTimeout = 5 * time.Second
	secretAttempts  = 8
)

// secretAlphabet has 32 symbols without look-alikes; 256 is a multiple of
// its length so byte-modulo sampling stays uniform.
const secretAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
