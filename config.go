package peerwire

import (
	"github.com/satori/go.uuid"

	"github.com/torunner/peerwire/internal/mse"
)

// EncryptionMode controls whether and how strictly MSE/PE is attempted on
// outgoing and incoming connections.
type EncryptionMode int

const (
	EncryptionDisabled EncryptionMode = iota
	EncryptionPreferred
	EncryptionRequired
)

// Config holds every tunable knob of a ConnectionManager.
type Config struct {
	MaxConnections int
	PipelineDepth  int
	UploadSlots    int

	ConnectionTimeoutSec          int
	IdleTimeoutSec                int
	DisconnectTimeoutSec          int
	ShutdownTimeoutSec            int
	OptimisticUnchokeIntervalSec  int
	ChokeRotationIntervalSec      int
	KeepAliveIntervalSec          int
	RequestTimeoutSec             int

	Encryption struct {
		Mode           EncryptionMode
		AllowedCiphers []byte // mse.CipherKind values, in preference order
		PreferRC4      bool
		DHKeySize      int
	}

	// PeerID identifies us to peers. If left zero-valued,
	// NewConnectionManager fills it in with NewPeerID.
	PeerID [20]byte
}

// DefaultConfig is the recommended starting configuration; callers mutate
// a copy rather than building a Config from scratch.
var DefaultConfig = Config{
	MaxConnections:               50,
	PipelineDepth:                10,
	UploadSlots:                  4,
	ConnectionTimeoutSec:         10,
	IdleTimeoutSec:               120,
	DisconnectTimeoutSec:         5,
	ShutdownTimeoutSec:           10,
	OptimisticUnchokeIntervalSec: 30,
	ChokeRotationIntervalSec:     10,
	KeepAliveIntervalSec:         90,
	RequestTimeoutSec:            60,
}

func init() {
	DefaultConfig.Encryption.Mode = EncryptionPreferred
	DefaultConfig.Encryption.AllowedCiphers = []byte{byte(mse.CipherRC4), byte(mse.CipherAES)}
	DefaultConfig.Encryption.PreferRC4 = true
	DefaultConfig.Encryption.DHKeySize = int(mse.KeySize768)
}

// Validate rejects out-of-range or self-inconsistent configuration,
// returning InvalidConfig.
func (c *Config) Validate() error {
	if c.MaxConnections <= 0 {
		return &InvalidConfig{Field: "MaxConnections", Reason: "must be positive"}
	}
	if c.PipelineDepth <= 0 {
		return &InvalidConfig{Field: "PipelineDepth", Reason: "must be positive"}
	}
	if c.UploadSlots <= 0 {
		return &InvalidConfig{Field: "UploadSlots", Reason: "must be positive"}
	}
	if c.ConnectionTimeoutSec <= 0 {
		return &InvalidConfig{Field: "ConnectionTimeoutSec", Reason: "must be positive"}
	}
	if c.IdleTimeoutSec <= 0 {
		return &InvalidConfig{Field: "IdleTimeoutSec", Reason: "must be positive"}
	}
	if c.RequestTimeoutSec <= 0 {
		return &InvalidConfig{Field: "RequestTimeoutSec", Reason: "must be positive"}
	}
	if c.Encryption.DHKeySize != int(mse.KeySize768) && c.Encryption.DHKeySize != int(mse.KeySize1024) {
		return &InvalidConfig{Field: "Encryption.DHKeySize", Reason: "must be 768 or 1024"}
	}
	if c.Encryption.Mode != EncryptionDisabled && len(c.Encryption.AllowedCiphers) == 0 {
		return &InvalidConfig{Field: "Encryption.AllowedCiphers", Reason: "must be non-empty unless encryption is disabled"}
	}
	return nil
}

// NewPeerID generates a 20-byte peer ID of the canonical
// "-<2-letter client ID><4-digit version>-<12 random bytes>" shape. The
// random suffix comes from a v1 UUID, whose timestamp and clock-sequence
// fields guarantee uniqueness across sessions on the same host.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-PW0001-")
	u := uuid.NewV1()
	copy(id[8:], u[:12])
	return id
}
