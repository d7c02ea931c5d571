package peerwire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	c := DefaultConfig
	return c
}

func TestDefaultConfigIsValid(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
}

func TestValidateRejectsNonPositiveFields(t *testing.T) {
	fields := []func(*Config){
		func(c *Config) { c.MaxConnections = 0 },
		func(c *Config) { c.PipelineDepth = 0 },
		func(c *Config) { c.UploadSlots = -1 },
		func(c *Config) { c.ConnectionTimeoutSec = 0 },
		func(c *Config) { c.IdleTimeoutSec = 0 },
		func(c *Config) { c.RequestTimeoutSec = 0 },
	}
	for _, mutate := range fields {
		c := validConfig()
		mutate(&c)
		err := c.Validate()
		require.Error(t, err)
		_, ok := err.(*InvalidConfig)
		require.True(t, ok)
	}
}

func TestValidateRejectsBadDHKeySize(t *testing.T) {
	c := validConfig()
	c.Encryption.DHKeySize = 512
	require.Error(t, c.Validate())
}

func TestValidateRequiresAllowedCiphersUnlessDisabled(t *testing.T) {
	c := validConfig()
	c.Encryption.AllowedCiphers = nil
	require.Error(t, c.Validate())

	c.Encryption.Mode = EncryptionDisabled
	require.NoError(t, c.Validate())
}

func TestNewPeerIDShape(t *testing.T) {
	id := NewPeerID()
	require.Equal(t, "-PW0001-", string(id[:8]))

	id2 := NewPeerID()
	require.NotEqual(t, id, id2)
}
