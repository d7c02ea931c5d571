package mse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDHAgreement(t *testing.T) {
	for _, size := range []KeySize{KeySize768, KeySize1024} {
		a, err := GenerateKeyPair(size)
		require.NoError(t, err)
		b, err := GenerateKeyPair(size)
		require.NoError(t, err)

		sA := a.ComputeSharedSecret(b.Public)
		sB := b.ComputeSharedSecret(a.Public)
		require.Equal(t, sA, sB)
	}
}

func TestPublicKeyBytesFixedLength(t *testing.T) {
	kp, err := GenerateKeyPair(KeySize768)
	require.NoError(t, err)
	require.Len(t, kp.PublicKeyBytes(), 768/8)

	kp2, err := GenerateKeyPair(KeySize1024)
	require.NoError(t, err)
	require.Len(t, kp2.PublicKeyBytes(), 1024/8)
}

func TestPublicKeyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair(KeySize768)
	require.NoError(t, err)
	b := kp.PublicKeyBytes()
	got := PublicKeyFromBytes(b)
	require.Equal(t, 0, kp.Public.Cmp(got))
}

func TestGenerateKeyPairInvalidSize(t *testing.T) {
	_, err := GenerateKeyPair(KeySize(512))
	require.Error(t, err)
}

func TestDeriveKey(t *testing.T) {
	infoHash := make([]byte, 20)
	secret := []byte("shared-secret")

	k1, err := DeriveKey(secret, infoHash, nil)
	require.NoError(t, err)
	require.Len(t, k1, 20)

	k2, err := DeriveKey(secret, infoHash, nil)
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	k3, err := DeriveKey(secret, infoHash, []byte("different-pad-aaaaaa"))
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)

	_, err = DeriveKey(secret, make([]byte, 19), nil)
	require.Error(t, err)
}
