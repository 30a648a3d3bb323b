package testsig

import (
	"testing"

	"github.com/habibyte/habibyte/crypto"
	"github.com/stretchr/testify/require"
)

func CreateSignerAndVerifier(t *testing.T) (crypto.Signer, crypto.Verifier) {
	t.Helper()
	signer, err := crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)

	verifier, err := signer.Verifier()
	require.NoError(t, err)
	return signer, verifier
}

// CreateSigner returns signer with random key, it's public key is returned as second value.
func CreateSigner(t *testing.T) (*crypto.InMemorySecp256K1Signer, []byte) {
	t.Helper()
	signer, err := crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	pubKey, err := signer.PublicKey()
	require.NoError(t, err)
	return signer, pubKey
}
