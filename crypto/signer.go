package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

var ErrSignerIsNil = errors.New("signer is nil")

type (
	// Signer signs arbitrary data, the data is hashed by the implementation.
	Signer interface {
		SignBytes(data []byte) ([]byte, error)
		// PublicKey returns compressed public key of the signer.
		PublicKey() ([]byte, error)
		// MarshalPrivateKey returns raw private key bytes.
		MarshalPrivateKey() ([]byte, error)
		Verifier() (Verifier, error)
	}

	InMemorySecp256K1Signer struct {
		privKey p2pcrypto.PrivKey
	}
)

// NewInMemorySecp256K1Signer generates new random key and returns signer using it.
func NewInMemorySecp256K1Signer() (*InMemorySecp256K1Signer, error) {
	privKey, _, err := p2pcrypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return &InMemorySecp256K1Signer{privKey: privKey}, nil
}

// NewInMemorySecp256K1SignerFromKey creates signer from the raw 32 byte private key.
func NewInMemorySecp256K1SignerFromKey(privKey []byte) (*InMemorySecp256K1Signer, error) {
	key, err := p2pcrypto.UnmarshalSecp256k1PrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &InMemorySecp256K1Signer{privKey: key}, nil
}

func (s *InMemorySecp256K1Signer) SignBytes(data []byte) ([]byte, error) {
	if s == nil || s.privKey == nil {
		return nil, ErrSignerIsNil
	}
	return s.privKey.Sign(data)
}

func (s *InMemorySecp256K1Signer) PublicKey() ([]byte, error) {
	if s == nil || s.privKey == nil {
		return nil, ErrSignerIsNil
	}
	return s.privKey.GetPublic().Raw()
}

func (s *InMemorySecp256K1Signer) MarshalPrivateKey() ([]byte, error) {
	if s == nil || s.privKey == nil {
		return nil, ErrSignerIsNil
	}
	return s.privKey.Raw()
}

func (s *InMemorySecp256K1Signer) Verifier() (Verifier, error) {
	if s == nil || s.privKey == nil {
		return nil, ErrSignerIsNil
	}
	return &verifierSecp256k1{pubKey: s.privKey.GetPublic()}, nil
}

// PrivKey returns the key as libp2p type, the same key is used as node's network identity.
func (s *InMemorySecp256K1Signer) PrivKey() p2pcrypto.PrivKey {
	return s.privKey
}
