package crypto

import (
	"errors"
	"fmt"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

var (
	ErrVerificationFailed = errors.New("verification failed")
	ErrInvalidPublicKey   = errors.New("invalid public key")
	ErrSignatureIsNil     = errors.New("signature is nil")
	ErrDataIsNil          = errors.New("data is nil")
)

type (
	Verifier interface {
		VerifyBytes(sig []byte, data []byte) error
		MarshalPublicKey() ([]byte, error)
	}

	verifierSecp256k1 struct {
		pubKey p2pcrypto.PubKey
	}
)

// NewVerifierSecp256k1 creates verifier from the compressed secp256k1 public key.
func NewVerifierSecp256k1(pubKey []byte) (Verifier, error) {
	key, err := p2pcrypto.UnmarshalSecp256k1PublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	return &verifierSecp256k1{pubKey: key}, nil
}

func (v *verifierSecp256k1) VerifyBytes(sig []byte, data []byte) error {
	if len(sig) == 0 {
		return ErrSignatureIsNil
	}
	if data == nil {
		return ErrDataIsNil
	}
	ok, err := v.pubKey.Verify(data, sig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	if !ok {
		return ErrVerificationFailed
	}
	return nil
}

func (v *verifierSecp256k1) MarshalPublicKey() ([]byte, error) {
	return v.pubKey.Raw()
}
