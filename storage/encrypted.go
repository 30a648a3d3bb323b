package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize          = 32
	nonceSize        = 12
	pbkdf2Iterations = 4096
)

/*
EncryptedStorage encrypts data with AES-256-GCM before handing it to the
provider. Random nonce is prepended to the ciphertext.
*/
type EncryptedStorage struct {
	provider Provider
	aead     cipher.AEAD
}

func NewEncryptedStorage(provider Provider, key []byte) (*EncryptedStorage, error) {
	if provider == nil {
		return nil, errors.New("storage provider is nil")
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, expected %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &EncryptedStorage{provider: provider, aead: aead}, nil
}

// KeyFromPassphrase derives storage key from passphrase, the salt should be unique per deployment.
func KeyFromPassphrase(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, KeySize, sha256.New)
}

// StoreReference encrypts and stores data, returned reference is recorded on chain.
func (s *EncryptedStorage) StoreReference(ctx context.Context, data []byte) (string, error) {
	nonce := make([]byte, nonceSize, nonceSize+len(data)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", opError("store", fmt.Errorf("%w: generating nonce: %w", ErrEncryption, err))
	}
	payload := s.aead.Seal(nonce, nonce, data, nil)
	ref, err := s.provider.Store(ctx, payload)
	return ref, opError("store", err)
}

// FetchReference retrieves and decrypts data stored under reference.
func (s *EncryptedStorage) FetchReference(ctx context.Context, reference string) ([]byte, error) {
	payload, err := s.provider.Retrieve(ctx, reference)
	if err != nil {
		return nil, opError("fetch", err)
	}
	if len(payload) < nonceSize {
		return nil, opError("fetch", fmt.Errorf("%w: payload shorter than nonce", ErrDecryption))
	}
	data, err := s.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return nil, opError("fetch", fmt.Errorf("%w: %w", ErrDecryption, err))
	}
	return data, nil
}
