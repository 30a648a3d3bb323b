package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrIdentityIsNil   = errors.New("identity is nil")
	ErrMissingID       = errors.New("missing identity id")
	ErrInvalidNIKHash  = errors.New("invalid NIK hash")
	ErrMissingFullName = errors.New("missing full name")
	ErrInvalidRole     = errors.New("invalid role")
)

/*
Identity is a registry record of a citizen or an administrative body.

The raw national identity number (NIK) is never stored, only its SHA-256
digest (see HashNIK).
*/
type Identity struct {
	_          struct{} `cbor:",toarray"`
	ID         string   `json:"id"`
	NIKHash    string   `json:"nik_hash"`
	FullName   string   `json:"full_name"`
	Role       Role     `json:"role"`
	IsVerified bool     `json:"is_verified"`
}

// NewCitizen creates unverified citizen identity with random id.
func NewCitizen(nik, fullName string) *Identity {
	return &Identity{
		ID:       uuid.NewString(),
		NIKHash:  HashNIK(nik),
		FullName: fullName,
		Role:     Citizen(),
	}
}

// NewAdmin creates unverified identity for the administrative body of given kind.
func NewAdmin(nik, fullName string, kind AdminType) *Identity {
	return &Identity{
		ID:       uuid.NewString(),
		NIKHash:  HashNIK(nik),
		FullName: fullName,
		Role:     Admin(kind),
	}
}

/*
HashNIK returns hex encoded SHA-256 digest of the national identity number.
The result is always 64 characters long.
*/
func HashNIK(nik string) string {
	h := sha256.Sum256([]byte(nik))
	return hex.EncodeToString(h[:])
}

// VerifyNIK checks whether "nik" is the number the identity was registered with.
func (i *Identity) VerifyNIK(nik string) bool {
	return i != nil && HashNIK(nik) == i.NIKHash
}

func (i *Identity) IsValid() error {
	if i == nil {
		return ErrIdentityIsNil
	}
	if i.ID == "" {
		return ErrMissingID
	}
	if err := ValidateNIKHash(i.NIKHash); err != nil {
		return err
	}
	if i.FullName == "" {
		return ErrMissingFullName
	}
	if err := i.Role.IsValid(); err != nil {
		return err
	}
	return nil
}

// ValidateNIKHash checks that "h" looks like the output of HashNIK.
func ValidateNIKHash(h string) error {
	if len(h) != 2*sha256.Size {
		return fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidNIKHash, 2*sha256.Size, len(h))
	}
	if _, err := hex.DecodeString(h); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidNIKHash, err)
	}
	return nil
}
