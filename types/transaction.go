package types

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/habibyte/habibyte/crypto"
	"github.com/habibyte/habibyte/identity"
)

const (
	TxRegisterIdentity TxType = iota + 1
	TxUpdateIdentity
	TxRevokeIdentity
)

var (
	ErrTransactionIsNil = errors.New("transaction is nil")
	ErrMissingTxID      = errors.New("missing transaction id")
	ErrUnknownTxType    = errors.New("unknown transaction type")
	ErrInvalidTxKind    = errors.New("invalid transaction kind")
	ErrMissingIssuer    = errors.New("missing issuer public key")
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
)

var txTypeNames = map[TxType]string{
	TxRegisterIdentity: "RegisterIdentity",
	TxUpdateIdentity:   "UpdateIdentity",
	TxRevokeIdentity:   "RevokeIdentity",
}

type (
	TxType uint8

	// TxKind is the operation the transaction performs. Which of the fields
	// are used depends on the Type:
	//   - RegisterIdentity: Identity;
	//   - UpdateIdentity: TargetID and NewNIKHash;
	//   - RevokeIdentity: TargetID.
	TxKind struct {
		_          struct{}           `cbor:",toarray"`
		Type       TxType             `json:"type"`
		Identity   *identity.Identity `json:"identity,omitempty"`
		TargetID   string             `json:"target_id,omitempty"`
		NewNIKHash string             `json:"new_nik_hash,omitempty"`
	}

	// Transaction is a signed identity registry operation.
	//
	// Signature is over the canonical encoding of the transaction with empty
	// Signature field and must verify against the Issuer public key.
	// OffChainRef optionally points to encrypted payload held outside of the ledger.
	Transaction struct {
		_           struct{} `cbor:",toarray"`
		ID          string   `json:"id"`
		Kind        TxKind   `json:"kind"`
		OffChainRef string   `json:"off_chain_ref,omitempty"`
		Issuer      Bytes    `json:"issuer"`
		Signature   Bytes    `json:"signature"`
	}
)

func RegisterIdentity(id *identity.Identity) TxKind {
	return TxKind{Type: TxRegisterIdentity, Identity: id}
}

func UpdateIdentity(targetID, newNIKHash string) TxKind {
	return TxKind{Type: TxUpdateIdentity, TargetID: targetID, NewNIKHash: newNIKHash}
}

func RevokeIdentity(targetID string) TxKind {
	return TxKind{Type: TxRevokeIdentity, TargetID: targetID}
}

func (k TxKind) IsValid() error {
	switch k.Type {
	case TxRegisterIdentity:
		if err := k.Identity.IsValid(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTxKind, err)
		}
		if k.TargetID != "" || k.NewNIKHash != "" {
			return fmt.Errorf("%w: register must not have target", ErrInvalidTxKind)
		}
	case TxUpdateIdentity:
		if k.TargetID == "" {
			return fmt.Errorf("%w: missing target id", ErrInvalidTxKind)
		}
		if err := identity.ValidateNIKHash(k.NewNIKHash); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTxKind, err)
		}
		if k.Identity != nil {
			return fmt.Errorf("%w: update must not carry identity", ErrInvalidTxKind)
		}
	case TxRevokeIdentity:
		if k.TargetID == "" {
			return fmt.Errorf("%w: missing target id", ErrInvalidTxKind)
		}
		if k.Identity != nil || k.NewNIKHash != "" {
			return fmt.Errorf("%w: revoke must only have target id", ErrInvalidTxKind)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownTxType, k.Type)
	}
	return nil
}

func (t TxType) String() string {
	if s, ok := txTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("txtype(%d)", uint8(t))
}

func (t TxType) MarshalText() ([]byte, error) {
	if s, ok := txTypeNames[t]; ok {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownTxType, t)
}

func (t *TxType) UnmarshalText(data []byte) error {
	for k, v := range txTypeNames {
		if v == string(data) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownTxType, data)
}

/*
SigBytes returns the bytes signed by the issuer, ie canonical encoding of
the transaction without signature.
*/
func (tx *Transaction) SigBytes() ([]byte, error) {
	if tx == nil {
		return nil, ErrTransactionIsNil
	}
	c := *tx
	c.Signature = nil
	return Cbor.Marshal(&c)
}

// Sign sets Issuer to the public key of the signer and signs the transaction.
func (tx *Transaction) Sign(signer crypto.Signer) error {
	if tx == nil {
		return ErrTransactionIsNil
	}
	pub, err := signer.PublicKey()
	if err != nil {
		return fmt.Errorf("reading signer public key: %w", err)
	}
	tx.Issuer = pub
	data, err := tx.SigBytes()
	if err != nil {
		return fmt.Errorf("encoding transaction: %w", err)
	}
	if tx.Signature, err = signer.SignBytes(data); err != nil {
		return fmt.Errorf("signing transaction: %w", err)
	}
	return nil
}

// IsValid checks the structure of the transaction, signature is not verified.
func (tx *Transaction) IsValid() error {
	if tx == nil {
		return ErrTransactionIsNil
	}
	if tx.ID == "" {
		return ErrMissingTxID
	}
	if err := tx.Kind.IsValid(); err != nil {
		return err
	}
	if len(tx.Issuer) == 0 {
		return ErrMissingIssuer
	}
	if len(tx.Signature) == 0 {
		return ErrMissingSignature
	}
	return nil
}

func (tx *Transaction) VerifySignature() error {
	if tx == nil {
		return ErrTransactionIsNil
	}
	if len(tx.Signature) == 0 {
		return ErrMissingSignature
	}
	verifier, err := crypto.NewVerifierSecp256k1(tx.Issuer)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	data, err := tx.SigBytes()
	if err != nil {
		return fmt.Errorf("encoding transaction: %w", err)
	}
	if err := verifier.VerifyBytes(tx.Signature, data); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return nil
}

// Verify checks both the structure and the signature of the transaction.
func (tx *Transaction) Verify() error {
	if err := tx.IsValid(); err != nil {
		return err
	}
	return tx.VerifySignature()
}

// Hash returns SHA-256 of the canonical encoding of the transaction (signature included).
func (tx *Transaction) Hash() ([]byte, error) {
	if tx == nil {
		return nil, ErrTransactionIsNil
	}
	data, err := Cbor.Marshal(tx)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(data)
	return h[:], nil
}
