package testtransaction

import (
	"testing"

	"github.com/google/uuid"
	"github.com/habibyte/habibyte/crypto"
	"github.com/habibyte/habibyte/identity"
	test "github.com/habibyte/habibyte/internal/testutils"
	"github.com/habibyte/habibyte/types"
	"github.com/stretchr/testify/require"
)

type Option func(*types.Transaction)

func WithID(id string) Option {
	return func(tx *types.Transaction) {
		tx.ID = id
	}
}

func WithOffChainRef(ref string) Option {
	return func(tx *types.Transaction) {
		tx.OffChainRef = ref
	}
}

// NewRegister returns signed transaction registering new random citizen.
func NewRegister(t *testing.T, signer crypto.Signer, opts ...Option) *types.Transaction {
	t.Helper()
	id := identity.NewCitizen(test.RandomNIK(), "Citizen "+uuid.NewString()[:8])
	return NewTx(t, signer, types.RegisterIdentity(id), opts...)
}

func NewUpdate(t *testing.T, signer crypto.Signer, targetID string, opts ...Option) *types.Transaction {
	t.Helper()
	return NewTx(t, signer, types.UpdateIdentity(targetID, identity.HashNIK(test.RandomNIK())), opts...)
}

func NewRevoke(t *testing.T, signer crypto.Signer, targetID string, opts ...Option) *types.Transaction {
	t.Helper()
	return NewTx(t, signer, types.RevokeIdentity(targetID), opts...)
}

// NewTx creates transaction with random id and signs it after applying options.
func NewTx(t *testing.T, signer crypto.Signer, kind types.TxKind, opts ...Option) *types.Transaction {
	t.Helper()
	tx := &types.Transaction{
		ID:   uuid.NewString(),
		Kind: kind,
	}
	for _, o := range opts {
		o(tx)
	}
	require.NoError(t, tx.Sign(signer))
	return tx
}

// Registrations returns "count" signed register transactions.
func Registrations(t *testing.T, signer crypto.Signer, count int) []*types.Transaction {
	t.Helper()
	txs := make([]*types.Transaction, count)
	for i := range txs {
		txs[i] = NewRegister(t, signer)
	}
	return txs
}
