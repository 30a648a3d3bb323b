package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenesis(t *testing.T) {
	g := Genesis()
	require.EqualValues(t, 0, g.Index)
	require.EqualValues(t, GenesisTimestamp, g.Timestamp)
	require.Equal(t, "0", g.PreviousHash)
	require.Equal(t, "GENESIS", g.Validator)
	require.Empty(t, g.Transactions)
	require.Len(t, g.Hash, 64)
	require.NoError(t, g.VerifyHash())
	require.True(t, g.IsGenesis())
	// every node must derive the same genesis
	require.Equal(t, g.Hash, Genesis().Hash)
}

func TestNewBlock_hashIsDeterministic(t *testing.T) {
	signer := newSigner(t)
	txs := []*Transaction{signedRegisterTx(t, signer)}
	g := Genesis()

	a, err := NewBlock(1, 1700000000, g.Hash, txs, "V1")
	require.NoError(t, err)
	b, err := NewBlock(1, 1700000000, g.Hash, txs, "V1")
	require.NoError(t, err)
	require.Equal(t, a.Hash, b.Hash)
	require.NoError(t, a.VerifyHash())
	require.Equal(t, []string{"tx-1"}, a.TxIDs())
}

func TestBlock_VerifyHash_tampered(t *testing.T) {
	signer := newSigner(t)
	g := Genesis()
	newBlock := func() *Block {
		b, err := NewBlock(1, 1700000000, g.Hash, []*Transaction{signedRegisterTx(t, signer)}, "V1")
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name   string
		modify func(b *Block)
	}{
		{name: "index", modify: func(b *Block) { b.Index = 2 }},
		{name: "timestamp", modify: func(b *Block) { b.Timestamp++ }},
		{name: "previous hash", modify: func(b *Block) { b.PreviousHash = "1" }},
		{name: "validator", modify: func(b *Block) { b.Validator = "V2" }},
		{name: "transaction", modify: func(b *Block) { b.Transactions[0].OffChainRef = "ref" }},
		{name: "transaction removed", modify: func(b *Block) { b.Transactions = nil }},
		{name: "hash", modify: func(b *Block) { b.Hash = g.Hash }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newBlock()
			tc.modify(b)
			require.ErrorIs(t, b.VerifyHash(), ErrBlockHashMismatch)
		})
	}
}

func TestBlock_nilAndEmptyTransactionsHashEqual(t *testing.T) {
	a := &Block{Index: 3, Timestamp: 5, PreviousHash: "x", Validator: "V"}
	b := &Block{Index: 3, Timestamp: 5, PreviousHash: "x", Validator: "V", Transactions: []*Transaction{}}
	ha, err := a.CalculateHash()
	require.NoError(t, err)
	hb, err := b.CalculateHash()
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestBlock_encodingRoundTripKeepsHash(t *testing.T) {
	b, err := NewBlock(1, 1700000000, Genesis().Hash, []*Transaction{signedRegisterTx(t, newSigner(t))}, "V1")
	require.NoError(t, err)
	data, err := Cbor.Marshal(b)
	require.NoError(t, err)

	var decoded Block
	require.NoError(t, Cbor.Unmarshal(data, &decoded))
	require.NoError(t, decoded.VerifyHash())
	require.Equal(t, b.Hash, decoded.Hash)
}

func TestBlock_Clone(t *testing.T) {
	b, err := NewBlock(1, 1, "p", []*Transaction{{ID: "a"}}, "V1")
	require.NoError(t, err)
	c := b.Clone()
	require.Equal(t, b, c)
	c.Transactions[0] = &Transaction{ID: "b"}
	require.Equal(t, "a", b.Transactions[0].ID)

	var nilBlock *Block
	require.Nil(t, nilBlock.Clone())
}
