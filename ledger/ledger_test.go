package ledger

import (
	"errors"
	"path/filepath"
	"testing"

	testlogger "github.com/habibyte/habibyte/internal/testutils/logger"
	testsig "github.com/habibyte/habibyte/internal/testutils/sig"
	testtransaction "github.com/habibyte/habibyte/internal/testutils/transaction"
	"github.com/habibyte/habibyte/keyvaluedb"
	"github.com/habibyte/habibyte/keyvaluedb/boltdb"
	"github.com/habibyte/habibyte/keyvaluedb/memorydb"
	"github.com/habibyte/habibyte/types"
	"github.com/stretchr/testify/require"
)

func nextBlock(t *testing.T, prev *types.Block, validator string, txs ...*types.Transaction) *types.Block {
	t.Helper()
	b, err := types.NewBlock(prev.Index+1, prev.Timestamp+1, prev.Hash, txs, validator)
	require.NoError(t, err)
	return b
}

// buildChain appends "count" blocks, each with one transaction, to the ledger.
func buildChain(t *testing.T, l *Ledger, count int) {
	t.Helper()
	signer, _ := testsig.CreateSignerAndVerifier(t)
	for range count {
		require.NoError(t, l.Append(nextBlock(t, l.Tip(), "V1", testtransaction.NewRegister(t, signer))))
	}
}

func TestNew(t *testing.T) {
	l := New()
	require.EqualValues(t, 0, l.Height())
	tip := l.Tip()
	require.Equal(t, types.Genesis(), tip)
	require.Len(t, l.Blocks(), 1)
	require.NoError(t, l.VerifyChain())
}

func TestLedger_Append(t *testing.T) {
	signer, _ := testsig.CreateSignerAndVerifier(t)
	l := New()
	tx := testtransaction.NewRegister(t, signer)
	b := nextBlock(t, l.Tip(), "V2", tx)

	require.False(t, l.IsCommitted(tx.ID))
	require.NoError(t, l.Append(b))
	require.EqualValues(t, 1, l.Height())
	require.Equal(t, b.Hash, l.Tip().Hash)
	require.True(t, l.IsCommitted(tx.ID))
	require.NoError(t, l.VerifyChain())

	got, err := l.BlockAt(1)
	require.NoError(t, err)
	require.Equal(t, b, got)
	_, err = l.BlockAt(2)
	require.ErrorIs(t, err, ErrBlockNotFound)
}

func TestLedger_Append_rejected(t *testing.T) {
	signer, _ := testsig.CreateSignerAndVerifier(t)
	l := New()
	buildChain(t, l, 2)
	tip := l.Tip()

	tests := []struct {
		name    string
		block   func() *types.Block
		wantErr error
	}{
		{
			name:    "nil",
			block:   func() *types.Block { return nil },
			wantErr: ErrBlockIsNil,
		},
		{
			name: "index too high",
			block: func() *types.Block {
				b, err := types.NewBlock(tip.Index+2, tip.Timestamp+1, tip.Hash, nil, "V1")
				require.NoError(t, err)
				return b
			},
			wantErr: ErrChainLinkage,
		},
		{
			name: "same index as tip",
			block: func() *types.Block {
				b, err := types.NewBlock(tip.Index, tip.Timestamp+1, tip.Hash, nil, "V1")
				require.NoError(t, err)
				return b
			},
			wantErr: ErrChainLinkage,
		},
		{
			name: "wrong previous hash",
			block: func() *types.Block {
				b, err := types.NewBlock(tip.Index+1, tip.Timestamp+1, tip.PreviousHash, nil, "V1")
				require.NoError(t, err)
				return b
			},
			wantErr: ErrChainLinkage,
		},
		{
			name: "tampered hash",
			block: func() *types.Block {
				b := nextBlock(t, tip, "V1", testtransaction.NewRegister(t, signer))
				b.Validator = "V2"
				return b
			},
			wantErr: ErrHashIntegrity,
		},
		{
			name: "transaction already committed",
			block: func() *types.Block {
				return nextBlock(t, tip, "V1", tip.Transactions[0])
			},
			wantErr: ErrDuplicateTx,
		},
		{
			name: "transaction twice in block",
			block: func() *types.Block {
				tx := testtransaction.NewRegister(t, signer)
				return nextBlock(t, tip, "V1", tx, tx)
			},
			wantErr: ErrDuplicateTx,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := l.Blocks()
			require.ErrorIs(t, l.Append(tc.block()), tc.wantErr)
			require.Equal(t, before, l.Blocks(), "ledger must not change")
		})
	}
}

func TestLedger_VerifyChain_randomSequences(t *testing.T) {
	for n := 1; n <= 20; n++ {
		l := New()
		buildChain(t, l, n)
		require.NoError(t, l.VerifyChain())
		blocks := l.Blocks()
		require.Len(t, blocks, n+1)
		for i := 1; i < len(blocks); i++ {
			require.Equal(t, blocks[i-1].Hash, blocks[i].PreviousHash)
			require.NoError(t, blocks[i].VerifyHash())
		}
	}
}

func TestLedger_VerifyChain_detectsCorruption(t *testing.T) {
	l := New()
	buildChain(t, l, 3)
	require.NoError(t, l.VerifyChain())
	// blocks are shared, simulate corruption of local state
	l.blocks[2].Timestamp++
	require.ErrorIs(t, l.VerifyChain(), ErrHashIntegrity)
}

func TestLedger_Range(t *testing.T) {
	l := New()
	buildChain(t, l, 5)

	r := l.Range(2, 4)
	require.Len(t, r, 2)
	require.EqualValues(t, 2, r[0].Index)
	require.EqualValues(t, 3, r[1].Index)

	require.Len(t, l.Range(4, 100), 2)
	require.Empty(t, l.Range(6, 10))
	require.Empty(t, l.Range(3, 3))
	require.Empty(t, l.Range(4, 2))
}

func TestLedger_Tip_isCopy(t *testing.T) {
	l := New()
	buildChain(t, l, 1)
	tip := l.Tip()
	tip.Transactions[0] = nil
	require.NotNil(t, l.Tip().Transactions[0])
}

func TestLedger_ReplaceTail(t *testing.T) {
	signer, _ := testsig.CreateSignerAndVerifier(t)
	l := New()
	buildChain(t, l, 2)
	base, err := l.BlockAt(1)
	require.NoError(t, err)
	oldTip := l.Tip()
	orphan := oldTip.Transactions[0]

	// competing branch from block 1, two blocks long
	shared := testtransaction.NewRegister(t, signer)
	b2 := nextBlock(t, base, "V2", shared)
	b3 := nextBlock(t, b2, "V1", testtransaction.NewRegister(t, signer))

	t.Run("not longer", func(t *testing.T) {
		_, err := l.ReplaceTail([]*types.Block{b2})
		require.ErrorIs(t, err, ErrForkNotLonger)
		require.Equal(t, oldTip.Hash, l.Tip().Hash)
	})

	t.Run("does not link", func(t *testing.T) {
		_, err := l.ReplaceTail([]*types.Block{b3})
		require.ErrorIs(t, err, ErrChainLinkage)
	})

	t.Run("starts above tip", func(t *testing.T) {
		b5, err := types.NewBlock(5, 1, "x", nil, "V1")
		require.NoError(t, err)
		_, err = l.ReplaceTail([]*types.Block{b5})
		require.ErrorIs(t, err, ErrInvalidReplacement)
	})

	t.Run("broken segment", func(t *testing.T) {
		_, err := l.ReplaceTail([]*types.Block{b2, b2})
		require.ErrorIs(t, err, ErrInvalidReplacement)
	})

	t.Run("genesis can not be replaced", func(t *testing.T) {
		_, err := l.ReplaceTail([]*types.Block{types.Genesis(), nextBlock(t, types.Genesis(), "V1")})
		require.ErrorIs(t, err, ErrInvalidReplacement)
	})

	orphaned, err := l.ReplaceTail([]*types.Block{b2, b3})
	require.NoError(t, err)
	require.Equal(t, []*types.Transaction{orphan}, orphaned)
	require.EqualValues(t, 3, l.Height())
	require.Equal(t, b3.Hash, l.Tip().Hash)
	require.NoError(t, l.VerifyChain())
	require.False(t, l.IsCommitted(orphan.ID))
	require.True(t, l.IsCommitted(shared.ID))
	// history below the fork point is untouched
	got, err := l.BlockAt(1)
	require.NoError(t, err)
	require.Same(t, base, got)
}

func TestLedger_ReplaceTail_txInBothBranchesIsNotOrphaned(t *testing.T) {
	l := New()
	buildChain(t, l, 1)
	g := types.Genesis()
	tx := l.Tip().Transactions[0]

	b1 := nextBlock(t, g, "V2", tx)
	b2 := nextBlock(t, b1, "V1")
	orphaned, err := l.ReplaceTail([]*types.Block{b1, b2})
	require.NoError(t, err)
	require.Empty(t, orphaned)
	require.True(t, l.IsCommitted(tx.ID))
}

func TestOpen(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "blocks.db")
	db, err := boltdb.New(dbFile)
	require.NoError(t, err)

	l, err := Open(db, testlogger.New(t))
	require.NoError(t, err)
	require.EqualValues(t, 0, l.Height())
	// genesis is stored
	empty, err := keyvaluedb.IsEmpty(db)
	require.NoError(t, err)
	require.False(t, empty)

	buildChain(t, l, 3)
	want := l.Blocks()
	require.NoError(t, db.Close())

	db, err = boltdb.New(dbFile)
	require.NoError(t, err)
	defer db.Close()
	l, err = Open(db, testlogger.New(t))
	require.NoError(t, err)
	require.EqualValues(t, 3, l.Height())
	got := l.Blocks()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Hash, got[i].Hash)
	}
	for _, b := range want[1:] {
		require.True(t, l.IsCommitted(b.Transactions[0].ID))
	}
}

func TestOpen_invalidStore(t *testing.T) {
	t.Run("nil db", func(t *testing.T) {
		_, err := Open(nil, nil)
		require.Error(t, err)
	})

	t.Run("wrong genesis", func(t *testing.T) {
		db := memorydb.New()
		b, err := types.NewBlock(0, 12345, "0", nil, "GENESIS")
		require.NoError(t, err)
		require.NoError(t, db.Write(keyvaluedb.HeightKey(0), b))
		_, err = Open(db, nil)
		require.ErrorIs(t, err, ErrGenesisMismatch)
	})

	t.Run("gap in chain", func(t *testing.T) {
		db := memorydb.New()
		g := types.Genesis()
		require.NoError(t, db.Write(keyvaluedb.HeightKey(0), g))
		b2, err := types.NewBlock(2, 1, g.Hash, nil, "V1")
		require.NoError(t, err)
		require.NoError(t, db.Write(keyvaluedb.HeightKey(2), b2))
		_, err = Open(db, nil)
		require.ErrorIs(t, err, ErrChainLinkage)
	})

	t.Run("tampered block", func(t *testing.T) {
		db := memorydb.New()
		g := types.Genesis()
		require.NoError(t, db.Write(keyvaluedb.HeightKey(0), g))
		b1, err := types.NewBlock(1, 1, g.Hash, nil, "V1")
		require.NoError(t, err)
		b1.Validator = "V2"
		require.NoError(t, db.Write(keyvaluedb.HeightKey(1), b1))
		_, err = Open(db, nil)
		require.ErrorIs(t, err, ErrHashIntegrity)
	})
}

func TestLedger_Append_persistFailureLeavesLedgerUnchanged(t *testing.T) {
	db := memorydb.New()
	l, err := Open(db, nil)
	require.NoError(t, err)

	db.MockWriteError(errors.New("disk full"))
	err = l.Append(nextBlock(t, l.Tip(), "V1"))
	require.ErrorContains(t, err, "disk full")
	require.EqualValues(t, 0, l.Height())

	db.MockWriteError(nil)
	require.NoError(t, l.Append(nextBlock(t, l.Tip(), "V1")))
	require.EqualValues(t, 1, l.Height())
}

func TestLedger_ReplaceTail_persisted(t *testing.T) {
	signer, _ := testsig.CreateSignerAndVerifier(t)
	db := memorydb.New()
	l, err := Open(db, nil)
	require.NoError(t, err)
	buildChain(t, l, 2)
	base, err := l.BlockAt(1)
	require.NoError(t, err)

	b2 := nextBlock(t, base, "V2", testtransaction.NewRegister(t, signer))
	b3 := nextBlock(t, b2, "V1")
	b4 := nextBlock(t, b3, "V2")
	_, err = l.ReplaceTail([]*types.Block{b2, b3, b4})
	require.NoError(t, err)

	reopened, err := Open(db, nil)
	require.NoError(t, err)
	require.Equal(t, b4.Hash, reopened.Tip().Hash)
	require.NoError(t, reopened.VerifyChain())
}
