package node

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habibyte/habibyte/consensus"
	"github.com/habibyte/habibyte/gossip"
	test "github.com/habibyte/habibyte/internal/testutils"
	testobserve "github.com/habibyte/habibyte/internal/testutils/observability"
	testsig "github.com/habibyte/habibyte/internal/testutils/sig"
	testtransaction "github.com/habibyte/habibyte/internal/testutils/transaction"
	"github.com/habibyte/habibyte/ledger"
	"github.com/habibyte/habibyte/mempool"
	"github.com/habibyte/habibyte/types"
)

func newPoA(t *testing.T, authorities ...string) *consensus.PoA {
	t.Helper()
	as, err := consensus.NewAuthoritySet(authorities...)
	require.NoError(t, err)
	poa, err := consensus.NewPoA(as)
	require.NoError(t, err)
	return poa
}

func newTestNode(t *testing.T, net *gossip.MemoryNetwork, id string, authorities []string, opts ...NodeOption) *Node {
	t.Helper()
	n, err := New(id, ledger.New(), newPoA(t, authorities...), net.Join(id), testobserve.Default(t), opts...)
	require.NoError(t, err)
	return n
}

func runNodes(t *testing.T, nodes ...*Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.ErrorIs(t, n.Run(ctx), context.Canceled)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func txIDs(blocks []*types.Block) map[string]uint64 {
	res := make(map[string]uint64)
	for _, b := range blocks {
		for _, id := range b.TxIDs() {
			res[id] = b.Index
		}
	}
	return res
}

func TestNew(t *testing.T) {
	obs := testobserve.Default(t)
	tr := gossip.NewMemoryNetwork().Join("A")
	poa := newPoA(t, "A")

	_, err := New("", ledger.New(), poa, tr, obs)
	require.EqualError(t, err, "node identifier is empty")
	_, err = New("A", nil, poa, tr, obs)
	require.ErrorIs(t, err, ErrLedgerIsNil)
	_, err = New("A", ledger.New(), nil, tr, obs)
	require.ErrorIs(t, err, ErrEngineIsNil)
	_, err = New("A", ledger.New(), poa, nil, obs)
	require.ErrorIs(t, err, ErrTransportIsNil)
	_, err = New("A", ledger.New(), poa, tr, obs, WithBlockInterval(-1))
	require.EqualError(t, err, "invalid configuration: block interval must not be negative")
	_, err = New("A", ledger.New(), poa, tr, obs, WithSyncParams(0, 16, 10))
	require.ErrorContains(t, err, "sync timeout must be positive")

	n, err := New("A", ledger.New(), poa, tr, obs)
	require.NoError(t, err)
	require.Equal(t, "A", n.ID())
	require.Equal(t, Idle, n.State())
	require.True(t, n.IsValidator())
	require.Equal(t, []string{"A"}, n.Authorities())
	require.Len(t, n.ReadChain(), 1)
	require.True(t, n.ReadChain()[0].IsGenesis())
	require.NotNil(t, n.Replicator())
	require.Equal(t, DefaultBlockInterval, n.conf.blockInterval)
	require.Equal(t, DefaultMaxBlockTxs, n.conf.maxBlockTxs)
	require.Equal(t, DefaultMempoolSize, n.conf.mempoolSize)
}

// observingEngine records the heights the node reports to the engine.
type observingEngine struct {
	*consensus.PoA
	mu       sync.Mutex
	observed []uint64
}

func (e *observingEngine) ObserveHeight(height uint64) {
	e.mu.Lock()
	e.observed = append(e.observed, height)
	e.mu.Unlock()
	e.PoA.ObserveHeight(height)
}

func (e *observingEngine) heights() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.observed)
}

func TestNew_CustomScheduler(t *testing.T) {
	signer, _ := testsig.CreateSigner(t)
	engine := &observingEngine{PoA: newPoA(t, "A")}
	n, err := New("A", ledger.New(), engine, gossip.NewMemoryNetwork().Join("A"), testobserve.Default(t))
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, engine.heights())

	ctx := context.Background()
	require.NoError(t, n.SubmitTransaction(ctx, testtransaction.NewRegister(t, signer)))
	b, err := n.ProduceBlock(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, []uint64{0, 1}, engine.heights())
	require.EqualValues(t, 1, engine.Round())
}

func TestSubmitTransaction(t *testing.T) {
	signer, _ := testsig.CreateSigner(t)
	net := gossip.NewMemoryNetwork()
	n := newTestNode(t, net, "A", []string{"A"}, WithMempoolSize(1))
	peerB := net.Join("B")
	ctx := context.Background()

	tx := testtransaction.NewRegister(t, signer)
	require.NoError(t, n.SubmitTransaction(ctx, tx))
	require.Equal(t, []*types.Transaction{tx}, n.PendingTransactions())

	// transaction is broadcast to peers
	select {
	case in := <-peerB.Received():
		m, err := gossip.Decode(in.Payload)
		require.NoError(t, err)
		require.Equal(t, tx.ID, m.Transaction.ID)
	case <-time.After(time.Second):
		t.Fatal("transaction was not broadcast")
	}

	require.ErrorIs(t, n.SubmitTransaction(ctx, tx), mempool.ErrDuplicateTransaction)
	require.ErrorIs(t, n.SubmitTransaction(ctx, testtransaction.NewRegister(t, signer)), mempool.ErrMempoolFull)

	tampered := testtransaction.NewRegister(t, signer)
	tampered.Kind.Identity.FullName = "someone else"
	require.ErrorIs(t, n.AddTransaction(ctx, tampered), mempool.ErrInvalidSignature)
}

func TestProduceBlock(t *testing.T) {
	signer, _ := testsig.CreateSigner(t)
	ctx := context.Background()

	t.Run("not the proposer", func(t *testing.T) {
		// proposer of the height 1 is "B"
		n := newTestNode(t, gossip.NewMemoryNetwork(), "A", []string{"A", "B"})
		require.NoError(t, n.SubmitTransaction(ctx, testtransaction.NewRegister(t, signer)))
		b, err := n.ProduceBlock(ctx)
		require.NoError(t, err)
		require.Nil(t, b)
		require.Len(t, n.PendingTransactions(), 1)
		require.EqualValues(t, 0, n.Tip().Index)
	})

	t.Run("empty mempool", func(t *testing.T) {
		n := newTestNode(t, gossip.NewMemoryNetwork(), "B", []string{"A", "B"})
		b, err := n.ProduceBlock(ctx)
		require.NoError(t, err)
		require.Nil(t, b)
		require.EqualValues(t, 0, n.Tip().Index)
	})

	t.Run("block is produced and broadcast", func(t *testing.T) {
		net := gossip.NewMemoryNetwork()
		n := newTestNode(t, net, "B", []string{"A", "B"}, WithMaxBlockTxs(2))
		peerA := net.Join("A")
		txs := testtransaction.Registrations(t, signer, 3)
		for _, tx := range txs {
			require.NoError(t, n.AddTransaction(ctx, tx))
		}

		b, err := n.ProduceBlock(ctx)
		require.NoError(t, err)
		require.NotNil(t, b)
		require.EqualValues(t, 1, b.Index)
		require.Equal(t, "B", b.Validator)
		require.Equal(t, []string{txs[0].ID, txs[1].ID}, b.TxIDs())
		require.Equal(t, b.Hash, n.Tip().Hash)
		require.Equal(t, []*types.Transaction{txs[2]}, n.PendingTransactions())
		require.Equal(t, Idle, n.State())

		in := <-peerA.Received()
		m, err := gossip.Decode(in.Payload)
		require.NoError(t, err)
		require.Equal(t, gossip.KindBlock, m.Kind)
		require.Equal(t, b.Hash, m.Block.Hash)

		// height 2 belongs to "A"
		b, err = n.ProduceBlock(ctx)
		require.NoError(t, err)
		require.Nil(t, b)
	})
}

func TestApplyBlock(t *testing.T) {
	signer, _ := testsig.CreateSigner(t)
	net := gossip.NewMemoryNetwork()
	authorities := []string{"A", "B"}
	nodeA := newTestNode(t, net, "A", authorities)
	nodeB := newTestNode(t, net, "B", authorities)
	ctx := context.Background()

	tx := testtransaction.NewRegister(t, signer)
	require.NoError(t, nodeA.AddTransaction(ctx, tx))
	require.NoError(t, nodeB.AddTransaction(ctx, tx))
	b, err := nodeB.ProduceBlock(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)

	require.ErrorIs(t, nodeA.ApplyBlock(ctx, nil), ledger.ErrBlockIsNil)

	require.NoError(t, nodeA.ApplyBlock(ctx, b))
	require.Equal(t, b.Hash, nodeA.Tip().Hash)
	require.Empty(t, nodeA.PendingTransactions(), "committed transaction must leave the mempool")
	require.Equal(t, Idle, nodeA.State())

	// the same height again
	require.ErrorIs(t, nodeA.ApplyBlock(ctx, b), consensus.ErrStaleHeight)
	// committed transaction can't be submitted again
	require.ErrorIs(t, nodeA.SubmitTransaction(ctx, tx), mempool.ErrDuplicateTransaction)

	// height 2 belongs to "A"
	wrong, err := types.NewBlock(2, b.Timestamp, b.Hash, nil, "B")
	require.NoError(t, err)
	require.ErrorIs(t, nodeA.ApplyBlock(ctx, wrong), consensus.ErrUnauthorizedProposer)

	unlinked, err := types.NewBlock(2, b.Timestamp, "ab", nil, "A")
	require.NoError(t, err)
	require.ErrorIs(t, nodeA.ApplyBlock(ctx, unlinked), ledger.ErrChainLinkage)

	tampered, err := types.NewBlock(2, b.Timestamp, b.Hash, nil, "A")
	require.NoError(t, err)
	tampered.Timestamp++
	require.ErrorIs(t, nodeA.ApplyBlock(ctx, tampered), ledger.ErrHashIntegrity)
	require.EqualValues(t, 1, nodeA.Tip().Index)
}

func TestReplaceTail(t *testing.T) {
	signer, _ := testsig.CreateSigner(t)
	ctx := context.Background()
	n := newTestNode(t, gossip.NewMemoryNetwork(), "A", []string{"A"})

	// local chain 1..2 produced by "A", transaction in block 2
	orphan := testtransaction.NewRegister(t, signer)
	require.NoError(t, n.AddTransaction(ctx, testtransaction.NewRegister(t, signer)))
	_, err := n.ProduceBlock(ctx)
	require.NoError(t, err)
	require.NoError(t, n.AddTransaction(ctx, orphan))
	_, err = n.ProduceBlock(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n.Tip().Index)
	base := n.ReadChain()[1]

	// longer competing branch from height 2
	pendingTx := testtransaction.NewRegister(t, signer)
	require.NoError(t, n.AddTransaction(ctx, pendingTx))
	b2, err := types.NewBlock(2, base.Timestamp+10, base.Hash, []*types.Transaction{pendingTx}, "A")
	require.NoError(t, err)
	b3, err := types.NewBlock(3, base.Timestamp+20, b2.Hash, nil, "A")
	require.NoError(t, err)

	require.ErrorIs(t, n.ReplaceTail(ctx, nil), ledger.ErrInvalidReplacement)
	require.ErrorIs(t, n.ReplaceTail(ctx, []*types.Block{b2}), ledger.ErrForkNotLonger)

	require.NoError(t, n.ReplaceTail(ctx, []*types.Block{b2, b3}))
	require.Equal(t, b3.Hash, n.Tip().Hash)
	// the transaction of the dropped block is pending again, the one included into the new branch is not
	require.Equal(t, []*types.Transaction{orphan}, n.PendingTransactions())
	require.Equal(t, Idle, n.State())
}

func TestNonValidatorFollowsChain(t *testing.T) {
	signer, _ := testsig.CreateSigner(t)
	net := gossip.NewMemoryNetwork()
	opts := []NodeOption{WithBlockInterval(20 * time.Millisecond), WithGossipOptions(gossip.WithPollInterval(50 * time.Millisecond))}
	validator := newTestNode(t, net, "A", []string{"A"}, opts...)
	follower := newTestNode(t, net, "F", []string{"A"}, opts...)
	require.False(t, follower.IsValidator())
	runNodes(t, validator, follower)

	// transaction submitted to the follower reaches the validator
	tx := testtransaction.NewRegister(t, signer)
	require.NoError(t, follower.SubmitTransaction(context.Background(), tx))
	require.Eventually(t, func() bool {
		_, ok := txIDs(follower.ReadChain())[tx.ID]
		return ok
	}, test.WaitDuration, test.WaitTick)
	require.Equal(t, validator.Tip().Hash, follower.Tip().Hash)
	require.Equal(t, "A", follower.Tip().Validator)
}

func TestNodesConverge(t *testing.T) {
	signer, _ := testsig.CreateSigner(t)
	net := gossip.NewMemoryNetwork()
	authorities := []string{"A", "B", "C"}
	opts := []NodeOption{
		WithBlockInterval(20 * time.Millisecond),
		WithMaxBlockTxs(3),
		WithGossipOptions(gossip.WithPollInterval(50*time.Millisecond), gossip.WithSyncTimeout(200*time.Millisecond)),
	}
	var nodes []*Node
	for _, id := range authorities {
		nodes = append(nodes, newTestNode(t, net, id, authorities, opts...))
	}
	runNodes(t, nodes...)

	var submitted []string
	for i := 0; i < 10; i++ {
		tx := testtransaction.NewRegister(t, signer)
		require.NoError(t, nodes[i%len(nodes)].SubmitTransaction(context.Background(), tx))
		submitted = append(submitted, tx.ID)
	}

	require.Eventually(t, func() bool {
		tip := nodes[0].Tip()
		for _, n := range nodes[1:] {
			if n.Tip().Hash != tip.Hash {
				return false
			}
		}
		committed := txIDs(nodes[0].ReadChain())
		for _, id := range submitted {
			if _, ok := committed[id]; !ok {
				return false
			}
		}
		return true
	}, 2*test.WaitDuration, test.WaitTick)

	chain := nodes[0].ReadChain()
	require.NoError(t, ledger.VerifySegment(chain))
	for _, b := range chain[1:] {
		require.Equal(t, authorities[b.Index%uint64(len(authorities))], b.Validator, "block %d", b.Index)
	}
	for _, n := range nodes {
		require.Empty(t, n.PendingTransactions())
	}
}

func TestState_String(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "proposing", Proposing.String())
	require.Equal(t, "validating", Validating.String())
	require.Equal(t, "appending", Appending.String())
	require.Equal(t, "state(7)", State(7).String())
	txt, err := Validating.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "validating", string(txt))
}

func TestState_UnmarshalText(t *testing.T) {
	var s State
	require.NoError(t, s.UnmarshalText([]byte("appending")))
	require.Equal(t, Appending, s)
	require.EqualError(t, s.UnmarshalText([]byte("mining")), `unknown node state "mining"`)
	require.Equal(t, Appending, s)
}
