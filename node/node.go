package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/habibyte/habibyte/consensus"
	"github.com/habibyte/habibyte/gossip"
	"github.com/habibyte/habibyte/ledger"
	"github.com/habibyte/habibyte/logger"
	"github.com/habibyte/habibyte/mempool"
	"github.com/habibyte/habibyte/observability"
	"github.com/habibyte/habibyte/types"
)

var (
	ErrLedgerIsNil    = errors.New("ledger is nil")
	ErrEngineIsNil    = errors.New("consensus engine is nil")
	ErrTransportIsNil = errors.New("transport is nil")
)

type (
	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}

	// Node ties together the ledger, the mempool, the PoA engine and the gossip
	// replicator. Three actors share the node state: transaction submission,
	// the block production loop and the inbound gossip loop. Ledger and mempool
	// mutations are serialized by the node, reads proceed concurrently.
	Node struct {
		id         string
		conf       *configuration
		ledger     *ledger.Ledger
		mempool    *mempool.Mempool
		engine     consensus.Scheduler
		replicator *gossip.Replicator

		mu    sync.Mutex // held for the duration of single chain mutation
		state atomic.Int32

		log    *slog.Logger
		tracer trace.Tracer

		mBlocks    metric.Int64Counter
		mBlockSize metric.Int64Counter
	}
)

/*
New creates node "id" on top of the ledger "l". The node proposes blocks
only when "id" is member of the authority set of the engine.
*/
func New(id string, l *ledger.Ledger, engine consensus.Scheduler, transport gossip.Transport, observe Observability, opts ...NodeOption) (*Node, error) {
	if id == "" {
		return nil, errors.New("node identifier is empty")
	}
	if l == nil {
		return nil, ErrLedgerIsNil
	}
	if engine == nil {
		return nil, ErrEngineIsNil
	}
	if transport == nil {
		return nil, ErrTransportIsNil
	}
	conf, err := loadConfiguration(opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	n := &Node{
		id:     id,
		conf:   conf,
		ledger: l,
		engine: engine,
		log:    observe.Logger(),
		tracer: observe.Tracer("node"),
	}
	if n.mempool, err = mempool.New(conf.mempoolSize, l.IsCommitted, observe); err != nil {
		return nil, fmt.Errorf("creating mempool: %w", err)
	}
	gossipOpts := append([]gossip.Option{gossip.WithProposerSchedule(engine.CurrentProposer)}, conf.gossipOptions...)
	if n.replicator, err = gossip.NewReplicator(id, transport, n, observe, gossipOpts...); err != nil {
		return nil, fmt.Errorf("creating replicator: %w", err)
	}
	if err := n.initMetrics(observe); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	engine.ObserveHeight(l.Tip().Index)
	return n, nil
}

func (n *Node) initMetrics(observe Observability) (err error) {
	m := observe.Meter("node")

	if n.mBlocks, err = m.Int64Counter("blocks",
		metric.WithDescription("Number of blocks appended to the ledger, by source and status"),
		metric.WithUnit("{block}")); err != nil {
		return fmt.Errorf("creating block counter: %w", err)
	}
	if n.mBlockSize, err = m.Int64Counter("block.size",
		metric.WithDescription("Number of transactions in the blocks produced by the node"),
		metric.WithUnit("{transaction}")); err != nil {
		return fmt.Errorf("creating block size counter: %w", err)
	}
	if _, err = m.Int64ObservableGauge("height",
		metric.WithDescription("Index of the tip of the local chain"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			o.Observe(int64(n.ledger.Height()))
			return nil
		})); err != nil {
		return fmt.Errorf("creating height gauge: %w", err)
	}
	if _, err = m.Int64ObservableGauge("mempool.size",
		metric.WithDescription("Number of pending transactions"),
		metric.WithUnit("{transaction}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			o.Observe(int64(n.mempool.Len()))
			return nil
		})); err != nil {
		return fmt.Errorf("creating mempool size gauge: %w", err)
	}
	return nil
}

// Run starts the gossip replicator and the block production loop, blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := n.replicator.Run(ctx)
		n.log.DebugContext(ctx, "replicator exit", logger.Error(err))
		return err
	})

	g.Go(func() error {
		err := n.loop(ctx)
		n.log.DebugContext(ctx, "block production loop exit", logger.Error(err))
		return err
	})

	return g.Wait()
}

func (n *Node) loop(ctx context.Context) error {
	if !n.IsValidator() {
		n.log.InfoContext(ctx, "node is not in the authority set, block production disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(n.conf.blockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := n.ProduceBlock(ctx); err != nil {
				n.log.WarnContext(ctx, "block production failed", logger.Error(err))
			}
		}
	}
}

/*
ProduceBlock proposes block of pending transactions when it is the node's
turn for the next height and the mempool is not empty. Returns nil block
when nothing was produced. Produced block is appended to the local ledger
and broadcast to peers.
*/
func (n *Node) ProduceBlock(ctx context.Context) (*types.Block, error) {
	b, err := n.proposeAndAppend(ctx)
	if err != nil || b == nil {
		return nil, err
	}
	// best effort, peers which miss the block get it via chain sync
	if err := n.replicator.BroadcastBlock(ctx, b); err != nil {
		n.log.WarnContext(ctx, fmt.Sprintf("broadcasting block %d", b.Index), logger.Error(err))
	}
	return b, nil
}

func (n *Node) proposeAndAppend(ctx context.Context) (_ *types.Block, rErr error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.setState(Idle)

	tip := n.ledger.Tip()
	if n.engine.CurrentProposer(tip.Index+1) != n.id || n.mempool.Len() == 0 {
		return nil, nil
	}

	var b *types.Block
	ctx, span := n.tracer.Start(ctx, "Node.ProduceBlock", trace.WithAttributes(observability.Height(tip.Index+1)))
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		if rErr != nil || b != nil {
			n.mBlocks.Add(ctx, 1, metric.WithAttributes(attribute.String("source", "local"), observability.ErrStatus(rErr)))
		}
		span.End()
	}()

	n.setState(Proposing)
	pending := n.mempool.DrainCandidates(ctx, n.conf.maxBlockTxs)
	if len(pending) == 0 {
		return nil, nil
	}
	defer func() {
		// on failure transactions stay pending, retried on the next trigger
		if b == nil {
			n.mempool.Restore(pending)
		}
	}()

	proposal, err := n.engine.ProposeBlock(tip, pending, n.id)
	if err != nil {
		return nil, fmt.Errorf("proposing block %d: %w", tip.Index+1, err)
	}
	if proposal == nil {
		return nil, nil
	}

	n.setState(Validating)
	if err := n.engine.ValidateBlock(proposal, tip); err != nil {
		return nil, fmt.Errorf("validating own proposal %d: %w", proposal.Index, err)
	}
	n.setState(Appending)
	if err := n.ledger.Append(proposal); err != nil {
		return nil, fmt.Errorf("appending own proposal %d: %w", proposal.Index, err)
	}
	b = proposal
	n.engine.ObserveHeight(b.Index)
	n.mBlockSize.Add(ctx, int64(len(b.Transactions)))
	n.log.InfoContext(ctx, fmt.Sprintf("produced block %d with %d transactions", b.Index, len(b.Transactions)), logger.Height(b.Index))
	return b, nil
}

/*
ApplyBlock validates block received from peer against the local tip and
appends it. Block for a height which already has a block is rejected with
consensus.ErrStaleHeight, the first valid block for the height wins.
*/
func (n *Node) ApplyBlock(ctx context.Context, b *types.Block) (rErr error) {
	if b == nil {
		return ledger.ErrBlockIsNil
	}
	ctx, span := n.tracer.Start(ctx, "Node.ApplyBlock", trace.WithAttributes(observability.Height(b.Index)))
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		n.mBlocks.Add(ctx, 1, metric.WithAttributes(attribute.String("source", "peer"), observability.ErrStatus(rErr)))
		span.End()
	}()

	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.setState(Idle)

	tip := n.ledger.Tip()
	if b.Index <= tip.Index {
		return fmt.Errorf("%w: block %d, local tip %d", consensus.ErrStaleHeight, b.Index, tip.Index)
	}
	n.setState(Validating)
	if err := n.engine.ValidateBlock(b, tip); err != nil {
		return err
	}
	n.setState(Appending)
	if err := n.ledger.Append(b); err != nil {
		return err
	}
	n.mempool.RemoveCommitted(ctx, b.TxIDs())
	n.engine.ObserveHeight(b.Index)
	n.log.InfoContext(ctx, fmt.Sprintf("appended block %d of %s with %d transactions", b.Index, b.Validator, len(b.Transactions)), logger.Height(b.Index))
	return nil
}

/*
ReplaceTail switches the local chain to the branch starting with blocks[0].
The branch is validated block by block under PoA and must be longer than
the local chain. Transactions of the dropped blocks which are not part of
the new branch return to the mempool.
*/
func (n *Node) ReplaceTail(ctx context.Context, blocks []*types.Block) error {
	if len(blocks) == 0 || blocks[0] == nil || blocks[0].Index == 0 {
		return fmt.Errorf("%w: invalid branch", ledger.ErrInvalidReplacement)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.setState(Idle)

	n.setState(Validating)
	base, err := n.ledger.BlockAt(blocks[0].Index - 1)
	if err != nil {
		return fmt.Errorf("loading fork base: %w", err)
	}
	if err := consensus.ValidateSegment(n.engine, base, blocks); err != nil {
		return err
	}
	n.setState(Appending)
	orphaned, err := n.ledger.ReplaceTail(blocks)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		n.mempool.RemoveCommitted(ctx, b.TxIDs())
	}
	n.mempool.Restore(orphaned)
	n.engine.ObserveHeight(n.ledger.Tip().Index)
	n.log.InfoContext(ctx, fmt.Sprintf("switched to branch from block %d, %d transactions returned to mempool", blocks[0].Index, len(orphaned)),
		logger.Height(n.ledger.Tip().Index))
	return nil
}

/*
SubmitTransaction adds client transaction to the mempool and broadcasts it
to peers so that whoever proposes the next block can include it.
*/
func (n *Node) SubmitTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := n.mempool.Submit(ctx, tx); err != nil {
		return err
	}
	if err := n.replicator.BroadcastTransaction(ctx, tx); err != nil {
		n.log.WarnContext(ctx, "broadcasting transaction", logger.TxID(tx.ID), logger.Error(err))
	}
	return nil
}

// AddTransaction adds transaction received from peer to the mempool.
func (n *Node) AddTransaction(ctx context.Context, tx *types.Transaction) error {
	return n.mempool.Submit(ctx, tx)
}

// ReadChain returns snapshot of the whole chain, genesis first.
func (n *Node) ReadChain() []*types.Block {
	return n.ledger.Blocks()
}

func (n *Node) Tip() *types.Block {
	return n.ledger.Tip()
}

func (n *Node) Range(from, to uint64) []*types.Block {
	return n.ledger.Range(from, to)
}

func (n *Node) BlockAt(height uint64) (*types.Block, error) {
	return n.ledger.BlockAt(height)
}

// PendingTransactions returns transactions waiting in the mempool in submission order.
func (n *Node) PendingTransactions() []*types.Transaction {
	return n.mempool.Pending()
}

func (n *Node) ID() string { return n.id }

func (n *Node) State() State {
	return State(n.state.Load())
}

func (n *Node) setState(s State) {
	n.state.Store(int32(s))
}

// IsValidator returns true when the node is member of the authority set.
func (n *Node) IsValidator() bool {
	return n.engine.IsAuthorized(n.id)
}

// Authorities returns the authority set in proposer rotation order.
func (n *Node) Authorities() []string {
	return n.engine.Authorities().IDs()
}

// Replicator returns the gossip replicator of the node.
func (n *Node) Replicator() *gossip.Replicator {
	return n.replicator
}
