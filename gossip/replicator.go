package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/habibyte/habibyte/consensus"
	"github.com/habibyte/habibyte/ledger"
	"github.com/habibyte/habibyte/logger"
	"github.com/habibyte/habibyte/network/protocol/chainsync"
	"github.com/habibyte/habibyte/observability"
	"github.com/habibyte/habibyte/types"
	"github.com/habibyte/habibyte/util"
)

type (
	// Inbound is a payload received from peer "From".
	Inbound struct {
		From    string
		Payload []byte
	}

	// Transport delivers payloads between nodes. Broadcast reaches all peers
	// (best effort), Send is directed to single peer.
	Transport interface {
		Broadcast(ctx context.Context, payload []byte) error
		Send(ctx context.Context, peerID string, payload []byte) error
		Received() <-chan Inbound
		Peers() []string
	}

	// Chain is the local node state the replicator feeds.
	Chain interface {
		Tip() *types.Block
		// Range returns local blocks with index in [from, to).
		Range(from, to uint64) []*types.Block
		// ApplyBlock validates and appends block on top of the current tip.
		ApplyBlock(ctx context.Context, b *types.Block) error
		// AddTransaction submits transaction to the mempool.
		AddTransaction(ctx context.Context, tx *types.Transaction) error
		// ReplaceTail validates and switches to the branch starting with blocks[0].
		ReplaceTail(ctx context.Context, blocks []*types.Block) error
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}

	// Replicator disseminates transactions and blocks and keeps the local chain
	// in sync with peers. Blocks which are ahead of the local tip are queued and
	// the missing range is requested from peers with chain sync.
	Replicator struct {
		self      string
		transport Transport
		chain     Chain
		conf      configuration
		seen      *lru.Cache[string, struct{}]
		log       *slog.Logger

		mu       sync.Mutex
		queue    map[uint64]*types.Block
		sync     *syncState
		lastPoll time.Time

		mRecv metric.Int64Counter
		mSent metric.Int64Counter
		mSync metric.Int64Counter
	}

	syncState struct {
		req   *chainsync.Request
		peers []string // peers not tried yet
		sent  time.Time
	}
)

func NewReplicator(self string, transport Transport, chain Chain, obs Observability, opts ...Option) (*Replicator, error) {
	if self == "" {
		return nil, errors.New("node identifier is empty")
	}
	if transport == nil {
		return nil, errors.New("transport is nil")
	}
	if chain == nil {
		return nil, errors.New("chain is nil")
	}
	conf := defaultConfiguration()
	for _, o := range opts {
		o(&conf)
	}
	if err := conf.isValid(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	seen, err := lru.New[string, struct{}](conf.seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating seen message cache: %w", err)
	}
	r := &Replicator{
		self:      self,
		transport: transport,
		chain:     chain,
		conf:      conf,
		seen:      seen,
		log:       obs.Logger(),
		queue:     make(map[uint64]*types.Block),
		lastPoll:  time.Now(),
	}
	if err := r.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return r, nil
}

/*
Run processes inbound messages until ctx is cancelled. Timed out sync
requests are retried with other peers and, when idle, peers are polled
for blocks above the local tip.
*/
func (r *Replicator) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.conf.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-r.transport.Received():
			if !ok {
				return errors.New("transport receive channel closed")
			}
			r.HandleInbound(ctx, in)
		case <-ticker.C:
			r.checkSync(ctx)
		}
	}
}

// BroadcastTransaction sends transaction to all peers.
func (r *Replicator) BroadcastTransaction(ctx context.Context, tx *types.Transaction) error {
	return r.broadcast(ctx, TransactionMessage(tx))
}

// BroadcastBlock sends block to all peers.
func (r *Replicator) BroadcastBlock(ctx context.Context, b *types.Block) error {
	return r.broadcast(ctx, BlockMessage(b))
}

func (r *Replicator) broadcast(ctx context.Context, m *Message) error {
	payload, err := Encode(m)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", m.Kind, err)
	}
	// own messages echoed back by the transport are ignored
	r.seen.Add(ContentHash(payload), struct{}{})
	err = r.transport.Broadcast(ctx, payload)
	r.mSent.Add(ctx, 1, metric.WithAttributes(kindAttr(m.Kind), observability.ErrStatus(err)))
	if err != nil {
		return fmt.Errorf("broadcasting %s: %w", m.Kind, err)
	}
	return nil
}

func (r *Replicator) send(ctx context.Context, peerID string, m *Message) error {
	payload, err := Encode(m)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", m.Kind, err)
	}
	err = r.transport.Send(ctx, peerID, payload)
	r.mSent.Add(ctx, 1, metric.WithAttributes(kindAttr(m.Kind), observability.ErrStatus(err)))
	return err
}

/*
HandleInbound processes single payload received from the peer. Errors are
logged and never stop the processing, redundant deliveries are dropped
based on the content hash of the payload.
*/
func (r *Replicator) HandleInbound(ctx context.Context, in Inbound) {
	if in.From == r.self {
		return
	}
	if seen, _ := r.seen.ContainsOrAdd(ContentHash(in.Payload), struct{}{}); seen {
		r.mRecv.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "duplicate")))
		return
	}

	m, err := Decode(in.Payload)
	if err != nil {
		r.mRecv.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "invalid")))
		r.log.DebugContext(ctx, fmt.Sprintf("dropping payload from %s", in.From), logger.Error(err))
		return
	}
	r.log.Log(ctx, logger.LevelTrace, fmt.Sprintf("received %s from %s", m.Kind, in.From), logger.Data(m))

	switch m.Kind {
	case KindTransaction:
		err = r.chain.AddTransaction(ctx, m.Transaction)
	case KindBlock:
		err = r.handleBlock(ctx, in.From, m.Block)
	case KindSyncRequest:
		err = r.handleSyncRequest(ctx, in.From, m.SyncRequest)
	case KindSyncResponse:
		err = r.handleSyncResponse(ctx, in.From, m.SyncResponse)
	}
	r.mRecv.Add(ctx, 1, metric.WithAttributes(kindAttr(m.Kind), observability.ErrStatus(err)))
	if err != nil {
		// duplicates and stale blocks are expected with gossip
		r.log.DebugContext(ctx, fmt.Sprintf("handling %s from %s", m.Kind, in.From), logger.Error(err))
	}
}

func (r *Replicator) handleBlock(ctx context.Context, from string, b *types.Block) error {
	tip := r.chain.Tip()
	switch {
	case b.Index <= tip.Index:
		return fmt.Errorf("%w: received block %d, local tip %d", consensus.ErrStaleHeight, b.Index, tip.Index)
	case b.Index > tip.Index+1:
		if err := r.enqueue(b); err != nil {
			return err
		}
		r.requestSync(ctx, from, tip.Index+1, b.Index)
		return nil
	}

	err := r.chain.ApplyBlock(ctx, b)
	switch {
	case err == nil:
		r.drainQueue(ctx, from)
		return nil
	case errors.Is(err, ledger.ErrChainLinkage):
		// the sender builds on a different branch, fetch overlapping range to find the fork point
		if qErr := r.enqueue(b); qErr == nil {
			r.requestSync(ctx, from, r.forkStart(b.Index), b.Index)
		}
	case errors.Is(err, ledger.ErrHashIntegrity):
		// the copy of "from" is corrupted, the other peers may have the original
		r.requestSyncAvoiding(ctx, from, b.Index, b.Index+1)
	}
	return err
}

func (r *Replicator) handleSyncRequest(ctx context.Context, from string, req *chainsync.Request) error {
	if req == nil || req.ID == uuid.Nil {
		return errors.New("sync request without id")
	}
	resp := &chainsync.Response{ID: req.ID, Status: chainsync.Ok}
	if err := req.IsValid(); err != nil {
		resp.Status = chainsync.InvalidRequest
		resp.Message = err.Error()
	} else {
		to := min(req.To, req.From+r.conf.maxSyncBlocks)
		if resp.Blocks = r.chain.Range(req.From, to); len(resp.Blocks) == 0 {
			resp.Status = chainsync.NotFound
			resp.Message = fmt.Sprintf("local tip is %d", r.chain.Tip().Index)
		}
	}
	r.log.DebugContext(ctx, fmt.Sprintf("sync request %s from %s: %s", req, from, resp.Pretty()))
	if err := r.send(ctx, from, SyncResponseMessage(resp)); err != nil {
		return fmt.Errorf("sending sync response: %w", err)
	}
	return nil
}

func (r *Replicator) handleSyncResponse(ctx context.Context, from string, resp *chainsync.Response) error {
	if err := resp.IsValid(); err != nil {
		return fmt.Errorf("invalid sync response: %w", err)
	}
	r.mu.Lock()
	s := r.sync
	if s == nil || s.req.ID != resp.ID {
		r.mu.Unlock()
		return fmt.Errorf("unexpected sync response %s", resp.ID)
	}
	r.sync = nil
	r.mu.Unlock()
	r.log.DebugContext(ctx, fmt.Sprintf("sync response %s from %s: %s", resp.ID, from, resp.Pretty()))

	if resp.Status != chainsync.Ok || len(resp.Blocks) == 0 {
		// the peer doesn't have the blocks, try the next one if something is still missing
		if r.queueLen() > 0 && len(s.peers) > 0 {
			r.mu.Lock()
			r.sync = s
			r.mu.Unlock()
			r.sendSyncRequest(ctx)
		}
		return nil
	}

	err := r.applySegment(ctx, from, resp.Blocks)
	if err == nil {
		r.dropUnlinked(ctx, from, resp.Blocks)
	}
	r.drainQueue(ctx, from)
	if err == nil && uint64(len(resp.Blocks)) >= r.conf.maxSyncBlocks {
		// the peer may have more
		next := r.chain.Tip().Index + 1
		r.requestSync(ctx, from, next, next+r.conf.maxSyncBlocks)
	}
	return err
}

/*
applySegment applies consecutive blocks received by chain sync. Blocks which
the local chain already has are skipped, when the segment diverges from the
local chain the local tail is replaced (provided the new branch is longer).
*/
func (r *Replicator) applySegment(ctx context.Context, from string, blocks []*types.Block) error {
	tip := r.chain.Tip()
	i := 0
	for ; i < len(blocks) && blocks[i].Index <= tip.Index; i++ {
		if local := r.chain.Range(blocks[i].Index, blocks[i].Index+1); len(local) == 1 && local[0].Hash != blocks[i].Hash {
			break
		}
	}
	if i == len(blocks) {
		return nil
	}

	if blocks[i].Index <= tip.Index {
		segment := append(slices.Clone(blocks[i:]), r.queuedAfter(blocks[len(blocks)-1].Index)...)
		if err := r.chain.ReplaceTail(ctx, segment); err != nil {
			if errors.Is(err, ledger.ErrChainLinkage) && i == 0 && blocks[0].Index > 1 {
				r.enqueue(blocks...)
				r.requestSync(ctx, from, r.forkStart(blocks[0].Index), blocks[0].Index)
			}
			return fmt.Errorf("switching to branch from block %d: %w", segment[0].Index, err)
		}
		r.log.InfoContext(ctx, fmt.Sprintf("switched to the branch of %s from block %d", from, segment[0].Index), logger.Height(segment[len(segment)-1].Index))
		return nil
	}

	for ; i < len(blocks); i++ {
		if err := r.chain.ApplyBlock(ctx, blocks[i]); err != nil {
			if errors.Is(err, consensus.ErrStaleHeight) {
				continue
			}
			if errors.Is(err, ledger.ErrChainLinkage) {
				r.enqueue(blocks[i:]...)
				r.requestSync(ctx, from, r.forkStart(blocks[i].Index), blocks[i].Index)
			}
			return fmt.Errorf("applying synced block %d: %w", blocks[i].Index, err)
		}
	}
	return nil
}

/*
drainQueue applies queued blocks which now follow the tip. When blocks
are still missing in front of the queue sync is requested.
*/
func (r *Replicator) drainQueue(ctx context.Context, from string) {
	for {
		tip := r.chain.Tip()
		r.mu.Lock()
		maps.DeleteFunc(r.queue, func(idx uint64, _ *types.Block) bool { return idx <= tip.Index })
		b, ok := r.queue[tip.Index+1]
		delete(r.queue, tip.Index+1)
		var lowest uint64
		for idx := range r.queue {
			if lowest == 0 || idx < lowest {
				lowest = idx
			}
		}
		r.mu.Unlock()

		if !ok {
			if lowest != 0 {
				r.requestSync(ctx, from, tip.Index+1, lowest)
			}
			return
		}
		if err := r.chain.ApplyBlock(ctx, b); err != nil {
			r.log.DebugContext(ctx, fmt.Sprintf("applying queued block %d", b.Index), logger.Error(err))
			if errors.Is(err, ledger.ErrChainLinkage) {
				r.enqueue(b)
				r.requestSync(ctx, from, r.forkStart(b.Index), b.Index)
			}
			return
		}
	}
}

/*
dropUnlinked removes the queued branch following the tip when it doesn't
link to the tip and the segment received from "from" doesn't contain its
parent. The segment matched the local chain so "from" doesn't have the
branch and asking it again would return the same segment.
*/
func (r *Replicator) dropUnlinked(ctx context.Context, from string, segment []*types.Block) {
	tip := r.chain.Tip()
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.queue[tip.Index+1]
	if !ok || b.PreviousHash == tip.Hash {
		return
	}
	if slices.ContainsFunc(segment, func(s *types.Block) bool { return s.Hash == b.PreviousHash }) {
		return
	}
	for ok {
		delete(r.queue, b.Index)
		r.log.DebugContext(ctx, fmt.Sprintf("dropping queued block %d, %s has no branch it links to", b.Index, from))
		next, found := r.queue[b.Index+1]
		ok = found && next.PreviousHash == b.Hash
		b = next
	}
}

// verifyQueued checks the block as far as possible without its predecessor.
func (r *Replicator) verifyQueued(b *types.Block) error {
	if err := b.VerifyHash(); err != nil {
		return fmt.Errorf("%w: %w", ledger.ErrHashIntegrity, err)
	}
	if r.conf.proposer == nil {
		return nil
	}
	if proposer := r.conf.proposer(b.Index); b.Validator != proposer {
		return fmt.Errorf("%w: block %d validator %q, expected %q", consensus.ErrUnauthorizedProposer, b.Index, b.Validator, proposer)
	}
	return nil
}

/*
enqueue keeps blocks until their predecessors arrive. Blocks which fail
verifyQueued are not kept, the first such error is returned.
*/
func (r *Replicator) enqueue(blocks ...*types.Block) error {
	var rErr error
	for _, b := range blocks {
		if err := r.verifyQueued(b); err != nil {
			r.log.Debug(fmt.Sprintf("not queueing block %d", b.Index), logger.Error(err))
			if rErr == nil {
				rErr = err
			}
			continue
		}
		r.mu.Lock()
		if _, ok := r.queue[b.Index]; !ok && len(r.queue) >= r.conf.maxQueuedBlocks {
			r.log.Warn(fmt.Sprintf("block queue is full, dropping block %d", b.Index))
		} else {
			r.queue[b.Index] = b
		}
		r.mu.Unlock()
	}
	return rErr
}

// queuedAfter returns queued blocks with consecutive indexes starting from idx+1.
func (r *Replicator) queuedAfter(idx uint64) []*types.Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*types.Block
	for b, ok := r.queue[idx+1]; ok; b, ok = r.queue[idx+1] {
		res = append(res, b)
		idx++
	}
	return res
}

func (r *Replicator) queueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Queued returns indexes of the blocks waiting for the missing predecessors.
func (r *Replicator) Queued() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.queue))
}

func (r *Replicator) forkStart(idx uint64) uint64 {
	if idx <= r.conf.forkDepth {
		return 1
	}
	return idx - r.conf.forkDepth
}

/*
requestSync asks blocks [from, to) from the "preferred" peer first and from
other peers in random order when it doesn't respond in time. Only one sync
request is in flight at a time.
*/
func (r *Replicator) requestSync(ctx context.Context, preferred string, from, to uint64) {
	r.startSync(ctx, preferred, "", from, to)
}

// requestSyncAvoiding asks blocks [from, to) from peers other than "avoid" in random order.
func (r *Replicator) requestSyncAvoiding(ctx context.Context, avoid string, from, to uint64) {
	r.startSync(ctx, "", avoid, from, to)
}

func (r *Replicator) startSync(ctx context.Context, preferred, avoid string, from, to uint64) {
	if to <= from {
		return
	}
	to = min(to, from+r.conf.maxSyncBlocks)

	r.mu.Lock()
	if r.sync != nil && time.Since(r.sync.sent) < r.conf.syncTimeout {
		r.mu.Unlock()
		return
	}
	var peers []string
	if preferred != "" && preferred != r.self {
		peers = append(peers, preferred)
	}
	for _, p := range util.ShuffleSliceCopy(r.transport.Peers()) {
		if p != preferred && p != avoid && p != r.self {
			peers = append(peers, p)
		}
	}
	r.sync = &syncState{req: chainsync.NewRequest(r.self, from, to), peers: peers}
	r.mu.Unlock()

	r.sendSyncRequest(ctx)
}

// sendSyncRequest sends the pending sync request to the next peer in the list.
func (r *Replicator) sendSyncRequest(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.sync != nil {
		if len(r.sync.peers) == 0 {
			r.log.DebugContext(ctx, fmt.Sprintf("no more peers to ask blocks [%d, %d)", r.sync.req.From, r.sync.req.To))
			r.sync = nil
			return
		}
		peerID := r.sync.peers[0]
		r.sync.peers = r.sync.peers[1:]
		r.sync.sent = time.Now()
		r.log.Log(ctx, logger.LevelTrace, "sending chain sync request", logger.Data(r.sync.req))
		err := r.send(ctx, peerID, SyncRequestMessage(r.sync.req))
		r.mSync.Add(ctx, 1, metric.WithAttributes(observability.ErrStatus(err)))
		if err == nil {
			return
		}
		r.log.DebugContext(ctx, fmt.Sprintf("sending sync request to %s", peerID), logger.Error(err))
	}
}

/*
checkSync retries timed out sync request with the next peer and, when
there is nothing in flight, asks a random peer for blocks above the tip.
*/
func (r *Replicator) checkSync(ctx context.Context) {
	r.mu.Lock()
	s := r.sync
	timedOut := s != nil && time.Since(s.sent) >= r.conf.syncTimeout
	poll := s == nil && (len(r.queue) > 0 || (r.conf.pollInterval > 0 && time.Since(r.lastPoll) >= r.conf.pollInterval))
	if poll {
		r.lastPoll = time.Now()
	}
	r.mu.Unlock()

	switch {
	case timedOut:
		r.log.DebugContext(ctx, fmt.Sprintf("sync request %s timed out", s.req.ID))
		r.sendSyncRequest(ctx)
	case poll:
		from := r.chain.Tip().Index + 1
		r.requestSync(ctx, "", from, from+r.conf.maxSyncBlocks)
	}
}

func kindAttr(k MessageKind) attribute.KeyValue {
	return observability.MsgKindKey.String(k.String())
}

func (r *Replicator) initMetrics(obs Observability) (err error) {
	m := obs.Meter("gossip")

	if r.mRecv, err = m.Int64Counter("messages.received",
		metric.WithDescription("Number of messages received from peers, by kind and status"),
		metric.WithUnit("{message}")); err != nil {
		return fmt.Errorf("creating received messages counter: %w", err)
	}
	if r.mSent, err = m.Int64Counter("messages.sent",
		metric.WithDescription("Number of messages sent to peers, by kind and status"),
		metric.WithUnit("{message}")); err != nil {
		return fmt.Errorf("creating sent messages counter: %w", err)
	}
	if r.mSync, err = m.Int64Counter("sync.requests",
		metric.WithDescription("Number of chain sync requests sent"),
		metric.WithUnit("{request}")); err != nil {
		return fmt.Errorf("creating sync request counter: %w", err)
	}
	if _, err = m.Int64ObservableGauge("queue.length",
		metric.WithDescription("Number of blocks waiting for missing predecessors"),
		metric.WithInt64Callback(func(ctx context.Context, io metric.Int64Observer) error {
			io.Observe(int64(r.queueLen()))
			return nil
		})); err != nil {
		return fmt.Errorf("creating queue length gauge: %w", err)
	}
	return nil
}
