package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/habibyte/habibyte/keyvaluedb"
	"github.com/habibyte/habibyte/logger"
	"github.com/habibyte/habibyte/types"
)

/*
Ledger is a hash-chained sequence of blocks starting with the genesis block.

The chain only grows by validated appends, ReplaceTail is the only way to
change already appended blocks and it never touches the history below the
fork point. Ledger is safe for concurrent use: reads share a lock, mutations
hold it exclusively for the duration of the single operation.

When created with Open blocks are also persisted into the key-value store
(keyed by big-endian height) before they become visible in memory.
*/
type Ledger struct {
	mu        sync.RWMutex
	blocks    []*types.Block
	committed map[string]uint64 // tx id -> block index
	db        keyvaluedb.KeyValueDB
	log       *slog.Logger
}

// New returns in-memory ledger containing only the genesis block.
func New() *Ledger {
	l := &Ledger{committed: make(map[string]uint64)}
	l.blocks = []*types.Block{types.Genesis()}
	return l
}

/*
Open loads the chain from "db" verifying every block on the way. Empty
DB is initialized with the genesis block.
*/
func Open(db keyvaluedb.KeyValueDB, log *slog.Logger) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("block store is nil")
	}
	l := &Ledger{committed: make(map[string]uint64), db: db, log: log}

	it := db.First()
	defer it.Close()
	for ; it.Valid(); it.Next() {
		b := &types.Block{}
		if err := it.Value(b); err != nil {
			return nil, fmt.Errorf("decoding block at key %X: %w", it.Key(), err)
		}
		if h, err := keyvaluedb.HeightFromKey(it.Key()); err != nil || h != b.Index {
			return nil, fmt.Errorf("%w: block %d stored under key %X", ErrChainLinkage, b.Index, it.Key())
		}
		if len(l.blocks) == 0 {
			if err := checkGenesis(b); err != nil {
				return nil, err
			}
		} else if err := l.checkNext(l.tip(), b); err != nil {
			return nil, fmt.Errorf("replaying block %d: %w", b.Index, err)
		}
		l.add(b)
	}
	if err := it.Close(); err != nil {
		return nil, fmt.Errorf("closing block iterator: %w", err)
	}

	if len(l.blocks) == 0 {
		g := types.Genesis()
		if err := db.Write(keyvaluedb.HeightKey(g.Index), g); err != nil {
			return nil, fmt.Errorf("storing genesis block: %w", err)
		}
		l.add(g)
	}
	if log != nil {
		log.Info(fmt.Sprintf("ledger loaded, tip %s", l.tip()), logger.Height(l.tip().Index))
	}
	return l, nil
}

/*
CheckLinkage verifies that "next" is a valid successor of "prev": index is
prev.Index+1, previous hash equals prev.Hash and the stored hash of "next"
recomputes from its fields.
*/
func CheckLinkage(prev, next *types.Block) error {
	if prev == nil || next == nil {
		return ErrBlockIsNil
	}
	if next.Index != prev.Index+1 {
		return fmt.Errorf("%w: expected block index %d, got %d", ErrChainLinkage, prev.Index+1, next.Index)
	}
	if next.PreviousHash != prev.Hash {
		return fmt.Errorf("%w: block %d previous hash %s does not match %s", ErrChainLinkage, next.Index, next.PreviousHash, prev.Hash)
	}
	if err := next.VerifyHash(); err != nil {
		return fmt.Errorf("%w: %w", ErrHashIntegrity, err)
	}
	return nil
}

func checkGenesis(b *types.Block) error {
	g := types.Genesis()
	if b.Index != 0 || b.Hash != g.Hash {
		return fmt.Errorf("%w: expected %s, got block %d %s", ErrGenesisMismatch, g.Hash, b.Index, b.Hash)
	}
	if err := b.VerifyHash(); err != nil {
		return fmt.Errorf("%w: %w", ErrHashIntegrity, err)
	}
	return nil
}

/*
Append adds block to the end of the chain. Block must link to the current
tip (ErrChainLinkage) and have correct hash (ErrHashIntegrity). Ledger is
not modified when an error is returned, including the case when persisting
the block fails.
*/
func (l *Ledger) Append(b *types.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkNext(l.tip(), b); err != nil {
		return err
	}
	if l.db != nil {
		if err := l.db.Write(keyvaluedb.HeightKey(b.Index), b); err != nil {
			return fmt.Errorf("persisting block %d: %w", b.Index, err)
		}
	}
	l.add(b)
	return nil
}

// checkNext is CheckLinkage plus test that transactions in the block haven't been committed already.
func (l *Ledger) checkNext(prev, next *types.Block) error {
	if err := CheckLinkage(prev, next); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(next.Transactions))
	for _, tx := range next.Transactions {
		if tx == nil {
			return fmt.Errorf("block %d contains nil transaction", next.Index)
		}
		if _, ok := seen[tx.ID]; ok {
			return fmt.Errorf("%w: %s included twice in block %d", ErrDuplicateTx, tx.ID, next.Index)
		}
		if h, ok := l.committed[tx.ID]; ok && h < next.Index {
			return fmt.Errorf("%w: %s in block %d", ErrDuplicateTx, tx.ID, h)
		}
		seen[tx.ID] = struct{}{}
	}
	return nil
}

func (l *Ledger) add(b *types.Block) {
	l.blocks = append(l.blocks, b)
	for _, tx := range b.Transactions {
		l.committed[tx.ID] = b.Index
	}
}

func (l *Ledger) tip() *types.Block {
	if len(l.blocks) == 0 {
		return nil
	}
	return l.blocks[len(l.blocks)-1]
}

// Tip returns copy of the last block in the chain.
func (l *Ledger) Tip() *types.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tip().Clone()
}

// Height returns index of the last block.
func (l *Ledger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tip().Index
}

/*
Blocks returns snapshot of the chain in index order. Blocks are shared with
the ledger and must not be modified.
*/
func (l *Ledger) Blocks() []*types.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	res := make([]*types.Block, len(l.blocks))
	copy(res, l.blocks)
	return res
}

func (l *Ledger) BlockAt(index uint64) (*types.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.blocks)) {
		return nil, fmt.Errorf("%w: %d, tip is %d", ErrBlockNotFound, index, l.tip().Index)
	}
	return l.blocks[index], nil
}

/*
Range returns blocks with index in the half open range [from, to), "to" is
clipped to the chain length so the result may be shorter than requested
(or empty).
*/
func (l *Ledger) Range(from, to uint64) []*types.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n := uint64(len(l.blocks)); to > n {
		to = n
	}
	if from >= to {
		return nil
	}
	res := make([]*types.Block, to-from)
	copy(res, l.blocks[from:to])
	return res
}

// IsCommitted returns true when transaction with given id is part of the chain.
func (l *Ledger) IsCommitted(txID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.committed[txID]
	return ok
}

/*
VerifyChain walks the whole chain and re-checks genesis, linkage and hash of
every block.
*/
func (l *Ledger) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifySegment(l.blocks)
}

/*
VerifySegment checks that blocks form a valid chain segment: each block links
to its predecessor in the slice. When the segment starts with index 0 the
first block must be the genesis block.
*/
func VerifySegment(blocks []*types.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	if blocks[0] == nil {
		return ErrBlockIsNil
	}
	if blocks[0].Index == 0 {
		if err := checkGenesis(blocks[0]); err != nil {
			return err
		}
	} else if err := blocks[0].VerifyHash(); err != nil {
		return fmt.Errorf("%w: %w", ErrHashIntegrity, err)
	}
	for i := 1; i < len(blocks); i++ {
		if err := CheckLinkage(blocks[i-1], blocks[i]); err != nil {
			return err
		}
	}
	return nil
}

/*
ReplaceTail replaces blocks starting from blocks[0].Index with "blocks".
The first block must link to the local block below the fork point and the
resulting chain must be strictly longer than the current one.

Returns transactions of the dropped blocks which are not part of the new
tail, these should be returned to the mempool.
*/
func (l *Ledger) ReplaceTail(blocks []*types.Block) ([]*types.Transaction, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: empty segment", ErrInvalidReplacement)
	}
	if err := VerifySegment(blocks); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReplacement, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	forkAt := blocks[0].Index
	if forkAt == 0 || forkAt > uint64(len(l.blocks)) {
		return nil, fmt.Errorf("%w: segment starts at %d, local tip is %d", ErrInvalidReplacement, forkAt, l.tip().Index)
	}
	if newLen := forkAt + uint64(len(blocks)); newLen <= uint64(len(l.blocks)) {
		return nil, fmt.Errorf("%w: new tip %d, local tip %d", ErrForkNotLonger, newLen-1, l.tip().Index)
	}
	if err := CheckLinkage(l.blocks[forkAt-1], blocks[0]); err != nil {
		return nil, err
	}

	oldTail := l.blocks[forkAt:]
	// committed index without the old tail, used to check duplicates in the new one
	committed := make(map[string]uint64, len(l.committed))
	for id, h := range l.committed {
		if h < forkAt {
			committed[id] = h
		}
	}
	newIDs := make(map[string]struct{})
	for _, b := range blocks {
		for _, tx := range b.Transactions {
			if _, ok := committed[tx.ID]; ok {
				return nil, fmt.Errorf("%w: %s in block %d", ErrDuplicateTx, tx.ID, committed[tx.ID])
			}
			if _, ok := newIDs[tx.ID]; ok {
				return nil, fmt.Errorf("%w: %s included twice in the segment", ErrDuplicateTx, tx.ID)
			}
			newIDs[tx.ID] = struct{}{}
		}
	}

	if l.db != nil {
		if err := l.persistTail(oldTail, blocks); err != nil {
			return nil, fmt.Errorf("persisting replacement chain: %w", err)
		}
	}

	var orphaned []*types.Transaction
	for _, b := range oldTail {
		for _, tx := range b.Transactions {
			if _, ok := newIDs[tx.ID]; !ok {
				orphaned = append(orphaned, tx)
			}
		}
	}

	l.blocks = append(l.blocks[:forkAt:forkAt], blocks...)
	l.committed = committed
	for _, b := range blocks {
		for _, tx := range b.Transactions {
			l.committed[tx.ID] = b.Index
		}
	}
	if l.log != nil {
		l.log.Info(fmt.Sprintf("replaced chain tail from block %d, %d blocks dropped, %d added", forkAt, len(oldTail), len(blocks)),
			logger.Height(l.tip().Index))
	}
	return orphaned, nil
}

func (l *Ledger) persistTail(oldTail, newTail []*types.Block) (rErr error) {
	tx, err := l.db.StartTx()
	if err != nil {
		return err
	}
	defer func() {
		if rErr != nil {
			rErr = errors.Join(rErr, tx.Rollback())
		}
	}()
	for _, b := range oldTail {
		if err := tx.Delete(keyvaluedb.HeightKey(b.Index)); err != nil {
			return err
		}
	}
	for _, b := range newTail {
		if err := tx.Write(keyvaluedb.HeightKey(b.Index), b); err != nil {
			return err
		}
	}
	return tx.Commit()
}
