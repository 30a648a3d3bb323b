package consensus

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/habibyte/habibyte/ledger"
	"github.com/habibyte/habibyte/types"
)

var (
	ErrUnauthorizedProposer = errors.New("unauthorized proposer")
	ErrUnknownValidator     = errors.New("unknown validator")
	ErrInvalidTransaction   = errors.New("invalid transaction in block")
	// ErrStaleHeight is returned for a block at height which already has accepted block.
	ErrStaleHeight = errors.New("stale block height")
)

/*
Engine is the block production policy. Ledger, mempool and replication
only depend on this interface so the policy can be replaced.
*/
type Engine interface {
	// ValidateBlock checks whether "b" is acceptable successor of "tip".
	ValidateBlock(b, tip *types.Block) error
	// ProposeBlock builds the next block when it is "self"'s turn, returns nil block otherwise.
	ProposeBlock(tip *types.Block, pending []*types.Transaction, self string) (*types.Block, error)
}

// Scheduler is an Engine which rotates the right to propose among the authority set.
type Scheduler interface {
	Engine
	IsAuthorized(validatorID string) bool
	CurrentProposer(height uint64) string
	// ObserveHeight reports the height of the local chain tip.
	ObserveHeight(height uint64)
	Authorities() *AuthoritySet
}

var _ Scheduler = (*PoA)(nil)

type (
	// PoA is round-robin Proof of Authority.
	PoA struct {
		authorities *AuthoritySet
		now         func() time.Time
		round       atomic.Uint64
	}

	Option func(*PoA)
)

// WithClock sets the source of block timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *PoA) {
		p.now = now
	}
}

func NewPoA(authorities *AuthoritySet, opts ...Option) (*PoA, error) {
	if authorities == nil || authorities.Len() == 0 {
		return nil, errors.New("authority set is empty")
	}
	p := &PoA{authorities: authorities, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *PoA) Authorities() *AuthoritySet { return p.authorities }

func (p *PoA) IsAuthorized(validatorID string) bool {
	return p.authorities.IsAuthorized(validatorID)
}

func (p *PoA) CurrentProposer(height uint64) string {
	return p.authorities.CurrentProposer(height)
}

/*
Round returns the number of times the chain height has advanced as
observed by ObserveHeight.
*/
func (p *PoA) Round() uint64 { return p.round.Load() }

// ObserveHeight advances round index when "height" is above the last observed one.
func (p *PoA) ObserveHeight(height uint64) {
	for {
		cur := p.round.Load()
		if height <= cur || p.round.CompareAndSwap(cur, height) {
			return
		}
	}
}

/*
ValidateBlock checks, in this order, that
  - validator is the proposer of the block height (ErrUnauthorizedProposer);
  - validator is member of the authority set (ErrUnknownValidator);
  - block links to "tip" (ledger.ErrChainLinkage, ledger.ErrHashIntegrity);
  - every transaction is valid and has valid signature (ErrInvalidTransaction).

First failing check is returned.
*/
func (p *PoA) ValidateBlock(b, tip *types.Block) error {
	if b == nil || tip == nil {
		return ledger.ErrBlockIsNil
	}
	if proposer := p.CurrentProposer(b.Index); b.Validator != proposer {
		return fmt.Errorf("%w: block %d validator %q, expected %q", ErrUnauthorizedProposer, b.Index, b.Validator, proposer)
	}
	if !p.IsAuthorized(b.Validator) {
		return fmt.Errorf("%w: %q", ErrUnknownValidator, b.Validator)
	}
	if err := ledger.CheckLinkage(tip, b); err != nil {
		return err
	}
	for i, tx := range b.Transactions {
		if err := tx.Verify(); err != nil {
			return fmt.Errorf("%w: tx %d of block %d: %w", ErrInvalidTransaction, i, b.Index, err)
		}
	}
	return nil
}

/*
ProposeBlock returns nil when "self" is not the proposer of the next height.
Otherwise block containing "pending" transactions on top of "tip" is built.
*/
func (p *PoA) ProposeBlock(tip *types.Block, pending []*types.Transaction, self string) (*types.Block, error) {
	if tip == nil {
		return nil, ledger.ErrBlockIsNil
	}
	height := tip.Index + 1
	if p.CurrentProposer(height) != self {
		return nil, nil
	}
	ts := p.now().Unix()
	// timestamps never go backwards even when clocks of validators differ
	if ts < tip.Timestamp {
		ts = tip.Timestamp
	}
	b, err := types.NewBlock(height, ts, tip.Hash, pending, self)
	if err != nil {
		return nil, fmt.Errorf("creating block %d: %w", height, err)
	}
	return b, nil
}

/*
ValidateSegment validates consecutive blocks on top of "base", used for
blocks received by chain sync.
*/
func ValidateSegment(e Engine, base *types.Block, blocks []*types.Block) error {
	prev := base
	for i, b := range blocks {
		if err := e.ValidateBlock(b, prev); err != nil {
			return fmt.Errorf("block %d of the segment: %w", i, err)
		}
		prev = b
	}
	return nil
}
