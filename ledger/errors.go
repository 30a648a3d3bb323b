package ledger

import "errors"

var (
	// ErrChainLinkage means that block doesn't follow the predecessor, either index or previous hash is wrong.
	ErrChainLinkage = errors.New("chain linkage error")
	// ErrHashIntegrity means that stored hash of the block doesn't match its content.
	ErrHashIntegrity = errors.New("hash integrity error")

	ErrBlockIsNil         = errors.New("block is nil")
	ErrDuplicateTx        = errors.New("transaction already committed")
	ErrForkNotLonger      = errors.New("replacement chain is not longer than the local chain")
	ErrInvalidReplacement = errors.New("invalid replacement chain")
	ErrGenesisMismatch    = errors.New("genesis block mismatch")
	ErrBlockNotFound      = errors.New("block not found")
)
