package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/habibyte/habibyte/util"
)

const (
	GenesisPreviousHash = "0"
	GenesisValidator    = "GENESIS"
	// GenesisTimestamp is fixed so that every node derives the same genesis hash.
	GenesisTimestamp = 0
)

var (
	ErrBlockIsNil        = errors.New("block is nil")
	ErrBlockHashMismatch = errors.New("block hash does not match block content")
)

/*
Block is a batch of transactions appended to the ledger.

Hash is computed once by NewBlock (see CalculateHash) and the block must
not be modified afterwards.
*/
type Block struct {
	_            struct{}       `cbor:",toarray"`
	Index        uint64         `json:"index"`
	Timestamp    int64          `json:"timestamp"` // epoch seconds
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
	Transactions []*Transaction `json:"transactions"`
	Validator    string         `json:"validator"`
}

func NewBlock(index uint64, timestamp int64, previousHash string, txs []*Transaction, validator string) (*Block, error) {
	if txs == nil {
		txs = []*Transaction{}
	}
	b := &Block{
		Index:        index,
		Timestamp:    timestamp,
		PreviousHash: previousHash,
		Transactions: txs,
		Validator:    validator,
	}
	h, err := b.CalculateHash()
	if err != nil {
		return nil, fmt.Errorf("calculating block hash: %w", err)
	}
	b.Hash = h
	return b, nil
}

// Genesis returns the genesis block, it is the same on every node.
func Genesis() *Block {
	b, err := NewBlock(0, GenesisTimestamp, GenesisPreviousHash, nil, GenesisValidator)
	if err != nil {
		// encoding empty transaction list does not fail
		panic(fmt.Errorf("creating genesis block: %w", err))
	}
	return b
}

/*
CalculateHash returns hex encoded

	SHA256(index ‖ timestamp ‖ previous_hash ‖ canonical(transactions) ‖ validator)

where index and timestamp are 8 byte big-endian integers.
*/
func (b *Block) CalculateHash() (string, error) {
	if b == nil {
		return "", ErrBlockIsNil
	}
	txs := b.Transactions
	if txs == nil {
		txs = []*Transaction{}
	}
	txBytes, err := Cbor.Marshal(txs)
	if err != nil {
		return "", fmt.Errorf("encoding transactions: %w", err)
	}
	h := sha256.New()
	h.Write(util.Uint64ToBytes(b.Index))
	h.Write(util.Int64ToBytes(b.Timestamp))
	h.Write([]byte(b.PreviousHash))
	h.Write(txBytes)
	h.Write([]byte(b.Validator))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyHash recomputes the hash and compares it to the stored one.
func (b *Block) VerifyHash() error {
	h, err := b.CalculateHash()
	if err != nil {
		return err
	}
	if h != b.Hash {
		return fmt.Errorf("%w: block %d stored hash %s, calculated %s", ErrBlockHashMismatch, b.Index, b.Hash, h)
	}
	return nil
}

func (b *Block) IsGenesis() bool {
	return b != nil && b.Index == 0
}

// TxIDs returns ids of the transactions in the block order.
func (b *Block) TxIDs() []string {
	ids := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.ID
	}
	return ids
}

/*
Clone returns a copy of the block with its own transaction slice. Transactions
are shared, they are immutable once included into a block.
*/
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	c := *b
	c.Transactions = make([]*Transaction, len(b.Transactions))
	copy(c.Transactions, b.Transactions)
	return &c
}

func (b *Block) String() string {
	return fmt.Sprintf("block %d (%s) by %s with %d tx", b.Index, shortHash(b.Hash), b.Validator, len(b.Transactions))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
