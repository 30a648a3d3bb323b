package keyvaluedb

import (
	"fmt"
)

// Reader interface for DB
type Reader interface {
	// Read reads the value for key stored in the DB, returns false when key is not present.
	Read(key []byte, value any) (bool, error)
}

// Writer interface for DB
type Writer interface {
	// Write inserts the given value into the DB.
	Write(key []byte, value any) error
	// Delete removes the key from the key-value data store.
	Delete(key []byte) error
}

// DBTx interface for database transactions
// NB! all transactions MUST be completed by either calling Commit() or Rollback() which releases
// the transaction. Only one read-write transaction is allowed at a time.
type DBTx interface {
	StartTx() (DBTransaction, error)
}

type KeyValueDB interface {
	Reader
	Writer
	Iterable
	DBTx
	Close() error
}

type Iterator interface {
	// Next moves the iterator to the next key value pair
	Next()
	// Prev moves the iterator to the previous key value pair
	Prev()
	// Valid returns state of the iterator, false when iterator has moved past either end
	Valid() bool
	// Key returns the key of the current key/value pair, or nil if not valid.
	Key() []byte
	// Value decodes the value of the current key/value pair, or returns error if not valid.
	Value(value any) error
	// Close releases associated resources. Close should always succeed and can
	// be called multiple times without causing error.
	Close() error
}

// Iterable wraps the iterator constructors of a backing data store.
type Iterable interface {
	// First creates a binary-alphabetical iterator positioned to the first item.
	// If the DB is empty the returned iterator is not valid (it.Valid() == false)
	// NB! when done iterator MUST be released with Close() or next DB operation may deadlock
	First() Iterator
	// Last creates a binary-alphabetical iterator positioned to the last item.
	Last() Iterator
	// Find returns iterator positioned to the closest binary-alphabetical match (first key >= key).
	Find(key []byte) Iterator
}

// DBTransaction key value database transaction
type DBTransaction interface {
	Writer
	Reader
	// Commit commits all pending changes
	Commit() error
	// Rollback reverts everything and nothing is changed
	Rollback() error
}

// IsEmpty returns true if the key value DB is empty
func IsEmpty(db KeyValueDB) (empty bool, err error) {
	if db == nil {
		return true, fmt.Errorf("db is nil")
	}
	it := db.First()
	defer func() { err = it.Close() }()
	return !it.Valid(), err
}
