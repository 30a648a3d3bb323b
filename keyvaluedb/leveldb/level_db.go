package leveldb

import (
	"errors"
	"fmt"

	"github.com/habibyte/habibyte/keyvaluedb"
	"github.com/habibyte/habibyte/types"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
)

type (
	EncodeFn func(v any) ([]byte, error)
	DecodeFn func(data []byte, v any) error

	LevelDB struct {
		db      *leveldb.DB
		encoder EncodeFn
		decoder DecodeFn
	}
)

// New opens (or creates) LevelDB database in the directory "path", values are CBOR encoded.
func New(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}
	return &LevelDB{
		db:      db,
		encoder: types.Cbor.Marshal,
		decoder: types.Cbor.Unmarshal,
	}, nil
}

func (db *LevelDB) Read(key []byte, v any) (bool, error) {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return false, err
	}
	data, err := db.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("leveldb read failed, %w", err)
	}
	return true, db.decoder(data, v)
}

func (db *LevelDB) Write(key []byte, v any) error {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return err
	}
	b, err := db.encoder(v)
	if err != nil {
		return err
	}
	if err := db.db.Put(key, b, nil); err != nil {
		return fmt.Errorf("leveldb write failed, %w", err)
	}
	return nil
}

func (db *LevelDB) Delete(key []byte) error {
	if err := keyvaluedb.CheckKey(key); err != nil {
		return err
	}
	if err := db.db.Delete(key, nil); err != nil {
		return fmt.Errorf("leveldb delete failed, %w", err)
	}
	return nil
}

func (db *LevelDB) First() keyvaluedb.Iterator {
	it := &Itr{it: db.db.NewIterator(nil, nil), decoder: db.decoder}
	it.valid = it.it.First()
	return it
}

func (db *LevelDB) Last() keyvaluedb.Iterator {
	it := &Itr{it: db.db.NewIterator(nil, nil), decoder: db.decoder}
	it.valid = it.it.Last()
	return it
}

func (db *LevelDB) Find(key []byte) keyvaluedb.Iterator {
	it := &Itr{it: db.db.NewIterator(nil, nil), decoder: db.decoder}
	it.valid = it.it.Seek(key)
	return it
}

func (db *LevelDB) StartTx() (keyvaluedb.DBTransaction, error) {
	tx, err := db.db.OpenTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to start leveldb tx, %w", err)
	}
	return &Tx{tx: tx, enc: db.encoder, dec: db.decoder}, nil
}

func (db *LevelDB) Close() error {
	return db.db.Close()
}

// Itr wraps leveldb iterator, it is a snapshot of the DB taken at creation time.
type Itr struct {
	it      iterator.Iterator
	decoder DecodeFn
	valid   bool
}

func (it *Itr) Next() {
	if it.valid {
		it.valid = it.it.Next()
	}
}

func (it *Itr) Prev() {
	if it.valid {
		it.valid = it.it.Prev()
	}
}

func (it *Itr) Valid() bool { return it.valid }

func (it *Itr) Key() []byte {
	if !it.valid {
		return nil
	}
	// iterator reuses the key buffer
	return append([]byte(nil), it.it.Key()...)
}

func (it *Itr) Value(v any) error {
	if !it.valid {
		return fmt.Errorf("iterator invalid")
	}
	return it.decoder(it.it.Value(), v)
}

func (it *Itr) Close() error {
	it.valid = false
	it.it.Release()
	return it.it.Error()
}

type Tx struct {
	tx  *leveldb.Transaction
	enc EncodeFn
	dec DecodeFn
}

func (t *Tx) Read(key []byte, v any) (bool, error) {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return false, err
	}
	if t.tx == nil {
		return false, fmt.Errorf("leveldb tx read failed, tx closed")
	}
	data, err := t.tx.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, t.dec(data, v)
}

func (t *Tx) Write(key []byte, v any) error {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return err
	}
	if t.tx == nil {
		return fmt.Errorf("leveldb tx write failed, tx closed")
	}
	b, err := t.enc(v)
	if err != nil {
		return err
	}
	return t.tx.Put(key, b, nil)
}

func (t *Tx) Delete(key []byte) error {
	if err := keyvaluedb.CheckKey(key); err != nil {
		return err
	}
	if t.tx == nil {
		return fmt.Errorf("leveldb tx delete failed, tx closed")
	}
	return t.tx.Delete(key, nil)
}

func (t *Tx) Commit() error {
	if t.tx == nil {
		return fmt.Errorf("leveldb tx commit failed, tx closed")
	}
	err := t.tx.Commit()
	t.tx = nil
	return err
}

func (t *Tx) Rollback() error {
	if t.tx == nil {
		return nil
	}
	t.tx.Discard()
	t.tx = nil
	return nil
}
