package boltdb

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/habibyte/habibyte/keyvaluedb"
	"github.com/habibyte/habibyte/types"
)

const (
	DefaultBucket      = "default"
	defaultLockTimeout = 3 * time.Second
)

type (
	EncodeFn func(v any) ([]byte, error)
	DecodeFn func(data []byte, v any) error

	// BoltDB keeps all entries in single bucket. Node uses separate files for
	// the block log and off-chain payloads so that ledger replay sees blocks only.
	BoltDB struct {
		db      *bolt.DB
		bucket  []byte
		encoder EncodeFn
		decoder DecodeFn
	}

	Option func(*options)

	options struct {
		bucket      string
		lockTimeout time.Duration
		readOnly    bool
	}
)

// WithBucket sets name of the bucket entries are stored in.
func WithBucket(name string) Option {
	return func(o *options) { o.bucket = name }
}

// WithLockTimeout sets how long to wait for file lock held by other process.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

// ReadOnly opens existing database for reading, the bucket must exist.
func ReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

/*
New opens (creates when missing) Bolt DB file. Values are stored in
deterministic CBOR encoding.
*/
func New(dbFile string, opts ...Option) (*BoltDB, error) {
	conf := options{bucket: DefaultBucket, lockTimeout: defaultLockTimeout}
	for _, o := range opts {
		o(&conf)
	}
	if conf.bucket == "" {
		return nil, errors.New("bucket name is empty")
	}

	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: conf.lockTimeout, ReadOnly: conf.readOnly})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db %s: %w", dbFile, err)
	}
	s := &BoltDB{
		db:      db,
		bucket:  []byte(conf.bucket),
		encoder: types.Cbor.Marshal,
		decoder: types.Cbor.Unmarshal,
	}
	if conf.readOnly {
		err = db.View(func(tx *bolt.Tx) error {
			if tx.Bucket(s.bucket) == nil {
				return fmt.Errorf("bucket %q not found", conf.bucket)
			}
			return nil
		})
	} else {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(s.bucket)
			return err
		})
	}
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return s, nil
}

func (db *BoltDB) Path() string {
	return db.db.Path()
}

func (db *BoltDB) Bucket() string {
	return string(db.bucket)
}

func (db *BoltDB) Read(key []byte, v any) (found bool, _ error) {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return false, err
	}
	err := db.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(db.bucket).Get(key)
		if found = data != nil; !found {
			return nil
		}
		return db.decoder(data, v)
	})
	if err != nil {
		return found, fmt.Errorf("bolt db read: %w", err)
	}
	return found, nil
}

func (db *BoltDB) Write(key []byte, v any) error {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return err
	}
	data, err := db.encoder(v)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	return db.update("write", func(b *bolt.Bucket) error { return b.Put(key, data) })
}

func (db *BoltDB) Delete(key []byte) error {
	if err := keyvaluedb.CheckKey(key); err != nil {
		return err
	}
	return db.update("delete", func(b *bolt.Bucket) error { return b.Delete(key) })
}

func (db *BoltDB) update(op string, f func(b *bolt.Bucket) error) error {
	if err := db.db.Update(func(tx *bolt.Tx) error { return f(tx.Bucket(db.bucket)) }); err != nil {
		return fmt.Errorf("bolt db %s: %w", op, err)
	}
	return nil
}

func (db *BoltDB) First() keyvaluedb.Iterator {
	it := NewIterator(db.db, db.bucket, db.decoder)
	it.first()
	return it
}

func (db *BoltDB) Last() keyvaluedb.Iterator {
	it := NewIterator(db.db, db.bucket, db.decoder)
	it.last()
	return it
}

func (db *BoltDB) Find(key []byte) keyvaluedb.Iterator {
	it := NewIterator(db.db, db.bucket, db.decoder)
	it.seek(key)
	return it
}

func (db *BoltDB) StartTx() (keyvaluedb.DBTransaction, error) {
	tx, err := NewBoltTx(db.db, db.bucket, db.encoder, db.decoder)
	if err != nil {
		return nil, fmt.Errorf("starting bolt tx: %w", err)
	}
	return tx, nil
}

func (db *BoltDB) Close() error {
	if db.db == nil {
		return nil
	}
	return db.db.Close()
}
