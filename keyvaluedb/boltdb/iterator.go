package boltdb

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

/*
Itr holds read-only bolt transaction open until Close is called.
*/
type Itr struct {
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	decoder DecodeFn
	key     []byte
	value   []byte
}

func NewIterator(db *bolt.DB, bucket []byte, d DecodeFn) *Itr {
	tx, err := db.Begin(false)
	if err != nil {
		return &Itr{}
	}
	return &Itr{
		tx:      tx,
		cursor:  tx.Bucket(bucket).Cursor(),
		decoder: d,
	}
}

func (it *Itr) first() {
	if it.cursor != nil {
		it.key, it.value = it.cursor.First()
	}
}

func (it *Itr) last() {
	if it.cursor != nil {
		it.key, it.value = it.cursor.Last()
	}
}

func (it *Itr) seek(key []byte) {
	if it.cursor != nil {
		it.key, it.value = it.cursor.Seek(key)
	}
}

func (it *Itr) Next() {
	if it.Valid() {
		it.key, it.value = it.cursor.Next()
	}
}

func (it *Itr) Prev() {
	if it.Valid() {
		it.key, it.value = it.cursor.Prev()
	}
}

func (it *Itr) Valid() bool {
	return it.key != nil
}

func (it *Itr) Key() []byte {
	return it.key
}

func (it *Itr) Value(v any) error {
	if !it.Valid() {
		return fmt.Errorf("iterator invalid")
	}
	return it.decoder(it.value, v)
}

func (it *Itr) Close() error {
	it.key, it.value = nil, nil
	it.cursor = nil
	if it.tx == nil {
		return nil
	}
	err := it.tx.Rollback()
	it.tx = nil
	return err
}
