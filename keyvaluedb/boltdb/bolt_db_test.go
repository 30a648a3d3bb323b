package boltdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/habibyte/habibyte/keyvaluedb"
	"github.com/stretchr/testify/require"
)

func initBoltDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "bolt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func isEmpty(t *testing.T, db *BoltDB) bool {
	t.Helper()
	empty, err := keyvaluedb.IsEmpty(db)
	require.NoError(t, err)
	return empty
}

func TestBoltDB_InvalidPath(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "missing", "bolt.db"))
	require.Error(t, err)
	require.Nil(t, db)
}

func TestBoltDB_WriteReadDelete(t *testing.T) {
	db := initBoltDB(t)
	require.True(t, isEmpty(t, db))
	require.NotEmpty(t, db.Path())

	require.NoError(t, db.Write([]byte("integer"), uint64(1)))
	var back uint64
	found, err := db.Read([]byte("integer"), &back)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 1, back)

	found, err = db.Read([]byte("missing"), &back)
	require.NoError(t, err)
	require.False(t, found)

	// wrong type
	require.NoError(t, db.Write([]byte("string"), "str"))
	found, err = db.Read([]byte("string"), &back)
	require.Error(t, err)
	require.True(t, found)

	require.NoError(t, db.Delete([]byte("integer")))
	require.NoError(t, db.Delete([]byte("string")))
	require.True(t, isEmpty(t, db))
	require.Error(t, db.Delete(nil))
}

func TestBoltDB_Iterators(t *testing.T) {
	db := initBoltDB(t)
	for h := uint64(1); h <= 5; h++ {
		require.NoError(t, db.Write(keyvaluedb.HeightKey(h), h*10))
	}

	var values []uint64
	it := db.First()
	for ; it.Valid(); it.Next() {
		var v uint64
		require.NoError(t, it.Value(&v))
		values = append(values, v)
	}
	require.NoError(t, it.Close())
	require.Equal(t, []uint64{10, 20, 30, 40, 50}, values)

	it = db.Last()
	h, err := keyvaluedb.HeightFromKey(it.Key())
	require.NoError(t, err)
	require.EqualValues(t, 5, h)
	it.Prev()
	h, err = keyvaluedb.HeightFromKey(it.Key())
	require.NoError(t, err)
	require.EqualValues(t, 4, h)
	require.NoError(t, it.Close())

	it = db.Find(keyvaluedb.HeightKey(3))
	var v uint64
	require.NoError(t, it.Value(&v))
	require.EqualValues(t, 30, v)
	require.NoError(t, it.Close())
	// second close is no-op
	require.NoError(t, it.Close())

	it = db.Find(keyvaluedb.HeightKey(6))
	require.False(t, it.Valid())
	require.Error(t, it.Value(&v))
	require.NoError(t, it.Close())
}

func TestBoltDB_persistsAcrossReopen(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bolt.db")
	db, err := New(file)
	require.NoError(t, err)
	require.NoError(t, db.Write([]byte("key"), "value"))
	require.NoError(t, db.Close())

	db, err = New(file)
	require.NoError(t, err)
	defer db.Close()
	var v string
	found, err := db.Read([]byte("key"), &v)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "value", v)
}

func TestBoltDB_Buckets(t *testing.T) {
	file := filepath.Join(t.TempDir(), "node.db")

	_, err := New(file, WithBucket(""))
	require.EqualError(t, err, "bucket name is empty")

	blocks, err := New(file, WithBucket("blocks"))
	require.NoError(t, err)
	require.Equal(t, "blocks", blocks.Bucket())
	require.NoError(t, blocks.Write(keyvaluedb.HeightKey(0), "genesis"))
	require.NoError(t, blocks.Close())

	// other bucket of the same file does not see the entries
	other, err := New(file)
	require.NoError(t, err)
	require.Equal(t, DefaultBucket, other.Bucket())
	require.True(t, isEmpty(t, other))
	require.NoError(t, other.Close())

	ro, err := New(file, WithBucket("blocks"), ReadOnly(), WithLockTimeout(time.Second))
	require.NoError(t, err)
	var v string
	found, err := ro.Read(keyvaluedb.HeightKey(0), &v)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "genesis", v)
	require.Error(t, ro.Write(keyvaluedb.HeightKey(1), "block"))
	require.NoError(t, ro.Close())

	_, err = New(file, WithBucket("offchain"), ReadOnly())
	require.EqualError(t, err, `bucket "offchain" not found`)
}
