package util

import (
	"crypto/rand"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShuffleSliceCopy(t *testing.T) {
	sample := make([]byte, 100)
	_, err := rand.Read(sample)
	require.NoError(t, err)
	orig := append([]byte(nil), sample...)

	result := ShuffleSliceCopy(sample)
	require.ElementsMatch(t, sample, result)
	require.Equal(t, orig, sample, "source slice must not be modified")
}

func TestConverter(t *testing.T) {
	cases := []struct {
		byteVal   []byte
		uint64Val uint64
	}{
		{byteVal: []byte{0, 0, 0, 0, 0, 0, 0, 0}, uint64Val: 0},
		{byteVal: []byte{0, 0, 0, 0, 0, 0, 0, 1}, uint64Val: 1},
		{byteVal: []byte{0, 0, 0, 0, 0, 9, 9, 9}, uint64Val: 592137},
		{byteVal: []byte{255, 255, 255, 255, 255, 255, 255, 255}, uint64Val: math.MaxUint64},
	}
	for _, tc := range cases {
		require.Equal(t, tc.byteVal, Uint64ToBytes(tc.uint64Val))
		require.Equal(t, tc.uint64Val, BytesToUint64(tc.byteVal))
	}

	require.Equal(t, []byte{255, 255, 255, 255, 255, 255, 255, 255}, Int64ToBytes(-1))
	require.Equal(t, []byte{0, 0, 0, 0, 0x65, 0x53, 0xf1, 0x00}, Int64ToBytes(1700000000))
}

func TestJsonFile(t *testing.T) {
	type conf struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	path := filepath.Join(t.TempDir(), "sub", "conf.json")
	require.False(t, FileExists(path))

	require.NoError(t, WriteJsonFile(path, &conf{Name: "foo", Count: 3}))
	require.True(t, FileExists(path))

	res, err := ReadJsonFile(path, &conf{})
	require.NoError(t, err)
	require.Equal(t, &conf{Name: "foo", Count: 3}, res)

	_, err = ReadJsonFile(filepath.Join(t.TempDir(), "missing.json"), &conf{})
	require.Error(t, err)
}
