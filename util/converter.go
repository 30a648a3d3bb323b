package util

import (
	"encoding/binary"
)

func Uint64ToBytes(i uint64) []byte {
	bytes := make([]byte, 8)
	binary.BigEndian.PutUint64(bytes, i)
	return bytes
}

func BytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func Int64ToBytes(i int64) []byte {
	return Uint64ToBytes(uint64(i)) /* #nosec G115 two's complement representation is intended */
}
