package keyvaluedb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrInvalidKey = errors.New("invalid key")
	ErrValueIsNil = errors.New("value is nil")
)

// HeightKey returns big-endian encoding of the height so that keys sort in height order.
func HeightKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, height)
}

func HeightFromKey(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("%w: height key length %d", ErrInvalidKey, len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}

func CheckKey(key []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	return nil
}

/*
CheckKeyAndValue validates arguments of Read and Write, "val" may not be
nil pointer as backends decode into it.
*/
func CheckKeyAndValue(key []byte, val any) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	if v := reflect.ValueOf(val); val == nil || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return ErrValueIsNil
	}
	return nil
}
