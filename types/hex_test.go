package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytes_MarshalText(t *testing.T) {
	b, err := Bytes{0x01, 0xab}.MarshalText()
	require.NoError(t, err)
	require.Equal(t, []byte("0x01ab"), b)

	b, err = Bytes{}.MarshalText()
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestBytes_UnmarshalText(t *testing.T) {
	var b Bytes
	require.NoError(t, b.UnmarshalText([]byte("0x01AB")))
	require.Equal(t, Bytes{0x01, 0xab}, b)

	require.NoError(t, b.UnmarshalText(nil))
	require.Nil(t, b)

	require.EqualError(t, b.UnmarshalText([]byte("01ab")), "hex string without 0x prefix")
	require.Error(t, b.UnmarshalText([]byte("0xzz")))
}

func TestBytes_JSON(t *testing.T) {
	type s struct {
		Data Bytes `json:"data"`
	}
	data, err := json.Marshal(s{Data: Bytes{1, 2, 3}})
	require.NoError(t, err)
	require.JSONEq(t, `{"data":"0x010203"}`, string(data))

	var r s
	require.NoError(t, json.Unmarshal(data, &r))
	require.Equal(t, Bytes{1, 2, 3}, r.Data)
}
