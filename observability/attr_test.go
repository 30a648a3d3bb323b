package observability

import (
	"errors"
	"testing"

	p2ptest "github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

func TestErrStatus(t *testing.T) {
	require.Equal(t, "ok", ErrStatus(nil).Value.AsString())
	require.Equal(t, "err", ErrStatus(errors.New("x")).Value.AsString())
}

func TestAttributes(t *testing.T) {
	require.EqualValues(t, 42, Height(42).Value.AsInt64())
	require.Equal(t, "tx-1", TxID("tx-1").Value.AsString())

	id, err := p2ptest.RandPeerID()
	require.NoError(t, err)
	a := PeerID("peer", id)
	require.EqualValues(t, "peer", a.Key)
	require.Equal(t, id.String(), a.Value.AsString())
}
