package peer

import (
	"context"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	p2ptest "github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"

	"github.com/habibyte/habibyte/crypto"
	"github.com/habibyte/habibyte/internal/testutils/logger"
	"github.com/habibyte/habibyte/network"
)

// CreatePeerConfiguration returns loopback configuration with a random key,
// the signer of the key is returned too.
func CreatePeerConfiguration(t *testing.T, bootstrapPeers ...peer.AddrInfo) (*network.PeerConfiguration, *crypto.InMemorySecp256K1Signer) {
	t.Helper()
	signer, err := crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	peerConf, err := network.NewPeerConfiguration("/ip4/127.0.0.1/tcp/0", nil, KeyPair(t, signer), bootstrapPeers)
	require.NoError(t, err)
	return peerConf, signer
}

func CreatePeer(t *testing.T, peerConf *network.PeerConfiguration) *network.Peer {
	t.Helper()
	p, err := network.NewPeer(context.Background(), peerConf, logger.New(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	return p
}

// KeyPair returns the network key pair of the signer's key.
func KeyPair(t *testing.T, signer *crypto.InMemorySecp256K1Signer) *network.PeerKeyPair {
	t.Helper()
	priv, err := signer.MarshalPrivateKey()
	require.NoError(t, err)
	pub, err := signer.PublicKey()
	require.NoError(t, err)
	return &network.PeerKeyPair{PublicKey: pub, PrivateKey: priv}
}

func GeneratePeerIDs(t *testing.T, count int) peer.IDSlice {
	t.Helper()
	var peers = make(peer.IDSlice, count)
	for i := 0; i < count; i++ {
		id, err := p2ptest.RandPeerID()
		require.NoError(t, err)
		peers[i] = id
	}
	return peers
}
