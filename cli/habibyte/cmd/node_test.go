package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/habibyte/habibyte/identity"
	"github.com/habibyte/habibyte/types"
)

func TestNodeConfiguration_AuthoritySet(t *testing.T) {
	t.Run("single validator", func(t *testing.T) {
		c := &nodeConfiguration{Validator: true}
		as, err := c.authoritySet("A")
		require.NoError(t, err)
		require.Equal(t, []string{"A"}, as.IDs())
	})

	t.Run("follower", func(t *testing.T) {
		c := &nodeConfiguration{Authorities: []string{"A", "B"}}
		as, err := c.authoritySet("C")
		require.NoError(t, err)
		require.Equal(t, []string{"A", "B"}, as.IDs())
	})

	t.Run("follower without authorities", func(t *testing.T) {
		c := &nodeConfiguration{}
		_, err := c.authoritySet("C")
		require.EqualError(t, err, "authorities must be set for a non-validator node")
	})

	t.Run("validator not in authorities", func(t *testing.T) {
		c := &nodeConfiguration{Validator: true, Authorities: []string{"A", "B"}}
		_, err := c.authoritySet("C")
		require.EqualError(t, err, "validator node C is not in the authority set")
	})
}

func TestOpenKeyValueDB(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{backendBolt, backendLevelDB, backendMemory} {
		t.Run(backend, func(t *testing.T) {
			db, err := openKeyValueDB(backend, filepath.Join(dir, backend+".db"), "test")
			require.NoError(t, err)
			require.NotNil(t, db)
			require.NoError(t, db.Write([]byte("k"), "v"))
			var v string
			found, err := db.Read([]byte("k"), &v)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, "v", v)
			require.NoError(t, db.Close())
		})
	}

	_, err := openKeyValueDB("mongo", "", "test")
	require.EqualError(t, err, `unsupported db backend "mongo"`)
}

func TestNodeConfiguration_OffChainStorage(t *testing.T) {
	base := &baseConfiguration{HomeDir: t.TempDir()}

	t.Run("disabled", func(t *testing.T) {
		c := &nodeConfiguration{Base: base, OffChainProvider: backendBolt}
		s, health, closer, err := c.offChainStorage(context.Background())
		require.NoError(t, err)
		require.Nil(t, s)
		require.Nil(t, health)
		require.Nil(t, closer)
	})

	t.Run("memory", func(t *testing.T) {
		c := &nodeConfiguration{Base: base, OffChainProvider: backendMemory, OffChainPassphrase: "secret", ChainID: "test"}
		s, health, closer, err := c.offChainStorage(context.Background())
		require.NoError(t, err)
		require.NotNil(t, s)
		require.Nil(t, health)
		require.Nil(t, closer)

		ref, err := s.StoreReference(context.Background(), []byte("medical record"))
		require.NoError(t, err)
		data, err := s.FetchReference(context.Background(), ref)
		require.NoError(t, err)
		require.Equal(t, []byte("medical record"), data)
	})

	t.Run("bolt survives restart", func(t *testing.T) {
		c := &nodeConfiguration{Base: base, OffChainProvider: backendBolt, OffChainPassphrase: "secret", ChainID: "test"}
		s, _, closer, err := c.offChainStorage(context.Background())
		require.NoError(t, err)
		require.NotNil(t, closer)
		require.FileExists(t, filepath.Join(base.HomeDir, offChainStoreFileName))
		ref, err := s.StoreReference(context.Background(), []byte("diploma"))
		require.NoError(t, err)
		require.NoError(t, closer.Close())

		s, _, closer, err = c.offChainStorage(context.Background())
		require.NoError(t, err)
		defer closer.Close()
		data, err := s.FetchReference(context.Background(), ref)
		require.NoError(t, err)
		require.Equal(t, []byte("diploma"), data)

	})

	t.Run("unsupported provider", func(t *testing.T) {
		c := &nodeConfiguration{Base: base, OffChainProvider: "s3", OffChainPassphrase: "secret"}
		_, _, _, err := c.offChainStorage(context.Background())
		require.ErrorContains(t, err, `unsupported db backend "s3"`)
	})

	t.Run("invalid redis URL", func(t *testing.T) {
		c := &nodeConfiguration{Base: base, OffChainProvider: backendRedis, OffChainPassphrase: "secret", RedisURL: "http://nope"}
		_, _, _, err := c.offChainStorage(context.Background())
		require.Error(t, err)
	})
}

func freeAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	rsp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", rsp.Status)
	}
	return json.NewDecoder(rsp.Body).Decode(v)
}

func TestRunNode(t *testing.T) {
	homeDir := t.TempDir()
	restAddr := freeAddress(t)
	apiURL := "http://" + restAddr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, _ := newTestApp(t)
	done := make(chan error, 1)
	go func() {
		done <- execute(t, ctx, app, "node -g --home "+homeDir+" --validator --address /ip4/127.0.0.1/tcp/0"+
			" --db-backend memory --offchain-provider memory --offchain-passphrase secret"+
			" --block-interval 50ms --rest-server-address "+restAddr)
	}()

	require.Eventually(t, func() bool {
		var health struct {
			Status string `json:"status"`
		}
		return getJSON(ctx, apiURL+"/api/v1/health", &health) == nil && health.Status == "ok"
	}, 10*time.Second, 50*time.Millisecond)

	keys, err := LoadKeys(filepath.Join(homeDir, defaultKeysFileName), false, false)
	require.NoError(t, err)
	tx := &types.Transaction{
		ID:   "tx-1",
		Kind: types.RegisterIdentity(identity.NewCitizen(testNIK, "Budi")),
	}
	require.NoError(t, tx.Sign(keys.SigningPrivateKey))
	id, err := submitTransaction(ctx, apiURL, tx)
	require.NoError(t, err)
	require.Equal(t, tx.ID, id)

	require.Eventually(t, func() bool {
		var blocks []json.RawMessage
		return getJSON(ctx, apiURL+"/api/v1/blocks", &blocks) == nil && len(blocks) == 2
	}, 10*time.Second, 50*time.Millisecond)

	var tip struct {
		Index     uint64 `json:"index"`
		Validator string `json:"validator"`
	}
	require.NoError(t, getJSON(ctx, apiURL+"/api/v1/blocks/latest", &tip))
	nodeID, err := keys.NodeID()
	require.NoError(t, err)
	require.EqualValues(t, 1, tip.Index)
	require.Equal(t, nodeID, tip.Validator)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("node did not stop")
	}
}

func TestNodeConfig_PassphrasePrompt(t *testing.T) {
	// passphrase given as flag takes precedence, terminal is not read
	c := captureNodeConfig(t, "node --home "+t.TempDir()+" -p --offchain-passphrase secret")
	require.True(t, c.PassphrasePrompt)
	require.Equal(t, "secret", c.OffChainPassphrase)

	c = captureNodeConfig(t, "node --home "+t.TempDir())
	require.False(t, c.PassphrasePrompt)
}
