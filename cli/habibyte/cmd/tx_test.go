package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/habibyte/habibyte/consensus"
	"github.com/habibyte/habibyte/gossip"
	"github.com/habibyte/habibyte/identity"
	testobserve "github.com/habibyte/habibyte/internal/testutils/observability"
	"github.com/habibyte/habibyte/ledger"
	"github.com/habibyte/habibyte/node"
	"github.com/habibyte/habibyte/rpc"
	"github.com/habibyte/habibyte/types"
)

const testNIK = "3201010101010001"

func newTestRESTNode(t *testing.T) (*node.Node, *httptest.Server) {
	t.Helper()
	as, err := consensus.NewAuthoritySet("A")
	require.NoError(t, err)
	poa, err := consensus.NewPoA(as)
	require.NoError(t, err)
	obs := testobserve.Default(t)
	n, err := node.New("A", ledger.New(), poa, gossip.NewMemoryNetwork().Join("A"), obs)
	require.NoError(t, err)
	srv := httptest.NewServer(rpc.NewRESTServer("", rpc.DefaultMaxBodyBytes, obs, rpc.NodeEndpoints(n, obs)).Handler)
	t.Cleanup(srv.Close)
	return n, srv
}

func newKeysFile(t *testing.T) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), defaultKeysFileName)
	_, err := LoadKeys(file, true, false)
	require.NoError(t, err)
	return file
}

func TestTxCmd_DryRun(t *testing.T) {
	keyFile := newKeysFile(t)
	app, out := newTestApp(t)
	require.NoError(t, execute(t, context.Background(), app,
		"tx register --home "+t.TempDir()+" -k "+keyFile+" --dry-run --nik "+testNIK+" --name Budi --offchain-ref cafe"))

	// first line is the identity id, rest is the signed transaction
	line, rest, found := strings.Cut(out.String(), "\n")
	require.True(t, found)
	require.True(t, strings.HasPrefix(line, "identity id: "))

	tx := &types.Transaction{}
	require.NoError(t, json.NewDecoder(strings.NewReader(rest)).Decode(tx))
	require.NoError(t, tx.Verify())
	require.Equal(t, types.TxRegisterIdentity, tx.Kind.Type)
	require.Equal(t, "cafe", tx.OffChainRef)
	require.Equal(t, strings.TrimPrefix(line, "identity id: "), tx.Kind.Identity.ID)
	require.True(t, tx.Kind.Identity.VerifyNIK(testNIK))
	require.Equal(t, identity.Citizen(), tx.Kind.Identity.Role)

	keys, err := LoadKeys(keyFile, false, false)
	require.NoError(t, err)
	pub, err := keys.SigningPrivateKey.PublicKey()
	require.NoError(t, err)
	require.EqualValues(t, pub, tx.Issuer)
}

func TestTxCmd_Submit(t *testing.T) {
	n, srv := newTestRESTNode(t)
	keyFile := newKeysFile(t)
	homeDir := t.TempDir()

	app, out := newTestApp(t)
	require.NoError(t, execute(t, context.Background(), app,
		"tx register -k "+keyFile+" --home "+homeDir+" --api-url "+srv.URL+" --nik "+testNIK+" --name Budi --admin Dukcapil"))
	require.Contains(t, out.String(), "accepted")

	pending := n.PendingTransactions()
	require.Len(t, pending, 1)
	require.Equal(t, identity.Admin(identity.Dukcapil), pending[0].Kind.Identity.Role)
	require.Contains(t, out.String(), "transaction "+pending[0].ID+" accepted")

	app, out = newTestApp(t)
	require.NoError(t, execute(t, context.Background(), app,
		"tx revoke -k "+keyFile+" --home "+homeDir+" --api-url "+srv.URL+" --target "+pending[0].Kind.Identity.ID))
	require.Contains(t, out.String(), "accepted")
	require.Len(t, n.PendingTransactions(), 2)
}

func TestTxCmd_Errors(t *testing.T) {
	keyFile := newKeysFile(t)
	homeDir := t.TempDir()

	t.Run("missing required flag", func(t *testing.T) {
		app, _ := newTestApp(t)
		err := execute(t, context.Background(), app, "tx update -k "+keyFile+" --home "+homeDir+" --target abc")
		require.ErrorContains(t, err, `required flag(s) "nik" not set`)
	})

	t.Run("unknown admin type", func(t *testing.T) {
		app, _ := newTestApp(t)
		err := execute(t, context.Background(), app, "tx register -k "+keyFile+" --home "+homeDir+" --nik "+testNIK+" --name Budi --admin Pirate")
		require.Error(t, err)
	})

	t.Run("keys not found", func(t *testing.T) {
		app, _ := newTestApp(t)
		err := execute(t, context.Background(), app, "tx revoke --home "+homeDir+" --target abc --dry-run")
		require.ErrorContains(t, err, "failed to load keys")
	})
}

func TestSubmitTransaction(t *testing.T) {
	keys, err := GenerateKeys()
	require.NoError(t, err)
	newTx := func(t *testing.T) *types.Transaction {
		tx := &types.Transaction{ID: "tx-1", Kind: types.RevokeIdentity("abc")}
		require.NoError(t, tx.Sign(keys.SigningPrivateKey))
		return tx
	}

	t.Run("accepted", func(t *testing.T) {
		_, srv := newTestRESTNode(t)
		id, err := submitTransaction(context.Background(), srv.URL+"/", newTx(t))
		require.NoError(t, err)
		require.Equal(t, "tx-1", id)
	})

	t.Run("duplicate", func(t *testing.T) {
		_, srv := newTestRESTNode(t)
		tx := newTx(t)
		_, err := submitTransaction(context.Background(), srv.URL, tx)
		require.NoError(t, err)
		_, err = submitTransaction(context.Background(), srv.URL, tx)
		require.ErrorContains(t, err, "node rejected transaction (409 Conflict)")
	})

	t.Run("plain text error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}))
		defer srv.Close()
		_, err := submitTransaction(context.Background(), srv.URL, newTx(t))
		require.EqualError(t, err, "node rejected transaction (502 Bad Gateway): bad gateway")
	})

	t.Run("acknowledged other transaction", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"id":"tx-2"}`))
		}))
		defer srv.Close()
		_, err := submitTransaction(context.Background(), srv.URL, newTx(t))
		require.EqualError(t, err, "node acknowledged different transaction id tx-2")
	})

	t.Run("node unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		_, err := submitTransaction(context.Background(), srv.URL, newTx(t))
		require.ErrorContains(t, err, "submitting transaction")
	})
}
