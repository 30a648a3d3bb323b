package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/habibyte/habibyte/consensus"
	"github.com/habibyte/habibyte/gossip"
	"github.com/habibyte/habibyte/keyvaluedb"
	"github.com/habibyte/habibyte/keyvaluedb/boltdb"
	"github.com/habibyte/habibyte/keyvaluedb/leveldb"
	"github.com/habibyte/habibyte/keyvaluedb/memorydb"
	"github.com/habibyte/habibyte/ledger"
	"github.com/habibyte/habibyte/logger"
	"github.com/habibyte/habibyte/network"
	"github.com/habibyte/habibyte/node"
	"github.com/habibyte/habibyte/rpc"
	"github.com/habibyte/habibyte/storage"
)

const (
	backendBolt    = "bolt"
	backendLevelDB = "leveldb"
	backendMemory  = "memory"
	backendRedis   = "redis"

	blockStoreFileName    = "blocks.db"
	offChainStoreFileName = "offchain.db"

	defaultP2PAddress  = "/ip4/127.0.0.1/tcp/26652"
	defaultRESTAddress = "localhost:26866"
)

type nodeRunnable func(ctx context.Context, config *nodeConfiguration) error

type nodeConfiguration struct {
	Base *baseConfiguration
	Keys *keysConfig

	Address           string
	AnnounceAddresses []string
	Bootnodes         string
	ChainID           string

	Validator       bool
	Authorities     []string
	BlockInterval   time.Duration
	MaxBlockTxs     int
	MempoolSize     int
	SyncTimeout     time.Duration
	ForkDepth       uint64
	MaxQueuedBlocks int

	DBBackend string
	DBFile    string

	OffChainProvider   string
	OffChainDBFile     string
	RedisURL           string
	OffChainPassphrase string
	OffChainSalt       string
	PassphrasePrompt   bool

	RESTServerAddress string
	RESTMaxBodySize   int64
}

func newNodeCmd(baseConfig *baseConfiguration, runFn nodeRunnable) *cobra.Command {
	config := &nodeConfiguration{
		Base: baseConfig,
		Keys: newKeysConf(baseConfig),
	}
	var cmd = &cobra.Command{
		Use:   "node",
		Short: "Starts an identity registry node",
		Long:  `Starts an identity registry node. Validator nodes take turns proposing blocks, other nodes follow the chain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if config.PassphrasePrompt && config.OffChainPassphrase == "" {
				var err error
				if config.OffChainPassphrase, err = readPassphrase(cmd, "Off-chain storage passphrase: "); err != nil {
					return fmt.Errorf("reading passphrase: %w", err)
				}
			}
			if runFn != nil {
				return runFn(cmd.Context(), config)
			}
			return runNode(cmd.Context(), config)
		},
	}
	config.Keys.addCmdFlags(cmd)

	cmd.Flags().StringVarP(&config.Address, "address", "a", defaultP2PAddress, "address in libp2p multiaddress format")
	cmd.Flags().StringSliceVar(&config.AnnounceAddresses, "announce-addresses", nil, "list of addresses in libp2p multiaddress format that the node announces to peers")
	cmd.Flags().StringVar(&config.Bootnodes, "bootnodes", "", "comma separated list of bootstrap nodes in the form peerID@multiaddress")
	cmd.Flags().StringVar(&config.ChainID, "chain-id", network.DefaultChainID, "identifier of the chain, nodes of different chains do not talk to each other")

	cmd.Flags().BoolVar(&config.Validator, "validator", false, "node is a validator, when --authorities is not set the node is the only authority")
	cmd.Flags().StringSliceVar(&config.Authorities, "authorities", nil, "ordered list of validator identifiers (peer IDs) taking turns to propose blocks")
	cmd.Flags().DurationVar(&config.BlockInterval, "block-interval", node.DefaultBlockInterval, "how often validator checks whether it's its turn to propose a block")
	cmd.Flags().IntVar(&config.MaxBlockTxs, "max-block-txs", node.DefaultMaxBlockTxs, "maximum number of transactions in a block")
	cmd.Flags().IntVar(&config.MempoolSize, "mempool-size", node.DefaultMempoolSize, "maximum number of pending transactions")
	cmd.Flags().DurationVar(&config.SyncTimeout, "sync-timeout", gossip.DefaultSyncTimeout, "time to wait for chain sync response before asking another peer")
	cmd.Flags().Uint64Var(&config.ForkDepth, "fork-depth", gossip.DefaultForkDepth, "how many blocks below the tip the node looks for a fork point")
	cmd.Flags().IntVar(&config.MaxQueuedBlocks, "max-queued-blocks", gossip.DefaultMaxQueuedBlocks, "how many blocks received ahead of the tip are kept")

	cmd.Flags().StringVar(&config.DBBackend, "db-backend", backendBolt, "block store backend, one of: bolt, leveldb, memory")
	cmd.Flags().StringVar(&config.DBFile, "db", "", fmt.Sprintf("path to the block store (default $HB_HOME/%s)", blockStoreFileName))

	cmd.Flags().StringVar(&config.OffChainProvider, "offchain-provider", backendBolt, "off-chain payload storage, one of: bolt, leveldb, memory, redis")
	cmd.Flags().StringVar(&config.OffChainDBFile, "offchain-db", "", fmt.Sprintf("path to the off-chain payload store (default $HB_HOME/%s)", offChainStoreFileName))
	cmd.Flags().StringVar(&config.RedisURL, "redis-url", "redis://localhost:6379/0", "redis URL, used when off-chain provider is redis")
	cmd.Flags().StringVar(&config.OffChainPassphrase, "offchain-passphrase", "", "passphrase the off-chain encryption key is derived from, off-chain storage is disabled when not set")
	cmd.Flags().BoolVarP(&config.PassphrasePrompt, "offchain-passphrase-prompt", "p", false, "read off-chain storage passphrase from the terminal when --offchain-passphrase is not set")
	cmd.Flags().StringVar(&config.OffChainSalt, "offchain-salt", "", "salt of the off-chain key derivation (default is the chain id)")

	cmd.Flags().StringVar(&config.RESTServerAddress, "rest-server-address", defaultRESTAddress, "address the REST server listens on, REST server is disabled when empty")
	cmd.Flags().Int64Var(&config.RESTMaxBodySize, "rest-server-max-body", rpc.DefaultMaxBodyBytes, "maximum size of the request body in bytes")
	return cmd
}

func readPassphrase(cmd *cobra.Command, prompt string) (string, error) {
	cmd.Print(prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	cmd.Println()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// authoritySet returns validators of the chain, "self" is the only authority of a single validator setup.
func (c *nodeConfiguration) authoritySet(self string) (*consensus.AuthoritySet, error) {
	ids := c.Authorities
	if len(ids) == 0 {
		if !c.Validator {
			return nil, errors.New("authorities must be set for a non-validator node")
		}
		ids = []string{self}
	}
	if c.Validator && !slices.Contains(ids, self) {
		return nil, fmt.Errorf("validator node %s is not in the authority set", self)
	}
	return consensus.NewAuthoritySet(ids...)
}

func openKeyValueDB(backend, file, bucket string) (keyvaluedb.KeyValueDB, error) {
	switch backend {
	case backendBolt:
		db, err := boltdb.New(file, boltdb.WithBucket(bucket))
		if err != nil {
			return nil, err
		}
		return db, nil
	case backendLevelDB:
		db, err := leveldb.New(file)
		if err != nil {
			return nil, err
		}
		return db, nil
	case backendMemory:
		return memorydb.New(), nil
	default:
		return nil, fmt.Errorf("unsupported db backend %q", backend)
	}
}

/*
offChainStorage returns nil storage when passphrase is not configured. Health
check is returned for providers which can become unavailable.
*/
func (c *nodeConfiguration) offChainStorage(ctx context.Context) (*storage.EncryptedStorage, rpc.HealthCheck, io.Closer, error) {
	if c.OffChainPassphrase == "" {
		return nil, nil, nil, nil
	}
	var provider storage.Provider
	var health rpc.HealthCheck
	var closer io.Closer
	switch c.OffChainProvider {
	case backendRedis:
		client, err := storage.DialRedis(ctx, c.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		p := storage.NewRedisProvider(client)
		provider, health, closer = p, p.Health, client
	case backendMemory:
		provider = storage.NewMemoryProvider()
	default:
		db, err := openKeyValueDB(c.OffChainProvider, c.Base.pathInHome(c.OffChainDBFile, offChainStoreFileName), "offchain")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening off-chain db: %w", err)
		}
		if provider, err = storage.NewKVProvider(db); err != nil {
			return nil, nil, nil, errors.Join(err, db.Close())
		}
		closer = db
	}

	salt := c.OffChainSalt
	if salt == "" {
		salt = c.ChainID
	}
	s, err := storage.NewEncryptedStorage(provider, storage.KeyFromPassphrase(c.OffChainPassphrase, []byte(salt)))
	if err != nil {
		if closer != nil {
			err = errors.Join(err, closer.Close())
		}
		return nil, nil, nil, err
	}
	return s, health, closer, nil
}

func runNode(ctx context.Context, config *nodeConfiguration) (rErr error) {
	var closers []io.Closer
	defer func() {
		for _, c := range slices.Backward(closers) {
			rErr = errors.Join(rErr, c.Close())
		}
	}()

	keys, err := LoadKeys(config.Keys.GetKeyFileLocation(), config.Keys.GenerateKeys, config.Keys.ForceGeneration)
	if err != nil {
		return fmt.Errorf("failed to load keys %s: %w", config.Keys.GetKeyFileLocation(), err)
	}
	nodeID, err := keys.NodeID()
	if err != nil {
		return fmt.Errorf("failed to calculate node id: %w", err)
	}
	log := config.Base.observe.Logger().With(logger.NodeID(nodeID))
	obs := config.Base.observe.withLogger(log)

	authorities, err := config.authoritySet(nodeID)
	if err != nil {
		return err
	}
	engine, err := consensus.NewPoA(authorities)
	if err != nil {
		return err
	}

	blockStore, err := openKeyValueDB(config.DBBackend, config.Base.pathInHome(config.DBFile, blockStoreFileName), "blocks")
	if err != nil {
		return fmt.Errorf("opening block store: %w", err)
	}
	closers = append(closers, blockStore)
	chain, err := ledger.Open(blockStore, log)
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}

	bootnodes, err := network.ParseBootnodes(config.Bootnodes)
	if err != nil {
		return fmt.Errorf("invalid bootnodes: %w", err)
	}
	keyPair, err := keys.peerKeyPair()
	if err != nil {
		return err
	}
	peerConf, err := network.NewPeerConfiguration(config.Address, config.AnnounceAddresses, keyPair, bootnodes)
	if err != nil {
		return err
	}
	peer, err := network.NewPeer(ctx, peerConf, log, obs.PrometheusRegisterer())
	if err != nil {
		return err
	}
	closers = append(closers, peer)
	if err := peer.BootstrapConnect(ctx, log); err != nil {
		log.WarnContext(ctx, "connecting to bootstrap nodes", logger.Error(err))
	}

	transport, err := network.NewLedgerNetwork(ctx, peer, config.ChainID, obs)
	if err != nil {
		return err
	}
	closers = append(closers, transport)

	n, err := node.New(nodeID, chain, engine, transport, obs,
		node.WithBlockInterval(config.BlockInterval),
		node.WithMaxBlockTxs(config.MaxBlockTxs),
		node.WithMempoolSize(config.MempoolSize),
		node.WithSyncParams(config.SyncTimeout, config.ForkDepth, config.MaxQueuedBlocks),
	)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	offChain, offChainHealth, offChainCloser, err := config.offChainStorage(ctx)
	if err != nil {
		return fmt.Errorf("initializing off-chain storage: %w", err)
	}
	if offChainCloser != nil {
		closers = append(closers, offChainCloser)
	}

	log.InfoContext(ctx, fmt.Sprintf("starting node %s, validator=%t, chain %q, tip %s", nodeID, n.IsValidator(), config.ChainID, n.Tip()))
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return transport.Run(ctx) })
	g.Go(func() error { return n.Run(ctx) })
	g.Go(func() error {
		if config.RESTServerAddress == "" {
			return nil // return nil in this case in order not to kill the group!
		}
		checks := map[string]rpc.HealthCheck{}
		if offChainHealth != nil {
			checks["offchain"] = offChainHealth
		}
		routers := []rpc.Registrar{
			rpc.HealthEndpoints(obs, checks, rpc.WithVersion(serviceVersion)),
			rpc.NodeEndpoints(n, obs),
			rpc.InfoEndpoints(n, peer, log),
			rpc.MetricsEndpoints(obs.MetricsHandler()),
		}
		if offChain != nil {
			routers = append(routers, rpc.OffChainEndpoints(offChain, obs))
		}
		return runRESTServer(ctx, rpc.NewRESTServer(config.RESTServerAddress, config.RESTMaxBodySize, obs, routers...), obs)
	})

	return g.Wait()
}

func runRESTServer(ctx context.Context, server *http.Server, obs *observability) error {
	log := obs.Logger()
	errch := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, fmt.Sprintf("REST server starting on %s", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errch <- err
			return
		}
		errch <- nil
	}()

	select {
	case <-ctx.Done():
		if err := server.Close(); err != nil {
			log.WarnContext(ctx, "REST server close error", logger.Error(err))
		}
		if exitErr := <-errch; exitErr != nil {
			log.WarnContext(ctx, "REST server exited with error", logger.Error(exitErr))
		} else {
			log.InfoContext(ctx, "REST server exited")
		}
		return ctx.Err()
	case err := <-errch:
		return err
	}
}
