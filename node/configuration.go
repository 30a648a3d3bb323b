package node

import (
	"errors"
	"time"

	"github.com/habibyte/habibyte/gossip"
)

const (
	DefaultBlockInterval = 5 * time.Second
	DefaultMaxBlockTxs   = 100
	DefaultMempoolSize   = 10_000
)

type (
	configuration struct {
		blockInterval time.Duration // how often the node checks whether it should propose a block
		maxBlockTxs   int           // max number of transactions in a block proposed by the node
		mempoolSize   int
		gossipOptions []gossip.Option
	}

	NodeOption func(c *configuration)
)

func WithBlockInterval(d time.Duration) NodeOption {
	return func(c *configuration) {
		c.blockInterval = d
	}
}

func WithMaxBlockTxs(n int) NodeOption {
	return func(c *configuration) {
		c.maxBlockTxs = n
	}
}

func WithMempoolSize(n int) NodeOption {
	return func(c *configuration) {
		c.mempoolSize = n
	}
}

/*
WithSyncParams configures the chain sync of the replicator: time to wait
for response before asking the next peer, how deep forks are resolved and
how many blocks received ahead of the tip are kept.
*/
func WithSyncParams(timeout time.Duration, forkDepth uint64, maxQueuedBlocks int) NodeOption {
	return func(c *configuration) {
		c.gossipOptions = append(c.gossipOptions,
			gossip.WithSyncTimeout(timeout),
			gossip.WithForkDepth(forkDepth),
			gossip.WithMaxQueuedBlocks(maxQueuedBlocks))
	}
}

// WithGossipOptions passes options to the replicator as is.
func WithGossipOptions(opts ...gossip.Option) NodeOption {
	return func(c *configuration) {
		c.gossipOptions = append(c.gossipOptions, opts...)
	}
}

func loadConfiguration(opts ...NodeOption) (*configuration, error) {
	c := &configuration{}
	for _, o := range opts {
		o(c)
	}
	c.initMissingDefaults()
	if err := c.isValid(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *configuration) initMissingDefaults() {
	if c.blockInterval == 0 {
		c.blockInterval = DefaultBlockInterval
	}
	if c.maxBlockTxs == 0 {
		c.maxBlockTxs = DefaultMaxBlockTxs
	}
	if c.mempoolSize == 0 {
		c.mempoolSize = DefaultMempoolSize
	}
}

func (c *configuration) isValid() error {
	if c.blockInterval < 0 {
		return errors.New("block interval must not be negative")
	}
	if c.maxBlockTxs < 0 {
		return errors.New("max block transactions must not be negative")
	}
	if c.mempoolSize < 0 {
		return errors.New("mempool size must not be negative")
	}
	return nil
}
