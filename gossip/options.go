package gossip

import (
	"errors"
	"time"

	"github.com/habibyte/habibyte/network/protocol/chainsync"
)

const (
	DefaultSeenCacheSize   = 4096
	DefaultMaxQueuedBlocks = 256
	DefaultSyncTimeout     = 3 * time.Second
	DefaultForkDepth       = 16
	DefaultPollInterval    = 10 * time.Second
)

type (
	configuration struct {
		seenCacheSize   int
		maxQueuedBlocks int
		maxSyncBlocks   uint64
		syncTimeout     time.Duration
		forkDepth       uint64
		pollInterval    time.Duration
		proposer        func(height uint64) string
	}

	Option func(*configuration)
)

func defaultConfiguration() configuration {
	return configuration{
		seenCacheSize:   DefaultSeenCacheSize,
		maxQueuedBlocks: DefaultMaxQueuedBlocks,
		maxSyncBlocks:   chainsync.MaxBlocks,
		syncTimeout:     DefaultSyncTimeout,
		forkDepth:       DefaultForkDepth,
		pollInterval:    DefaultPollInterval,
	}
}

// WithSeenCacheSize sets the number of message hashes remembered for deduplication.
func WithSeenCacheSize(size int) Option {
	return func(c *configuration) {
		c.seenCacheSize = size
	}
}

// WithMaxQueuedBlocks sets how many out of order blocks are kept while syncing.
func WithMaxQueuedBlocks(n int) Option {
	return func(c *configuration) {
		c.maxQueuedBlocks = n
	}
}

// WithMaxSyncBlocks sets the number of blocks requested and served by single sync exchange.
func WithMaxSyncBlocks(n uint64) Option {
	return func(c *configuration) {
		c.maxSyncBlocks = n
	}
}

// WithSyncTimeout sets how long to wait for sync response before asking the next peer.
func WithSyncTimeout(d time.Duration) Option {
	return func(c *configuration) {
		c.syncTimeout = d
	}
}

// WithForkDepth sets how many blocks below the conflicting block are fetched
// when looking for the fork point.
func WithForkDepth(depth uint64) Option {
	return func(c *configuration) {
		c.forkDepth = depth
	}
}

// WithPollInterval sets how often idle node asks a random peer for new blocks.
// Zero disables polling.
func WithPollInterval(d time.Duration) Option {
	return func(c *configuration) {
		c.pollInterval = d
	}
}

// WithProposerSchedule sets the function returning the expected proposer of
// the height. Blocks ahead of the tip from other validators are not queued.
func WithProposerSchedule(proposer func(height uint64) string) Option {
	return func(c *configuration) {
		c.proposer = proposer
	}
}

func (c *configuration) isValid() error {
	if c.seenCacheSize < 1 {
		return errors.New("seen cache size must be positive")
	}
	if c.maxQueuedBlocks < 1 {
		return errors.New("max queued blocks must be positive")
	}
	if c.maxSyncBlocks < 1 || c.maxSyncBlocks > chainsync.MaxBlocks {
		return errors.New("max sync blocks out of range")
	}
	if c.syncTimeout <= 0 {
		return errors.New("sync timeout must be positive")
	}
	if c.forkDepth < 1 {
		return errors.New("fork depth must be positive")
	}
	if c.pollInterval < 0 {
		return errors.New("poll interval must not be negative")
	}
	return nil
}

// tickInterval is how often sync state is checked.
func (c *configuration) tickInterval() time.Duration {
	d := c.syncTimeout / 2
	if c.pollInterval > 0 && c.pollInterval < d {
		d = c.pollInterval
	}
	return max(d, 10*time.Millisecond)
}
