package rpc

type (
	Options struct {
		maxGetBlocksBatchSize uint64
		version               string
	}

	Option func(*Options)
)

func defaultOptions() *Options {
	return &Options{
		maxGetBlocksBatchSize: 100,
		version:               "dev",
	}
}

// WithMaxGetBlocksBatchSize limits how many blocks GET /blocks returns for a range query.
func WithMaxGetBlocksBatchSize(maxGetBlocksBatchSize uint64) Option {
	return func(c *Options) {
		c.maxGetBlocksBatchSize = maxGetBlocksBatchSize
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(version string) Option {
	return func(c *Options) {
		c.version = version
	}
}
