package storage

import "time"

// PageSize is the fixed page size in bytes used by every file kind except
// meta.txt and wal.log.
const PageSize = 4096

// Default partition capacities, frame counts per intent tag.
const (
	DefaultDataFrames  = 110
	DefaultIndexFrames = 30
	DefaultMetaFrames  = 10
)

// DefaultFlushInterval is how often the background flusher calls
// BufferPool.FlushAll when no explicit interval is configured.
const DefaultFlushInterval = 20 * time.Second

// Config bundles the tunables of the storage engine. Zero value is not
// meant to be used directly; build one with NewConfig and Options.
type Config struct {
	PageSize      int
	DataFrames    int
	IndexFrames   int
	MetaFrames    int
	FlushInterval time.Duration
	WALPath       string
}

// Option mutates a Config at construction time.
type Option func(*Config)

// WithPageSize overrides the default 4096-byte page size.
func WithPageSize(size int) Option {
	return func(c *Config) { c.PageSize = size }
}

// WithPartitionSizes overrides the DATA/INDEX/META frame counts.
func WithPartitionSizes(data, index, meta int) Option {
	return func(c *Config) {
		c.DataFrames = data
		c.IndexFrames = index
		c.MetaFrames = meta
	}
}

// WithFlushInterval overrides the background flusher's period.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Config) { c.FlushInterval = d }
}

// WithWALPath overrides where the write-ahead log is appended.
func WithWALPath(path string) Option {
	return func(c *Config) { c.WALPath = path }
}

// NewConfig builds a Config with the spec's defaults, applying opts in order.
func NewConfig(opts ...Option) Config {
	c := Config{
		PageSize:      PageSize,
		DataFrames:    DefaultDataFrames,
		IndexFrames:   DefaultIndexFrames,
		MetaFrames:    DefaultMetaFrames,
		FlushInterval: DefaultFlushInterval,
		WALPath:       "Tables/wal.log",
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
