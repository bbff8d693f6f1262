package engine

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/franksops/hdfsconn/logging"
	"github.com/franksops/hdfsconn/store"
)

// Option configures a Scanner, Reader or Writer.
type Option func(*options)

type options struct {
	logger *zap.Logger
	store  store.Store
	stats  *Stats
	now    func() time.Time
}

func buildOptions(component string, opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Named(component)
	} else {
		o.logger = o.logger.Named(component)
	}
	if o.stats == nil {
		o.stats = &Stats{}
	}
	return o
}

// WithLogger sets the parent logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore persists scanner seen-sets and writer file indexes. Only
// components with a non-empty StateKey use it.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithStats shares a Stats value between components.
func WithStats(s *Stats) Option {
	return func(o *options) { o.stats = s }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Stats holds live pipeline counters. All fields are safe for concurrent use.
type Stats struct {
	Scans           atomic.Int64
	FilesDiscovered atomic.Int64
	FilesRead       atomic.Int64
	RecordsRead     atomic.Int64
	ItemErrors      atomic.Int64
	FilesWritten    atomic.Int64
	RecordsWritten  atomic.Int64
	BytesWritten    atomic.Int64
	Retries         atomic.Int64

	lastFile atomic.Value // string
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Scans           int64
	FilesDiscovered int64
	FilesRead       int64
	RecordsRead     int64
	ItemErrors      int64
	FilesWritten    int64
	RecordsWritten  int64
	BytesWritten    int64
	Retries         int64
	LastFile        string
}

func (s *Stats) setLastFile(name string) {
	s.lastFile.Store(name)
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	last, _ := s.lastFile.Load().(string)
	return StatsSnapshot{
		Scans:           s.Scans.Load(),
		FilesDiscovered: s.FilesDiscovered.Load(),
		FilesRead:       s.FilesRead.Load(),
		RecordsRead:     s.RecordsRead.Load(),
		ItemErrors:      s.ItemErrors.Load(),
		FilesWritten:    s.FilesWritten.Load(),
		RecordsWritten:  s.RecordsWritten.Load(),
		BytesWritten:    s.BytesWritten.Load(),
		Retries:         s.Retries.Load(),
		LastFile:        last,
	}
}
