package engine

import (
	"context"
	"path"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/franksops/hdfsconn/errdefs"
	"github.com/franksops/hdfsconn/metrics"
	"github.com/franksops/hdfsconn/provider"
	"github.com/franksops/hdfsconn/store"
)

// DefaultPollInterval is the delay between two directory listings.
const DefaultPollInterval = 5 * time.Second

// ScannerConfig configures a Scanner.
type ScannerConfig struct {
	// Directory to poll. Relative paths resolve under the user's home.
	Directory string
	// Pattern is a regular expression matched against file base names.
	// Empty matches every file.
	Pattern string
	// InitDelay postpones the first listing. It must exceed one second
	// when set.
	InitDelay *time.Duration
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	Reconnect    ReconnectPolicy
	// PruneMissing forgets files that no longer appear in the listing, so
	// a file deleted and recreated with an older timestamp is emitted again.
	PruneMissing bool
	// IncludeHidden also emits names starting with "." or "_". They are
	// skipped by default, which keeps in-progress writer temp files out of
	// a scan of the writer's own output directory.
	IncludeHidden bool
	// StateKey persists the seen-set under this key when a store is
	// attached with WithStore.
	StateKey string
}

// Scanner polls a directory and emits the paths of new or modified files.
type Scanner struct {
	client  *provider.Client
	cfg     ScannerConfig
	dir     string
	pattern *regexp.Regexp
	seen    map[string]time.Time
	retry   *retrier
	opts    options
}

type scanEntry struct {
	path    string
	modTime time.Time
}

// NewScanner validates cfg and creates a Scanner. No network call is made.
func NewScanner(client *provider.Client, cfg ScannerConfig, opts ...Option) (*Scanner, error) {
	if client == nil {
		return nil, errdefs.Config("client", "missing")
	}
	if cfg.Directory == "" {
		return nil, errdefs.Config("scan.directory", "must not be empty")
	}
	if cfg.InitDelay != nil && *cfg.InitDelay <= time.Second {
		return nil, errdefs.Config("scan.init_delay", "must be greater than 1s, got %s", *cfg.InitDelay)
	}
	if cfg.PollInterval < 0 {
		return nil, errdefs.Config("scan.poll_interval", "must not be negative, got %s", cfg.PollInterval)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if err := cfg.Reconnect.Validate(); err != nil {
		return nil, err
	}

	var pattern *regexp.Regexp
	if cfg.Pattern != "" {
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return nil, errdefs.Config("scan.pattern", "%v", err)
		}
		pattern = re
	}

	o := buildOptions("scanner", opts)
	s := &Scanner{
		client:  client,
		cfg:     cfg,
		dir:     client.Resolve(cfg.Directory),
		pattern: pattern,
		seen:    make(map[string]time.Time),
		opts:    o,
		retry: &retrier{
			policy:    cfg.Reconnect.withDefaults(),
			component: "scanner",
			logger:    o.logger,
			stats:     o.stats,
		},
	}

	if o.store != nil && cfg.StateKey != "" {
		seen, err := o.store.LoadSeen(cfg.StateKey)
		if err != nil {
			return nil, err
		}
		s.seen = seen
	}
	return s, nil
}

// Directory returns the resolved directory being scanned.
func (s *Scanner) Directory() string { return s.dir }

// Run waits for the initial delay, then lists the directory every poll
// interval and sends new or modified paths to out in listing order. It
// closes out on return. Run returns ctx.Err() on cancellation and an
// *errdefs.FatalError when a listing exhausts the reconnection policy.
func (s *Scanner) Run(ctx context.Context, out chan<- string) error {
	defer close(out)

	if s.cfg.InitDelay != nil {
		if err := sleep(ctx, *s.cfg.InitDelay); err != nil {
			return err
		}
	}

	s.opts.logger.Info("scanner started",
		zap.String("directory", s.dir),
		zap.Duration("poll_interval", s.cfg.PollInterval),
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		entries, err := s.scan(ctx)
		if err != nil {
			return err
		}

		for _, e := range entries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- e.path:
				s.markSeen(e)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScanOnce performs a single listing, marks the returned paths as seen and
// returns them in listing order.
func (s *Scanner) ScanOnce(ctx context.Context) ([]string, error) {
	entries, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		s.markSeen(e)
		paths = append(paths, e.path)
	}
	return paths, nil
}

// scan lists the directory and returns the entries that are new or newer
// than the seen-set, without updating it.
func (s *Scanner) scan(ctx context.Context) ([]scanEntry, error) {
	var listing []provider.FileInfo
	err := s.retry.do(ctx, "list", s.dir, func() error {
		var err error
		listing, err = s.client.List(ctx, s.dir)
		return err
	})
	if err != nil {
		return nil, err
	}

	present := make(map[string]struct{}, len(listing))
	var changed []scanEntry
	for _, info := range listing {
		if info.IsDir() {
			continue
		}
		if !s.cfg.IncludeHidden && hidden(info.Name()) {
			continue
		}
		if s.pattern != nil && !s.pattern.MatchString(info.Name()) {
			continue
		}

		p := path.Join(s.dir, info.Name())
		present[p] = struct{}{}
		if prev, ok := s.seen[p]; ok && !info.ModTime().After(prev) {
			continue
		}
		changed = append(changed, scanEntry{path: p, modTime: info.ModTime()})
	}

	if s.cfg.PruneMissing {
		s.prune(present)
	}

	s.opts.stats.Scans.Add(1)
	s.opts.stats.FilesDiscovered.Add(int64(len(changed)))
	metrics.RecordScan(len(changed))
	s.opts.logger.Debug("directory listed",
		zap.String("directory", s.dir),
		zap.Int("entries", len(listing)),
		zap.Int("changed", len(changed)),
	)
	return changed, nil
}

func (s *Scanner) markSeen(e scanEntry) {
	s.seen[e.path] = e.modTime
	if s.opts.store == nil || s.cfg.StateKey == "" {
		return
	}
	if err := s.opts.store.SaveSeen(s.cfg.StateKey, store.SeenRecord{Path: e.path, ModTime: e.modTime}); err != nil {
		s.opts.logger.Warn("failed to persist seen entry", zap.String("path", e.path), zap.Error(err))
	}
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

func (s *Scanner) prune(present map[string]struct{}) {
	for p := range s.seen {
		if _, ok := present[p]; ok {
			continue
		}
		delete(s.seen, p)
		if s.opts.store != nil && s.cfg.StateKey != "" {
			if err := s.opts.store.DeleteSeen(s.cfg.StateKey, p); err != nil {
				s.opts.logger.Warn("failed to prune seen entry", zap.String("path", p), zap.Error(err))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
