package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/franksops/hdfsconn/errdefs"
	"github.com/franksops/hdfsconn/provider"
)

const defaultChannelSize = 64

// PipelineConfig wires a scanner or a fixed list of paths into a reader and
// an optional writer.
type PipelineConfig struct {
	// Scanner feeds the reader. Ignored when Paths is set.
	Scanner *ScannerConfig
	// Paths is read once, in order, instead of scanning.
	Paths  []string
	Reader ReaderConfig
	// Writer is optional. Without it records only reach OnRecord.
	Writer *WriterConfig
	// OnRecord sees every record leaving the reader, markers included.
	OnRecord func(Record)
	// OnFile sees every FileInfo emitted by the writer.
	OnFile func(FileInfo)
	// ChannelSize is the buffer between stages. Defaults to 64.
	ChannelSize int
}

// Pipeline runs its stages concurrently, one goroutine each, connected by
// channels. The first stage error cancels the others.
type Pipeline struct {
	cfg     PipelineConfig
	scanner *Scanner
	reader  *Reader
	writer  *Writer
	opts    options
}

// NewPipeline validates every stage. No network call is made.
func NewPipeline(client *provider.Client, cfg PipelineConfig, opts ...Option) (*Pipeline, error) {
	if cfg.Scanner == nil && len(cfg.Paths) == 0 {
		return nil, errdefs.Config("pipeline", "either a scanner or a list of paths is required")
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = defaultChannelSize
	}

	o := buildOptions("pipeline", opts)
	stageOpts := append(append([]Option(nil), opts...), WithStats(o.stats))

	p := &Pipeline{cfg: cfg, opts: o}
	var err error
	if len(cfg.Paths) == 0 {
		if p.scanner, err = NewScanner(client, *cfg.Scanner, stageOpts...); err != nil {
			return nil, err
		}
	}
	if p.reader, err = NewReader(client, cfg.Reader, stageOpts...); err != nil {
		return nil, err
	}
	if cfg.Writer != nil {
		if p.writer, err = NewWriter(client, *cfg.Writer, stageOpts...); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Stats returns the counters shared by all stages.
func (p *Pipeline) Stats() *Stats { return p.opts.stats }

// Run blocks until the input is exhausted, ctx is cancelled or a stage fails.
// With a scanner the input never ends, so Run only returns on cancellation or
// a fatal error.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	paths := make(chan string, p.cfg.ChannelSize)
	records := make(chan Record, p.cfg.ChannelSize)

	if p.scanner != nil {
		g.Go(func() error { return p.scanner.Run(gctx, paths) })
	} else {
		g.Go(func() error { return feed(gctx, p.cfg.Paths, paths) })
	}
	g.Go(func() error { return p.reader.Run(gctx, paths, records) })

	if p.writer == nil {
		g.Go(func() error {
			for rec := range records {
				p.observe(rec)
			}
			return nil
		})
	} else {
		toWriter := records
		if p.cfg.OnRecord != nil {
			relay := make(chan Record, p.cfg.ChannelSize)
			toWriter = relay
			g.Go(func() error {
				defer close(relay)
				for rec := range records {
					p.observe(rec)
					if err := send(gctx, relay, rec); err != nil {
						return err
					}
				}
				return nil
			})
		}

		files := make(chan FileInfo, p.cfg.ChannelSize)
		g.Go(func() error { return p.writer.Run(gctx, toWriter, files) })
		g.Go(func() error {
			for fi := range files {
				if p.cfg.OnFile != nil {
					p.cfg.OnFile(fi)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = ctx.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		p.opts.logger.Error("pipeline stopped", zap.Error(err))
	}
	return err
}

func (p *Pipeline) observe(rec Record) {
	if p.cfg.OnRecord != nil {
		p.cfg.OnRecord(rec)
	}
}

func feed(ctx context.Context, paths []string, out chan<- string) error {
	defer close(out)
	for _, p := range paths {
		if err := send(ctx, out, p); err != nil {
			return err
		}
	}
	return nil
}
