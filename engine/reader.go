package engine

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"

	"github.com/franksops/hdfsconn/errdefs"
	"github.com/franksops/hdfsconn/metrics"
	"github.com/franksops/hdfsconn/provider"
)

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	Format Format
	// Encoding of text files. Defaults to utf-8.
	Encoding string
	// BlockSize splits binary files into blobs of at most this many bytes.
	// Zero emits each file as a single blob.
	BlockSize int
	Reconnect ReconnectPolicy
}

// Reader turns a stream of file paths into records.
type Reader struct {
	client *provider.Client
	cfg    ReaderConfig
	enc    encoding.Encoding
	pool   *BufferPool
	retry  *retrier
	opts   options
}

// NewReader validates cfg and creates a Reader. No network call is made.
func NewReader(client *provider.Client, cfg ReaderConfig, opts ...Option) (*Reader, error) {
	if client == nil {
		return nil, errdefs.Config("client", "missing")
	}
	if cfg.Format != FormatText && cfg.Format != FormatBinary {
		return nil, errdefs.Config("read.format", "unsupported format %d", int(cfg.Format))
	}
	if cfg.BlockSize < 0 {
		return nil, errdefs.Config("read.block_size", "must not be negative, got %d", cfg.BlockSize)
	}
	if cfg.BlockSize > 0 && cfg.Format != FormatBinary {
		return nil, errdefs.Config("read.block_size", "only applies to binary format")
	}
	enc, err := lookupEncoding("read.encoding", cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if err := cfg.Reconnect.Validate(); err != nil {
		return nil, err
	}

	o := buildOptions("reader", opts)
	r := &Reader{
		client: client,
		cfg:    cfg,
		enc:    enc,
		opts:   o,
		retry: &retrier{
			policy:    cfg.Reconnect.withDefaults(),
			component: "reader",
			logger:    o.logger,
			stats:     o.stats,
			retryable: errdefs.IsTransient,
		},
	}
	if cfg.BlockSize > 0 {
		r.pool = NewBufferPool(cfg.BlockSize)
	}
	return r, nil
}

// Run reads each path from in, in arrival order, and sends its records to
// out followed by a window marker. Unreadable files produce a KindError
// record and processing continues. When in is closed Run sends a final
// marker and returns nil. out is closed on return.
func (r *Reader) Run(ctx context.Context, in <-chan string, out chan<- Record) error {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-in:
			if !ok {
				return send(ctx, out, FinalMarker())
			}
			if err := r.ReadFile(ctx, p, out); err != nil {
				return err
			}
		}
	}
}

// ReadFile emits the records of a single file followed by a window marker.
// Only cancellation and exhausted retries are returned as errors.
func (r *Reader) ReadFile(ctx context.Context, p string, out chan<- Record) error {
	logger := r.opts.logger.With(zap.String("path", p))

	var rc io.ReadCloser
	err := r.retry.do(ctx, "open", p, func() error {
		var err error
		rc, err = r.client.OpenRead(ctx, p)
		return err
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, errdefs.ErrFatal) {
			return err
		}
		return r.itemError(ctx, out, p, err)
	}
	defer rc.Close()

	cr := NewChecksumReader(rc)
	var n int
	if r.cfg.Format == FormatBinary {
		n, err = r.readBinary(ctx, p, cr, out)
	} else {
		n, err = r.readText(ctx, p, cr, out)
	}
	r.opts.stats.RecordsRead.Add(int64(n))
	metrics.RecordRecordsRead(r.cfg.Format.String(), n)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Records already sent are not retracted; the failure is reported
		// against the file.
		if ierr := r.itemError(ctx, out, p, err); ierr != nil {
			return ierr
		}
	} else {
		r.opts.stats.FilesRead.Add(1)
		logger.Debug("file read",
			zap.Int("records", n),
			zap.Int64("bytes", cr.BytesRead()),
			zap.Uint64("crc64", cr.Checksum()),
		)
	}

	return send(ctx, out, Record{Kind: KindWindow, Path: p})
}

func (r *Reader) readText(ctx context.Context, p string, src io.Reader, out chan<- Record) (int, error) {
	if !isUTF8(r.enc) {
		src = r.enc.NewDecoder().Reader(src)
	}
	br := bufio.NewReaderSize(src, 64*1024)

	n := 0
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			if serr := send(ctx, out, Record{Kind: KindText, Path: p, Text: line}); serr != nil {
				return n, serr
			}
			n++
		}
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

func (r *Reader) readBinary(ctx context.Context, p string, src io.Reader, out chan<- Record) (int, error) {
	if r.pool == nil {
		data, err := io.ReadAll(src)
		if err != nil {
			return 0, err
		}
		return 1, send(ctx, out, Record{Kind: KindBinary, Path: p, Data: data})
	}

	buf := r.pool.Get()
	defer r.pool.Put(buf)

	n := 0
	for {
		m, err := fill(src, *buf)
		if err != nil && err != io.EOF {
			return n, err
		}
		if m > 0 {
			block := make([]byte, m)
			copy(block, (*buf)[:m])
			if serr := send(ctx, out, Record{Kind: KindBinary, Path: p, Data: block}); serr != nil {
				return n, serr
			}
			n++
		}
		if err == io.EOF {
			return n, nil
		}
	}
}

// fill reads into buf until it is full or src fails. Only io.EOF from src
// marks a clean end; io.ErrUnexpectedEOF from a cut-off body is an error.
func fill(src io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := src.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (r *Reader) itemError(ctx context.Context, out chan<- Record, p string, err error) error {
	r.opts.stats.ItemErrors.Add(1)
	metrics.RecordItemError("reader")
	r.opts.logger.Warn("skipping unreadable file", zap.String("path", p), zap.Error(err))
	return send(ctx, out, Record{Kind: KindError, Path: p, Err: &errdefs.ItemError{Item: p, Err: err}})
}

func send[T any](ctx context.Context, out chan<- T, v T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- v:
		return nil
	}
}
