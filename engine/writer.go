package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"

	"github.com/franksops/hdfsconn/errdefs"
	"github.com/franksops/hdfsconn/metrics"
	"github.com/franksops/hdfsconn/provider"
	"github.com/franksops/hdfsconn/store"
)

const (
	// DefaultFlushSize is the amount of buffered data that triggers an
	// append call.
	DefaultFlushSize = 1 << 20
	// DefaultCloseTimeout bounds the best-effort close on cancellation.
	DefaultCloseTimeout = 30 * time.Second
)

// WriterConfig configures a Writer.
type WriterConfig struct {
	// FilePattern names output files. It may contain %FILENUM, %TIME,
	// %HOST and %PROCID. Relative names resolve under the user's home.
	FilePattern string
	// TimeFormat is the Go layout for %TIME. Defaults to DefaultTimeFormat.
	TimeFormat string
	// TempFilePattern names the file while it is being written. It accepts
	// the same tokens. When empty a hidden name next to the final file is
	// used.
	TempFilePattern string
	Policy          ClosePolicy
	Format          Format
	// Encoding of text output. Defaults to utf-8.
	Encoding string
	// FlushSize defaults to DefaultFlushSize.
	FlushSize    int
	Reconnect    ReconnectPolicy
	CloseTimeout time.Duration
	// StateKey persists the next file number under this key when a store
	// is attached with WithStore.
	StateKey string
}

// session is the file currently being written.
type session struct {
	index     uint64
	finalPath string
	writePath string
	openedAt  time.Time
	records   uint64
	bytes     uint64
	pending   bytes.Buffer
	crc       *ChecksumWriter
}

// Writer writes records to rotating files and reports every closed file.
// A Writer owns at most one open file at a time and is driven by a single
// goroutine through Run.
type Writer struct {
	client    *provider.Client
	cfg       WriterConfig
	name      *nameTemplate
	temp      *nameTemplate
	enc       *encoding.Encoder
	sessionID string
	nextIndex uint64
	session   *session
	retry     *retrier
	opts      options
}

// NewWriter validates cfg and creates a Writer. No network call is made, so
// every configuration problem surfaces here as an errdefs.ConfigError.
func NewWriter(client *provider.Client, cfg WriterConfig, opts ...Option) (*Writer, error) {
	if client == nil {
		return nil, errdefs.Config("client", "missing")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Format != FormatText && cfg.Format != FormatBinary {
		return nil, errdefs.Config("write.format", "unsupported format %d", int(cfg.Format))
	}
	if cfg.FlushSize < 0 {
		return nil, errdefs.Config("write.flush_size", "must not be negative, got %d", cfg.FlushSize)
	}
	if cfg.FlushSize == 0 {
		cfg.FlushSize = DefaultFlushSize
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if err := cfg.Reconnect.Validate(); err != nil {
		return nil, err
	}

	name, err := parseNameTemplate("write.file_pattern", cfg.FilePattern, cfg.TimeFormat)
	if err != nil {
		return nil, err
	}
	var temp *nameTemplate
	if cfg.TempFilePattern != "" {
		if temp, err = parseNameTemplate("write.temp_file_pattern", cfg.TempFilePattern, cfg.TimeFormat); err != nil {
			return nil, err
		}
	}
	enc, err := lookupEncoding("write.encoding", cfg.Encoding)
	if err != nil {
		return nil, err
	}

	o := buildOptions("writer", opts)
	w := &Writer{
		client:    client,
		cfg:       cfg,
		name:      name,
		temp:      temp,
		sessionID: uuid.NewString(),
		opts:      o,
		retry: &retrier{
			policy:    cfg.Reconnect.withDefaults(),
			component: "writer",
			logger:    o.logger,
			stats:     o.stats,
		},
	}
	if !isUTF8(enc) {
		w.enc = enc.NewEncoder()
	}

	if o.store != nil && cfg.StateKey != "" {
		rec, err := o.store.GetWriter(cfg.StateKey)
		switch {
		case err == nil:
			w.nextIndex = rec.NextFileIndex
		case !errors.Is(err, store.ErrWriterNotFound):
			return nil, err
		}
	}

	if !name.varies() {
		o.logger.Info("file pattern has no %FILENUM or %TIME token, every file replaces the previous one",
			zap.String("pattern", cfg.FilePattern))
	}
	return w, nil
}

// Run writes records from in until in is closed, a final marker arrives or
// ctx is cancelled, sending a FileInfo to out for every closed file. out is
// closed on return.
//
// The first file is created when Run starts; later files are created when
// the first record after a close arrives. On cancellation the open file is
// closed on a detached context bounded by CloseTimeout. If that close fails
// the partial file stays under its temporary name and its data is lost to
// consumers; the failure is logged and returned together with ctx.Err().
func (w *Writer) Run(ctx context.Context, in <-chan Record, out chan<- FileInfo) error {
	defer close(out)

	if err := w.open(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	var timeout <-chan time.Time

	for {
		// Keep the time-limit timer in step with the session.
		switch {
		case w.session != nil && w.cfg.Policy.TimeLimit > 0 && timeout == nil:
			timer.Reset(w.cfg.Policy.TimeLimit - w.opts.now().Sub(w.session.openedAt))
			timeout = timer.C
		case w.session == nil && timeout != nil:
			timer.Stop()
			timeout = nil
		}

		select {
		case <-ctx.Done():
			return w.abort(ctx, out)

		case <-timeout:
			timeout = nil
			if err := w.closeSession(ctx, out, false); err != nil {
				return err
			}

		case rec, ok := <-in:
			if !ok {
				return w.closeSession(ctx, out, false)
			}
			done, err := w.handle(ctx, rec, out)
			if err != nil {
				if ctx.Err() != nil {
					return w.abort(ctx, out)
				}
				return err
			}
			if done {
				return nil
			}
			if w.session == nil {
				timeout = nil
			}
		}
	}
}

// handle applies one record. It reports done after a final marker.
func (w *Writer) handle(ctx context.Context, rec Record, out chan<- FileInfo) (bool, error) {
	switch rec.Kind {
	case KindFinal:
		return true, w.closeSession(ctx, out, false)

	case KindWindow:
		if w.session == nil || !w.cfg.Policy.closesOnWindow() {
			return false, nil
		}
		return false, w.closeSession(ctx, out, false)

	case KindError:
		w.opts.logger.Debug("ignoring upstream error record", zap.String("path", rec.Path), zap.Error(rec.Err))
		return false, nil
	}

	data, err := w.encode(rec)
	if err != nil {
		w.opts.stats.ItemErrors.Add(1)
		metrics.RecordItemError("writer")
		w.opts.logger.Warn("dropping record that cannot be written",
			zap.String("kind", rec.Kind.String()),
			zap.String("source", rec.Path),
			zap.Error(&errdefs.ItemError{Item: rec.Path, Err: err}),
		)
		return false, nil
	}

	if w.session == nil {
		if err := w.open(ctx); err != nil {
			return false, err
		}
	}
	if err := w.append(ctx, data); err != nil {
		return false, err
	}

	if w.cfg.Policy.reached(w.session, w.opts.now()) {
		return false, w.closeSession(ctx, out, false)
	}
	return false, nil
}

func (w *Writer) encode(rec Record) ([]byte, error) {
	switch {
	case w.cfg.Format == FormatBinary && rec.Kind == KindBinary:
		return rec.Data, nil
	case w.cfg.Format == FormatBinary && rec.Kind == KindText:
		return []byte(rec.Text), nil
	case w.cfg.Format == FormatText && rec.Kind == KindText:
		line := rec.Text + "\n"
		if w.enc == nil {
			return []byte(line), nil
		}
		return w.enc.Bytes([]byte(line))
	}
	return nil, fmt.Errorf("cannot write %s record in %s format", rec.Kind, w.cfg.Format)
}

func (w *Writer) open(ctx context.Context) error {
	now := w.opts.now()
	finalPath := w.client.Resolve(w.name.expand(w.nextIndex, now))

	writePath := path.Join(path.Dir(finalPath), "."+path.Base(finalPath)+"."+w.sessionID+".tmp")
	if w.temp != nil {
		writePath = w.temp.expand(w.nextIndex, now)
		if !path.IsAbs(writePath) {
			writePath = path.Join(path.Dir(finalPath), writePath)
		}
	}

	err := w.retry.do(ctx, "create", writePath, func() error {
		return w.client.Create(ctx, writePath)
	})
	if err != nil {
		return err
	}

	w.session = &session{
		index:     w.nextIndex,
		finalPath: finalPath,
		writePath: writePath,
		openedAt:  now,
		crc:       NewChecksumWriter(nil),
	}
	w.opts.logger.Debug("file opened",
		zap.String("path", finalPath),
		zap.String("temp_path", writePath),
		zap.Uint64("file_index", w.nextIndex),
	)
	return nil
}

func (w *Writer) append(ctx context.Context, data []byte) error {
	s := w.session
	s.pending.Write(data)
	s.crc.Write(data)
	s.records++
	s.bytes += uint64(len(data))
	w.opts.stats.RecordsWritten.Add(1)

	if s.pending.Len() >= w.cfg.FlushSize {
		return w.flush(ctx)
	}
	return nil
}

// flush sends buffered data to the open file, retrying the same append
// against the same path.
func (w *Writer) flush(ctx context.Context) error {
	s := w.session
	if s.pending.Len() == 0 {
		return nil
	}

	data := s.pending.Bytes()
	err := w.retry.do(ctx, "append", s.writePath, func() error {
		return w.client.Append(ctx, s.writePath, data)
	})
	if err != nil {
		return err
	}

	w.opts.stats.BytesWritten.Add(int64(len(data)))
	metrics.RecordBytesWritten(len(data))
	s.pending.Reset()
	return nil
}

// closeSession flushes the open file, moves it to its final name and emits
// its FileInfo. It does nothing when no file is open. With detached set the
// FileInfo is dropped rather than blocking when out is not being drained.
func (w *Writer) closeSession(ctx context.Context, out chan<- FileInfo, detached bool) error {
	s := w.session
	if s == nil {
		return nil
	}

	if err := w.flush(ctx); err != nil {
		return err
	}

	if s.writePath != s.finalPath {
		err := w.retry.do(ctx, "rename", s.writePath, func() error {
			return w.client.Rename(ctx, s.writePath, s.finalPath)
		})
		if err != nil {
			return err
		}
	}

	size := s.bytes
	if info, err := w.client.Stat(ctx, s.finalPath); err == nil {
		size = uint64(info.Size())
	} else if !errors.Is(err, fs.ErrNotExist) {
		w.opts.logger.Debug("stat after close failed, reporting bytes written", zap.String("path", s.finalPath), zap.Error(err))
	}

	w.session = nil
	w.nextIndex = s.index + 1
	w.persist(s, size)

	w.opts.stats.FilesWritten.Add(1)
	w.opts.stats.setLastFile(s.finalPath)
	metrics.RecordFileWritten()
	w.opts.logger.Info("file closed",
		zap.String("path", s.finalPath),
		zap.Uint64("size", size),
		zap.Uint64("records", s.records),
		zap.Uint64("crc64", s.crc.Checksum()),
		zap.Stringer("policy", w.cfg.Policy),
	)

	info := FileInfo{FileName: s.finalPath, FileSize: size}
	if detached {
		select {
		case out <- info:
		default:
			w.opts.logger.Warn("file info dropped during shutdown", zap.String("path", s.finalPath))
		}
		return nil
	}
	return send(ctx, out, info)
}

func (w *Writer) persist(s *session, size uint64) {
	if w.opts.store == nil || w.cfg.StateKey == "" {
		return
	}
	rec := &store.WriterRecord{
		Key:           w.cfg.StateKey,
		NextFileIndex: w.nextIndex,
		LastFile:      s.finalPath,
		LastFileSize:  size,
		UpdatedAt:     w.opts.now(),
	}
	if err := w.opts.store.SaveWriter(rec); err != nil {
		w.opts.logger.Warn("failed to persist writer position", zap.Error(err))
	}
}

// abort attempts a best-effort close after cancellation.
func (w *Writer) abort(ctx context.Context, out chan<- FileInfo) error {
	cause := ctx.Err()
	s := w.session
	if s == nil {
		return cause
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CloseTimeout)
	defer cancel()

	if err := w.closeSession(closeCtx, out, true); err != nil {
		w.opts.logger.Error("close on shutdown failed, partial file lost",
			zap.String("path", s.finalPath),
			zap.String("temp_path", s.writePath),
			zap.Uint64("records", s.records),
			zap.Int("unflushed_bytes", s.pending.Len()),
			zap.Error(err),
		)
		return errors.Join(cause, err)
	}
	return cause
}
