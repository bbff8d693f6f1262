package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/franksops/hdfsconn/config"
	"github.com/franksops/hdfsconn/engine"
	"github.com/franksops/hdfsconn/errdefs"
	"github.com/franksops/hdfsconn/logging"
	"github.com/franksops/hdfsconn/metrics"
	"github.com/franksops/hdfsconn/provider"
	"github.com/franksops/hdfsconn/store"
	"github.com/franksops/hdfsconn/ui"
)

const (
	exitFailure = 1
	exitConfig  = 2
	exitFatal   = 3
)

const usage = `Usage: hdfsconn <command> [options] [paths...]

Commands:
  scan    list new or modified files in a directory
  read    print the records of the given files, or of scanned files with --dir
  write   write lines from stdin to rotating files
  watch   scan a directory and copy every new file through the writer

Examples:
  hdfsconn scan --endpoint webhdfs://namenode:9870 --user alice --dir landing --once
  hdfsconn read --credentials creds.json /data/in/a.csv /data/in/b.csv
  hdfsconn write --hadoop-conf /etc/hadoop/conf --out 'out/part-%FILENUM.txt' --tuple-limit 1000 < data.txt
  hdfsconn watch -c hdfsconn.yaml --tui
`

type cliOptions struct {
	configPath string
	tui        bool
	once       bool
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" {
		io.WriteString(os.Stderr, usage)
		os.Exit(exitConfig)
	}
	cmd := os.Args[1]

	flags := pflag.NewFlagSet(cmd, pflag.ExitOnError)
	var opts cliOptions
	flags.StringVarP(&opts.configPath, "config", "c", "", "Configuration file (yaml, json, toml or hcl)")
	flags.BoolVar(&opts.tui, "tui", false, "Show a live status view instead of printing results")
	flags.BoolVar(&opts.once, "once", false, "Scan a single time and exit (scan only)")
	registerFlags(flags)
	flags.Usage = func() {
		io.WriteString(os.Stderr, usage+"\nOptions:\n")
		flags.PrintDefaults()
	}
	flags.Parse(os.Args[2:])

	if err := run(cmd, opts, flags); err != nil {
		fmt.Fprintf(os.Stderr, "hdfsconn %s: %v\n", cmd, err)
		os.Exit(exitCode(err))
	}
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String("credentials", "", "Service credentials JSON file")
	flags.String("hadoop-conf", "", "Directory containing core-site.xml and hdfs-site.xml")
	flags.String("endpoint", "", "Store endpoint (webhdfs://, swebhdfs://, https://, hdfs://, s3a://, file://)")
	flags.String("user", "", "User principal")
	flags.String("password", "", "Password, enables HTTP basic auth (Knox)")
	flags.String("dir", "", "Directory to scan")
	flags.String("pattern", "", "Regular expression matched against file names")
	flags.String("init-delay", "", "Delay before the first scan, e.g. 30s (must exceed 1s)")
	flags.Duration("poll", engine.DefaultPollInterval, "Delay between two scans")
	flags.String("format", "text", "Record format: text or binary")
	flags.String("encoding", engine.DefaultEncoding, "Text encoding")
	flags.String("out", "", "Output file pattern (%FILENUM, %TIME, %HOST, %PROCID)")
	flags.Duration("time-limit", 0, "Close output files after this long")
	flags.Uint64("tuple-limit", 0, "Close output files after this many records")
	flags.Uint64("byte-limit", 0, "Close output files after this many bytes")
	flags.String("reconnect", "BoundedRetry", "Reconnection policy: NoRetry, BoundedRetry or InfiniteRetry")
	flags.Int("bound", engine.DefaultReconnectPolicy().Bound, "Retries for BoundedRetry")
	flags.Duration("interval", engine.DefaultReconnectPolicy().Interval, "Delay between retries")
	flags.String("state", "", "bbolt file keeping scan and writer state across restarts")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "console", "Log format: console or json")
	flags.String("metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9102")
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrConfiguration):
		return exitConfig
	case errors.Is(err, errdefs.ErrFatal):
		return exitFatal
	}
	return exitFailure
}

func run(cmd string, opts cliOptions, flags *pflag.FlagSet) error {
	cfg, err := config.Load(opts.configPath, flags)
	if err != nil {
		return err
	}

	logCfg := cfg.LoggingConfig()
	if opts.tui && logCfg.OutputPath == "stderr" {
		// Keep the alternate screen clean.
		logCfg.OutputPath = os.DevNull
	}
	if err := logging.Init(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()
	logger := logging.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	stats := &engine.Stats{}
	engineOpts := []engine.Option{engine.WithLogger(logger), engine.WithStats(stats)}
	if cfg.State.Path != "" {
		st, err := store.NewBoltStore(cfg.State.Path)
		if err != nil {
			return err
		}
		defer st.Close()
		engineOpts = append(engineOpts, engine.WithStore(st))
	}

	clientOpts, err := cfg.ClientOptions()
	if err != nil {
		return err
	}
	client, err := provider.NewClient(ctx, clientOpts)
	if err != nil {
		return err
	}
	defer client.Close()

	logger.Info("connected",
		zap.String("endpoint", client.Endpoint().String()),
		zap.String("user", client.User()),
		zap.String("command", cmd),
	)

	a := &app{cfg: cfg, client: client, opts: engineOpts, stats: stats, stdout: os.Stdout}
	switch cmd {
	case "scan":
		return a.scan(ctx, opts.once)
	case "read":
		return a.withStatus(ctx, opts.tui, "read", func(ctx context.Context, onFile func(engine.FileInfo)) error {
			return a.read(ctx, flags.Args(), !opts.tui)
		})
	case "write":
		return a.withStatus(ctx, opts.tui, "write", func(ctx context.Context, onFile func(engine.FileInfo)) error {
			return a.write(ctx, os.Stdin, onFile)
		})
	case "watch":
		return a.withStatus(ctx, opts.tui, "watch "+cfg.Scan.Directory, a.watch)
	}
	return errdefs.Config("command", "unknown command %q", cmd)
}

func serveMetrics(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

type app struct {
	cfg    *config.Config
	client *provider.Client
	opts   []engine.Option
	stats  *engine.Stats
	stdout io.Writer
}

func (a *app) scan(ctx context.Context, once bool) error {
	sc, err := a.cfg.ScannerConfig()
	if err != nil {
		return err
	}
	scanner, err := engine.NewScanner(a.client, sc, a.opts...)
	if err != nil {
		return err
	}

	if once {
		paths, err := scanner.ScanOnce(ctx)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(a.stdout, p)
		}
		return nil
	}

	out := make(chan string)
	errCh := make(chan error, 1)
	go func() { errCh <- scanner.Run(ctx, out) }()
	for p := range out {
		fmt.Fprintln(a.stdout, p)
	}
	return ignoreCancel(<-errCh)
}

func (a *app) read(ctx context.Context, paths []string, print bool) error {
	pc := engine.PipelineConfig{Paths: paths}
	if len(paths) == 0 {
		sc, err := a.cfg.ScannerConfig()
		if err != nil {
			return err
		}
		pc.Scanner = &sc
	}
	rc, err := a.cfg.ReaderConfig()
	if err != nil {
		return err
	}
	pc.Reader = rc

	if print {
		pc.OnRecord = func(r engine.Record) {
			switch r.Kind {
			case engine.KindText:
				fmt.Fprintln(a.stdout, r.Text)
			case engine.KindBinary:
				a.stdout.Write(r.Data)
			}
		}
	}

	p, err := engine.NewPipeline(a.client, pc, a.opts...)
	if err != nil {
		return err
	}
	return ignoreCancel(p.Run(ctx))
}

// write sends stdin to the writer: one record per line in text format, a
// single record in binary format.
func (a *app) write(ctx context.Context, src io.Reader, onFile func(engine.FileInfo)) error {
	wc, err := a.cfg.WriterConfig()
	if err != nil {
		return err
	}
	w, err := engine.NewWriter(a.client, wc, a.opts...)
	if err != nil {
		return err
	}

	in := make(chan engine.Record)
	out := make(chan engine.FileInfo)
	readErr := make(chan error, 1)
	go func() {
		defer close(in)
		readErr <- feedRecords(ctx, src, wc.Format, in)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx, in, out) }()
	for fi := range out {
		onFile(fi)
	}
	if err := ignoreCancel(<-errCh); err != nil {
		return err
	}
	select {
	case err := <-readErr:
		return err
	default:
		return nil
	}
}

func feedRecords(ctx context.Context, src io.Reader, format engine.Format, in chan<- engine.Record) error {
	if format == engine.FormatBinary {
		data, err := io.ReadAll(src)
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		select {
		case in <- engine.BinaryRecord(data):
		case <-ctx.Done():
		}
		return nil
	}

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		select {
		case in <- engine.TextRecord(sc.Text()):
		case <-ctx.Done():
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

func (a *app) watch(ctx context.Context, onFile func(engine.FileInfo)) error {
	sc, err := a.cfg.ScannerConfig()
	if err != nil {
		return err
	}
	rc, err := a.cfg.ReaderConfig()
	if err != nil {
		return err
	}
	wc, err := a.cfg.WriterConfig()
	if err != nil {
		return err
	}

	p, err := engine.NewPipeline(a.client, engine.PipelineConfig{
		Scanner: &sc,
		Reader:  rc,
		Writer:  &wc,
		OnFile:  onFile,
	}, a.opts...)
	if err != nil {
		return err
	}
	return ignoreCancel(p.Run(ctx))
}

// withStatus runs fn either with a bubbletea status view or printing each
// closed file to stdout. Quitting the view cancels fn.
func (a *app) withStatus(ctx context.Context, tui bool, title string, fn func(context.Context, func(engine.FileInfo)) error) error {
	if !tui {
		return fn(ctx, func(fi engine.FileInfo) {
			fmt.Fprintf(a.stdout, "%s\t%d\n", fi.FileName, fi.FileSize)
		})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(ui.NewStatusModel(title, a.stats.Snapshot), tea.WithAltScreen(), tea.WithContext(ctx))
	errCh := make(chan error, 1)
	go func() {
		err := fn(ctx, func(fi engine.FileInfo) { program.Send(ui.FileMsg(fi)) })
		program.Send(ui.DoneMsg{Err: err})
		errCh <- err
	}()

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		cancel()
		<-errCh
		return fmt.Errorf("status view failed: %w", err)
	}
	cancel()
	return ignoreCancel(<-errCh)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
