// Package config loads connector settings from a file, the environment and
// command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/franksops/hdfsconn/engine"
	"github.com/franksops/hdfsconn/errdefs"
	"github.com/franksops/hdfsconn/logging"
	"github.com/franksops/hdfsconn/provider"
)

// EnvPrefix prefixes environment overrides, e.g. HDFSCONN_STORE_ENDPOINT.
const EnvPrefix = "HDFSCONN"

// Config holds the final connector configuration.
type Config struct {
	Store        Store        `mapstructure:"store"`
	Scan         Scan         `mapstructure:"scan"`
	Read         Read         `mapstructure:"read"`
	Write        Write        `mapstructure:"write"`
	Reconnection Reconnection `mapstructure:"reconnection"`
	State        State        `mapstructure:"state"`
	Log          Log          `mapstructure:"log"`
	Metrics      Metrics      `mapstructure:"metrics"`
}

// Store holds the remote store location and credentials. Exactly one of
// CredentialsFile, ConfigPath or Endpoint must be set.
type Store struct {
	CredentialsFile string        `mapstructure:"credentials_file"`
	ConfigPath      string        `mapstructure:"config_path"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Endpoint        string        `mapstructure:"endpoint"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Timeout         time.Duration `mapstructure:"timeout"`
	S3Region        string        `mapstructure:"s3_region"`
}

// Scan holds directory scanner settings.
type Scan struct {
	Directory string `mapstructure:"directory"`
	Pattern   string `mapstructure:"pattern"`
	// InitDelay accepts a duration ("30s") or a number of seconds ("30").
	// Empty means no delay.
	InitDelay     string        `mapstructure:"init_delay"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PruneMissing  bool          `mapstructure:"prune_missing"`
	IncludeHidden bool          `mapstructure:"include_hidden"`
}

// Read holds file reader settings.
type Read struct {
	Format    string `mapstructure:"format"`
	Encoding  string `mapstructure:"encoding"`
	BlockSize int    `mapstructure:"block_size"`
}

// Write holds file writer settings.
type Write struct {
	FilePattern        string        `mapstructure:"file_pattern"`
	TempFilePattern    string        `mapstructure:"temp_file_pattern"`
	TimeFormat         string        `mapstructure:"time_format"`
	TimeLimit          time.Duration `mapstructure:"time_limit"`
	TupleLimit         uint64        `mapstructure:"tuple_limit"`
	ByteLimit          uint64        `mapstructure:"byte_limit"`
	CloseOnPunctuation bool          `mapstructure:"close_on_punctuation"`
	Format             string        `mapstructure:"format"`
	Encoding           string        `mapstructure:"encoding"`
	FlushSize          int           `mapstructure:"flush_size"`
	CloseTimeout       time.Duration `mapstructure:"close_timeout"`
}

// Reconnection holds the retry policy shared by all components.
type Reconnection struct {
	Policy   string        `mapstructure:"policy"`
	Bound    int           `mapstructure:"bound"`
	Interval time.Duration `mapstructure:"interval"`
}

// State holds the optional bbolt state store location.
type State struct {
	Path string `mapstructure:"path"`
	Key  string `mapstructure:"key"`
}

// Log holds logger settings.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Metrics holds the prometheus listener address. Empty disables it.
type Metrics struct {
	Addr string `mapstructure:"addr"`
}

// FlagKeys maps command line flag names to configuration keys. Flags in this
// table that are present in the FlagSet passed to Load override file and
// environment values when set on the command line.
var FlagKeys = map[string]string{
	"credentials":  "store.credentials_file",
	"hadoop-conf":  "store.config_path",
	"user":         "store.user",
	"password":     "store.password",
	"endpoint":     "store.endpoint",
	"dir":          "scan.directory",
	"pattern":      "scan.pattern",
	"init-delay":   "scan.init_delay",
	"poll":         "scan.poll_interval",
	"format":       "read.format",
	"encoding":     "read.encoding",
	"out":          "write.file_pattern",
	"time-limit":   "write.time_limit",
	"tuple-limit":  "write.tuple_limit",
	"byte-limit":   "write.byte_limit",
	"reconnect":    "reconnection.policy",
	"bound":        "reconnection.bound",
	"interval":     "reconnection.interval",
	"state":        "state.path",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"metrics-addr": "metrics.addr",
}

func setDefaults(v *viper.Viper) {
	def := engine.DefaultReconnectPolicy()

	v.SetDefault("store.credentials_file", "")
	v.SetDefault("store.config_path", "")
	v.SetDefault("store.user", "")
	v.SetDefault("store.password", "")
	v.SetDefault("store.endpoint", "")
	v.SetDefault("store.rate_limit", 0)
	v.SetDefault("store.timeout", "60s")
	v.SetDefault("store.s3_region", "")

	v.SetDefault("scan.directory", "")
	v.SetDefault("scan.pattern", "")
	v.SetDefault("scan.init_delay", "")
	v.SetDefault("scan.poll_interval", engine.DefaultPollInterval.String())
	v.SetDefault("scan.prune_missing", false)
	v.SetDefault("scan.include_hidden", false)

	v.SetDefault("read.format", "text")
	v.SetDefault("read.encoding", engine.DefaultEncoding)
	v.SetDefault("read.block_size", 0)

	v.SetDefault("write.file_pattern", "")
	v.SetDefault("write.temp_file_pattern", "")
	v.SetDefault("write.time_format", engine.DefaultTimeFormat)
	v.SetDefault("write.time_limit", "0s")
	v.SetDefault("write.tuple_limit", 0)
	v.SetDefault("write.byte_limit", 0)
	v.SetDefault("write.close_on_punctuation", false)
	v.SetDefault("write.format", "text")
	v.SetDefault("write.encoding", engine.DefaultEncoding)
	v.SetDefault("write.flush_size", engine.DefaultFlushSize)
	v.SetDefault("write.close_timeout", engine.DefaultCloseTimeout.String())

	v.SetDefault("reconnection.policy", def.Kind.String())
	v.SetDefault("reconnection.bound", def.Bound)
	v.SetDefault("reconnection.interval", def.Interval.String())

	v.SetDefault("state.path", "")
	v.SetDefault("state.key", "default")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")

	v.SetDefault("metrics.addr", "")
}

// Load reads the configuration file at path (any format viper understands,
// picked by extension; empty path skips the file), applies HDFSCONN_*
// environment overrides and the flags named in FlagKeys, then validates the
// result.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("unable to read config from file %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("unable to verify config: %w", err)
	}
	return c, nil
}

// Validate checks every section and reports all problems at once. It never
// touches the network. Requirements that depend on the command being run,
// such as a scan directory, are left to the components.
func (c *Config) Validate() error {
	var errs *multierror.Error

	forms := 0
	for _, set := range []bool{c.Store.CredentialsFile != "", c.Store.ConfigPath != "", c.Store.Endpoint != ""} {
		if set {
			forms++
		}
	}
	switch {
	case forms == 0:
		errs = multierror.Append(errs, errdefs.Config("store", "one of credentials_file, config_path or endpoint is required"))
	case forms > 1:
		errs = multierror.Append(errs, errdefs.Config("store", "credentials_file, config_path and endpoint are mutually exclusive"))
	}
	if c.Store.Endpoint != "" && c.Store.User == "" {
		errs = multierror.Append(errs, errdefs.Config("store.user", "required with store.endpoint"))
	}
	if c.Store.RateLimit < 0 {
		errs = multierror.Append(errs, errdefs.Config("store.rate_limit", "must not be negative"))
	}

	if _, err := c.ScannerConfig(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := c.ReaderConfig(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := c.WriterConfig(); err != nil {
		errs = multierror.Append(errs, err)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		errs = multierror.Append(errs, errdefs.Config("log.format", "must be json or console, got %q", c.Log.Format))
	}

	return errs.ErrorOrNil()
}

// Credentials resolves the configured credential form.
func (c *Config) Credentials() (provider.Credentials, error) {
	switch {
	case c.Store.CredentialsFile != "":
		data, err := os.ReadFile(c.Store.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read credentials from file %s: %w", c.Store.CredentialsFile, err)
		}
		creds, err := provider.ParseServiceCredentials(data)
		if err != nil {
			return nil, err
		}
		return creds, nil
	case c.Store.ConfigPath != "":
		return provider.ConfigBundlePath(c.Store.ConfigPath), nil
	}
	return provider.StructuredCredentials{
		User:     c.Store.User,
		Password: c.Store.Password,
		Endpoint: c.Store.Endpoint,
	}, nil
}

// ClientOptions builds the options for provider.NewClient.
func (c *Config) ClientOptions() (provider.ClientOptions, error) {
	creds, err := c.Credentials()
	if err != nil {
		return provider.ClientOptions{}, err
	}
	return provider.ClientOptions{
		Credentials: creds,
		RateLimit:   c.Store.RateLimit,
		Timeout:     c.Store.Timeout,
		S3Region:    c.Store.S3Region,
	}, nil
}

// ReconnectPolicy converts the reconnection section.
func (c *Config) ReconnectPolicy() (engine.ReconnectPolicy, error) {
	p := engine.ReconnectPolicy{Bound: c.Reconnection.Bound, Interval: c.Reconnection.Interval}
	if c.Reconnection.Policy != "" {
		kind, err := engine.ParsePolicyKind(c.Reconnection.Policy)
		if err != nil {
			return p, err
		}
		p.Kind = kind
	}
	return p, p.Validate()
}

// ScannerConfig converts the scan section. The directory is not required
// here.
func (c *Config) ScannerConfig() (engine.ScannerConfig, error) {
	rp, err := c.ReconnectPolicy()
	if err != nil {
		return engine.ScannerConfig{}, err
	}
	cfg := engine.ScannerConfig{
		Directory:     c.Scan.Directory,
		Pattern:       c.Scan.Pattern,
		PollInterval:  c.Scan.PollInterval,
		Reconnect:     rp,
		PruneMissing:  c.Scan.PruneMissing,
		IncludeHidden: c.Scan.IncludeHidden,
		StateKey:      c.State.Key,
	}
	if c.Scan.InitDelay != "" {
		d, err := parseSeconds(c.Scan.InitDelay)
		if err != nil {
			return cfg, errdefs.Config("scan.init_delay", "%v", err)
		}
		if d <= time.Second {
			return cfg, errdefs.Config("scan.init_delay", "must be greater than 1s, got %s", d)
		}
		cfg.InitDelay = &d
	}
	if cfg.PollInterval < 0 {
		return cfg, errdefs.Config("scan.poll_interval", "must not be negative, got %s", cfg.PollInterval)
	}
	return cfg, nil
}

// ReaderConfig converts the read section.
func (c *Config) ReaderConfig() (engine.ReaderConfig, error) {
	rp, err := c.ReconnectPolicy()
	if err != nil {
		return engine.ReaderConfig{}, err
	}
	format, err := engine.ParseFormat(c.Read.Format)
	if err != nil {
		return engine.ReaderConfig{}, err
	}
	return engine.ReaderConfig{
		Format:    format,
		Encoding:  c.Read.Encoding,
		BlockSize: c.Read.BlockSize,
		Reconnect: rp,
	}, nil
}

// WriterConfig converts the write section. The file pattern is not required
// here.
func (c *Config) WriterConfig() (engine.WriterConfig, error) {
	rp, err := c.ReconnectPolicy()
	if err != nil {
		return engine.WriterConfig{}, err
	}
	format, err := engine.ParseFormat(c.Write.Format)
	if err != nil {
		return engine.WriterConfig{}, err
	}
	cfg := engine.WriterConfig{
		FilePattern:     c.Write.FilePattern,
		TimeFormat:      c.Write.TimeFormat,
		TempFilePattern: c.Write.TempFilePattern,
		Policy: engine.ClosePolicy{
			TimeLimit:          c.Write.TimeLimit,
			TupleLimit:         c.Write.TupleLimit,
			ByteLimit:          c.Write.ByteLimit,
			CloseOnPunctuation: c.Write.CloseOnPunctuation,
		},
		Format:       format,
		Encoding:     c.Write.Encoding,
		FlushSize:    c.Write.FlushSize,
		Reconnect:    rp,
		CloseTimeout: c.Write.CloseTimeout,
		StateKey:     c.State.Key,
	}
	if err := cfg.Policy.Validate(); err != nil {
		return cfg, err
	}
	if cfg.FlushSize < 0 {
		return cfg, errdefs.Config("write.flush_size", "must not be negative, got %d", cfg.FlushSize)
	}
	return cfg, nil
}

// LoggingConfig converts the log section.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		OutputPath: c.Log.Output,
	}
}

// parseSeconds accepts a Go duration or a plain number of seconds.
func parseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.New("must be a duration or a number of seconds")
	}
	return d, nil
}
