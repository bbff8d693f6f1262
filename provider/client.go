package provider

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/colinmarc/hdfs/v2"
	"github.com/colinmarc/hdfs/v2/hadoopconf"

	"github.com/franksops/hdfsconn/errdefs"
	"github.com/franksops/hdfsconn/metrics"
)

// Endpoint is the resolved address of the remote store.
type Endpoint struct {
	Scheme     string
	Host       string
	Port       int
	PathPrefix string
}

func (e Endpoint) String() string {
	host := e.Host
	if e.Port > 0 {
		host = net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	}
	return e.Scheme + "://" + host + e.PathPrefix
}

// ClientOptions configures NewClient.
type ClientOptions struct {
	Credentials Credentials
	// RateLimit caps WebHDFS requests per second. Zero means unlimited.
	RateLimit float64
	// Timeout bounds a single WebHDFS request.
	Timeout time.Duration
	// S3Region is used for s3a:// endpoints.
	S3Region string
}

// Client is the connection to a remote store shared by the scanner, reader
// and writer. It resolves paths against the user's home directory and
// delegates every operation to the backend Provider. A Client is immutable
// after construction and safe for concurrent use.
type Client struct {
	endpoint Endpoint
	user     string
	home     string
	backend  Provider
}

var _ Provider = (*Client)(nil)

// NewClient validates opts and builds a Client. Validation never touches the
// network; invalid options yield an error matching errdefs.ErrConfiguration.
func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	switch creds := opts.Credentials.(type) {
	case StructuredCredentials:
		return newStructuredClient(ctx, creds, opts)
	case ConfigBundlePath:
		return newBundleClient(ctx, creds, opts)
	case nil:
		return nil, errdefs.Config("credentials", "missing")
	default:
		return nil, errdefs.Config("credentials", "unsupported type %T", creds)
	}
}

// NewClientWithProvider wraps an existing backend, mostly for tests and
// embedded use.
func NewClientWithProvider(user string, backend Provider) *Client {
	return &Client{
		endpoint: Endpoint{Scheme: "custom"},
		user:     user,
		home:     homeDir(user),
		backend:  backend,
	}
}

func homeDir(user string) string {
	return path.Join("/user", user)
}

func parseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, errdefs.Config("endpoint", "cannot parse %q: %v", raw, err)
	}
	if u.Scheme == "" || (u.Host == "" && u.Scheme != "file") {
		return nil, errdefs.Config("endpoint", "%q must be an absolute URL", raw)
	}
	return u, nil
}

func endpointFromURL(u *url.URL, defaultPort int) Endpoint {
	ep := Endpoint{
		Scheme:     u.Scheme,
		Host:       u.Hostname(),
		Port:       defaultPort,
		PathPrefix: strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), webhdfsRoot),
	}
	if p, err := strconv.Atoi(u.Port()); err == nil {
		ep.Port = p
	}
	return ep
}

func newStructuredClient(ctx context.Context, creds StructuredCredentials, opts ClientOptions) (*Client, error) {
	if creds.Endpoint == "" {
		return nil, errdefs.Config("credentials.endpoint", "missing")
	}
	u, err := parseEndpoint(creds.Endpoint)
	if err != nil {
		return nil, err
	}
	if creds.User == "" && u.Scheme != "s3a" && u.Scheme != "file" {
		return nil, errdefs.Config("credentials.user", "missing")
	}
	return buildClient(ctx, u, creds.User, creds.Password, nil, opts)
}

func newBundleClient(ctx context.Context, bundle ConfigBundlePath, opts ClientOptions) (*Client, error) {
	if bundle == "" {
		return nil, errdefs.Config("credentials.config_path", "missing")
	}
	if info, err := os.Stat(string(bundle)); err != nil || !info.IsDir() {
		return nil, errdefs.Config("credentials.config_path", "%q is not a readable directory", string(bundle))
	}

	conf, err := hadoopconf.Load(string(bundle))
	if err != nil {
		return nil, errdefs.Config("credentials.config_path", "cannot load hadoop configuration: %v", err)
	}

	defaultFS := conf["fs.defaultFS"]
	if defaultFS == "" {
		return nil, errdefs.Config("credentials.config_path", "fs.defaultFS is not set in %s", string(bundle))
	}
	u, err := parseEndpoint(defaultFS)
	if err != nil {
		return nil, err
	}

	user := os.Getenv("HADOOP_USER_NAME")
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return nil, errdefs.Config("credentials.user", "set HADOOP_USER_NAME when using a configuration bundle")
	}
	return buildClient(ctx, u, user, "", conf, opts)
}

func buildClient(ctx context.Context, u *url.URL, user, password string, conf hadoopconf.HadoopConf, opts ClientOptions) (*Client, error) {
	c := &Client{user: user, home: homeDir(user)}

	switch u.Scheme {
	case "webhdfs", "http":
		c.endpoint = endpointFromURL(u, 9870)
		c.backend = newWebHDFS("http", c.endpoint, user, password, opts)
	case "swebhdfs", "https":
		c.endpoint = endpointFromURL(u, 9871)
		c.backend = newWebHDFS("https", c.endpoint, user, password, opts)
	case "hdfs":
		c.endpoint = endpointFromURL(u, 8020)
		hopts := hdfs.ClientOptions{}
		if conf != nil {
			hopts = hdfs.ClientOptionsFromConf(conf)
		}
		// HA bundles name a nameservice in fs.defaultFS; the namenode
		// addresses then come from hdfs-site.xml.
		if len(hopts.Addresses) == 0 && u.Host != "" {
			hopts.Addresses = []string{net.JoinHostPort(c.endpoint.Host, strconv.Itoa(c.endpoint.Port))}
		}
		hopts.User = user
		c.backend = NewNativeProvider(hopts)
	case "s3a":
		c.endpoint = endpointFromURL(u, 0)
		c.home = "/"
		s3opts := S3Options{
			Bucket:    u.Host,
			Prefix:    strings.TrimPrefix(u.Path, "/"),
			Region:    firstNonEmpty(u.Query().Get("region"), opts.S3Region),
			Endpoint:  u.Query().Get("endpoint"),
			AccessKey: user,
			SecretKey: password,
		}
		backend, err := NewS3Provider(ctx, s3opts)
		if err != nil {
			return nil, errdefs.Config("endpoint", "%v", err)
		}
		c.backend = backend
	case "file":
		c.endpoint = Endpoint{Scheme: "file", PathPrefix: u.Path}
		c.backend = NewLocalProvider(u.Path)
	default:
		return nil, errdefs.Config("endpoint", "unsupported scheme %q", u.Scheme)
	}
	return c, nil
}

func newWebHDFS(scheme string, ep Endpoint, user, password string, opts ClientOptions) *WebHDFSProvider {
	return NewWebHDFSProvider(WebHDFSOptions{
		BaseURL: &url.URL{
			Scheme: scheme,
			Host:   net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)),
			Path:   ep.PathPrefix,
		},
		User:      user,
		Password:  password,
		RateLimit: opts.RateLimit,
		Timeout:   opts.Timeout,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Endpoint returns the resolved store address.
func (c *Client) Endpoint() Endpoint { return c.endpoint }

// User returns the principal the client acts as.
func (c *Client) User() string { return c.user }

// Home returns the directory relative paths resolve against.
func (c *Client) Home() string { return c.home }

// Resolve turns p into an absolute path: relative paths are placed under
// the user's home directory, absolute paths are cleaned.
func (c *Client) Resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(c.home, p)
}

func (c *Client) Stat(ctx context.Context, p string) (info FileInfo, err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("stat", start, err) }(time.Now())
	info, err = c.backend.Stat(ctx, c.Resolve(p))
	return info, err
}

func (c *Client) List(ctx context.Context, p string) (infos []FileInfo, err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("list", start, err) }(time.Now())
	infos, err = c.backend.List(ctx, c.Resolve(p))
	return infos, err
}

func (c *Client) OpenRead(ctx context.Context, p string) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("open", start, err) }(time.Now())
	rc, err = c.backend.OpenRead(ctx, c.Resolve(p))
	return rc, err
}

func (c *Client) Create(ctx context.Context, p string) (err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("create", start, err) }(time.Now())
	return c.backend.Create(ctx, c.Resolve(p))
}

func (c *Client) Append(ctx context.Context, p string, data []byte) (err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("append", start, err) }(time.Now())
	return c.backend.Append(ctx, c.Resolve(p), data)
}

func (c *Client) Rename(ctx context.Context, src, dst string) (err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("rename", start, err) }(time.Now())
	return c.backend.Rename(ctx, c.Resolve(src), c.Resolve(dst))
}

func (c *Client) Remove(ctx context.Context, p string) (err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("remove", start, err) }(time.Now())
	return c.backend.Remove(ctx, c.Resolve(p))
}

// Close releases the backend's connections.
func (c *Client) Close() error {
	if err := c.backend.Close(); err != nil {
		return fmt.Errorf("failed to close %s client: %w", c.endpoint.Scheme, err)
	}
	return nil
}
