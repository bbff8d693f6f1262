package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var _ Provider = (*WebHDFSProvider)(nil)

// WebHDFS operations used by the connector.
const (
	opListStatus    = "LISTSTATUS"
	opGetFileStatus = "GETFILESTATUS"
	opOpen          = "OPEN"
	opCreate        = "CREATE"
	opAppend        = "APPEND"
	opRename        = "RENAME"
	opDelete        = "DELETE"
)

const webhdfsRoot = "/webhdfs/v1"

// WebHDFSOptions configures a WebHDFSProvider.
type WebHDFSOptions struct {
	// BaseURL is the gateway base, e.g. http://namenode:9870 or
	// https://knox:8443/gateway/default.
	BaseURL *url.URL
	User    string
	// Password switches authentication to HTTP basic (Knox gateways).
	Password string
	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64
	Timeout   time.Duration
	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

// WebHDFSProvider implements Provider over the WebHDFS REST API.
type WebHDFSProvider struct {
	base       *url.URL
	user       string
	password   string
	client     *http.Client
	noRedirect *http.Client
	limiter    *rate.Limiter
}

// NewWebHDFSProvider creates a WebHDFSProvider. No request is issued.
func NewWebHDFSProvider(opts WebHDFSOptions) *WebHDFSProvider {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	// CREATE and APPEND answer with a redirect to the datanode that must be
	// followed manually, re-sending the body.
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	base := *opts.BaseURL
	base.Path = strings.TrimSuffix(strings.TrimSuffix(base.Path, "/"), webhdfsRoot)

	return &WebHDFSProvider{
		base:       &base,
		user:       opts.User,
		password:   opts.Password,
		client:     client,
		noRedirect: &noRedirect,
		limiter:    limiter,
	}
}

// FileStatus is the WebHDFS file/directory metadata.
type FileStatus struct {
	AccessTime       int64  `json:"accessTime"`
	BlockSize        int64  `json:"blockSize"`
	Group            string `json:"group"`
	Length           int64  `json:"length"`
	ModificationTime int64  `json:"modificationTime"`
	Owner            string `json:"owner"`
	PathSuffix       string `json:"pathSuffix"`
	Permission       string `json:"permission"`
	Replication      int    `json:"replication"`
	Type             string `json:"type"` // FILE or DIRECTORY
}

type listStatusResponse struct {
	FileStatuses struct {
		FileStatus []FileStatus `json:"FileStatus"`
	} `json:"FileStatuses"`
}

type fileStatusResponse struct {
	FileStatus FileStatus `json:"FileStatus"`
}

type booleanResponse struct {
	Boolean bool `json:"boolean"`
}

func (s FileStatus) fileInfo(name string) FileInfo {
	return &fileEntry{
		name:    name,
		size:    s.Length,
		isDir:   s.Type == "DIRECTORY",
		modTime: time.UnixMilli(s.ModificationTime),
	}
}

// RemoteError is a failed WebHDFS call, decoded from the RemoteException
// body when the gateway provides one.
type RemoteError struct {
	Op         string
	Path       string
	StatusCode int
	Exception  string `json:"exception"`
	ClassName  string `json:"javaClassName"`
	Message    string `json:"message"`
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Exception != "" {
		return fmt.Sprintf("webhdfs %s %s: %d %s: %s", e.Op, e.Path, e.StatusCode, e.Exception, msg)
	}
	return fmt.Sprintf("webhdfs %s %s: %d: %s", e.Op, e.Path, e.StatusCode, msg)
}

// HTTPStatus returns the status code of the failed exchange.
func (e *RemoteError) HTTPStatus() int { return e.StatusCode }

func (e *RemoteError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound || e.Exception == "FileNotFoundException":
		return fs.ErrNotExist
	case e.StatusCode == http.StatusForbidden || e.Exception == "AccessControlException":
		return fs.ErrPermission
	}
	return nil
}

func decodeRemoteError(op, p string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	remote := &RemoteError{Op: op, Path: p, StatusCode: resp.StatusCode}

	var envelope struct {
		RemoteException *RemoteError `json:"RemoteException"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.RemoteException != nil {
		remote.Exception = envelope.RemoteException.Exception
		remote.ClassName = envelope.RemoteException.ClassName
		remote.Message = envelope.RemoteException.Message
	} else {
		remote.Message = strings.TrimSpace(string(body))
	}
	return remote
}

func (p *WebHDFSProvider) buildURL(filePath, op string, params url.Values) string {
	u := *p.base
	u.Path = p.base.Path + webhdfsRoot + filePath

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("op", op)
	if p.password == "" && p.user != "" {
		q.Set("user.name", p.user)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *WebHDFSProvider) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if p.password != "" {
		req.SetBasicAuth(p.user, p.password)
	}
	return req, nil
}

// call issues a single-step request and returns the response when the status
// is 2xx. The caller owns the body.
func (p *WebHDFSProvider) call(ctx context.Context, method, op, filePath string, params url.Values) (*http.Response, error) {
	req, err := p.newRequest(ctx, method, p.buildURL(filePath, op, params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeRemoteError(op, filePath, resp)
	}
	return resp, nil
}

func (p *WebHDFSProvider) callJSON(ctx context.Context, method, op, filePath string, params url.Values, out any) error {
	resp, err := p.call(ctx, method, op, filePath, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response for %s: %w", op, filePath, err)
	}
	return nil
}

// upload performs the two-step CREATE/APPEND exchange: the first request is
// sent without data, the namenode answers with a redirect, and the data is
// sent to the redirect target.
func (p *WebHDFSProvider) upload(ctx context.Context, method, op, filePath string, params url.Values, data []byte) error {
	req, err := p.newRequest(ctx, method, p.buildURL(filePath, op, params), nil)
	if err != nil {
		return err
	}

	resp, err := p.noRedirect.Do(req)
	if err != nil {
		return err
	}

	var location string
	switch {
	case resp.StatusCode >= 300 && resp.StatusCode <= 399:
		location = resp.Header.Get("Location")
		resp.Body.Close()
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		// Gateways running with noredirect=true return the target in the body.
		var redirect struct {
			Location string `json:"Location"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&redirect)
		resp.Body.Close()
		location = redirect.Location
		if location == "" && len(data) == 0 {
			return nil
		}
	default:
		defer resp.Body.Close()
		return decodeRemoteError(op, filePath, resp)
	}
	if location == "" {
		return fmt.Errorf("webhdfs %s %s: missing redirect location", op, filePath)
	}

	target, err := p.base.Parse(location)
	if err != nil {
		return fmt.Errorf("webhdfs %s %s: bad redirect location %q: %w", op, filePath, location, err)
	}

	dataReq, err := p.newRequest(ctx, method, target.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	dataReq.ContentLength = int64(len(data))
	dataReq.Header.Set("Content-Type", "application/octet-stream")

	dataResp, err := p.noRedirect.Do(dataReq)
	if err != nil {
		return err
	}
	defer dataResp.Body.Close()
	if dataResp.StatusCode < 200 || dataResp.StatusCode > 299 {
		return decodeRemoteError(op, filePath, dataResp)
	}
	_, _ = io.Copy(io.Discard, dataResp.Body)
	return nil
}

func (p *WebHDFSProvider) Stat(ctx context.Context, filePath string) (FileInfo, error) {
	var result fileStatusResponse
	if err := p.callJSON(ctx, http.MethodGet, opGetFileStatus, filePath, nil, &result); err != nil {
		return nil, err
	}
	return result.FileStatus.fileInfo(path.Base(filePath)), nil
}

func (p *WebHDFSProvider) List(ctx context.Context, filePath string) ([]FileInfo, error) {
	var result listStatusResponse
	if err := p.callJSON(ctx, http.MethodGet, opListStatus, filePath, nil, &result); err != nil {
		return nil, err
	}

	statuses := result.FileStatuses.FileStatus
	infos := make([]FileInfo, 0, len(statuses))
	for _, status := range statuses {
		infos = append(infos, status.fileInfo(status.PathSuffix))
	}
	return infos, nil
}

func (p *WebHDFSProvider) OpenRead(ctx context.Context, filePath string) (io.ReadCloser, error) {
	resp, err := p.call(ctx, http.MethodGet, opOpen, filePath, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (p *WebHDFSProvider) Create(ctx context.Context, filePath string) error {
	params := url.Values{"overwrite": {"true"}}
	return p.upload(ctx, http.MethodPut, opCreate, filePath, params, nil)
}

func (p *WebHDFSProvider) Append(ctx context.Context, filePath string, data []byte) error {
	return p.upload(ctx, http.MethodPost, opAppend, filePath, nil, data)
}

func (p *WebHDFSProvider) Rename(ctx context.Context, src, dst string) error {
	if pending, err := renamePending(ctx, p, src, dst); err != nil || !pending {
		return err
	}
	if err := p.Remove(ctx, dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	var result booleanResponse
	params := url.Values{"destination": {dst}}
	if err := p.callJSON(ctx, http.MethodPut, opRename, src, params, &result); err != nil {
		return err
	}
	if !result.Boolean {
		return fmt.Errorf("webhdfs %s %s: rename to %s refused", opRename, src, dst)
	}
	return nil
}

func (p *WebHDFSProvider) Remove(ctx context.Context, filePath string) error {
	var result booleanResponse
	params := url.Values{"recursive": {strconv.FormatBool(false)}}
	if err := p.callJSON(ctx, http.MethodDelete, opDelete, filePath, params, &result); err != nil {
		return err
	}
	if !result.Boolean {
		return &fs.PathError{Op: "remove", Path: filePath, Err: fs.ErrNotExist}
	}
	return nil
}

func (p *WebHDFSProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
