package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/franksops/hdfsconn/errdefs"
	"github.com/franksops/hdfsconn/provider"
)

type mockFile struct {
	data    []byte
	modTime time.Time
}

// mockProvider is an in-memory store. Listings follow insertion order.
// failures[op] makes the next n calls of op fail with a transient error.
// lost[op] lets the next n calls of op take effect and then fail.
type mockProvider struct {
	mu       sync.Mutex
	files    map[string]*mockFile
	order    []string
	calls    map[string]int
	failures map[string]int
	failErr  map[string]error
	lost     map[string]int
	cut      map[string]error
	clock    time.Time
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		files:    make(map[string]*mockFile),
		calls:    make(map[string]int),
		failures: make(map[string]int),
		failErr:  make(map[string]error),
		lost:     make(map[string]int),
		cut:      make(map[string]error),
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newMockClient(m *mockProvider) *provider.Client {
	return provider.NewClientWithProvider("tester", m)
}

func testOptions(extra ...Option) []Option {
	return append([]Option{WithLogger(zap.NewNop())}, extra...)
}

func fastRetry(bound int) ReconnectPolicy {
	return ReconnectPolicy{Kind: BoundedRetry, Bound: bound, Interval: time.Millisecond}
}

// put stores a file with the given mod time offset in seconds.
func (m *mockProvider) put(p string, data string, modSec int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track(p)
	m.files[p] = &mockFile{data: []byte(data), modTime: m.clock.Add(time.Duration(modSec) * time.Second)}
}

func (m *mockProvider) content(p string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[p]
	if !ok {
		return "", false
	}
	return string(f.data), true
}

func (m *mockProvider) paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *mockProvider) failNext(op string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = n
	m.failErr[op] = err
}

// cutOff makes reads of p fail with err once its content is consumed.
func (m *mockProvider) cutOff(p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cut[p] = err
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func (m *mockProvider) loseReply(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost[op] = n
}

// reply returns a transient error when the reply to op is to be lost.
// Callers hold m.mu.
func (m *mockProvider) reply(op string) error {
	if m.lost[op] > 0 {
		m.lost[op]--
		return errdefs.Transient(fmt.Errorf("%s: connection reset after apply", op))
	}
	return nil
}

func (m *mockProvider) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockProvider) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// track adds p to the listing order once. Callers hold m.mu.
func (m *mockProvider) track(p string) {
	for _, q := range m.order {
		if q == p {
			return
		}
	}
	m.order = append(m.order, p)
}

// enter records a call and returns the injected failure, if any. Callers
// hold m.mu.
func (m *mockProvider) enter(op string) error {
	m.calls[op]++
	if m.failures[op] > 0 {
		m.failures[op]--
		if err := m.failErr[op]; err != nil {
			return err
		}
		return errdefs.Transient(fmt.Errorf("%s: connection reset", op))
	}
	return nil
}

func (m *mockProvider) Stat(ctx context.Context, p string) (provider.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("stat"); err != nil {
		return nil, err
	}
	f, ok := m.files[p]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
	}
	return provider.NewFileInfo(path.Base(p), int64(len(f.data)), false, f.modTime), nil
}

func (m *mockProvider) List(ctx context.Context, dir string) ([]provider.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("list"); err != nil {
		return nil, err
	}
	var out []provider.FileInfo
	subdirs := make(map[string]bool)
	for _, p := range m.order {
		f, ok := m.files[p]
		if !ok || !strings.HasPrefix(p, dir+"/") {
			continue
		}
		rest := strings.TrimPrefix(p, dir+"/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name := rest[:i]
			if !subdirs[name] {
				subdirs[name] = true
				out = append(out, provider.NewFileInfo(name, 0, true, f.modTime))
			}
			continue
		}
		out = append(out, provider.NewFileInfo(rest, int64(len(f.data)), false, f.modTime))
	}
	return out, nil
}

func (m *mockProvider) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("open"); err != nil {
		return nil, err
	}
	f, ok := m.files[p]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	body := io.Reader(bytes.NewReader(append([]byte(nil), f.data...)))
	if err := m.cut[p]; err != nil {
		body = io.MultiReader(body, failingReader{err})
	}
	return io.NopCloser(body), nil
}

func (m *mockProvider) Create(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("create"); err != nil {
		return err
	}
	m.track(p)
	m.files[p] = &mockFile{modTime: m.clock}
	return nil
}

func (m *mockProvider) Append(ctx context.Context, p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("append"); err != nil {
		return err
	}
	f, ok := m.files[p]
	if !ok {
		return &fs.PathError{Op: "append", Path: p, Err: fs.ErrNotExist}
	}
	f.data = append(f.data, data...)
	return nil
}

func (m *mockProvider) Rename(ctx context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("rename"); err != nil {
		return err
	}
	f, ok := m.files[src]
	if !ok {
		if _, done := m.files[dst]; done {
			return nil
		}
		return &fs.PathError{Op: "rename", Path: src, Err: fs.ErrNotExist}
	}
	delete(m.files, src)
	m.track(dst)
	m.files[dst] = f
	return m.reply("rename")
}

func (m *mockProvider) Remove(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("remove"); err != nil {
		return err
	}
	if _, ok := m.files[p]; !ok {
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
	}
	delete(m.files, p)
	return nil
}

func (m *mockProvider) Close() error { return nil }

var errPermission = errors.New("permission denied")
