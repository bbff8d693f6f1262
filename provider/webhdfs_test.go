package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/hdfsconn/errdefs"
)

// fakeNamenode is a minimal in-memory WebHDFS server. Writes go through the
// namenode redirect to /datanode, as on a real cluster.
type fakeNamenode struct {
	mu      sync.Mutex
	files   map[string][]byte
	mtimes  map[string]int64
	dirs    map[string]bool
	prefix  string
	users   []string
	auth    []string
	failOps map[string]int

	// lostReplies applies the next n calls of an op and then answers 503.
	lostReplies map[string]int
}

func newFakeNamenode(prefix string) *fakeNamenode {
	return &fakeNamenode{
		files:   make(map[string][]byte),
		mtimes:  make(map[string]int64),
		dirs:    map[string]bool{"/": true},
		prefix:  prefix,
		failOps: make(map[string]int),

		lostReplies: make(map[string]int),
	}
}

func (f *fakeNamenode) put(p string, data []byte, mtime int64) {
	f.files[p] = data
	f.mtimes[p] = mtime
	for d := path.Dir(p); ; d = path.Dir(d) {
		f.dirs[d] = true
		if d == "/" {
			break
		}
	}
}

func remoteException(w http.ResponseWriter, code int, exception, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"RemoteException": map[string]string{
			"exception":     exception,
			"javaClassName": "org.apache.hadoop." + exception,
			"message":       msg,
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeNamenode) status(name, p string) map[string]any {
	if f.dirs[p] {
		return map[string]any{"pathSuffix": name, "type": "DIRECTORY", "length": 0, "modificationTime": 0}
	}
	return map[string]any{
		"pathSuffix":       name,
		"type":             "FILE",
		"length":           len(f.files[p]),
		"modificationTime": f.mtimes[p],
	}
}

func (f *fakeNamenode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.HasPrefix(r.URL.Path, "/datanode") {
		f.serveData(w, r)
		return
	}

	root := f.prefix + webhdfsRoot
	if !strings.HasPrefix(r.URL.Path, root) {
		http.NotFound(w, r)
		return
	}
	p := path.Clean("/" + strings.TrimPrefix(r.URL.Path, root))
	q := r.URL.Query()
	op := q.Get("op")

	f.users = append(f.users, q.Get("user.name"))
	if user, _, ok := r.BasicAuth(); ok {
		f.auth = append(f.auth, user)
	}
	if n := f.failOps[op]; n > 0 {
		f.failOps[op] = n - 1
		remoteException(w, http.StatusServiceUnavailable, "RetriableException", "namenode busy")
		return
	}
	if n := f.lostReplies[op]; n > 0 {
		f.lostReplies[op] = n - 1
		f.handle(httptest.NewRecorder(), r, p, op, q)
		remoteException(w, http.StatusServiceUnavailable, "RetriableException", "namenode busy")
		return
	}
	f.handle(w, r, p, op, q)
}

func (f *fakeNamenode) handle(w http.ResponseWriter, r *http.Request, p, op string, q url.Values) {
	switch op {
	case opGetFileStatus:
		if _, ok := f.files[p]; !ok && !f.dirs[p] {
			remoteException(w, http.StatusNotFound, "FileNotFoundException", "File does not exist: "+p)
			return
		}
		writeJSON(w, map[string]any{"FileStatus": f.status("", p)})
	case opListStatus:
		if !f.dirs[p] {
			remoteException(w, http.StatusNotFound, "FileNotFoundException", "File "+p+" does not exist.")
			return
		}
		var names []string
		for child := range f.files {
			if path.Dir(child) == p {
				names = append(names, path.Base(child))
			}
		}
		for child := range f.dirs {
			if child != p && path.Dir(child) == p {
				names = append(names, path.Base(child))
			}
		}
		sort.Strings(names)
		statuses := make([]map[string]any, 0, len(names))
		for _, name := range names {
			statuses = append(statuses, f.status(name, path.Join(p, name)))
		}
		writeJSON(w, map[string]any{"FileStatuses": map[string]any{"FileStatus": statuses}})
	case opOpen:
		if _, ok := f.files[p]; !ok {
			remoteException(w, http.StatusNotFound, "FileNotFoundException", "File does not exist: "+p)
			return
		}
		http.Redirect(w, r, "/datanode"+p+"?op=OPEN", http.StatusTemporaryRedirect)
	case opCreate, opAppend:
		if op == opAppend {
			if _, ok := f.files[p]; !ok {
				remoteException(w, http.StatusNotFound, "FileNotFoundException", "File does not exist: "+p)
				return
			}
		}
		http.Redirect(w, r, "/datanode"+p+"?op="+op, http.StatusTemporaryRedirect)
	case opRename:
		dst := q.Get("destination")
		data, ok := f.files[p]
		if !ok || f.dirs[dst] {
			writeJSON(w, map[string]bool{"boolean": false})
			return
		}
		if _, exists := f.files[dst]; exists {
			writeJSON(w, map[string]bool{"boolean": false})
			return
		}
		delete(f.files, p)
		f.put(dst, data, f.mtimes[p])
		writeJSON(w, map[string]bool{"boolean": true})
	case opDelete:
		_, ok := f.files[p]
		delete(f.files, p)
		writeJSON(w, map[string]bool{"boolean": ok})
	default:
		remoteException(w, http.StatusBadRequest, "IllegalArgumentException", "Invalid value for webhdfs parameter \"op\"")
	}
}

func (f *fakeNamenode) serveData(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/datanode")
	switch r.URL.Query().Get("op") {
	case opOpen:
		_, _ = w.Write(f.files[p])
	case opCreate:
		body, _ := io.ReadAll(r.Body)
		f.put(p, body, time.Now().UnixMilli())
		w.WriteHeader(http.StatusCreated)
	case opAppend:
		body, _ := io.ReadAll(r.Body)
		f.files[p] = append(f.files[p], body...)
		f.mtimes[p] = time.Now().UnixMilli()
		w.WriteHeader(http.StatusOK)
	}
}

func newTestWebHDFS(t *testing.T, nn *fakeNamenode, password string) *WebHDFSProvider {
	t.Helper()
	srv := httptest.NewServer(nn)
	t.Cleanup(srv.Close)

	base, err := url.Parse(srv.URL + nn.prefix)
	require.NoError(t, err)
	return NewWebHDFSProvider(WebHDFSOptions{BaseURL: base, User: "alice", Password: password})
}

func TestWebHDFS_ListAndStat(t *testing.T) {
	nn := newFakeNamenode("")
	nn.put("/user/alice/in/a.txt", []byte("alpha"), 1000)
	nn.put("/user/alice/in/b.txt", []byte("bravo!"), 2000)
	nn.dirs["/user/alice/in/sub"] = true
	p := newTestWebHDFS(t, nn, "")
	ctx := context.Background()

	infos, err := p.List(ctx, "/user/alice/in")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "a.txt", infos[0].Name())
	assert.Equal(t, int64(5), infos[0].Size())
	assert.Equal(t, time.UnixMilli(1000), infos[0].ModTime())
	assert.True(t, infos[2].IsDir())

	info, err := p.Stat(ctx, "/user/alice/in/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "b.txt", info.Name())
	assert.Equal(t, int64(6), info.Size())

	_, err = p.Stat(ctx, "/user/alice/in/none")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = p.List(ctx, "/user/alice/missing")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "FileNotFoundException", remote.Exception)
	assert.False(t, errdefs.IsTransient(err))

	assert.Contains(t, nn.users, "alice")
}

func TestWebHDFS_CreateAppendOpen(t *testing.T) {
	nn := newFakeNamenode("")
	p := newTestWebHDFS(t, nn, "")
	ctx := context.Background()

	target := "/user/alice/out/part-0.txt"
	require.NoError(t, p.Create(ctx, target))
	require.NoError(t, p.Append(ctx, target, []byte("line one\n")))
	require.NoError(t, p.Append(ctx, target, []byte("line two\n")))

	rc, err := p.OpenRead(ctx, target)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))

	// CREATE with overwrite truncates.
	require.NoError(t, p.Create(ctx, target))
	info, err := p.Stat(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())

	err = p.Append(ctx, "/user/alice/out/missing", []byte("x"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestWebHDFS_RenameReplacesDestination(t *testing.T) {
	nn := newFakeNamenode("")
	nn.put("/out/.tmp", []byte("new"), 1)
	nn.put("/out/final", []byte("old"), 1)
	p := newTestWebHDFS(t, nn, "")
	ctx := context.Background()

	require.NoError(t, p.Rename(ctx, "/out/.tmp", "/out/final"))
	assert.Equal(t, "new", string(nn.files["/out/final"]))
	_, exists := nn.files["/out/.tmp"]
	assert.False(t, exists)

	err := p.Remove(ctx, "/out/.tmp")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	err = p.Rename(ctx, "/out/absent", "/out/other")
	assert.Error(t, err)
}

func TestWebHDFS_RenameRepeatedAfterLostReply(t *testing.T) {
	nn := newFakeNamenode("")
	nn.put("/out/.f.tmp", []byte("committed"), 1)
	nn.put("/out/f", []byte("old"), 1)
	nn.lostReplies[opRename] = 1
	p := newTestWebHDFS(t, nn, "")
	ctx := context.Background()

	err := p.Rename(ctx, "/out/.f.tmp", "/out/f")
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))

	require.NoError(t, p.Rename(ctx, "/out/.f.tmp", "/out/f"))
	assert.Equal(t, "committed", string(nn.files["/out/f"]))

	info, err := p.Stat(ctx, "/out/f")
	require.NoError(t, err)
	assert.Equal(t, int64(len("committed")), info.Size())
}

func TestWebHDFS_KnoxGatewayBasicAuth(t *testing.T) {
	nn := newFakeNamenode("/gateway/default")
	nn.put("/user/alice/in/a.txt", []byte("a"), 1)
	p := newTestWebHDFS(t, nn, "s3cret")

	_, err := p.List(context.Background(), "/user/alice/in")
	require.NoError(t, err)

	assert.Equal(t, []string{"alice"}, nn.auth)
	assert.Equal(t, []string{""}, nn.users, "user.name must not be sent with basic auth")
}

func TestWebHDFS_ServerErrorIsTransient(t *testing.T) {
	nn := newFakeNamenode("")
	nn.failOps[opListStatus] = 1
	p := newTestWebHDFS(t, nn, "")

	_, err := p.List(context.Background(), "/")
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))

	_, err = p.List(context.Background(), "/")
	assert.NoError(t, err)
}

func TestWebHDFS_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base, _ := url.Parse(srv.URL)
	srv.Close()

	p := NewWebHDFSProvider(WebHDFSOptions{BaseURL: base, User: "alice", Timeout: time.Second})
	_, err := p.List(context.Background(), "/")
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))
	assert.False(t, errors.Is(err, fs.ErrNotExist))
}
