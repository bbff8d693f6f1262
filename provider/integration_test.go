package provider

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// TestClient_LocalEndpoint drives a full create/append/rename/read cycle
// through a Client on a file:// endpoint.
func TestClient_LocalEndpoint(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	client, err := NewClient(ctx, ClientOptions{
		Credentials: StructuredCredentials{User: "alice", Endpoint: "file://" + root},
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	if got := client.Resolve("out/part-0.txt"); got != "/user/alice/out/part-0.txt" {
		t.Errorf("Expected relative path under home, got %s", got)
	}
	if got := client.Resolve("/data//x/../y.txt"); got != "/data/y.txt" {
		t.Errorf("Expected cleaned absolute path, got %s", got)
	}

	if err := client.Create(ctx, "out/.part.tmp"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := client.Append(ctx, "out/.part.tmp", []byte("Hello, HDFS!\n")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := client.Rename(ctx, "out/.part.tmp", "out/part-0.txt"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	onDisk := filepath.Join(root, "user", "alice", "out", "part-0.txt")
	data, err := os.ReadFile(onDisk)
	if err != nil {
		t.Fatalf("Expected file on disk at %s: %v", onDisk, err)
	}
	if string(data) != "Hello, HDFS!\n" {
		t.Errorf("Unexpected content %q", data)
	}

	infos, err := client.List(ctx, "out")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 1 || infos[0].Name() != "part-0.txt" {
		t.Errorf("Expected only part-0.txt in listing, got %d entries", len(infos))
	}
}

// TestClient_WebHDFSEndpoint resolves a plain http endpoint to the WebHDFS
// backend and reads back what it wrote.
func TestClient_WebHDFSEndpoint(t *testing.T) {
	nn := newFakeNamenode("")
	srv := httptest.NewServer(nn)
	defer srv.Close()

	ctx := context.Background()
	client, err := NewClient(ctx, ClientOptions{
		Credentials: StructuredCredentials{User: "bob", Endpoint: srv.URL},
		RateLimit:   1000,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	if err := client.Create(ctx, "report.txt"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := client.Append(ctx, "report.txt", []byte("ok\n")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if _, ok := nn.files["/user/bob/report.txt"]; !ok {
		t.Fatalf("Expected /user/bob/report.txt on the namenode")
	}

	rc, err := client.OpenRead(ctx, "/user/bob/report.txt")
	if err != nil {
		t.Fatalf("OpenRead failed: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "ok\n" {
		t.Errorf("Expected %q, got %q", "ok\n", data)
	}
}

// TestClient_ConcurrentUse checks a Client can be shared across components.
func TestClient_ConcurrentUse(t *testing.T) {
	root := t.TempDir()
	client := NewClientWithProvider("carol", NewLocalProvider(root))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := filepath.Join("parallel", string(rune('a'+i))+".txt")
			if err := client.Create(ctx, name); err != nil {
				errs <- err
				return
			}
			errs <- client.Append(ctx, name, []byte{byte('0' + i)})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent write failed: %v", err)
		}
	}

	infos, err := client.List(ctx, "parallel")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 10 {
		t.Errorf("Expected 10 files, got %d", len(infos))
	}
}
