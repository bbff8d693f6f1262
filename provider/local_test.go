package provider

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalProvider_Stat(t *testing.T) {
	tempBase := t.TempDir()
	p := NewLocalProvider(tempBase)
	ctx := context.Background()

	testFile := "test-stat.txt"
	testContent := []byte("hello stat")

	if err := os.WriteFile(filepath.Join(tempBase, testFile), testContent, 0644); err != nil {
		t.Fatal(err)
	}

	info, err := p.Stat(ctx, testFile)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	if info.Name() != testFile {
		t.Errorf("expected %q, got %q", testFile, info.Name())
	}
	if info.Size() != int64(len(testContent)) {
		t.Errorf("expected size %d, got %d", len(testContent), info.Size())
	}
	if info.IsDir() {
		t.Errorf("expected isDir to be false")
	}

	if _, err := p.Stat(ctx, "missing.txt"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestLocalProvider_List(t *testing.T) {
	tempBase := t.TempDir()

	testDir := "subdir"
	if err := os.MkdirAll(filepath.Join(tempBase, testDir, "nested"), 0755); err != nil {
		t.Fatal(err)
	}

	file1 := "file1.txt"
	file2 := "file2.txt"
	if err := os.WriteFile(filepath.Join(tempBase, testDir, file1), []byte("f1"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tempBase, testDir, file2), []byte("f2"), 0644); err != nil {
		t.Fatal(err)
	}

	p := NewLocalProvider(tempBase)
	infos, err := p.List(context.Background(), testDir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if len(infos) != 3 {
		t.Fatalf("expected 3 items, got %d", len(infos))
	}

	dirs := 0
	for _, info := range infos {
		if info.IsDir() {
			dirs++
		}
	}
	if dirs != 1 {
		t.Errorf("expected 1 directory entry, got %d", dirs)
	}
}

func TestLocalProvider_OpenRead(t *testing.T) {
	tempBase := t.TempDir()

	testFile := "test-read.txt"
	testContent := []byte("hello read")
	if err := os.WriteFile(filepath.Join(tempBase, testFile), testContent, 0644); err != nil {
		t.Fatal(err)
	}

	p := NewLocalProvider(tempBase)
	rc, err := p.OpenRead(context.Background(), testFile)
	if err != nil {
		t.Fatalf("OpenRead failed: %v", err)
	}

	content, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Errorf("ReadAll failed: %v", err)
	}

	if string(content) != string(testContent) {
		t.Errorf("expected content %q, got %q", testContent, content)
	}
}

func TestLocalProvider_CreateAppendRename(t *testing.T) {
	tempBase := t.TempDir()
	p := NewLocalProvider(tempBase)
	ctx := context.Background()

	tmp := "/user/alice/out/.part.tmp"
	final := "/user/alice/out/part-0.txt"

	if err := p.Create(ctx, tmp); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := p.Append(ctx, tmp, []byte("hello\n")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := p.Append(ctx, tmp, []byte("world\n")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// An existing destination is replaced.
	if err := os.WriteFile(filepath.Join(tempBase, final), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := p.Rename(ctx, tmp, final); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tempBase, final))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hello\nworld\n" {
		t.Errorf("expected appended content, got %q", data)
	}

	// A repeated rename leaves the committed file alone.
	if err := p.Rename(ctx, tmp, final); err != nil {
		t.Fatalf("repeated Rename failed: %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(tempBase, final)); string(data) != "hello\nworld\n" {
		t.Errorf("expected committed content after repeated rename, got %q", data)
	}
	if err := p.Rename(ctx, "/user/alice/out/absent", "/user/alice/out/other"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist for a missing source, got %v", err)
	}

	// Create truncates.
	if err := p.Create(ctx, final); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	info, err := p.Stat(ctx, final)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("expected truncated file, got size %d", info.Size())
	}

	if err := p.Remove(ctx, final); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := p.Remove(ctx, final); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist on second remove, got %v", err)
	}
}

func TestLocalProvider_CancelledContext(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.List(ctx, "/"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if err := p.Append(ctx, "/x", []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
