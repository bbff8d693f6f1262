package provider

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"
)

// FileInfo represents the standard metadata for a file or a directory
// across different storage backends.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// Provider represents a remote file store backend.
// A typical Provider is WebHDFS, native HDFS RPC, S3 or the local disk.
// Paths handed to a Provider are absolute and already resolved.
type Provider interface {
	// Stat returns the FileInfo for the given path.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns the contents of the given directory in the order the
	// backend returns them.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// OpenRead opens a file for streaming reads.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// Create creates an empty file, truncating any existing file with the
	// same name and creating missing parent directories.
	Create(ctx context.Context, path string) error

	// Append appends data to an existing file.
	Append(ctx context.Context, path string, data []byte) error

	// Rename moves src to dst, replacing dst if it exists. When src is
	// gone and dst exists the rename is taken as already applied, so a
	// call repeated after a lost reply succeeds without touching dst.
	Rename(ctx context.Context, src, dst string) error

	// Remove deletes a file. A missing file yields an error wrapping
	// fs.ErrNotExist.
	Remove(ctx context.Context, path string) error

	// Close releases connections held by the backend.
	Close() error
}

type fileEntry struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (f *fileEntry) Name() string       { return f.name }
func (f *fileEntry) Size() int64        { return f.size }
func (f *fileEntry) IsDir() bool        { return f.isDir }
func (f *fileEntry) ModTime() time.Time { return f.modTime }

// NewFileInfo returns a FileInfo with the given attributes.
func NewFileInfo(name string, size int64, isDir bool, modTime time.Time) FileInfo {
	return &fileEntry{name: name, size: size, isDir: isDir, modTime: modTime}
}

// renamePending reports whether src still has to be moved onto dst. It is
// false with a nil error when an earlier attempt already moved it.
func renamePending(ctx context.Context, p Provider, src, dst string) (bool, error) {
	_, err := p.Stat(ctx, src)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if _, derr := p.Stat(ctx, dst); derr == nil {
		return false, nil
	}
	return false, err
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
