package provider

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

var _ Provider = (*LocalProvider)(nil)

// LocalProvider implements the Provider interface on a posix filesystem.
// It serves file:// endpoints, where the remote namespace is emulated
// under basePath.
type LocalProvider struct {
	basePath string
}

// NewLocalProvider creates a new LocalProvider rooted at basePath.
// If basePath is empty, it acts upon absolute or relative paths directly.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{basePath: basePath}
}

func (p *LocalProvider) resolve(path string) string {
	if p.basePath == "" {
		return path
	}
	return filepath.Join(p.basePath, filepath.Clean("/"+path))
}

func wrapOSFileInfo(info os.FileInfo) FileInfo {
	return &fileEntry{
		name:    info.Name(),
		size:    info.Size(),
		isDir:   info.IsDir(),
		modTime: info.ModTime(),
	}
}

func (p *LocalProvider) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	info, err := os.Stat(p.resolve(path))
	if err != nil {
		return nil, err
	}
	return wrapOSFileInfo(info), nil
}

func (p *LocalProvider) List(ctx context.Context, path string) ([]FileInfo, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(p.resolve(path))
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // skip files that disappeared between ReadDir and Info
		}
		infos = append(infos, wrapOSFileInfo(info))
	}
	return infos, nil
}

func (p *LocalProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	return os.Open(p.resolve(path))
}

func (p *LocalProvider) Create(ctx context.Context, path string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	fullPath := p.resolve(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}

	file, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return file.Close()
}

func (p *LocalProvider) Append(ctx context.Context, path string, data []byte) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	file, err := os.OpenFile(p.resolve(path), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (p *LocalProvider) Rename(ctx context.Context, src, dst string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if pending, err := renamePending(ctx, p, src, dst); err != nil || !pending {
		return err
	}
	return os.Rename(p.resolve(src), p.resolve(dst))
}

func (p *LocalProvider) Remove(ctx context.Context, path string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	return os.Remove(p.resolve(path))
}

func (p *LocalProvider) Close() error {
	return nil
}
