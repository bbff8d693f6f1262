package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sync"

	"github.com/colinmarc/hdfs/v2"

	"github.com/franksops/hdfsconn/errdefs"
)

var _ Provider = (*NativeProvider)(nil)

// NativeProvider implements Provider over the HDFS RPC protocol. The
// namenode connection is dialled lazily and dropped after a transient
// failure so that the next call reconnects.
type NativeProvider struct {
	opts hdfs.ClientOptions

	mu     sync.Mutex
	client *hdfs.Client
}

// NewNativeProvider creates a NativeProvider. No connection is made until
// the first call.
func NewNativeProvider(opts hdfs.ClientOptions) *NativeProvider {
	return &NativeProvider{opts: opts}
}

func (p *NativeProvider) conn() (*hdfs.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	client, err := hdfs.NewClient(p.opts)
	if err != nil {
		return nil, errdefs.Transient(fmt.Errorf("failed to connect to namenode %v: %w", p.opts.Addresses, err))
	}
	p.client = client
	return client, nil
}

// settle drops the connection when err indicates it is no longer usable.
func (p *NativeProvider) settle(err error) error {
	if err == nil || !errdefs.IsTransient(err) {
		return err
	}
	p.mu.Lock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.mu.Unlock()
	return err
}

func (p *NativeProvider) do(ctx context.Context, fn func(*hdfs.Client) error) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	client, err := p.conn()
	if err != nil {
		return err
	}
	return p.settle(fn(client))
}

func (p *NativeProvider) Stat(ctx context.Context, filePath string) (FileInfo, error) {
	var info FileInfo
	err := p.do(ctx, func(c *hdfs.Client) error {
		fi, err := c.Stat(filePath)
		if err != nil {
			return err
		}
		info = wrapOSFileInfo(fi)
		return nil
	})
	return info, err
}

func (p *NativeProvider) List(ctx context.Context, filePath string) ([]FileInfo, error) {
	var infos []FileInfo
	err := p.do(ctx, func(c *hdfs.Client) error {
		entries, err := c.ReadDir(filePath)
		if err != nil {
			return err
		}
		infos = make([]FileInfo, 0, len(entries))
		for _, entry := range entries {
			infos = append(infos, wrapOSFileInfo(entry))
		}
		return nil
	})
	return infos, err
}

func (p *NativeProvider) OpenRead(ctx context.Context, filePath string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := p.do(ctx, func(c *hdfs.Client) error {
		f, err := c.Open(filePath)
		if err != nil {
			return err
		}
		rc = f
		return nil
	})
	return rc, err
}

func (p *NativeProvider) Create(ctx context.Context, filePath string) error {
	return p.do(ctx, func(c *hdfs.Client) error {
		if err := c.MkdirAll(path.Dir(filePath), 0755); err != nil {
			return err
		}
		// The RPC create refuses to overwrite.
		if err := c.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		w, err := c.Create(filePath)
		if err != nil {
			return err
		}
		return w.Close()
	})
}

func (p *NativeProvider) Append(ctx context.Context, filePath string, data []byte) error {
	return p.do(ctx, func(c *hdfs.Client) error {
		w, err := c.Append(filePath)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	})
}

func (p *NativeProvider) Rename(ctx context.Context, src, dst string) error {
	return p.do(ctx, func(c *hdfs.Client) error {
		if _, err := c.Stat(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				if _, derr := c.Stat(dst); derr == nil {
					return nil
				}
			}
			return err
		}
		if err := c.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return c.Rename(src, dst)
	})
}

func (p *NativeProvider) Remove(ctx context.Context, filePath string) error {
	return p.do(ctx, func(c *hdfs.Client) error {
		err := c.Remove(filePath)
		if errors.Is(err, os.ErrNotExist) {
			return &fs.PathError{Op: "remove", Path: filePath, Err: fs.ErrNotExist}
		}
		return err
	})
}

func (p *NativeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}
