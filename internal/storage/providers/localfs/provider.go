// Package localfs stores downloaded attachments under a single host directory.
// Keys are relative slash paths; anything resolving outside the root is rejected.
package localfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/memohai/evernoterobot/internal/media"
)

// Provider writes files below root.
type Provider struct {
	root string
}

// New creates a provider rooted at dir, creating it if needed.
func New(dir string) (*Provider, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve download dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	return &Provider{root: abs}, nil
}

func (p *Provider) Root() string { return p.root }

// Path returns the host path for key.
func (p *Provider) Path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: absolute key %s", media.ErrPathTraversal, key)
	}
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", media.ErrPathTraversal, key)
	}
	joined := filepath.Join(p.root, clean)
	if !strings.HasPrefix(joined, p.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", media.ErrPathTraversal, key)
	}
	return joined, nil
}

// Write stores data at key. An existing file at key is replaced.
func (p *Provider) Write(ctx context.Context, key string, data []byte) (string, error) {
	return p.Save(ctx, key, bytes.NewReader(data), 0)
}

// Save streams r to key through a temp file and rename, so readers never
// observe a partial file. A positive maxBytes caps the stored size; larger
// content fails with media.ErrFileTooLarge and leaves nothing behind.
func (p *Provider) Save(_ context.Context, key string, r io.Reader, maxBytes int64) (string, error) {
	dest, err := p.Path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".part-*")
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	tmpPath := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if maxBytes > 0 {
		_, err = media.CopyWithLimit(tmp, r, maxBytes)
	} else {
		_, err = io.Copy(tmp, r)
	}
	if err != nil {
		discard()
		if errors.Is(err, media.ErrFileTooLarge) {
			return "", err
		}
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename file: %w", err)
	}
	return dest, nil
}

// Open reads a stored file.
func (p *Provider) Open(_ context.Context, key string) (io.ReadCloser, error) {
	dest, err := p.Path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete removes a stored file. Missing files are not an error.
func (p *Provider) Delete(_ context.Context, key string) error {
	dest, err := p.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// Prune removes regular files last modified before cutoff and returns how
// many were removed.
func (p *Provider) Prune(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("prune download dir: %w", err)
	}
	return removed, nil
}
