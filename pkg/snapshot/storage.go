package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pinacle-sh/pinacle/pkg/models"
)

// ObjectInfo is the metadata the engine needs about a stored archive.
type ObjectInfo struct {
	SizeBytes    int64
	LastModified time.Time
}

// StorageProvider stores snapshot archives. Upload must be atomic: a key
// becomes visible only once the stream has been fully written, so a failed
// create never leaves a half-written archive reachable.
type StorageProvider interface {
	Upload(ctx context.Context, key string, r io.Reader, metadata map[string]string) (string, error)
	Download(ctx context.Context, storagePath string) (io.ReadCloser, error)
	Delete(ctx context.Context, storagePath string) error
	Exists(ctx context.Context, storagePath string) (bool, error)
	Metadata(ctx context.Context, storagePath string) (ObjectInfo, error)
}

// FilesystemProvider stores archives under a base directory. The write goes
// to a temp file first and is renamed into place on completion.
type FilesystemProvider struct {
	BaseDir string
}

func NewFilesystemProvider(baseDir string) (*FilesystemProvider, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &FilesystemProvider{BaseDir: baseDir}, nil
}

// resolve keeps storage paths inside the base directory.
func (p *FilesystemProvider) resolve(storagePath string) (string, error) {
	cleaned := filepath.Clean(storagePath)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid storage path %q", storagePath)
	}
	return filepath.Join(p.BaseDir, cleaned), nil
}

func (p *FilesystemProvider) Upload(ctx context.Context, key string, r io.Reader, metadata map[string]string) (string, error) {
	path, err := p.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, contextReader{ctx, r}); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return key, nil
}

func (p *FilesystemProvider) Download(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	path, err := p.resolve(storagePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, models.NotFound(fmt.Errorf("archive %s does not exist", storagePath))
	}
	return f, err
}

func (p *FilesystemProvider) Delete(ctx context.Context, storagePath string) error {
	path, err := p.resolve(storagePath)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (p *FilesystemProvider) Exists(ctx context.Context, storagePath string) (bool, error) {
	path, err := p.resolve(storagePath)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (p *FilesystemProvider) Metadata(ctx context.Context, storagePath string) (ObjectInfo, error) {
	path, err := p.resolve(storagePath)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ObjectInfo{}, models.NotFound(fmt.Errorf("archive %s does not exist", storagePath))
	}
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{SizeBytes: info.Size(), LastModified: info.ModTime()}, nil
}

// contextReader aborts a copy when the context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
