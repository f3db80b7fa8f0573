package artifacts

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local stores objects on the local filesystem under a root directory.
type Local struct {
	root string
}

var _ Backend = (*Local)(nil)

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) fullPath(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

// Put writes to a temp file in the target directory and renames it into
// place, so concurrent readers never observe a partial object.
func (l *Local) Put(ctx context.Context, key string, data io.Reader) error {
	full := l.fullPath(key)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(l.fullPath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

func (l *Local) Append(ctx context.Context, key string, data []byte) error {
	full := l.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open artifact for append: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append artifact: %w", err)
	}
	return f.Close()
}

func (l *Local) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	fi, err := os.Stat(l.fullPath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	return &ObjectInfo{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	err := os.Remove(l.fullPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	base := l.fullPath(prefix)
	var infos []ObjectInfo

	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		infos = append(infos, ObjectInfo{
			Key:     filepath.ToSlash(rel),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return infos, nil
}

func (l *Local) Close() error { return nil }
