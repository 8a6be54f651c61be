package log

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// rotatingFile appends to path and, once a write would push it past limit,
// renames it to "<base>_<stamp>_<n><ext>" and starts a fresh file. The file
// is opened on first write.
type rotatingFile struct {
	path  string
	limit int64
	now   func() time.Time

	mu   sync.Mutex
	f    *os.File
	size int64
}

func newRotatingFile(path string, limit int64) *rotatingFile {
	return &rotatingFile{path: path, limit: limit, now: time.Now}
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		if err := r.open(os.O_APPEND); err != nil {
			return 0, err
		}
	}
	if r.size > 0 && r.size+int64(len(p)) > r.limit {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) open(mode int) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	r.f, r.size = f, info.Size()
	return nil
}

func (r *rotatingFile) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	r.f = nil
	archive, err := archiveName(r.path, r.now())
	if err != nil {
		return err
	}
	if err := os.Rename(r.path, archive); err != nil {
		return err
	}
	return r.open(os.O_TRUNC)
}

func archiveName(path string, at time.Time) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	stamp := at.Format("20060102_150405")
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%s_%d%s", stem, stamp, n, ext)
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	return r.f.Sync()
}
