package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mmp/rekord/internal/rkerr"
)

// POSIX is a Store backed by a directory tree on a local or network
// filesystem. It grounds its atomic-write strategy directly in spec.md
// §4.1's own fallback instruction -- write to a temporary name in the same
// directory, then rename -- since POSIX rename within a filesystem is
// atomic and this avoids depending on any platform-specific primitive.
type POSIX struct {
	root string
}

// NewPOSIX returns a Store rooted at root, creating it if it does not
// already exist.
func NewPOSIX(root string) (*POSIX, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("%s: create backing directory: %w", root, err)
	}
	return &POSIX{root: root}, nil
}

func (p *POSIX) String() string { return "posix: " + p.root }

func (p *POSIX) fullPath(path string) string {
	return filepath.Join(p.root, filepath.FromSlash(path))
}

func (p *POSIX) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(p.fullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(path, err)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func (p *POSIX) Write(ctx context.Context, path string, length int64, producer Producer) (int64, error) {
	if ok, err := p.ExistsSlow(ctx, path); err != nil {
		return 0, err
	} else if ok {
		return 0, alreadyExists(path)
	}

	full := p.fullPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return 0, fmt.Errorf("%s: create parent directory: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".rekord-tmp-*")
	if err != nil {
		return 0, fmt.Errorf("%s: create temporary file: %w", path, err)
	}
	tmpName := tmp.Name()
	// Clean up the temp file on any path that doesn't end in a successful
	// rename; Remove after a successful Rename is a harmless no-op error
	// we deliberately ignore.
	defer os.Remove(tmpName)

	var written int64
	writeErr := producer(func(b []byte) error {
		n, err := tmp.Write(b)
		written += int64(n)
		if err != nil {
			return fmt.Errorf("%s: write temporary file: %w", path, err)
		}
		return nil
	})
	if writeErr != nil {
		tmp.Close()
		return 0, writeErr
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("%s: fsync temporary file: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("%s: close temporary file: %w", path, err)
	}
	if length != 0 && written != length {
		return 0, rkerr.New(rkerr.KindCorrupt, "%s: producer wrote %d bytes, expected %d", path, written, length)
	}

	if err := os.Rename(tmpName, full); err != nil {
		return 0, fmt.Errorf("%s: rename into place: %w", path, err)
	}

	return written, nil
}

func (p *POSIX) ExistsFast(ctx context.Context, path string) bool {
	_, err := os.Stat(p.fullPath(path))
	return err == nil
}

func (p *POSIX) ExistsSlow(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(p.fullPath(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%s: %w", path, err)
}

func (p *POSIX) List(ctx context.Context, prefix string) ([]string, error) {
	base := p.fullPath(prefix)
	// List walks from the nearest existing ancestor directory of the
	// prefix rather than requiring prefix itself to name a directory,
	// since callers pass partial-hex prefixes like "objects/ab".
	dir := base
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		dir = filepath.Dir(dir)
	}

	var out []string
	err := filepath.Walk(dir, func(walked string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.root, walked)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: list: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

func (p *POSIX) Delete(ctx context.Context, path string) error {
	if err := os.Remove(p.fullPath(path)); err != nil {
		if os.IsNotExist(err) {
			return notFound(path, err)
		}
		return fmt.Errorf("%s: delete: %w", path, err)
	}
	return nil
}
