package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultBucketFile holds the cache of calls that use no bucket.
const DefaultBucketFile = "default" + FileExt

// LocalResolver lays cache databases out under a root directory as
// <root>/<function>/<bucket hash>.sqlite.
type LocalResolver struct {
	basePath string
}

// NewLocalResolver creates a resolver rooted at basePath.
func NewLocalResolver(basePath string) (*LocalResolver, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &LocalResolver{basePath: abs}, nil
}

// Root returns the absolute cache root.
func (l *LocalResolver) Root() string {
	return l.basePath
}

// Path implements Resolver.
func (l *LocalResolver) Path(function, bucket string) (string, error) {
	if function == "" {
		return "", ErrInvalidFunction
	}
	dir := filepath.Join(l.basePath, SanitizeName(function))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create function directory: %w", err)
	}
	return filepath.Join(dir, BucketFile(bucket)), nil
}

// BucketFile returns the file name used for an argument bucket.
func BucketFile(bucket string) string {
	if bucket == "" {
		return DefaultBucketFile
	}
	return fmt.Sprintf("%016x%s", xxhash.Sum64String(bucket), FileExt)
}

// SanitizeName turns a function identity into a single safe path element.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if strings.Trim(out, ".") == "" || strings.HasPrefix(out, ".") {
		out = "_" + out
	}
	return out
}

// List returns every cache database under the root, sorted.
func (l *LocalResolver) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var files []string
	err := filepath.Walk(l.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, FileExt) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// Remove deletes a cache database together with its WAL side files.
// Removing a missing database is not an error.
func (l *LocalResolver) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(l.basePath, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(abs + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", abs+suffix, err)
		}
	}
	return nil
}

var _ Resolver = (*LocalResolver)(nil)
var _ Lister = (*LocalResolver)(nil)
