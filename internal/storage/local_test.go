package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalResolver_Path(t *testing.T) {
	baseDir := t.TempDir()
	resolver, err := NewLocalResolver(baseDir)
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}

	p1, err := resolver.Path("weather.readings", "station-1")
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	p2, err := resolver.Path("weather.readings", "station-1")
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	if p1 != p2 {
		t.Errorf("same inputs resolved differently: %s vs %s", p1, p2)
	}

	p3, err := resolver.Path("weather.readings", "station-2")
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	if p1 == p3 {
		t.Error("different buckets should resolve to different files")
	}

	if filepath.Dir(p1) != filepath.Join(resolver.Root(), "weather.readings") {
		t.Errorf("unexpected directory for %s", p1)
	}
	if _, err := os.Stat(filepath.Dir(p1)); err != nil {
		t.Errorf("function directory should exist: %v", err)
	}

	def, err := resolver.Path("weather.readings", "")
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	if filepath.Base(def) != DefaultBucketFile {
		t.Errorf("empty bucket should use %s, got %s", DefaultBucketFile, def)
	}

	if _, err := resolver.Path("", "x"); !errors.Is(err, ErrInvalidFunction) {
		t.Errorf("expected ErrInvalidFunction, got %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"pkg.Func", "pkg.Func"},
		{"github.com/acme/x.Load", "github.com_acme_x.Load"},
		{"..", "_.."},
		{".hidden", "_.hidden"},
		{"a b/c", "a_b_c"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLocalResolver_ListAndRemove(t *testing.T) {
	baseDir := t.TempDir()
	resolver, err := NewLocalResolver(baseDir)
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	ctx := context.Background()

	var created []string
	for _, bucket := range []string{"", "a", "b"} {
		p, err := resolver.Path("fn", bucket)
		if err != nil {
			t.Fatalf("Path failed: %v", err)
		}
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
		if err := os.WriteFile(p+"-wal", []byte("x"), 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
		created = append(created, p)
	}

	files, err := resolver.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 databases, got %v", files)
	}
	for _, f := range files {
		if !strings.HasSuffix(f, FileExt) {
			t.Errorf("unexpected file %s", f)
		}
	}

	if err := resolver.Remove(ctx, created[0]); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(created[0] + "-wal"); !os.IsNotExist(err) {
		t.Error("expected WAL file to be removed")
	}
	if err := resolver.Remove(ctx, created[0]); err != nil {
		t.Errorf("removing twice should succeed, got %v", err)
	}
	if err := resolver.Remove(ctx, filepath.Join(t.TempDir(), "other.sqlite")); !errors.Is(err, ErrOutsideRoot) {
		t.Errorf("expected ErrOutsideRoot, got %v", err)
	}

	files, err = resolver.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("expected 2 databases after remove, got %v", files)
	}
}

func TestLocalResolver_ListCancelled(t *testing.T) {
	resolver, err := NewLocalResolver(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := resolver.List(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
