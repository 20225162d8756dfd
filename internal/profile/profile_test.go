package profile

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfigPath(t *testing.T) {
	path := DefaultConfigPath()
	if path == "" {
		t.Fatal("expected non-empty default config path")
	}
	if filepath.Base(path) != DefaultConfigName {
		t.Fatalf("expected path to end in %s, got %s", DefaultConfigName, path)
	}
}
