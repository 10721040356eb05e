package server

import (
	"path/filepath"
	"strings"
	"testing"
)

// FuzzSanitizeBase tests base path sanitization
func FuzzSanitizeBase(f *testing.F) {
	f.Add("")
	f.Add("/")
	f.Add("/api")
	f.Add("/api/")
	f.Add("api")
	f.Add("  /api/v1/  ")
	f.Add("//multiple//slashes//")
	f.Add("/path/../traversal")
	f.Add("/path\x00null")

	f.Fuzz(func(t *testing.T, basePath string) {
		if len(basePath) > 200 {
			t.Skip("base path too long")
		}
		result := sanitizeBase(basePath)

		if result != "" {
			if !strings.HasPrefix(result, "/") {
				t.Errorf("sanitized base should start with /: %q -> %q", basePath, result)
			}
			if result != "/" && strings.HasSuffix(result, "/") {
				t.Errorf("sanitized base should not end with /: %q -> %q", basePath, result)
			}
		}
		trimmed := strings.TrimSpace(basePath)
		if (trimmed == "" || trimmed == "/") && result != "" {
			t.Errorf("empty or root base should result in empty: %q -> %q", basePath, result)
		}
		if result2 := sanitizeBase(basePath); result != result2 {
			t.Errorf("sanitizeBase inconsistent for %q: %q vs %q", basePath, result, result2)
		}
	})
}

// FuzzIsSafeAbsPath tests the restored-config path validation
func FuzzIsSafeAbsPath(f *testing.F) {
	f.Add("/safe/absolute/path")
	f.Add("")
	f.Add("/")
	f.Add("relative/path")
	f.Add("/path/../traversal")
	f.Add("/path/./current")
	f.Add("/path//double/slash")
	f.Add("/path with spaces")
	f.Add("/path\x00null")

	f.Fuzz(func(t *testing.T, path string) {
		if len(path) > 500 {
			t.Skip("path too long")
		}
		result := isSafeAbsPath(path)

		if path == "" && !result {
			t.Error("empty path should be safe (allowed)")
		}
		if path != "" && !filepath.IsAbs(path) && result {
			t.Errorf("relative path should not be safe: %q", path)
		}
		if path != "" {
			clean := filepath.Clean(path)
			sep := string(filepath.Separator)
			trimmed := strings.TrimRight(path, sep)
			if trimmed == "" {
				trimmed = path
			}
			if !(clean == path || clean == trimmed) && result {
				t.Errorf("path that changes when cleaned should not be safe: %q -> %q", path, clean)
			}
		}
		if result2 := isSafeAbsPath(path); result != result2 {
			t.Errorf("isSafeAbsPath inconsistent for %q: %v vs %v", path, result, result2)
		}
	})
}
