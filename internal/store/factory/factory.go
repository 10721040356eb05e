package factory

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/warden/internal/store"
	pg "github.com/loykin/warden/internal/store/postgres"
	sq "github.com/loykin/warden/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:   "sqlite://<path>" or a bare filepath
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty store DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(ensureDir(strings.TrimPrefix(d, "sqlite://")))
	}
	// bare paths are sqlite
	return sq.New(ensureDir(d))
}

func ensureDir(path string) string {
	if !strings.Contains(path, ":memory:") {
		_ = os.MkdirAll(filepath.Dir(path), 0o750)
	}
	return path
}
