package store

import "fmt"

// Open constructs the configured Store backend. driver is "sqlite"
// (default, path-based) or "postgres" (DSN-based).
func Open(driver, path, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStore(path)
	case "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
