package repository

import (
	"context"
	"fmt"
)

// Open returns the store selected by driver: "memory" (default) or "sqlite".
func Open(ctx context.Context, driver, sqlitePath string, opts ...Option) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(opts...), nil
	case "sqlite":
		if sqlitePath == "" {
			sqlitePath = ":memory:"
		}
		return OpenSQLite(ctx, sqlitePath, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrDriver, driver)
	}
}
