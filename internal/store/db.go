package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // registers the "postgres" driver

	"github.com/cliorch/cliorchd/internal/config"
)

// OpenDB opens and pings a *sql.DB for cfg.Backend, applying the pool
// settings from cfg. The returned DB has no schema applied — call
// NewMigrator(db).Up(ctx, 0) before first use.
func OpenDB(ctx context.Context, cfg config.StoreConfig) (*sql.DB, error) {
	driver, dsn, err := driverAndDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s store: %w", cfg.Backend, err)
	}

	return db, nil
}

func driverAndDSN(cfg config.StoreConfig) (driver, dsn string, err error) {
	switch cfg.Backend {
	case config.StoreBackendSQLite, "":
		return sqliteDriverName, cfg.DSN, nil
	case config.StoreBackendCGOSQLite:
		if !cgoSQLiteAvailable() {
			return "", "", fmt.Errorf("store: backend %q requires building with -tags cgo_sqlite", cfg.Backend)
		}
		return cgoSQLiteDriverName, cfg.DSN, nil
	case config.StoreBackendPostgres:
		return "postgres", cfg.DSN, nil
	default:
		return "", "", fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
