//go:build cgo_sqlite

package store

import (
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver, cgo-accelerated
)

const cgoSQLiteDriverName = "sqlite3"

func cgoSQLiteAvailable() bool { return true }
