package store

import (
	_ "modernc.org/sqlite" // registers the "sqlite" driver, pure Go, no cgo
)

const sqliteDriverName = "sqlite"
