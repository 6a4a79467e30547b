//go:build !cgo_sqlite

package store

const cgoSQLiteDriverName = ""

func cgoSQLiteAvailable() bool { return false }
