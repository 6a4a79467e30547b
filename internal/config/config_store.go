package config

import "time"

// StoreBackend selects the Message/Session Store's SQL driver.
type StoreBackend string

const (
	StoreBackendSQLite    StoreBackend = "sqlite"     // pure-Go modernc.org/sqlite, default
	StoreBackendCGOSQLite StoreBackend = "cgo_sqlite" // mattn/go-sqlite3, built with -tags cgo_sqlite
	StoreBackendPostgres  StoreBackend = "postgres"   // lib/pq
)

// StoreConfig configures the durability backend shared by the Message Store
// and the Session State Store's persisted fallback path.
type StoreConfig struct {
	Backend         StoreBackend  `yaml:"backend"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (s *StoreConfig) applyDefaults() {
	if s.Backend == "" {
		s.Backend = StoreBackendSQLite
	}
	if s.DSN == "" && s.Backend != StoreBackendPostgres {
		s.DSN = "cliorchd.db"
	}
	if s.MaxOpenConns == 0 {
		s.MaxOpenConns = 25
	}
	if s.MaxIdleConns == 0 {
		s.MaxIdleConns = 5
	}
	if s.ConnMaxLifetime == 0 {
		s.ConnMaxLifetime = 5 * time.Minute
	}
}
