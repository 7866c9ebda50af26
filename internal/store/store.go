package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/datallboy/gowish/internal/infra/config"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// PersistentStore keeps the ancestry ledger and the wish queue.
type PersistentStore struct {
	db      *sql.DB
	dialect string

	// one coarse lock per ledger
	ancestryMu sync.Mutex
	wishMu     sync.Mutex
}

// NewPersistentStore opens the store selected by cfg.Driver.
func NewPersistentStore(cfg config.StoreConfig) (*PersistentStore, error) {
	switch cfg.Driver {
	case dialectPostgres:
		return NewPostgresStore(cfg.DSN)
	default:
		return NewSQLiteStore(cfg.SQLitePath)
	}
}

// NewSQLiteStore opens (or creates) the sqlite database at dbPath.
func NewSQLiteStore(dbPath string) (*PersistentStore, error) {
	// Ensure the database directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	return open(db, dialectSQLite)
}

// NewPostgresStore connects through the pgx stdlib driver.
func NewPostgresStore(dsn string) (*PersistentStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	return open(db, dialectPostgres)
}

func open(db *sql.DB, dialect string) (*PersistentStore, error) {
	// Ping makes sure the database is actually accessible and the DSN is valid
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", dialect, err)
	}

	s := &PersistentStore{db: db, dialect: dialect}

	if err := s.RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	return s, nil
}

// rebind turns ? placeholders into $n for postgres.
func (s *PersistentStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *PersistentStore) Close() error {
	return s.db.Close()
}
