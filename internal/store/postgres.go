package store

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgresStore connects to PostgreSQL using a lib/pq DSN.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	store := newSQLStore(db, postgresDialect)
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
