package store

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres opens a pooled pgx connection. Accounts are serialized with a
// transaction-scoped advisory lock plus SELECT ... FOR UPDATE on the row.
func OpenPostgres(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("missing database dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &SQLStore{db: db, dialect: dialectPostgres, now: utcNow}, nil
}

func utcNow() time.Time { return time.Now().UTC() }
