package store

import (
	"database/sql"

	"github.com/microjpeg/gateway/internal/db"
)

// SQLiteStore persists keys in the gateway's sqlite database, surviving
// restarts. It implements Store over the kv table.
type SQLiteStore struct {
	DB *sql.DB
}

func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	return db.KVGet(s.DB, key)
}

func (s *SQLiteStore) Set(key string, value []byte) error {
	return db.KVSet(s.DB, key, value)
}

func (s *SQLiteStore) Delete(key string) error {
	return db.KVDelete(s.DB, key)
}
