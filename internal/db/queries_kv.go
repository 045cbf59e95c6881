package db

import "database/sql"

func KVGet(database *sql.DB, key string) ([]byte, bool, error) {
	var value []byte
	err := database.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func KVSet(database *sql.DB, key string, value []byte) error {
	_, err := database.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value,
		 updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		key, value,
	)
	return err
}

func KVDelete(database *sql.DB, key string) error {
	_, err := database.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// ListStaleKV returns the keys of entries not touched since the cutoff.
func ListStaleKV(database *sql.DB, cutoff string) ([]string, error) {
	rows, err := database.Query(`SELECT key FROM kv WHERE updated_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// PruneStaleKV removes entries not touched since the cutoff and returns the
// number deleted.
func PruneStaleKV(database *sql.DB, cutoff string) (int64, error) {
	res, err := database.Exec(`DELETE FROM kv WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
