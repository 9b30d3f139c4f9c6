package main

import (
	"database/sql"

	_ "github.com/go-sql-driver/mysql"
)

// historyStore is an optional durable log of revealed rounds, enabled with
// --db-dsn. It sits outside the session engine: writes are fire-and-forget
// and a nil store is a no-op, so the state machine never blocks on it or
// reads from it.
type historyStore struct {
	db *sql.DB
}

type revealRecord struct {
	roomCode string
	round    int
	question string
	answers  map[string]string
	matched  bool
}

const historySchema = `CREATE TABLE IF NOT EXISTS answers (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	room_code VARCHAR(64) NOT NULL,
	round INT NOT NULL,
	question TEXT NOT NULL,
	player_name VARCHAR(255) NOT NULL,
	answer TEXT NOT NULL,
	matched BOOL NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// newHistoryStore opens the answer-history database, creating the answers
// table if needed. Returns a nil store when no DSN is configured.
func newHistoryStore(cfg *Config) (*historyStore, error) {
	if cfg.dbDSN == "" {
		return nil, nil
	}

	db, err := sql.Open("mysql", cfg.dbDSN)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if _, err := db.Exec(historySchema); err != nil {
		return nil, err
	}

	return &historyStore{db: db}, nil
}

// recordReveal logs one revealed round, one row per player answer. Failures
// are logged under --verbose and otherwise dropped.
func (s *historyStore) recordReveal(cfg *Config, rec revealRecord) {
	if s == nil {
		return
	}

	go func() {
		for name, answer := range rec.answers {
			_, err := s.db.Exec(
				"INSERT INTO answers (room_code, round, question, player_name, answer, matched) VALUES (?, ?, ?, ?, ?, ?)",
				rec.roomCode, rec.round, rec.question, name, answer, rec.matched,
			)
			if err != nil {
				logf(cfg, "ERROR: Recording answer for %s: %v", rec.roomCode, err)
			}
		}
	}()
}
