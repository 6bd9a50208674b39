// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists escalation history so it survives a core restart,
// matching the teacher's polltrigger state-manager shape: WAL-mode
// SQLite, a single append-only table, migrated on open.
type Store struct {
	db *sql.DB
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Path is the SQLite database file. Use ":memory:" for an ephemeral
	// store (tests). Parent directories are created as needed.
	Path string
}

// OpenStore opens (creating if needed) the escalation history database.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("escalation: store path is required")
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("escalation: creating store directory: %w", err)
		}
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("escalation: opening store: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("escalation: connecting to store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS escalation_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scope TEXT NOT NULL,
		key TEXT NOT NULL DEFAULT '',
		signal TEXT NOT NULL,
		action TEXT NOT NULL,
		severity TEXT NOT NULL,
		count INTEGER NOT NULL,
		occurred_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_escalation_events_scope ON escalation_events(scope, key);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("escalation: creating schema: %w", err)
	}
	return nil
}

// Append records ev.
func (s *Store) Append(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalation_events (scope, key, signal, action, severity, count, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Scope), ev.Key, string(ev.Signal), string(ev.Action), string(ev.Severity), ev.Count, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("escalation: appending event: %w", err)
	}
	return nil
}

// History returns every persisted event in insertion order, optionally
// filtered to scope when scope is non-empty.
func (s *Store) History(ctx context.Context, scope Scope) ([]Event, error) {
	query := `SELECT scope, key, signal, action, severity, count, occurred_at FROM escalation_events`
	args := []any{}
	if scope != "" {
		query += ` WHERE scope = ?`
		args = append(args, string(scope))
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escalation: querying history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var scopeStr, signalStr, actionStr, severityStr string
		if err := rows.Scan(&scopeStr, &ev.Key, &signalStr, &actionStr, &severityStr, &ev.Count, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("escalation: scanning history row: %w", err)
		}
		ev.Scope, ev.Signal, ev.Action, ev.Severity = Scope(scopeStr), Signal(signalStr), Action(actionStr), Severity(severityStr)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarshalDetail is a convenience for embedding an event in an IPC
// escalation notification payload (see internal/supervisoripc).
func MarshalDetail(ev Event) (json.RawMessage, error) {
	return json.Marshal(ev)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
