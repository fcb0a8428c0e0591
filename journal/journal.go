// Package journal records what the pipeline did — fetches, translations,
// skips, publications — in a local SQLite database. The journal is purely
// advisory: it is never consulted to decide whether an item is done (file
// existence in the store is the only completion signal), so a lost or
// corrupt journal costs nothing but history.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Actions recorded per event.
const (
	ActionFetched    = "fetched"
	ActionTranslated = "translated"
	ActionSkipped    = "skipped"
	ActionPublished  = "published"
)

// Event is one pipeline step applied to one item in one language.
type Event struct {
	Time    time.Time
	RunID   string
	Contest string
	Kind    string
	ItemID  string
	Lang    string
	Action  string
	Bytes   int
}

// Journal is an append-only event log backed by SQLite.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	j := &Journal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time TEXT NOT NULL,
		run_id TEXT NOT NULL,
		contest TEXT NOT NULL,
		kind TEXT NOT NULL,
		item_id TEXT NOT NULL,
		lang TEXT NOT NULL,
		action TEXT NOT NULL,
		bytes INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_contest ON events(contest, kind);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one event. Time defaults to now when unset.
func (j *Journal) Record(e Event) error {
	when := e.Time
	if when.IsZero() {
		when = time.Now()
	}
	_, err := j.db.Exec(
		`INSERT INTO events (time, run_id, contest, kind, item_id, lang, action, bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		when.UTC().Format(time.RFC3339), e.RunID, e.Contest, e.Kind, e.ItemID, e.Lang, e.Action, e.Bytes,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit most recent events, newest first.
func (j *Journal) RecentEvents(limit int) ([]Event, error) {
	rows, err := j.db.Query(
		`SELECT time, run_id, contest, kind, item_id, lang, action, bytes
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&ts, &e.RunID, &e.Contest, &e.Kind, &e.ItemID, &e.Lang, &e.Action, &e.Bytes); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Time, _ = time.Parse(time.RFC3339, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
