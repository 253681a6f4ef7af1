package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dougsko/hiqsdr/pkg/logging"
	"github.com/dougsko/hiqsdr/pkg/protocol"
)

// Event kinds written by the daemon
const (
	KindStreamStarted      = "stream_started"
	KindStreamStopped      = "stream_stopped"
	KindStreamError        = "stream_error"
	KindStreamClosed       = "stream_closed"
	KindStreamCompleted    = "stream_completed"
	KindConfigSent         = "config_sent"
	KindConfigReceived     = "config_received"
	KindConfigInconsistent = "config_inconsistent"
	KindConfigRejected     = "config_rejected"
)

// EventStore journals stream and control events in SQLite
type EventStore struct {
	db        *sql.DB
	dbPath    string
	maxEvents int
}

// NewEventStore opens or creates the journal at dbPath. maxEvents bounds the
// number of rows kept; zero keeps everything.
func NewEventStore(dbPath string, maxEvents int) (*EventStore, error) {
	store := &EventStore{
		dbPath:    dbPath,
		maxEvents: maxEvents,
	}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize event store: %w", err)
	}
	return store, nil
}

func (es *EventStore) initialize() error {
	if es.dbPath == "" {
		es.dbPath = "./hiqsdrd.db"
	}
	if err := os.MkdirAll(filepath.Dir(es.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", es.dbPath+"?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	es.db = db

	if err := es.createTables(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create tables: %w", err)
	}
	if err := es.createIndexes(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logging.Infof("storage", "event store initialized: %s (max %d events)", es.dbPath, es.maxEvents)
	return nil
}

func (es *EventStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		source TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		packets INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS event_stats (
		id INTEGER PRIMARY KEY,
		total_events INTEGER NOT NULL DEFAULT 0,
		total_errors INTEGER NOT NULL DEFAULT 0,
		last_cleanup DATETIME,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	INSERT OR IGNORE INTO event_stats (id, total_events, total_errors) VALUES (1, 0, 0);
	`

	_, err := es.db.Exec(schema)
	return err
}

func (es *EventStore) createIndexes() error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)",
		"CREATE INDEX IF NOT EXISTS idx_events_source ON events(source)",
	}

	for _, indexSQL := range indexes {
		if _, err := es.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func isErrorKind(kind string) bool {
	return kind == KindStreamError || kind == KindConfigRejected || kind == KindConfigInconsistent
}

// RecordEvent stores ev and returns its id. A zero timestamp means now.
func (es *EventStore) RecordEvent(ev protocol.Event) (int64, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	tx, err := es.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`INSERT INTO events (timestamp, source, kind, detail, packets) VALUES (?, ?, ?, ?, ?)`,
		ev.Timestamp.UTC(), ev.Source, ev.Kind, ev.Detail, int64(ev.Packets),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get event ID: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE event_stats SET
			total_events = total_events + 1,
			total_errors = CASE WHEN ? THEN total_errors + 1 ELSE total_errors END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = 1`, isErrorKind(ev.Kind))
	if err != nil {
		return 0, fmt.Errorf("failed to update stats: %w", err)
	}

	if err := es.cleanupOldEvents(tx); err != nil {
		logging.Warnf("storage", "failed to cleanup old events: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// CleanupOldEvents removes events beyond the maximum
func (es *EventStore) CleanupOldEvents() error {
	tx, err := es.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := es.cleanupOldEvents(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (es *EventStore) cleanupOldEvents(tx *sql.Tx) error {
	if es.maxEvents <= 0 {
		return nil
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		return err
	}
	if count <= es.maxEvents {
		return nil
	}

	_, err := tx.Exec(`
		DELETE FROM events
		WHERE id IN (SELECT id FROM events ORDER BY id ASC LIMIT ?)`, count-es.maxEvents)
	if err != nil {
		return err
	}

	_, err = tx.Exec("UPDATE event_stats SET last_cleanup = CURRENT_TIMESTAMP WHERE id = 1")
	return err
}

// Close closes the database connection
func (es *EventStore) Close() error {
	if es.db != nil {
		return es.db.Close()
	}
	return nil
}
