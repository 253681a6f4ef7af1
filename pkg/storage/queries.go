package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dougsko/hiqsdr/pkg/protocol"
)

// EventQuery represents query parameters for retrieving events
type EventQuery struct {
	Limit   int
	SinceID int64
	Since   *time.Time
	Kind    string
	Source  string
}

// EventStats represents journal statistics
type EventStats struct {
	TotalEvents int64            `json:"total_events"`
	TotalErrors int64            `json:"total_errors"`
	Stored      int64            `json:"stored"`
	ByKind      map[string]int64 `json:"by_kind"`
	LastCleanup *time.Time       `json:"last_cleanup,omitempty"`
}

// GetEvents returns events matching query, oldest first
func (es *EventStore) GetEvents(query EventQuery) ([]protocol.Event, error) {
	var conditions []string
	var args []interface{}

	if query.SinceID > 0 {
		conditions = append(conditions, "id > ?")
		args = append(args, query.SinceID)
	}
	if query.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, query.Since.UTC())
	}
	if query.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, query.Kind)
	}
	if query.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, query.Source)
	}

	sqlQuery := "SELECT id, timestamp, source, kind, detail, packets FROM events"
	if len(conditions) > 0 {
		sqlQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	sqlQuery += " ORDER BY id DESC"
	if query.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, query.Limit)
	}

	rows, err := es.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	// newest N were selected; hand them back in chronological order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func scanEvents(rows *sql.Rows) ([]protocol.Event, error) {
	events := []protocol.Event{}
	for rows.Next() {
		var ev protocol.Event
		var packets int64
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Source, &ev.Kind, &ev.Detail, &packets); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Packets = uint64(packets)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetRecentEvents returns the newest limit events, oldest first
func (es *EventStore) GetRecentEvents(limit int) ([]protocol.Event, error) {
	return es.GetEvents(EventQuery{Limit: limit})
}

// GetEventsSince returns every event with an id greater than id
func (es *EventStore) GetEventsSince(id int64) ([]protocol.Event, error) {
	return es.GetEvents(EventQuery{SinceID: id})
}

// GetStats returns journal statistics
func (es *EventStore) GetStats() (EventStats, error) {
	stats := EventStats{ByKind: make(map[string]int64)}

	var lastCleanup sql.NullTime
	err := es.db.QueryRow(
		"SELECT total_events, total_errors, last_cleanup FROM event_stats WHERE id = 1",
	).Scan(&stats.TotalEvents, &stats.TotalErrors, &lastCleanup)
	if err != nil {
		return stats, fmt.Errorf("failed to read stats: %w", err)
	}
	if lastCleanup.Valid {
		stats.LastCleanup = &lastCleanup.Time
	}

	rows, err := es.db.Query("SELECT kind, COUNT(*) FROM events GROUP BY kind")
	if err != nil {
		return stats, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return stats, err
		}
		stats.ByKind[kind] = count
		stats.Stored += count
	}
	return stats, rows.Err()
}
