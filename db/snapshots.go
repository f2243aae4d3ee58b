package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is one persisted statistics capture for a channel.
type Snapshot struct {
	Channel        string          `json:"channel"`
	CapturedAt     time.Time       `json:"captured_at"`
	PeakViewers    int             `json:"peak_viewers"`
	AverageViewers float64         `json:"average_viewers"`
	MessageCount   int64           `json:"message_count"`
	Statistics     json.RawMessage `json:"statistics"`
}

// SnapshotStore persists channel statistics snapshots. From the core's point
// of view inserts are fire-and-forget: callers log failures and move on.
type SnapshotStore struct {
	DB *sql.DB
}

// InsertSnapshot writes one capture. The statistics map is stored as JSONB.
func (s *SnapshotStore) InsertSnapshot(ctx context.Context, channel string, peakViewers int, averageViewers float64, messageCount int64, statistics map[string]any, capturedAt time.Time) error {
	blob, err := json.Marshal(statistics)
	if err != nil {
		return fmt.Errorf("marshal statistics: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO channel_snapshots (channel, captured_at, peak_viewers, average_viewers, message_count, statistics)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		channel, capturedAt.UTC(), peakViewers, averageViewers, messageCount, blob)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// RecentSnapshots returns up to limit snapshots for channel, newest first.
func (s *SnapshotStore) RecentSnapshots(ctx context.Context, channel string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT channel, captured_at, peak_viewers, average_viewers, message_count, statistics
		 FROM channel_snapshots WHERE channel=$1 ORDER BY captured_at DESC LIMIT $2`,
		channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var sn Snapshot
		if err := rows.Scan(&sn.Channel, &sn.CapturedAt, &sn.PeakViewers, &sn.AverageViewers, &sn.MessageCount, &sn.Statistics); err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}
