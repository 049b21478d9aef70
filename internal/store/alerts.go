package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klaxonhq/klaxon/pkg/models"
)

const (
	insertAlertQuery = `INSERT INTO alerts (
    id,
    title,
    message,
    priority,
    category,
    channels,
    source,
    target_user_id,
    metadata,
    created_at,
    expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectAlertBase = `SELECT
    id,
    title,
    message,
    priority,
    category,
    channels,
    source,
    target_user_id,
    metadata,
    created_at,
    expires_at
FROM alerts`

	listRecentAlertsQuery = selectAlertBase + `
ORDER BY created_at DESC
LIMIT ?`

	upsertResultQuery = `INSERT INTO dispatch_results (alert_id, status, channels_sent, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (alert_id) DO UPDATE SET
    status = excluded.status,
    channels_sent = excluded.channels_sent,
    created_at = excluded.created_at`

	countByStatusQuery = `SELECT status, COUNT(*) FROM dispatch_results GROUP BY status`
)

// SaveAlert stores an alert for audit. In memory mode it appends to the
// bounded buffer instead.
func (s *Store) SaveAlert(ctx context.Context, alert *models.Alert) error {
	if s.writeDB == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.alerts = append(s.alerts, alert)
		if len(s.alerts) > memoryLimit {
			s.alerts = s.alerts[len(s.alerts)-memoryLimit:]
		}
		return nil
	}

	channels, err := json.Marshal(alert.Channels)
	if err != nil {
		return fmt.Errorf("failed to encode channels: %w", err)
	}
	metadata, err := json.Marshal(alert.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	var expiresAt any
	if alert.ExpiresAt != nil {
		expiresAt = alert.ExpiresAt.UTC()
	}
	_, err = s.writeDB.ExecContext(ctx, insertAlertQuery,
		alert.ID,
		alert.Title,
		alert.Message,
		string(alert.Priority),
		string(alert.Category),
		string(channels),
		alert.Source,
		alert.TargetUserID,
		string(metadata),
		alert.CreatedAt.UTC(),
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// SaveResult records the dispatch outcome for an alert.
func (s *Store) SaveResult(ctx context.Context, result *models.DispatchResult) error {
	if s.writeDB == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.results = append(s.results, result)
		if len(s.results) > memoryLimit {
			s.results = s.results[len(s.results)-memoryLimit:]
		}
		return nil
	}

	channelsSent, err := json.Marshal(result.ChannelsSent)
	if err != nil {
		return fmt.Errorf("failed to encode channels_sent: %w", err)
	}
	_, err = s.writeDB.ExecContext(ctx, upsertResultQuery,
		result.AlertID,
		string(result.Status),
		string(channelsSent),
		result.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispatch result: %w", err)
	}
	return nil
}

// ListRecent returns the newest alerts, most recent first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 50
	}

	if s.readDB == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		n := len(s.alerts)
		if limit > n {
			limit = n
		}
		out := make([]*models.Alert, 0, limit)
		for i := n - 1; i >= n-limit; i-- {
			out = append(out, s.alerts[i])
		}
		return out, nil
	}

	rows, err := s.readDB.QueryContext(ctx, listRecentAlertsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// CountByStatus aggregates dispatch results for the stats endpoint.
func (s *Store) CountByStatus(ctx context.Context) (map[models.DispatchStatus]int, error) {
	counts := make(map[models.DispatchStatus]int)

	if s.readDB == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, r := range s.results {
			counts[r.Status]++
		}
		return counts, nil
	}

	rows, err := s.readDB.QueryContext(ctx, countByStatusQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to count dispatch results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[models.DispatchStatus(status)] = count
	}
	return counts, rows.Err()
}

func scanAlert(rows *sql.Rows) (*models.Alert, error) {
	var (
		alert        models.Alert
		priority     string
		category     string
		channelsJSON string
		metadataJSON string
		createdAt    time.Time
		expiresAt    sql.NullTime
	)
	if err := rows.Scan(
		&alert.ID,
		&alert.Title,
		&alert.Message,
		&priority,
		&category,
		&channelsJSON,
		&alert.Source,
		&alert.TargetUserID,
		&metadataJSON,
		&createdAt,
		&expiresAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}

	alert.Priority = models.AlertPriority(priority)
	alert.Category = models.AlertCategory(category)
	alert.CreatedAt = createdAt
	if expiresAt.Valid {
		t := expiresAt.Time
		alert.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(channelsJSON), &alert.Channels); err != nil {
		return nil, fmt.Errorf("failed to decode channels: %w", err)
	}
	if metadataJSON != "" && metadataJSON != "{}" && metadataJSON != "null" {
		if err := json.Unmarshal([]byte(metadataJSON), &alert.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &alert, nil
}
