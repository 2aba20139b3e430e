package storage

import (
	"context"
	"database/sql"
	"fmt"
	"syncal/internal/models"
	"time"
)

// MappingRepository persists EventMappings.
type MappingRepository struct {
	db  *DB
	now func() time.Time
}

// NewMappingRepository creates a repository on db.
func NewMappingRepository(db *DB) *MappingRepository {
	return &MappingRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const mappingColumns = `user_id, source_provider, source_external_id, target_provider,
	target_external_id, sync_state, lead_minutes, source_reminder, source_start, last_error, updated_at`

// Get returns the mapping keyed by (userID, provider, externalID) on its source side,
// or nil when none exists.
func (r *MappingRepository) Get(ctx context.Context, userID string, provider models.Provider, externalID string) (*models.EventMapping, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+mappingColumns+`
		FROM event_mappings
		WHERE user_id = ? AND source_provider = ? AND source_external_id = ?`,
		userID, string(provider), externalID)

	m, err := scanMapping(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying mapping: %w", ErrUnavailable, err)
	}
	return m, nil
}

// Upsert inserts m or replaces the row with the same key.
func (r *MappingRepository) Upsert(ctx context.Context, m models.EventMapping) error {
	m.UpdatedAt = r.now()

	var target sql.NullString
	if m.TargetExternalID != "" {
		target = sql.NullString{String: m.TargetExternalID, Valid: true}
	}
	var lead sql.NullInt64
	if m.LeadMinutes != nil {
		lead = sql.NullInt64{Int64: int64(*m.LeadMinutes), Valid: true}
	}
	var sourceStart sql.NullTime
	if !m.SourceStart.IsZero() {
		sourceStart = sql.NullTime{Time: m.SourceStart.UTC(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO event_mappings (`+mappingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, source_provider, source_external_id) DO UPDATE SET
			target_provider    = excluded.target_provider,
			target_external_id = excluded.target_external_id,
			sync_state         = excluded.sync_state,
			lead_minutes       = excluded.lead_minutes,
			source_reminder    = excluded.source_reminder,
			source_start       = excluded.source_start,
			last_error         = excluded.last_error,
			updated_at         = excluded.updated_at
	`,
		m.UserID, string(m.SourceProvider), m.SourceExternalID, string(m.TargetProvider),
		target, string(m.SyncState), lead, m.SourceReminder, sourceStart, m.LastError, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: upserting mapping %s: %w", ErrUnavailable, m.Key(), err)
	}
	return nil
}

// ListByUser returns all mappings for userID ordered by key.
func (r *MappingRepository) ListByUser(ctx context.Context, userID string) ([]models.EventMapping, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+mappingColumns+`
		FROM event_mappings
		WHERE user_id = ?
		ORDER BY source_provider, source_external_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing mappings: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var mappings []models.EventMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning mapping: %w", ErrUnavailable, err)
		}
		mappings = append(mappings, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing mappings: %w", ErrUnavailable, err)
	}
	return mappings, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMapping(s scanner) (*models.EventMapping, error) {
	var (
		m           models.EventMapping
		source      string
		targetProv  string
		target      sql.NullString
		state       string
		lead        sql.NullInt64
		sourceStart sql.NullTime
	)
	err := s.Scan(&m.UserID, &source, &m.SourceExternalID, &targetProv, &target,
		&state, &lead, &m.SourceReminder, &sourceStart, &m.LastError, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	m.SourceProvider = models.Provider(source)
	m.TargetProvider = models.Provider(targetProv)
	m.TargetExternalID = target.String
	m.SyncState = models.SyncState(state)
	if lead.Valid {
		v := int(lead.Int64)
		m.LeadMinutes = &v
	}
	if sourceStart.Valid {
		m.SourceStart = sourceStart.Time.UTC()
	}
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}
