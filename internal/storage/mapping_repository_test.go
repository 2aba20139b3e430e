package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"syncal/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) (*MappingRepository, *DB) {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "syncal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewMappingRepository(db), db
}

func TestMappingRepository_UpsertAndGet(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	lead := 15
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	m := models.EventMapping{
		UserID:           "u1",
		SourceProvider:   models.ProviderGoogle,
		SourceExternalID: "g1",
		TargetProvider:   models.ProviderICloud,
		SyncState:        models.SyncStatePending,
		LeadMinutes:      &lead,
		SourceStart:      start,
	}
	require.NoError(t, repo.Upsert(ctx, m))

	got, err := repo.Get(ctx, "u1", models.ProviderGoogle, "g1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.SyncStatePending, got.SyncState)
	assert.Empty(t, got.TargetExternalID)
	require.NotNil(t, got.LeadMinutes)
	assert.Equal(t, 15, *got.LeadMinutes)
	assert.True(t, start.Equal(got.SourceStart))
	assert.False(t, got.UpdatedAt.IsZero())

	m.TargetExternalID = "i1"
	m.SyncState = models.SyncStateSynced
	require.NoError(t, repo.Upsert(ctx, m))

	got, err = repo.Get(ctx, "u1", models.ProviderGoogle, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateSynced, got.SyncState)
	assert.Equal(t, "i1", got.TargetExternalID)
}

func TestMappingRepository_GetMissing(t *testing.T) {
	repo, _ := newTestRepo(t)

	got, err := repo.Get(context.Background(), "u1", models.ProviderGoogle, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMappingRepository_ListByUser(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	for _, m := range []models.EventMapping{
		{UserID: "u1", SourceProvider: models.ProviderICloud, SourceExternalID: "i1", TargetProvider: models.ProviderGoogle, SyncState: models.SyncStatePending},
		{UserID: "u1", SourceProvider: models.ProviderGoogle, SourceExternalID: "g1", TargetProvider: models.ProviderICloud, SyncState: models.SyncStatePending},
		{UserID: "u2", SourceProvider: models.ProviderGoogle, SourceExternalID: "g9", TargetProvider: models.ProviderICloud, SyncState: models.SyncStatePending},
	} {
		require.NoError(t, repo.Upsert(ctx, m))
	}

	list, err := repo.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "g1", list[0].SourceExternalID)
	assert.Equal(t, "i1", list[1].SourceExternalID)
	assert.Nil(t, list[0].LeadMinutes)
	assert.True(t, list[0].SourceStart.IsZero())
}

func TestMappingRepository_TargetIsUnique(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, models.EventMapping{
		UserID: "u1", SourceProvider: models.ProviderGoogle, SourceExternalID: "g1",
		TargetProvider: models.ProviderICloud, TargetExternalID: "i1", SyncState: models.SyncStateSynced,
	}))
	err := repo.Upsert(ctx, models.EventMapping{
		UserID: "u1", SourceProvider: models.ProviderGoogle, SourceExternalID: "g2",
		TargetProvider: models.ProviderICloud, TargetExternalID: "i1", SyncState: models.SyncStateSynced,
	})
	assert.Error(t, err)
}

func TestMappingRepository_ClosedDBIsUnavailable(t *testing.T) {
	repo, db := newTestRepo(t)
	require.NoError(t, db.Close())

	_, err := repo.ListByUser(context.Background(), "u1")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestRunMigrations_Idempotent(t *testing.T) {
	_, db := newTestRepo(t)
	assert.NoError(t, RunMigrations(db))

	v, err := SchemaVersion(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestRunMigrations_UpgradesVersionOneFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	v1, err := migrationsFS.ReadFile("migrations/001_event_mappings.sql")
	require.NoError(t, err)
	_, err = raw.Exec(string(v1))
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE schema_version (
		version INTEGER PRIMARY KEY, file TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO schema_version (version, file) VALUES (1, '001_event_mappings.sql')`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO event_mappings (user_id, source_provider, source_external_id,
		target_provider, sync_state, updated_at) VALUES ('u1', 'google', 'g1', 'icloud', 'pending', ?)`,
		time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	db, err := NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	assert.Equal(t, path, db.Path())

	v, err := SchemaVersion(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	got, err := NewMappingRepository(db).Get(context.Background(), "u1", models.ProviderGoogle, "g1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.SourceReminder)
}

func TestSchemaSteps_OrderedByVersion(t *testing.T) {
	steps, err := schemaSteps()
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].version)
	assert.Equal(t, "002_source_reminder.sql", steps[1].file)
}

func TestMappingRepository_SourceReminderRoundTrip(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	lead := 30

	require.NoError(t, repo.Upsert(ctx, models.EventMapping{
		UserID: "u1", SourceProvider: models.ProviderGoogle, SourceExternalID: "g1",
		TargetProvider: models.ProviderICloud, SyncState: models.SyncStatePending,
		LeadMinutes: &lead, SourceReminder: true,
	}))

	got, err := repo.Get(ctx, "u1", models.ProviderGoogle, "g1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.SourceReminder)
}
