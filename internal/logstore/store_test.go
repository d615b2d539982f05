package logstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlmock")), mock
}

func validBatch() Batch {
	return Batch{
		ServiceName: "codex",
		Logs: []IncomingEntry{
			{Level: "INFO", Message: "started"},
			{Level: "ERROR", Message: "boom", TraceID: "t-1"},
		},
	}
}

func TestLevelAtLeast(t *testing.T) {
	assert.Equal(t, []Level{LevelWarning, LevelError, LevelCritical}, LevelWarning.AtLeast())
	assert.Equal(t, []Level{LevelCritical}, LevelCritical.AtLeast())
	assert.Len(t, LevelDebug.AtLeast(), 5)
	assert.Nil(t, Level("NOISE").AtLeast())
	assert.False(t, Level("NOISE").Valid())
}

func TestIngestBatchSingleTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO log_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO log_entries").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	n, err := s.IngestBatch(context.Background(), validBatch())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestBatchRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		batch Batch
	}{
		{"bad level", Batch{ServiceName: "codex", Logs: []IncomingEntry{{Level: "LOUD", Message: "x"}}}},
		{"empty message", Batch{ServiceName: "codex", Logs: []IncomingEntry{{Level: "INFO"}}}},
		{"bad service slug", Batch{ServiceName: "Codex!", Logs: []IncomingEntry{{Level: "INFO", Message: "x"}}}},
		{"empty batch", Batch{ServiceName: "codex"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			_, err := s.IngestBatch(context.Background(), tt.batch)
			assert.ErrorIs(t, err, ErrMalformedBatch)
			assert.NoError(t, mock.ExpectationsWereMet(), "a malformed batch must not touch the database")
		})
	}
}

func TestIngestBatchRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO log_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO log_entries").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.IngestBatch(context.Background(), validBatch())
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryFiltersAndPaginates(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM log_entries`).
		WithArgs("codex", "WARNING", "ERROR", "CRITICAL").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	rows := sqlmock.NewRows([]string{
		"id", "timestamp", "service_name", "level", "message",
		"context", "trace_id", "user_id", "hostname", "process_id",
	}).
		AddRow(int64(12), now, "codex", "ERROR", "boom", []byte(`{"k":"v"}`), "t-1", nil, "host-1", 321).
		AddRow(int64(11), now.Add(-time.Minute), "codex", "WARNING", "slow", nil, nil, nil, nil, nil)
	mock.ExpectQuery(`SELECT \* FROM log_entries`).
		WithArgs("codex", "WARNING", "ERROR", "CRITICAL", 50, 10).
		WillReturnRows(rows)

	entries, total, err := s.Query(context.Background(), Filter{
		ServiceName: "codex",
		MinLevel:    LevelWarning,
		Limit:       50,
		Offset:      10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(12), entries[0].ID)
	assert.Equal(t, LevelError, entries[0].Level)
	assert.Equal(t, JSONMap{"k": "v"}, entries[0].Context)
	require.NotNil(t, entries[0].TraceID)
	assert.Equal(t, "t-1", *entries[0].TraceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryRejectsBadFilter(t *testing.T) {
	s, _ := newMockStore(t)

	_, _, err := s.Query(context.Background(), Filter{Limit: MaxQueryLimit + 1})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, _, err = s.Query(context.Background(), Filter{Offset: -1})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, _, err = s.Query(context.Background(), Filter{MinLevel: "NOISE"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestGetEntryNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM log_entries WHERE id`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetEntry(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO service_status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pid := 4242
	err := s.UpsertStatus(context.Background(), StatusRow{
		ServiceName: "codex",
		Status:      "running",
		PID:         &pid,
		Port:        5010,
		LastChecked: time.Now(),
		Health:      "healthy",
		CPUPercent:  1.5,
		MemoryMB:    120,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMetricsOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO service_metrics").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO service_metrics").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	now := time.Now()
	err := s.InsertMetrics(context.Background(), []MetricSample{
		{ServiceName: "codex", Timestamp: now, MetricName: "cpu_percent", Value: 2.5},
		{ServiceName: "codex", Timestamp: now, MetricName: "memory_mb", Value: 140},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.NoError(t, s.InsertMetrics(context.Background(), nil))
}

func TestDeleteOlderThan(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM log_entries WHERE timestamp").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM service_metrics WHERE timestamp").
		WillReturnResult(sqlmock.NewResult(0, 9))

	deleted, err := s.DeleteOlderThan(context.Background(), time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
