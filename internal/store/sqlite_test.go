package store_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/creative-goat/internal/engagement"
	"github.com/headline-goat/creative-goat/internal/store"
)

func newMockStore(t *testing.T) (*store.SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.New(db), mock
}

func TestOpenCreatesSchema(t *testing.T) {
	path := t.TempDir() + "/fresh.db"
	s, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening an existing database is fine.
	s, err = store.Open(path)
	require.NoError(t, err)
	defer s.Close()

	tests, err := s.ListTests(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, tests)
}

func TestSaveEvaluationRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE variants SET metrics`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "v1", "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tests SET status = 'completed'`)).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.SaveEvaluation(context.Background(), store.Evaluation{
		TestID:           "t1",
		Metrics:          map[string]engagement.Metrics{"v1": {Counts: engagement.Counts{Likes: 1}}},
		Complete:         true,
		WinnerVariantIDs: []string{"v1"},
		CompletedAt:      time.Now(),
	})
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEvaluationAlreadyCompletedRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tests SET status = 'completed'`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM tests WHERE id = ?`)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectRollback()

	err := s.SaveEvaluation(context.Background(), store.Evaluation{
		TestID: "t1", Complete: true, WinnerVariantIDs: []string{}, CompletedAt: time.Now(),
	})
	assert.ErrorIs(t, err, store.ErrAlreadyCompleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLeaseConflictDistinguishesMissingTest(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tests SET lease_owner = ?`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM tests WHERE id = ?`)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	assert.ErrorIs(t, s.AcquireLease(context.Background(), "t1", "owner", now, time.Minute), store.ErrLeaseConflict)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tests SET lease_owner = ?`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM tests WHERE id = ?`)).
		WithArgs("t2").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	assert.ErrorIs(t, s.AcquireLease(context.Background(), "t2", "owner", now, time.Minute), store.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryFailureIsUnavailable(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM tests`)).
		WillReturnError(errors.New("database is locked"))

	_, err := s.SelectDueTests(context.Background(), time.Now())
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}
