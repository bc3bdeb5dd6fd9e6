package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/headline-goat/creative-goat/internal/engagement"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS tests (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    scheduled_at INTEGER NOT NULL,
    checked INTEGER NOT NULL DEFAULT 0,
    completed_at INTEGER,
    winner_variant_ids TEXT NOT NULL DEFAULT '[]',
    published_refs TEXT NOT NULL DEFAULT '[]',
    special_occasion INTEGER NOT NULL DEFAULT 0,
    occasion_type TEXT NOT NULL DEFAULT '',
    notify_email TEXT NOT NULL DEFAULT '',
    lease_owner TEXT,
    lease_expires_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tests_due ON tests(status, checked, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_tests_project ON tests(project_id);

CREATE TABLE IF NOT EXISTS variants (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL,
    published_ref TEXT NOT NULL DEFAULT '',
    content_refs TEXT NOT NULL DEFAULT '[]',
    metrics TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (test_id) REFERENCES tests(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_variants_test ON variants(test_id);
`

const testColumns = `id, project_id, kind, status, scheduled_at, checked, completed_at,
	winner_variant_ids, published_refs, special_occasion, occasion_type, notify_email,
	created_at, updated_at`

const variantColumns = `id, test_id, published_ref, content_refs, metrics, created_at, updated_at`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes writers; leases rely on single-row CAS.
	db.SetMaxOpenConns(1)

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return New(db), nil
}

// New wraps an already opened database whose schema is in place.
func New(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateTest(ctx context.Context, t *Test) error {
	if err := prepareTest(t, s.now()); err != nil {
		return err
	}

	winnersJSON, err := json.Marshal(t.WinnerVariantIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal winners: %w", err)
	}
	refsJSON, err := json.Marshal(t.PublishedRefs)
	if err != nil {
		return fmt.Errorf("failed to marshal published refs: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tests (id, project_id, kind, status, scheduled_at, checked, winner_variant_ids,
		 published_refs, special_occasion, occasion_type, notify_email, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, string(t.Kind), string(t.Status), toMillis(t.ScheduledAt),
		string(winnersJSON), string(refsJSON), t.SpecialOccasion, t.OccasionType, t.NotifyEmail,
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt),
	)
	if err != nil {
		return unavailable("insert test", err)
	}
	return nil
}

func (s *SQLiteStore) GetTest(ctx context.Context, id string) (*Test, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE id = ?`, id)
	t, err := scanTest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get test", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTests(ctx context.Context, f ListFilter) ([]*Test, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}

	query := `SELECT ` + testColumns + ` FROM tests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list tests", err)
	}
	defer rows.Close()

	tests := []*Test{}
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, unavailable("scan test", err)
		}
		tests = append(tests, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list tests", err)
	}
	return tests, nil
}

func (s *SQLiteStore) DeleteTest(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	// First delete related variants
	if _, err := tx.ExecContext(ctx, `DELETE FROM variants WHERE test_id = ?`, id); err != nil {
		return unavailable("delete variants", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE id = ?`, id)
	if err != nil {
		return unavailable("delete test", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return unavailable("get rows affected", err)
	} else if n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit delete", err)
	}
	return nil
}

func (s *SQLiteStore) SelectDueTests(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tests
		 WHERE status = 'running' AND checked = 0 AND scheduled_at <= ?
		 ORDER BY scheduled_at, rowid`,
		toMillis(cutoff),
	)
	if err != nil {
		return nil, unavailable("select due tests", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan due test", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("select due tests", err)
	}
	return ids, nil
}

func (s *SQLiteStore) AddVariant(ctx context.Context, v *Variant) error {
	if err := prepareVariant(v, s.now()); err != nil {
		return err
	}

	contentJSON, err := json.Marshal(v.ContentRefs)
	if err != nil {
		return fmt.Errorf("failed to marshal content refs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	var (
		status       Status
		refsJSON     string
		leaseOwner   sql.NullString
		leaseExpires sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, published_refs, lease_owner, lease_expires_at FROM tests WHERE id = ?`, v.TestID,
	).Scan(&status, &refsJSON, &leaseOwner, &leaseExpires)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable("load test", err)
	}
	if status != StatusRunning {
		return ErrAlreadyCompleted
	}
	// A test under evaluation must not gain variants the evaluator never saw.
	if leaseOwner.Valid && leaseExpires.Valid && leaseExpires.Int64 > toMillis(s.now()) {
		return ErrLeaseConflict
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO variants (`+variantColumns+`) VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		v.ID, v.TestID, v.PublishedRef, string(contentJSON), toMillis(v.CreatedAt), toMillis(v.UpdatedAt),
	)
	if err != nil {
		return unavailable("insert variant", err)
	}

	if v.Published() {
		var refs []string
		if err := json.Unmarshal([]byte(refsJSON), &refs); err != nil {
			return fmt.Errorf("failed to unmarshal published refs: %w", err)
		}
		updated, err := json.Marshal(append(refs, v.PublishedRef))
		if err != nil {
			return fmt.Errorf("failed to marshal published refs: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tests SET published_refs = ?, updated_at = ? WHERE id = ?`,
			string(updated), toMillis(v.UpdatedAt), v.TestID,
		); err != nil {
			return unavailable("append published ref", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit variant", err)
	}
	return nil
}

func (s *SQLiteStore) ListVariants(ctx context.Context, testID string) ([]*Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE test_id = ? ORDER BY created_at, rowid`, testID,
	)
	if err != nil {
		return nil, unavailable("list variants", err)
	}
	defer rows.Close()

	variants := []*Variant{}
	for rows.Next() {
		var (
			v                    Variant
			contentJSON          string
			metricsJSON          sql.NullString
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&v.ID, &v.TestID, &v.PublishedRef, &contentJSON, &metricsJSON, &createdAt, &updatedAt); err != nil {
			return nil, unavailable("scan variant", err)
		}
		if err := json.Unmarshal([]byte(contentJSON), &v.ContentRefs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal content refs: %w", err)
		}
		if metricsJSON.Valid && metricsJSON.String != "" {
			var m engagement.Metrics
			if err := json.Unmarshal([]byte(metricsJSON.String), &m); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
			}
			v.Metrics = &m
		}
		v.CreatedAt = fromMillis(createdAt)
		v.UpdatedAt = fromMillis(updatedAt)
		variants = append(variants, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list variants", err)
	}
	return variants, nil
}

// AcquireLease claims the test for owner until now+ttl. An expired lease is
// taken over.
func (s *SQLiteStore) AcquireLease(ctx context.Context, testID, owner string, now time.Time, ttl time.Duration) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tests SET lease_owner = ?, lease_expires_at = ?
		 WHERE id = ? AND (lease_owner IS NULL OR lease_expires_at <= ?)`,
		owner, toMillis(now.Add(ttl)), testID, toMillis(now),
	)
	if err != nil {
		return unavailable("acquire lease", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return unavailable("get rows affected", err)
	}
	if n == 1 {
		return nil
	}

	found, err := s.exists(ctx, s.db, testID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return ErrLeaseConflict
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, testID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tests SET lease_owner = NULL, lease_expires_at = NULL WHERE id = ? AND lease_owner = ?`,
		testID, owner,
	)
	if err != nil {
		return unavailable("release lease", err)
	}
	return nil
}

func (s *SQLiteStore) SaveEvaluation(ctx context.Context, e Evaluation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	now := toMillis(s.now())

	for variantID, m := range e.Metrics {
		metricsJSON, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics: %w", err)
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE variants SET metrics = ?, updated_at = ? WHERE id = ? AND test_id = ?`,
			string(metricsJSON), now, variantID, e.TestID,
		)
		if err != nil {
			return unavailable("update variant metrics", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return unavailable("get rows affected", err)
		} else if n == 0 {
			return fmt.Errorf("variant %s of test %s: %w", variantID, e.TestID, ErrNotFound)
		}
	}

	if e.Complete {
		winners := e.WinnerVariantIDs
		if winners == nil {
			winners = []string{}
		}
		winnersJSON, err := json.Marshal(winners)
		if err != nil {
			return fmt.Errorf("failed to marshal winners: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE tests SET status = 'completed', checked = 1, completed_at = ?,
			 winner_variant_ids = ?, updated_at = ?
			 WHERE id = ? AND status = 'running' AND checked = 0`,
			toMillis(e.CompletedAt), string(winnersJSON), now, e.TestID,
		)
		if err != nil {
			return unavailable("complete test", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return unavailable("get rows affected", err)
		}
		if n == 0 {
			found, err := s.exists(ctx, tx, e.TestID)
			if err != nil {
				return err
			}
			if !found {
				return ErrNotFound
			}
			return ErrAlreadyCompleted
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit evaluation", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) exists(ctx context.Context, q queryer, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM tests WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("check test", err)
	}
	return true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTest(sc scanner) (*Test, error) {
	var (
		t                                 Test
		scheduledAt, createdAt, updatedAt int64
		completedAt                       sql.NullInt64
		winnersJSON, refsJSON             string
	)

	err := sc.Scan(&t.ID, &t.ProjectID, &t.Kind, &t.Status, &scheduledAt, &t.Checked, &completedAt,
		&winnersJSON, &refsJSON, &t.SpecialOccasion, &t.OccasionType, &t.NotifyEmail, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(winnersJSON), &t.WinnerVariantIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal winners: %w", err)
	}
	if err := json.Unmarshal([]byte(refsJSON), &t.PublishedRefs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal published refs: %w", err)
	}

	if completedAt.Valid {
		c := fromMillis(completedAt.Int64)
		t.CompletedAt = &c
	}
	t.ScheduledAt = fromMillis(scheduledAt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)

	return &t, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, ErrUnavailable, err)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
