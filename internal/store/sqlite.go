package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/specrun/internal/model"

	_ "modernc.org/sqlite"
)

const createSpecificationsTable = `
CREATE TABLE IF NOT EXISTS specifications (
    id         TEXT PRIMARY KEY,
    name       TEXT,
    lifecycle  TEXT NOT NULL,
    suite      TEXT,
    revision   TEXT NOT NULL,
    body       TEXT NOT NULL,
    updated_at DATETIME NOT NULL
)`

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS spec_records (
    id            TEXT PRIMARY KEY,
    batch_id      TEXT,
    system_name   TEXT NOT NULL,
    spec_id       TEXT NOT NULL,
    status        TEXT NOT NULL,
    outcome       TEXT NOT NULL,
    rights        INTEGER NOT NULL,
    wrongs        INTEGER NOT NULL,
    exceptions    INTEGER NOT NULL,
    syntax_errors INTEGER NOT NULL,
    attempts      INTEGER NOT NULL,
    duration_ms   INTEGER NOT NULL,
    error         TEXT,
    body          TEXT NOT NULL,
    created_at    DATETIME NOT NULL
)`

const createRecordsIndex = `CREATE INDEX IF NOT EXISTS spec_records_spec_id ON spec_records (spec_id, created_at)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createSpecificationsTable, createRecordsTable, createRecordsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSpecification stores spec under id and returns its new revision.
// revision must equal the stored revision when the specification exists;
// it is ignored for a new specification.
func (s *SQLiteStore) SaveSpecification(ctx context.Context, id, revision string, spec *model.Specification) (string, error) {
	if spec == nil {
		return "", errors.New("save specification: nil body")
	}
	if spec.ID != "" && spec.ID != id {
		return "", fmt.Errorf("save specification: body id %q does not match %q", spec.ID, id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT revision FROM specifications WHERE id = ?", id).Scan(&current)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read revision: %w", err)
	}
	if exists && current != revision {
		return "", fmt.Errorf("%w: %s is at revision %s, not %s", ErrRevisionConflict, id, current, revision)
	}

	saved := *spec
	saved.ID = id
	saved.Revision = model.NewID()
	if saved.Lifecycle == model.LifecycleAny {
		saved.Lifecycle = model.LifecycleAcceptance
	}
	body, err := json.Marshal(&saved)
	if err != nil {
		return "", fmt.Errorf("encode specification: %w", err)
	}

	now := time.Now().UTC()
	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE specifications SET name = ?, lifecycle = ?, suite = ?, revision = ?, body = ?, updated_at = ?
			WHERE id = ?`,
			saved.Name, saved.Lifecycle, saved.Suite, saved.Revision, string(body), now, id,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO specifications (id, name, lifecycle, suite, revision, body, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, saved.Name, saved.Lifecycle, saved.Suite, saved.Revision, string(body), now,
		)
	}
	if err != nil {
		return "", fmt.Errorf("write specification: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return saved.Revision, nil
}

// LoadSpecification retrieves a specification by id.
func (s *SQLiteStore) LoadSpecification(ctx context.Context, id string) (*model.Specification, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM specifications WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get specification: %w", err)
	}

	var spec model.Specification
	if err := json.Unmarshal([]byte(body), &spec); err != nil {
		return nil, fmt.Errorf("decode specification %s: %w", id, err)
	}
	return &spec, nil
}

// ListSpecifications returns the headers of every stored specification
// ordered by id.
func (s *SQLiteStore) ListSpecifications(ctx context.Context) ([]model.SpecSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, lifecycle, suite, revision FROM specifications ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list specifications: %w", err)
	}
	defer rows.Close()

	var out []model.SpecSummary
	for rows.Next() {
		var sum model.SpecSummary
		var name, suite sql.NullString
		if err := rows.Scan(&sum.ID, &name, &sum.Lifecycle, &suite, &sum.Revision); err != nil {
			return nil, fmt.Errorf("scan specification: %w", err)
		}
		sum.Name, sum.Suite = name.String, suite.String
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate specifications: %w", err)
	}
	return out, nil
}

// InsertRecord archives rec.
func (s *SQLiteStore) InsertRecord(ctx context.Context, batchID, systemName string, rec model.SpecRecord) (*StoredRecord, error) {
	stored := &StoredRecord{
		ID:         model.NewID(),
		BatchID:    batchID,
		SystemName: systemName,
		CreatedAt:  time.Now().UTC(),
		SpecRecord: rec,
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spec_records (
			id, batch_id, system_name, spec_id, status, outcome,
			rights, wrongs, exceptions, syntax_errors, attempts, duration_ms,
			error, body, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, batchID, systemName, rec.Specification.ID, rec.Status, rec.Outcome,
		rec.Counts.Rights, rec.Counts.Wrongs, rec.Counts.Exceptions, rec.Counts.SyntaxErrors,
		rec.Attempts, rec.DurationMS, rec.Error, string(body), stored.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return stored, nil
}

// ListRecords returns archived records newest first, optionally restricted to
// one specification, along with the total number of matching records.
func (s *SQLiteStore) ListRecords(ctx context.Context, specID string, limit, offset int) ([]*StoredRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where, args := "", []any{}
	if specID != "" {
		where, args = " WHERE spec_id = ?", []any{specID}
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM spec_records"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, batch_id, system_name, body, created_at FROM spec_records`+where+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []*StoredRecord
	for rows.Next() {
		r := &StoredRecord{}
		var batchID sql.NullString
		var body string
		if err := rows.Scan(&r.ID, &batchID, &r.SystemName, &body, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan record: %w", err)
		}
		r.BatchID = batchID.String
		if err := json.Unmarshal([]byte(body), &r.SpecRecord); err != nil {
			return nil, 0, fmt.Errorf("decode record %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate records: %w", err)
	}

	return records, total, nil
}

// GetRecordStats returns aggregate statistics over every archived record.
func (s *SQLiteStore) GetRecordStats(ctx context.Context) (*RecordStats, error) {
	stats := &RecordStats{
		CountByStatus:  make(map[string]int),
		CountByOutcome: make(map[string]int),
	}

	var avg sql.NullFloat64
	var rights, wrongs, exceptions, syntaxErrors sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(duration_ms), SUM(rights), SUM(wrongs), SUM(exceptions), SUM(syntax_errors)
		FROM spec_records`,
	).Scan(&stats.Total, &avg, &rights, &wrongs, &exceptions, &syntaxErrors)
	if err != nil {
		return nil, fmt.Errorf("aggregate records: %w", err)
	}
	stats.AvgDurationMS = avg.Float64
	stats.Counts = model.Counts{
		Rights:       int(rights.Int64),
		Wrongs:       int(wrongs.Int64),
		Exceptions:   int(exceptions.Int64),
		SyntaxErrors: int(syntaxErrors.Int64),
	}

	for column, into := range map[string]map[string]int{
		"status":  stats.CountByStatus,
		"outcome": stats.CountByOutcome,
	} {
		if err := s.countBy(ctx, column, into); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM spec_records GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}
