package bundle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/guardsmith/guardsmith/internal/codegen"
	"github.com/guardsmith/guardsmith/internal/judge"
)

// SQLiteStore persists the registry in a single SQLite database, for
// deployments where the orchestrator and several readers share one host.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle and applies migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	return NewSQLiteStore(db)
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS bundles (
        version INTEGER PRIMARY KEY,
        checksum TEXT NOT NULL,
        published_at TEXT NOT NULL,
        artifacts JSON NOT NULL
    );
    CREATE TABLE IF NOT EXISTS verdicts (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        artifact_checksum TEXT NOT NULL,
        accept INTEGER NOT NULL,
        confidence REAL NOT NULL,
        rationale TEXT,
        judge_model TEXT,
        created_at TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_verdicts_artifact ON verdicts(artifact_checksum, seq);
    CREATE TABLE IF NOT EXISTS current_bundle (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        version INTEGER NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) PutBundle(ctx context.Context, b *Bundle) error {
	artifactsJSON, err := json.Marshal(b.Artifacts)
	if err != nil {
		return err
	}
	query := `INSERT OR IGNORE INTO bundles (version, checksum, published_at, artifacts) VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		b.Version, b.Checksum, b.PublishedAt.UTC().Format(time.RFC3339Nano), string(artifactsJSON))
	if err != nil {
		return fmt.Errorf("failed to insert bundle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionExists
	}
	return nil
}

func (s *SQLiteStore) GetBundle(ctx context.Context, version int64) (*Bundle, error) {
	query := `SELECT version, checksum, published_at, artifacts FROM bundles WHERE version = ?`
	row := s.db.QueryRowContext(ctx, query, version)

	var (
		v             int64
		checksum      string
		publishedAt   string
		artifactsJSON string
	)
	if err := row.Scan(&v, &checksum, &publishedAt, &artifactsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var artifacts []codegen.Artifact
	if err := json.Unmarshal([]byte(artifactsJSON), &artifacts); err != nil {
		return nil, fmt.Errorf("bundle v%d unreadable: %w", version, err)
	}
	return &Bundle{
		Version:     v,
		Artifacts:   artifacts,
		Checksum:    checksum,
		PublishedAt: parseTime(publishedAt),
	}, nil
}

func (s *SQLiteStore) SetCurrent(ctx context.Context, version int64) error {
	var exists int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM bundles WHERE version = ?`, version).Scan(&exists)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	query := `INSERT INTO current_bundle (id, version) VALUES (1, ?)
        ON CONFLICT(id) DO UPDATE SET version = excluded.version`
	_, err = s.db.ExecContext(ctx, query, version)
	return err
}

func (s *SQLiteStore) CurrentVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM current_bundle WHERE id = 1`).Scan(&v)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}

func (s *SQLiteStore) Versions(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM bundles ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return versions, nil
}

func (s *SQLiteStore) AppendVerdict(ctx context.Context, v *judge.Verdict) (int64, error) {
	query := `INSERT INTO verdicts (artifact_checksum, accept, confidence, rationale, judge_model, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		v.ArtifactChecksum, boolToInt(v.Accept), v.Confidence, v.Rationale, v.JudgeModel,
		v.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to insert verdict: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) LatestVerdict(ctx context.Context, artifactChecksum string) (*judge.Verdict, error) {
	query := `SELECT artifact_checksum, accept, confidence, rationale, judge_model, created_at
        FROM verdicts WHERE artifact_checksum = ? ORDER BY seq DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, artifactChecksum)
	v, err := scanVerdict(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (s *SQLiteStore) ListVerdicts(ctx context.Context, artifactChecksum string) ([]VerdictRecord, error) {
	query := `SELECT seq, artifact_checksum, accept, confidence, rationale, judge_model, created_at
        FROM verdicts WHERE artifact_checksum = ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, artifactChecksum)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []VerdictRecord
	for rows.Next() {
		var seq int64
		v, err := scanVerdict(func(dest ...any) error {
			return rows.Scan(append([]any{&seq}, dest...)...)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, VerdictRecord{Seq: seq, Verdict: *v})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanVerdict(scan func(dest ...any) error) (*judge.Verdict, error) {
	var (
		checksum   string
		accept     int64
		confidence float64
		rationale  sql.NullString
		judgeModel sql.NullString
		createdAt  string
	)
	if err := scan(&checksum, &accept, &confidence, &rationale, &judgeModel, &createdAt); err != nil {
		return nil, err
	}
	return &judge.Verdict{
		ArtifactChecksum: checksum,
		Accept:           accept != 0,
		Confidence:       confidence,
		Rationale:        rationale.String,
		JudgeModel:       judgeModel.String,
		CreatedAt:        parseTime(createdAt),
	}, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
