package state

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run or version does not exist.
var ErrNotFound = errors.New("not found")

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	deck_json    TEXT,
	status       TEXT NOT NULL,
	reason       TEXT,
	started_at   TEXT NOT NULL,
	finished_at  TEXT
);

CREATE TABLE IF NOT EXISTS model_versions (
	version_id    TEXT PRIMARY KEY,
	parent_id     TEXT,
	run_id        TEXT NOT NULL,
	stage         TEXT NOT NULL,
	iteration     INTEGER NOT NULL,
	mag_vector    BLOB NOT NULL,
	pha_vector    BLOB NOT NULL,
	created_at    TEXT NOT NULL,
	metrics_json  TEXT,
	FOREIGN KEY (parent_id) REFERENCES model_versions(version_id),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
CREATE INDEX IF NOT EXISTS idx_versions_run ON model_versions(run_id);

CREATE TABLE IF NOT EXISTS active_model (
	run_id        TEXT PRIMARY KEY,
	version_id    TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id),
	FOREIGN KEY (version_id) REFERENCES model_versions(version_id)
);

CREATE TABLE IF NOT EXISTS iteration_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	version_id    TEXT,
	stage         TEXT NOT NULL,
	kind          TEXT NOT NULL,
	iteration     INTEGER NOT NULL,
	fields        INTEGER NOT NULL,
	data_rms      REAL,
	step_size     REAL,
	lambda        REAL,
	roughness     REAL,
	cg_steps      INTEGER,
	mag_rms       REAL,
	pha_rms       REAL,
	nr_data       INTEGER,
	step_length   REAL,
	decision      TEXT NOT NULL,
	reason        TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
CREATE INDEX IF NOT EXISTS idx_iterations_run ON iteration_log(run_id);
`

// #endregion schema

// #region store-struct
// Store manages runs and versioned inversion models in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an already migrated database handle.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion close

// #region runs
// CreateRun registers a new run in the "running" state.
func (s *Store) CreateRun(deckJSON string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, deck_json, status, started_at) VALUES (?, ?, 'running', ?)`,
		id, nullIfEmpty(deckJSON), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// FinishRun records the terminal status of a run.
func (s *Store) FinishRun(runID, status, reason string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, reason = ?, finished_at = ? WHERE run_id = ?`,
		status, nullIfEmpty(reason), time.Now().UTC().Format(time.RFC3339Nano), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT run_id, deck_json, status, reason, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var deckJSON, reason, finished sql.NullString
		var started string
		if err := rows.Scan(&r.RunID, &deckJSON, &r.Status, &reason, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.DeckJSON = deckJSON.String
		r.Reason = reason.String
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished.Valid {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// #endregion runs

// #region create-initial
// CreateInitialModel stores the starting model of a run and makes it active.
func (s *Store) CreateInitialModel(runID string, stage Stage, mag, pha []float64) (ModelRecord, error) {
	rec := ModelRecord{
		VersionID: uuid.New().String(),
		RunID:     runID,
		Stage:     stage,
		Mag:       append([]float64(nil), mag...),
		Pha:       append([]float64(nil), pha...),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CommitModel(rec); err != nil {
		return ModelRecord{}, err
	}
	return rec, nil
}

// #endregion create-initial

// #region get-current
// GetCurrent reads the active model version of a run.
func (s *Store) GetCurrent(runID string) (ModelRecord, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_model WHERE run_id = ?`, runID).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return ModelRecord{}, fmt.Errorf("get active %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return ModelRecord{}, fmt.Errorf("get active: %w", err)
	}
	return s.GetVersion(versionID)
}

// #endregion get-current

// #region get-version
// GetVersion retrieves a specific model version by ID.
func (s *Store) GetVersion(id string) (ModelRecord, error) {
	row := s.db.QueryRow(
		`SELECT version_id, parent_id, run_id, stage, iteration, mag_vector, pha_vector, created_at, metrics_json
		 FROM model_versions WHERE version_id = ?`, id,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ModelRecord{}, fmt.Errorf("get version %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ModelRecord{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return rec, nil
}

// #endregion get-version

// #region commit-model
// CommitModel inserts a new version and updates the run's active pointer atomically.
func (s *Store) CommitModel(rec ModelRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("commit model %s: empty run id", rec.VersionID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO model_versions (version_id, parent_id, run_id, stage, iteration, mag_vector, pha_vector, created_at, metrics_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.VersionID, nullIfEmpty(rec.ParentID), rec.RunID, string(rec.Stage), rec.Iteration,
		encodeVector(rec.Mag), encodeVector(rec.Pha),
		rec.CreatedAt.Format(time.RFC3339Nano), nullIfEmpty(rec.MetricsJSON),
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO active_model (run_id, version_id) VALUES (?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET version_id = excluded.version_id`,
		rec.RunID, rec.VersionID,
	)
	if err != nil {
		return fmt.Errorf("update active: %w", err)
	}

	return tx.Commit()
}

// #endregion commit-model

// #region rollback
// Rollback sets the run's active pointer to a previous version of the same run.
func (s *Store) Rollback(runID, targetVersionID string) error {
	var owner string
	err := s.db.QueryRow(
		`SELECT run_id FROM model_versions WHERE version_id = ?`, targetVersionID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("version %s: %w", targetVersionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if owner != runID {
		return fmt.Errorf("version %s belongs to run %s, not %s", targetVersionID, owner, runID)
	}

	_, err = s.db.Exec(`UPDATE active_model SET version_id = ? WHERE run_id = ?`, targetVersionID, runID)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// #endregion rollback

// #region list-versions
// ListVersions returns the most recent model versions of a run, newest first.
func (s *Store) ListVersions(runID string, limit int) ([]ModelRecord, error) {
	rows, err := s.db.Query(
		`SELECT version_id, parent_id, run_id, stage, iteration, mag_vector, pha_vector, created_at, metrics_json
		 FROM model_versions WHERE run_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var records []ModelRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion list-versions

// #region helpers
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (ModelRecord, error) {
	var rec ModelRecord
	var parentID, metricsJSON sql.NullString
	var stage, createdStr string
	var magBlob, phaBlob []byte

	err := row.Scan(&rec.VersionID, &parentID, &rec.RunID, &stage, &rec.Iteration,
		&magBlob, &phaBlob, &createdStr, &metricsJSON)
	if err != nil {
		return ModelRecord{}, err
	}
	rec.ParentID = parentID.String
	rec.Stage = Stage(stage)
	if rec.Mag, err = decodeVector(magBlob); err != nil {
		return ModelRecord{}, fmt.Errorf("decode mag: %w", err)
	}
	if rec.Pha, err = decodeVector(phaBlob); err != nil {
		return ModelRecord{}, fmt.Errorf("decode pha: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	rec.MetricsJSON = metricsJSON.String
	return rec, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers

// #region vector-encoding
func encodeVector(v []float64) []byte {
	buf := make([]byte, 4+len(v)*8)
	binary.LittleEndian.PutUint32(buf, uint32(len(v)))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[4+i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float64, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("vector blob too short: %d bytes", len(b))
	}
	n := int(binary.LittleEndian.Uint32(b))
	if len(b) != 4+n*8 {
		return nil, fmt.Errorf("vector blob length %d does not hold %d values", len(b), n)
	}
	v := make([]float64, n)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[4+i*8:]))
	}
	return v, nil
}

// #endregion vector-encoding
