// Package memostore is the shared durable record of captured utterances.
// The recorder daemon is the only writer; every other process opens the
// same file read-only and reconciles against the seq column.
package memostore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hearsaylabs/hearsay/internal/config"
)

// ErrNotFound is returned when a lookup matches no utterance.
var ErrNotFound = errors.New("utterance not found")

// Capture sources. The write path is identical for all of them, which is
// what lets reconciliation treat companion uploads like local dictation.
const (
	SourceLocal     = "local"
	SourceCompanion = "companion"
	SourceDropin    = "dropin"
)

// Utterance is one appended capture record. Rows are never updated: a
// retranscription appends a new row whose Supersedes names the old one.
type Utterance struct {
	Seq           int64     `json:"seq"`
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	AudioPath     string    `json:"audio_path"`
	Transcript    *string   `json:"transcript,omitempty"`
	ModelID       string    `json:"model_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Source        string    `json:"source"`
	DurationMS    int64     `json:"duration_ms"`
	Supersedes    string    `json:"supersedes,omitempty"`
}

// Transcribed reports whether inference produced text for this row.
func (u Utterance) Transcribed() bool {
	return u.Transcript != nil
}

// Store wraps the SQLite file. Writer handles serialize all statements over
// one connection so concurrent appenders inside the daemon never trip over
// SQLITE_BUSY.
type Store struct {
	db       *sql.DB
	cfg      config.StoreConfig
	log      *slog.Logger
	readOnly bool
	clock    func() time.Time
}

// Open opens the store read-write, creating the file and schema as needed.
// Only the recorder daemon calls this.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)", cfg.Path, cfg.BusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("retention prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

// OpenReader opens the store read-only. It fails until the writer has
// created the file; callers retry at their own cadence.
func OpenReader(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("store not ready: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(%d)", cfg.Path, cfg.BusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &Store{db: db, cfg: cfg, log: log, readOnly: true, clock: time.Now}, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS utterances (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    created_at TIMESTAMP NOT NULL,
    audio_path TEXT NOT NULL,
    transcript TEXT,
    model_id TEXT,
    correlation_id TEXT,
    source TEXT NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    supersedes TEXT
);
CREATE INDEX IF NOT EXISTS idx_utterances_created ON utterances(created_at);
CREATE INDEX IF NOT EXISTS idx_utterances_supersedes ON utterances(supersedes) WHERE supersedes IS NOT NULL;
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append inserts one utterance row and returns its assigned seq. The seq
// column autoincrements, so appends are monotonic for readers by
// construction.
func (s *Store) Append(ctx context.Context, u Utterance) (int64, error) {
	if s.readOnly {
		return 0, errors.New("store opened read-only")
	}
	if u.ID == "" {
		return 0, errors.New("utterance id must not be empty")
	}
	if u.AudioPath == "" {
		return 0, errors.New("utterance audio path must not be empty")
	}
	if u.Source == "" {
		u.Source = SourceLocal
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.clock().UTC()
	}

	var supersedes any
	if u.Supersedes != "" {
		supersedes = u.Supersedes
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(id, created_at, audio_path, transcript, model_id, correlation_id, source, duration_ms, supersedes)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.CreatedAt.UTC().Format(time.RFC3339Nano), u.AudioPath, u.Transcript, u.ModelID, u.CorrelationID, u.Source, u.DurationMS, supersedes)
	if err != nil {
		return 0, fmt.Errorf("append utterance: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read assigned seq: %w", err)
	}
	return seq, nil
}

const utteranceColumns = `seq, id, created_at, audio_path, transcript, model_id, correlation_id, source, duration_ms, supersedes`

func scanUtterance(row interface{ Scan(...any) error }) (Utterance, error) {
	var u Utterance
	var created string
	var transcript, modelID, correlationID, supersedes sql.NullString
	if err := row.Scan(&u.Seq, &u.ID, &created, &u.AudioPath, &transcript, &modelID, &correlationID, &u.Source, &u.DurationMS, &supersedes); err != nil {
		return Utterance{}, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		u.CreatedAt = ts
	}
	if transcript.Valid {
		v := transcript.String
		u.Transcript = &v
	}
	u.ModelID = modelID.String
	u.CorrelationID = correlationID.String
	u.Supersedes = supersedes.String
	return u, nil
}

// Since returns up to limit utterances with seq greater than afterSeq,
// oldest first. This is the reconciliation poller's primary query.
func (s *Store) Since(ctx context.Context, afterSeq int64, limit int) ([]Utterance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+utteranceColumns+` FROM utterances WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Utterance
	for rows.Next() {
		u, err := scanUtterance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Latest returns the highest-seq utterance or ErrNotFound on an empty
// store.
func (s *Store) Latest(ctx context.Context) (Utterance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+utteranceColumns+` FROM utterances ORDER BY seq DESC LIMIT 1`)
	u, err := scanUtterance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Utterance{}, ErrNotFound
	}
	return u, err
}

// GetByID fetches one utterance by its stable identifier.
func (s *Store) GetByID(ctx context.Context, id string) (Utterance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+utteranceColumns+` FROM utterances WHERE id = ?`, id)
	u, err := scanUtterance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Utterance{}, ErrNotFound
	}
	return u, err
}

// ListRecent returns the newest utterances, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Utterance, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+utteranceColumns+` FROM utterances ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Utterance
	for rows.Next() {
		u, err := scanUtterance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// MaxSeq returns the highest assigned seq, zero on an empty store.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM utterances`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// keepOrder ranks rows by how much we want to keep them: live rows before
// superseded ones, then newest first. Everything past the first MaxRows in
// this ordering is evicted.
const keepOrder = `SELECT seq FROM utterances u
	ORDER BY EXISTS(SELECT 1 FROM utterances n WHERE n.supersedes = u.id) ASC, u.seq DESC
	LIMIT -1 OFFSET ?`

// Prune applies retention: rows older than RetainDays are dropped, then the
// log is capped at MaxRows with superseded rows evicted first. Audio files
// are removed only once no surviving row references them, since a
// retranscription shares its predecessor's file. Open runs this once per
// daemon start; callers may re-run it on their own schedule.
func (s *Store) Prune(ctx context.Context) error {
	if s.readOnly {
		return errors.New("store opened read-only")
	}
	if s.cfg.RetainDays <= 0 && s.cfg.MaxRows <= 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	paths := make(map[string]struct{})
	pruned := 0

	if s.cfg.RetainDays > 0 {
		cutoff := s.clock().UTC().AddDate(0, 0, -s.cfg.RetainDays).Format(time.RFC3339Nano)
		if err := collectPaths(ctx, tx, paths,
			`SELECT audio_path FROM utterances WHERE created_at < ?`, cutoff); err != nil {
			return fmt.Errorf("prune by age: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM utterances WHERE created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("prune by age: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			pruned += int(n)
		}
	}

	if s.cfg.MaxRows > 0 {
		if err := collectPaths(ctx, tx, paths,
			`SELECT audio_path FROM utterances WHERE seq IN (`+keepOrder+`)`, s.cfg.MaxRows); err != nil {
			return fmt.Errorf("prune by count: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM utterances WHERE seq IN (`+keepOrder+`)`, s.cfg.MaxRows)
		if err != nil {
			return fmt.Errorf("prune by count: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			pruned += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if pruned == 0 {
		return nil
	}

	removed := 0
	for path := range paths {
		var live bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM utterances WHERE audio_path = ?)`, path).Scan(&live); err != nil || live {
			continue
		}
		switch err := os.Remove(path); {
		case err == nil:
			removed++
		case !errors.Is(err, os.ErrNotExist):
			s.log.Warn("prune could not remove audio file",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}

	s.log.Info("retention prune complete",
		slog.Int("rows", pruned),
		slog.Int("audio_files", removed))
	return nil
}

func collectPaths(ctx context.Context, tx *sql.Tx, into map[string]struct{}, query string, args ...any) error {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return err
		}
		into[p] = struct{}{}
	}
	return rows.Err()
}
