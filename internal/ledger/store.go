package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned for an unknown recording id.
	ErrNotFound = errors.New("ledger: recording not found")
	// ErrAlreadyUploaded is returned when marking a delivered recording again.
	ErrAlreadyUploaded = errors.New("ledger: recording already uploaded")
)

const schema = `
	CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		lang TEXT NOT NULL,
		prompt TEXT,
		qc_metrics TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		uploaded_at INTEGER,
		wav_path TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS upload_queue (
		recording_id TEXT PRIMARY KEY,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt INTEGER,
		FOREIGN KEY (recording_id) REFERENCES recordings(id)
	);

	CREATE INDEX IF NOT EXISTS idx_recordings_created_at ON recordings(created_at);
`

// Store is the sqlite-backed recording ledger
type Store struct {
	db *sql.DB

	// hook runs between the statements of two-step operations. A non-nil
	// error aborts and rolls back the operation.
	hook func(step string) error
}

// Open opens (creating if needed) the ledger database at path
func Open(path string) (*Store, error) {
	dsn, err := fileDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps transactions and pragmas on the same handle.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// fileDSN builds a sqlite URI for path. The path is escaped so characters
// such as '?' and '#' stay part of the file name.
func fileDSN(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve database path: %w", err)
	}
	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(abs),
		RawQuery: "_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
	}
	return u.String(), nil
}

// Migrate creates the ledger tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) step(name string) error {
	if s.hook == nil {
		return nil
	}
	return s.hook(name)
}

// Commit stores a new recording together with its queue entry
func (s *Store) Commit(ctx context.Context, rec Recording) error {
	if rec.ID == "" {
		return errors.New("recording id is required")
	}

	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	var prompt sql.NullString
	if rec.Prompt != "" {
		prompt = sql.NullString{String: rec.Prompt, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recordings (id, lang, prompt, qc_metrics, created_at, wav_path)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Lang, prompt, string(metrics), rec.CreatedAt.Unix(), rec.WAVPath); err != nil {
		return fmt.Errorf("insert recording %s: %w", rec.ID, err)
	}

	if err := s.step("commit:recording"); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO upload_queue (recording_id, attempts, last_attempt)
		VALUES (?, 0, NULL)
	`, rec.ID); err != nil {
		return fmt.Errorf("enqueue recording %s: %w", rec.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recording %s: %w", rec.ID, err)
	}
	return nil
}

// MarkUploaded sets uploaded_at and removes the queue entry in one transaction
func (s *Store) MarkUploaded(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark uploaded: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE recordings SET uploaded_at = ? WHERE id = ? AND uploaded_at IS NULL
	`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("mark recording %s uploaded: %w", id, err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark recording %s uploaded: %w", id, err)
	}
	if updated == 0 {
		var uploadedAt sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT uploaded_at FROM recordings WHERE id = ?`, id).Scan(&uploadedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("lookup recording %s: %w", id, err)
		}
		return fmt.Errorf("%w: %s", ErrAlreadyUploaded, id)
	}

	if err := s.step("mark_uploaded:update"); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_queue WHERE recording_id = ?`, id); err != nil {
		return fmt.Errorf("dequeue recording %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upload of %s: %w", id, err)
	}
	return nil
}

// RecordAttempt persists the attempt count and time of a failed upload
func (s *Store) RecordAttempt(ctx context.Context, id string, attempts int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE upload_queue SET attempts = ?, last_attempt = ? WHERE recording_id = ?
	`, attempts, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("record attempt for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record attempt for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: no queue entry for %s", ErrNotFound, id)
	}
	return nil
}

// ListPending returns queued recordings that are not uploaded, oldest first.
// A stray queue entry of an uploaded recording is ignored.
func (s *Store) ListPending(ctx context.Context) ([]Pending, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.lang, r.prompt, r.qc_metrics, r.created_at, r.uploaded_at, r.wav_path,
			q.attempts, q.last_attempt
		FROM upload_queue q
		JOIN recordings r ON r.id = q.recording_id
		WHERE r.uploaded_at IS NULL
		ORDER BY r.created_at ASC, r.rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var pending []Pending
	for rows.Next() {
		var p Pending
		var lastAttempt sql.NullInt64
		if err := scanRecording(rows, &p.Recording, &p.Entry.Attempts, &lastAttempt); err != nil {
			return nil, err
		}
		p.Entry.RecordingID = p.Recording.ID
		p.Entry.LastAttempt = timePtr(lastAttempt)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// Get returns a recording by id
func (s *Store) Get(ctx context.Context, id string) (*Recording, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, lang, prompt, qc_metrics, created_at, uploaded_at, wav_path
		FROM recordings
		WHERE id = ?
	`, id)

	var rec Recording
	if err := scanRecording(row, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &rec, nil
}

// QueueEntry returns the queue entry of a recording
func (s *Store) QueueEntry(ctx context.Context, id string) (*QueueEntry, error) {
	var entry QueueEntry
	var lastAttempt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT recording_id, attempts, last_attempt FROM upload_queue WHERE recording_id = ?
	`, id).Scan(&entry.RecordingID, &entry.Attempts, &lastAttempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no queue entry for %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue entry: %w", err)
	}
	entry.LastAttempt = timePtr(lastAttempt)
	return &entry, nil
}

// Stats counts recordings by delivery state
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN r.uploaded_at IS NOT NULL THEN 1 END),
			COUNT(CASE WHEN r.uploaded_at IS NULL THEN 1 END),
			COUNT(CASE WHEN r.uploaded_at IS NULL AND q.attempts > 0 THEN 1 END)
		FROM recordings r
		LEFT JOIN upload_queue q ON q.recording_id = r.id
	`).Scan(&st.Total, &st.Uploaded, &st.Pending, &st.Failed)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner, rec *Recording, extra ...any) error {
	var (
		prompt     sql.NullString
		metrics    string
		createdAt  int64
		uploadedAt sql.NullInt64
	)

	dest := append([]any{&rec.ID, &rec.Lang, &prompt, &metrics, &createdAt, &uploadedAt, &rec.WAVPath}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("scan recording: %w", err)
	}

	if err := json.Unmarshal([]byte(metrics), &rec.Metrics); err != nil {
		return fmt.Errorf("decode metrics of %s: %w", rec.ID, err)
	}
	rec.Prompt = prompt.String
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UploadedAt = timePtr(uploadedAt)
	return nil
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
