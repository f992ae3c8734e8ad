package ledger

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/deepubuntu/cowcow/internal/quality"
)

var errCrash = errors.New("simulated crash")

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cowcow.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

// observe opens an independent connection to see what is durably committed.
func observe(t *testing.T, path string) *sql.DB {
	t.Helper()
	dsn, err := fileDSN(path)
	if err != nil {
		t.Fatalf("observer dsn: %v", err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open observer: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func testRecording(id string, created time.Time) Recording {
	return Recording{
		ID:        id,
		Lang:      "sw",
		Prompt:    "Habari ya asubuhi",
		Metrics:   quality.Metrics{SNRDB: 32.5, ClippingPct: 0.1, VADRatio: 91},
		CreatedAt: created,
		WAVPath:   "/data/recordings/sw/" + id + ".wav",
	}
}

func TestCommitCreatesQueueEntry(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	created := time.Unix(1700000000, 0)

	if err := store.Commit(ctx, testRecording("rec-1", created)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rec, err := store.Get(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Uploaded() {
		t.Error("expected uploaded_at to be absent")
	}
	if rec.Prompt != "Habari ya asubuhi" {
		t.Errorf("expected prompt to round trip, got %q", rec.Prompt)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Errorf("expected created_at %v, got %v", created, rec.CreatedAt)
	}
	if rec.Metrics.SNRDB != 32.5 || rec.Metrics.VADRatio != 91 {
		t.Errorf("unexpected metrics: %+v", rec.Metrics)
	}

	entry, err := store.QueueEntry(ctx, "rec-1")
	if err != nil {
		t.Fatalf("queue entry: %v", err)
	}
	if entry.Attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", entry.Attempts)
	}
	if entry.LastAttempt != nil {
		t.Errorf("expected no last attempt, got %v", entry.LastAttempt)
	}
}

func TestCommitWithoutPrompt(t *testing.T) {
	store, path := openTestStore(t)
	rec := testRecording("rec-1", time.Unix(1700000000, 0))
	rec.Prompt = ""

	if err := store.Commit(context.Background(), rec); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if n := countRows(t, observe(t, path), `SELECT COUNT(*) FROM recordings WHERE prompt IS NULL`); n != 1 {
		t.Errorf("expected NULL prompt, got %d matching rows", n)
	}
}

func TestCommitDuplicateFails(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	rec := testRecording("rec-1", time.Unix(1700000000, 0))

	if err := store.Commit(ctx, rec); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Commit(ctx, rec); err == nil {
		t.Fatal("expected duplicate commit to fail")
	}
}

func TestCommitCrashBetweenSteps(t *testing.T) {
	store, path := openTestStore(t)
	db := observe(t, path)
	ctx := context.Background()

	var visible int
	store.hook = func(step string) error {
		if step != "commit:recording" {
			return nil
		}
		visible = countRows(t, db, `SELECT COUNT(*) FROM recordings`)
		return errCrash
	}

	err := store.Commit(ctx, testRecording("rec-1", time.Unix(1700000000, 0)))
	if !errors.Is(err, errCrash) {
		t.Fatalf("expected simulated crash, got %v", err)
	}
	if visible != 0 {
		t.Errorf("half-written recording must not be visible, saw %d", visible)
	}

	if _, err := store.Get(ctx, "rec-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after rollback, got %v", err)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM upload_queue`); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestMarkUploaded(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	_ = store.Commit(ctx, testRecording("rec-1", time.Unix(1700000000, 0)))

	at := time.Unix(1700000500, 0)
	if err := store.MarkUploaded(ctx, "rec-1", at); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}

	rec, _ := store.Get(ctx, "rec-1")
	if rec.UploadedAt == nil || !rec.UploadedAt.Equal(at) {
		t.Errorf("expected uploaded_at %v, got %v", at, rec.UploadedAt)
	}
	if _, err := store.QueueEntry(ctx, "rec-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected queue entry to be gone, got %v", err)
	}

	if err := store.MarkUploaded(ctx, "rec-1", at); !errors.Is(err, ErrAlreadyUploaded) {
		t.Errorf("expected ErrAlreadyUploaded, got %v", err)
	}
	if err := store.MarkUploaded(ctx, "missing", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkUploadedCrashBetweenSteps(t *testing.T) {
	store, path := openTestStore(t)
	db := observe(t, path)
	ctx := context.Background()
	_ = store.Commit(ctx, testRecording("rec-1", time.Unix(1700000000, 0)))

	var uploadedVisible, queuedVisible int
	store.hook = func(step string) error {
		if step != "mark_uploaded:update" {
			return nil
		}
		uploadedVisible = countRows(t, db, `SELECT COUNT(*) FROM recordings WHERE uploaded_at IS NOT NULL`)
		queuedVisible = countRows(t, db, `SELECT COUNT(*) FROM upload_queue`)
		return errCrash
	}

	if err := store.MarkUploaded(ctx, "rec-1", time.Unix(1700000500, 0)); !errors.Is(err, errCrash) {
		t.Fatalf("expected simulated crash, got %v", err)
	}
	if uploadedVisible != 0 || queuedVisible != 1 {
		t.Errorf("expected committed state untouched mid-operation, saw uploaded=%d queued=%d", uploadedVisible, queuedVisible)
	}

	// The recording is still pending and can be marked again.
	store.hook = nil
	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending recording, got %d", len(pending))
	}
	if err := store.MarkUploaded(ctx, "rec-1", time.Unix(1700000600, 0)); err != nil {
		t.Fatalf("mark uploaded after crash: %v", err)
	}
}

func TestRecordAttempt(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	_ = store.Commit(ctx, testRecording("rec-1", time.Unix(1700000000, 0)))

	at := time.Unix(1700000100, 0)
	if err := store.RecordAttempt(ctx, "rec-1", 2, at); err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	entry, _ := store.QueueEntry(ctx, "rec-1")
	if entry.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", entry.Attempts)
	}
	if entry.LastAttempt == nil || !entry.LastAttempt.Equal(at) {
		t.Errorf("expected last attempt %v, got %v", at, entry.LastAttempt)
	}

	if err := store.RecordAttempt(ctx, "missing", 1, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListPendingOrderAndStrayEntries(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()

	_ = store.Commit(ctx, testRecording("newest", time.Unix(1700000300, 0)))
	_ = store.Commit(ctx, testRecording("oldest", time.Unix(1700000100, 0)))
	_ = store.Commit(ctx, testRecording("middle", time.Unix(1700000200, 0)))
	_ = store.Commit(ctx, testRecording("delivered", time.Unix(1700000000, 0)))

	// Leave a stray queue entry behind an uploaded recording.
	db := observe(t, path)
	if _, err := db.Exec(`UPDATE recordings SET uploaded_at = 1700000900 WHERE id = 'delivered'`); err != nil {
		t.Fatalf("update: %v", err)
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}

	want := []string{"oldest", "middle", "newest"}
	if len(pending) != len(want) {
		t.Fatalf("expected %d pending, got %d", len(want), len(pending))
	}
	for i, id := range want {
		if pending[i].Recording.ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, pending[i].Recording.ID)
		}
		if pending[i].Entry.RecordingID != id {
			t.Errorf("position %d: entry for %s, got %s", i, id, pending[i].Entry.RecordingID)
		}
	}
}

func TestSilentMetricsRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	rec := testRecording("rec-1", time.Unix(1700000000, 0))
	rec.Metrics.SNRDB = math.Inf(-1)
	if err := store.Commit(ctx, rec); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := store.Get(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !math.IsInf(got.Metrics.SNRDB, -1) {
		t.Errorf("expected -Inf SNR, got %f", got.Metrics.SNRDB)
	}
}

func TestCorruptMetricsIsAnError(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()
	_ = store.Commit(ctx, testRecording("rec-1", time.Unix(1700000000, 0)))

	db := observe(t, path)
	if _, err := db.Exec(`UPDATE recordings SET qc_metrics = 'not json'`); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := store.ListPending(ctx); err == nil {
		t.Error("expected error for corrupt metrics")
	}
}

func TestStats(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d"} {
		_ = store.Commit(ctx, testRecording(id, time.Unix(int64(1700000000+i), 0)))
	}
	_ = store.MarkUploaded(ctx, "a", time.Unix(1700001000, 0))
	_ = store.RecordAttempt(ctx, "b", 3, time.Unix(1700001000, 0))

	st, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{Total: 4, Uploaded: 1, Pending: 3, Failed: 1}
	if st != want {
		t.Errorf("expected %+v, got %+v", want, st)
	}
}

func TestOpenReopensExistingLedger(t *testing.T) {
	store, path := openTestStore(t)
	_ = store.Commit(context.Background(), testRecording("rec-1", time.Unix(1700000000, 0)))
	store.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	pending, err := reopened.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected 1 pending recording after reopen, got %d", len(pending))
	}
}

func TestOpenPathWithURIDelimiters(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "take?2#a b%20")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "cowcow.db")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := store.Commit(context.Background(), testRecording("rec-1", time.Unix(1700000000, 0))); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected database at %s: %v", path, err)
	}
	entries, err := os.ReadDir(filepath.Dir(dir))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the named directory, got %d entries", len(entries))
	}
	if got := countRows(t, observe(t, path), "SELECT COUNT(*) FROM recordings"); got != 1 {
		t.Errorf("expected 1 recording, got %d", got)
	}
}
