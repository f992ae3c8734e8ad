package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestUploadCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordUploadFailure(0.2)
	m.RecordUploadSuccess(0.4, 10)
	m.RecordUploadSkip("quality")
	m.RecordUploadSkip("quality")

	if got := testutil.ToFloat64(m.UploadAttempts); got != 2 {
		t.Errorf("Expected 2 attempts, got %v", got)
	}
	if got := testutil.ToFloat64(m.UploadFailures); got != 1 {
		t.Errorf("Expected 1 failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.TokensAwarded); got != 10 {
		t.Errorf("Expected 10 tokens, got %v", got)
	}
	if got := testutil.ToFloat64(m.UploadSkips.WithLabelValues("quality")); got != 2 {
		t.Errorf("Expected 2 quality skips, got %v", got)
	}
}

func TestCaptureCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordChunk()
	m.RecordChunk()
	m.RecordDropped(3)
	m.RecordDropped(0)
	m.RecordSession("silence", 7)

	if got := testutil.ToFloat64(m.ChunksProcessed); got != 2 {
		t.Errorf("Expected 2 chunks, got %v", got)
	}
	if got := testutil.ToFloat64(m.ChunksDropped); got != 3 {
		t.Errorf("Expected 3 dropped chunks, got %v", got)
	}
	if got := testutil.ToFloat64(m.Sessions.WithLabelValues("silence")); got != 1 {
		t.Errorf("Expected 1 silence session, got %v", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.RecordChunk()
	m.RecordDropped(1)
	m.RecordVADErrors(1)
	m.RecordSession("duration", 1)
	m.RecordCaptureFailure("device")
	m.RecordCommitted()
	m.RecordUploadSuccess(1, 1)
	m.RecordUploadFailure(1)
	m.RecordUploadSkip("missing_file")
	m.SetPendingUploads(1)
	m.RecordHTTPRequest("POST", "/recordings/upload", "200", 1)
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordCommitted()

	path := filepath.Join(t.TempDir(), "cowcow.prom")
	if err := WriteTextfile(path, reg); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read textfile: %v", err)
	}
	if !strings.Contains(string(data), "cowcow_recordings_committed_total 1") {
		t.Errorf("Expected committed counter in textfile, got:\n%s", data)
	}
}
