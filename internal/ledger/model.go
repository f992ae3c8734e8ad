package ledger

import (
	"time"

	"github.com/deepubuntu/cowcow/internal/quality"
)

// Recording is a completed capture stored in the ledger
type Recording struct {
	ID         string
	Lang       string
	Prompt     string // empty when no prompt was shown
	Metrics    quality.Metrics
	CreatedAt  time.Time
	UploadedAt *time.Time // nil until delivered
	WAVPath    string
}

// Uploaded reports whether the recording has been delivered
func (r *Recording) Uploaded() bool {
	return r.UploadedAt != nil
}

// QueueEntry is the delivery state of a pending recording
type QueueEntry struct {
	RecordingID string
	Attempts    int
	LastAttempt *time.Time
}

// Pending pairs a recording with its queue entry
type Pending struct {
	Recording Recording
	Entry     QueueEntry
}

// Stats summarizes the ledger
type Stats struct {
	Total    int `json:"total"`
	Uploaded int `json:"uploaded"`
	Pending  int `json:"pending"`
	// Failed counts pending recordings with at least one failed attempt.
	Failed int `json:"failed"`
}
