package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/deepubuntu/cowcow/internal/auth"
	"github.com/deepubuntu/cowcow/internal/ledger"
	"github.com/deepubuntu/cowcow/internal/metrics"
	"github.com/deepubuntu/cowcow/internal/quality"
)

// Ledger is the subset of the recording ledger the manager needs
type Ledger interface {
	ListPending(ctx context.Context) ([]ledger.Pending, error)
	RecordAttempt(ctx context.Context, id string, attempts int, at time.Time) error
	MarkUploaded(ctx context.Context, id string, at time.Time) error
}

// Submitter delivers one recording
type Submitter interface {
	Upload(ctx context.Context, sub Submission, creds *auth.Credentials) (*Response, error)
}

// Options configures retries and the quality gate
type Options struct {
	MaxRetries int
	// RetryDelay is multiplied by the attempt count before each retry.
	RetryDelay time.Duration
	Policy     quality.Policy
}

// Summary counts the outcome of one run
type Summary struct {
	Pending       int `json:"pending"`
	Successful    int `json:"successful"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	TokensAwarded int `json:"tokens_awarded"`
	// Unauthorized is set when the service rejected the credentials at least once.
	Unauthorized bool `json:"unauthorized"`
}

// Manager drains the upload queue once per Run, one recording at a time
type Manager struct {
	ledger    Ledger
	submitter Submitter
	creds     *auth.Credentials
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics

	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	fileExists func(path string) bool
}

// NewManager creates an upload queue manager
func NewManager(l Ledger, s Submitter, creds *auth.Credentials, opts Options, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	if l == nil || s == nil {
		return nil, errors.New("ledger and submitter are required")
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", opts.MaxRetries)
	}
	if opts.RetryDelay < 0 {
		return nil, fmt.Errorf("retry delay must not be negative, got %s", opts.RetryDelay)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		ledger:     l,
		submitter:  s,
		creds:      creds,
		opts:       opts,
		logger:     logger,
		metrics:    m,
		sleep:      sleepContext,
		now:        time.Now,
		fileExists: fileExists,
	}, nil
}

// Run processes every pending recording in ledger order. Missing files and
// recordings below the quality gate are skipped without charging an attempt;
// force bypasses the gate. Delivery failures, rejected credentials included,
// are retried per recording and never block the next one; only ledger errors
// and cancellation abort the run.
func (m *Manager) Run(ctx context.Context, force bool) (Summary, error) {
	pending, err := m.ledger.ListPending(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list pending recordings: %w", err)
	}

	summary := Summary{Pending: len(pending)}
	m.metrics.SetPendingUploads(len(pending))

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		rec := p.Recording
		log := m.logger.With(slog.String("recording_id", rec.ID))

		if !m.fileExists(rec.WAVPath) {
			log.Warn("Skipping recording with missing audio file", slog.String("path", rec.WAVPath))
			m.metrics.RecordUploadSkip("missing_file")
			summary.Skipped++
			continue
		}

		if !force {
			if ok, reason := m.opts.Policy.Check(rec.Metrics); !ok {
				log.Warn("Skipping recording below quality gate", slog.String("reason", reason))
				m.metrics.RecordUploadSkip("quality")
				summary.Skipped++
				continue
			}
		}

		resp, err := m.deliver(ctx, log, p, &summary)
		if err != nil {
			return summary, err
		}
		if resp == nil {
			summary.Failed++
			continue
		}
		summary.Successful++
		summary.TokensAwarded += resp.TokensAwarded
	}

	m.logger.Info("Upload summary",
		slog.Int("successful", summary.Successful),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Bool("unauthorized", summary.Unauthorized))

	return summary, nil
}

// deliver retries one recording from its persisted attempt count. It returns
// a nil response when attempts are exhausted.
func (m *Manager) deliver(ctx context.Context, log *slog.Logger, p ledger.Pending, summary *Summary) (*Response, error) {
	rec := p.Recording
	sub := Submission{
		RecordingID: rec.ID,
		Lang:        rec.Lang,
		Metrics:     rec.Metrics,
		WAVPath:     rec.WAVPath,
	}
	// Ledger writes after a submission must land even if the run is interrupted.
	persistCtx := context.WithoutCancel(ctx)

	attempts := p.Entry.Attempts
	for attempts < m.opts.MaxRetries {
		start := time.Now()
		resp, uploadErr := m.submitter.Upload(ctx, sub, m.creds)
		elapsed := time.Since(start).Seconds()

		if uploadErr == nil {
			if err := m.ledger.MarkUploaded(persistCtx, rec.ID, m.now()); err != nil {
				return nil, fmt.Errorf("failed to mark %s uploaded: %w", rec.ID, err)
			}
			m.metrics.RecordUploadSuccess(elapsed, resp.TokensAwarded)
			log.Info("Uploaded recording", slog.Int("tokens_awarded", resp.TokensAwarded))
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attempts++
		m.metrics.RecordUploadFailure(elapsed)
		log.Warn("Upload attempt failed",
			slog.Int("attempt", attempts),
			slog.Int("max_retries", m.opts.MaxRetries),
			slog.String("error", uploadErr.Error()))

		if err := m.ledger.RecordAttempt(persistCtx, rec.ID, attempts, m.now()); err != nil {
			return nil, fmt.Errorf("failed to record attempt for %s: %w", rec.ID, err)
		}

		if errors.Is(uploadErr, ErrUnauthorized) {
			summary.Unauthorized = true
		}

		if attempts < m.opts.MaxRetries {
			delay := m.opts.RetryDelay * time.Duration(attempts)
			log.Info("Retrying upload", slog.Duration("delay", delay))
			if err := m.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	log.Error("Upload failed, recording stays queued", slog.Int("attempts", attempts))
	return nil, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
