package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deepubuntu/cowcow/internal/audio"
	"github.com/deepubuntu/cowcow/internal/capture"
	"github.com/deepubuntu/cowcow/internal/ledger"
	"github.com/deepubuntu/cowcow/internal/metrics"
	"github.com/deepubuntu/cowcow/internal/quality"
	"github.com/deepubuntu/cowcow/internal/vad"
)

// DefaultVADThreshold is the speech probability threshold of the energy detector.
const DefaultVADThreshold = 0.5

// Committer stores finished recordings
type Committer interface {
	Commit(ctx context.Context, rec ledger.Recording) error
}

// Config contains recorder configuration
type Config struct {
	SampleRate int
	Channels   int
	// BufferFrames is the number of frames per device callback. Zero means
	// 100 ms of audio.
	BufferFrames   int
	QueueCapacity  int
	SilenceTimeout time.Duration
	PollInterval   time.Duration
	// RecordingsDir holds one subdirectory per language.
	RecordingsDir string
}

// Request describes one recording session
type Request struct {
	Lang   string
	Prompt string
	// Duration is the target length. Zero records until silence or interrupt.
	Duration time.Duration
}

// Outcome is a committed recording and how its capture ended
type Outcome struct {
	Recording ledger.Recording
	Result    *capture.Result
}

// Recorder captures one recording at a time from the default input device
// and commits it to the ledger.
type Recorder struct {
	cfg     Config
	host    capture.Host
	ledger  Committer
	logger  *slog.Logger
	metrics *metrics.Metrics

	progress func(capture.Progress)

	newDetector func(sampleRate int) (vad.Detector, error)
	newID       func() string
	now         func() time.Time
}

// New creates a recorder
func New(cfg Config, host capture.Host, l Committer, logger *slog.Logger, m *metrics.Metrics) (*Recorder, error) {
	if host == nil || l == nil {
		return nil, errors.New("capture host and ledger are required")
	}
	if cfg.RecordingsDir == "" {
		return nil, errors.New("recordings directory cannot be empty")
	}
	if !vad.SupportedSampleRate(cfg.SampleRate) {
		return nil, fmt.Errorf("unsupported sample rate %d", cfg.SampleRate)
	}
	if cfg.Channels < 1 {
		return nil, fmt.Errorf("channels must be at least 1, got %d", cfg.Channels)
	}
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = cfg.SampleRate / 10
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = capture.DefaultQueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Recorder{
		cfg:     cfg,
		host:    host,
		ledger:  l,
		logger:  logger,
		metrics: m,
		newDetector: func(sampleRate int) (vad.Detector, error) {
			return vad.NewProcessor(DefaultVADThreshold, sampleRate)
		},
		newID: uuid.NewString,
		now:   time.Now,
	}, nil
}

// OnProgress registers an observer passed to each session's pipeline
func (r *Recorder) OnProgress(fn func(capture.Progress)) {
	r.progress = fn
}

// Record runs one capture session. Cancelling ctx ends the capture the same
// way the device closing its stream does, and the audio captured so far is
// still committed. A device failure or an empty session removes the partial
// file and commits nothing.
func (r *Recorder) Record(ctx context.Context, req Request) (*Outcome, error) {
	if err := validateLang(req.Lang); err != nil {
		return nil, err
	}
	if req.Duration < 0 {
		return nil, fmt.Errorf("duration must not be negative, got %s", req.Duration)
	}

	device, err := r.host.DefaultInputDevice()
	if err != nil {
		r.metrics.RecordCaptureFailure("no_device")
		return nil, fmt.Errorf("failed to open input device: %w", err)
	}

	id := r.newID()
	log := r.logger.With(
		slog.String("recording_id", id),
		slog.String("lang", req.Lang),
		slog.String("device", device.Name()))

	detector, err := r.newDetector(r.cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD detector: %w", err)
	}
	analyzer, err := quality.NewAnalyzer(r.cfg.SampleRate, detector, log)
	if err != nil {
		return nil, err
	}
	pipeline, err := capture.NewPipeline(capture.Config{
		SampleRate:     r.cfg.SampleRate,
		Channels:       r.cfg.Channels,
		TargetDuration: req.Duration,
		SilenceTimeout: r.cfg.SilenceTimeout,
		PollInterval:   r.cfg.PollInterval,
	}, analyzer, log, r.metrics)
	if err != nil {
		return nil, err
	}
	if r.progress != nil {
		pipeline.OnProgress(r.progress)
	}

	dir := filepath.Join(r.cfg.RecordingsDir, req.Lang)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	path := filepath.Join(dir, id+".wav")

	writer, err := audio.CreateWAV(path, r.cfg.SampleRate, r.cfg.Channels)
	if err != nil {
		return nil, err
	}

	handoff := capture.NewHandoff(r.cfg.QueueCapacity)
	deviceErrs := make(chan error, 1)

	stream, err := device.BuildInputStream(capture.StreamConfig{
		SampleRate:   r.cfg.SampleRate,
		Channels:     r.cfg.Channels,
		BufferFrames: r.cfg.BufferFrames,
	}, func(samples []float32) {
		handoff.Push(samples)
	}, func(err error) {
		select {
		case deviceErrs <- err:
		default:
		}
	})
	if err != nil {
		r.abort(log, writer, "stream")
		return nil, fmt.Errorf("failed to build input stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		r.abort(log, writer, "stream")
		return nil, fmt.Errorf("failed to start input stream: %w", err)
	}
	log.Info("Recording started", slog.Duration("target", req.Duration))

	var deviceErr, stopErr error
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-ctx.Done():
			log.Info("Recording interrupted")
		case deviceErr = <-deviceErrs:
		case <-stream.Done():
		case <-handoff.Detached():
		}
		stopErr = stream.Stop()
		handoff.Close()
	}()

	result, runErr := pipeline.Run(handoff, writer)
	<-watched

	if deviceErr == nil {
		select {
		case deviceErr = <-deviceErrs:
		default:
		}
	}
	if stopErr != nil {
		log.Warn("Input stream did not stop cleanly", slog.String("error", stopErr.Error()))
	}

	if runErr != nil {
		reason := "write"
		if errors.Is(runErr, quality.ErrNoChunks) {
			reason = "no_chunks"
		}
		r.abort(log, writer, reason)
		if deviceErr != nil {
			return nil, fmt.Errorf("capture failed: %w", deviceErr)
		}
		return nil, fmt.Errorf("capture failed: %w", runErr)
	}

	// A device error only spoils the session when the capture ended because of it.
	if deviceErr != nil {
		if result.State == capture.StateStoppedByChannelClose {
			r.abort(log, writer, "device_error")
			return nil, fmt.Errorf("capture failed: %w", deviceErr)
		}
		log.Warn("Input stream failed after capture finished", slog.String("error", deviceErr.Error()))
	}

	rec := ledger.Recording{
		ID:        id,
		Lang:      req.Lang,
		Prompt:    req.Prompt,
		Metrics:   result.Metrics,
		CreatedAt: r.now(),
		WAVPath:   path,
	}

	if err := r.ledger.Commit(context.WithoutCancel(ctx), rec); err != nil {
		r.metrics.RecordCaptureFailure("commit")
		return nil, fmt.Errorf("failed to commit recording, audio kept at %s: %w", path, err)
	}
	r.metrics.RecordCommitted()

	log.Info("Recording saved",
		slog.String("path", path),
		slog.String("stop_reason", result.State.String()),
		slog.Float64("snr_db", result.Metrics.SNRDB),
		slog.Float64("clipping_pct", result.Metrics.ClippingPct),
		slog.Float64("vad_ratio", result.Metrics.VADRatio))

	if reporter, ok := detector.(vad.StatsReporter); ok {
		stats := reporter.Stats()
		log.Debug("Voice activity",
			slog.Uint64("frames", stats.TotalFrames),
			slog.Uint64("speech_frames", stats.SpeechFrames),
			slog.Float64("speech_percentage", stats.SpeechPercentage),
			slog.Float64("threshold", float64(stats.Threshold)))
	}

	return &Outcome{Recording: rec, Result: result}, nil
}

func (r *Recorder) abort(log *slog.Logger, writer *audio.WAVWriter, reason string) {
	r.metrics.RecordCaptureFailure(reason)
	if err := writer.Abort(); err != nil {
		log.Warn("Failed to remove partial recording", slog.String("error", err.Error()))
	}
}

func validateLang(lang string) error {
	if lang == "" {
		return errors.New("language code cannot be empty")
	}
	if lang == "." || lang == ".." || strings.ContainsAny(lang, `/\`) {
		return fmt.Errorf("invalid language code %q", lang)
	}
	return nil
}
