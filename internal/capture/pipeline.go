package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepubuntu/cowcow/internal/metrics"
	"github.com/deepubuntu/cowcow/internal/quality"
)

const (
	// DefaultSilenceTimeout is the trailing silence that ends a recording.
	DefaultSilenceTimeout = 5 * time.Second
	// DefaultPollInterval bounds each receive wait.
	DefaultPollInterval = 10 * time.Millisecond

	// voiceVADRatio is the VAD percentage above which a chunk holds voice.
	voiceVADRatio = 1.0
	// voiceRMS is the level above which a chunk holds voice regardless of VAD.
	voiceRMS = 0.005
)

// State is the capture loop state
type State int

const (
	StateCapturing State = iota
	StateStoppedByDuration
	StateStoppedBySilence
	StateStoppedByChannelClose
)

func (s State) String() string {
	switch s {
	case StateCapturing:
		return "capturing"
	case StateStoppedByDuration:
		return "duration"
	case StateStoppedBySilence:
		return "silence"
	case StateStoppedByChannelClose:
		return "channel_closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sink receives the processed audio
type Sink interface {
	WriteSamples(samples []float32) error
	Close() error
}

// Config holds pipeline settings
type Config struct {
	SampleRate int
	Channels   int
	// TargetDuration stops the recording once this much audio has been
	// processed. Zero records until silence or channel close.
	TargetDuration time.Duration
	SilenceTimeout time.Duration
	PollInterval   time.Duration
}

// Progress is reported after every processed chunk
type Progress struct {
	Chunk     int
	Processed time.Duration
	Metrics   quality.Metrics
	Voice     bool
}

// Result summarizes a finished capture session
type Result struct {
	State    State
	Metrics  quality.Metrics
	Chunks   int
	Samples  uint64
	Duration time.Duration
	Dropped  uint64
}

// Pipeline analyzes chunks from a Handoff, writes them to a Sink and
// decides when the recording ends.
type Pipeline struct {
	cfg      Config
	analyzer *quality.Analyzer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	progress func(Progress)
}

// NewPipeline creates a pipeline
func NewPipeline(cfg Config, analyzer *quality.Analyzer, logger *slog.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", cfg.Channels)
	}
	if cfg.TargetDuration < 0 {
		return nil, fmt.Errorf("target duration must not be negative, got %s", cfg.TargetDuration)
	}
	if analyzer == nil {
		return nil, errors.New("quality analyzer is required")
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		cfg:      cfg,
		analyzer: analyzer,
		logger:   logger,
		metrics:  m,
	}, nil
}

// OnProgress registers an observer called after each chunk
func (p *Pipeline) OnProgress(fn func(Progress)) {
	p.progress = fn
}

// Run consumes chunks until a stop condition or until the producer closes
// the handoff. The sink is always closed before Run returns. A session that
// processed no chunks fails with quality.ErrNoChunks.
func (p *Pipeline) Run(h *Handoff, sink Sink) (*Result, error) {
	defer h.Detach()

	state, acc, total, err := p.loop(h, sink)
	closeErr := sink.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to finalize audio: %w", closeErr)
	}

	p.metrics.RecordDropped(h.Dropped())
	p.metrics.RecordVADErrors(p.analyzer.VADErrors())

	avg, err := acc.Average()
	if err != nil {
		return nil, fmt.Errorf("capture stopped (%s): %w", state, err)
	}

	result := &Result{
		State:    state,
		Metrics:  avg,
		Chunks:   acc.Len(),
		Samples:  total,
		Duration: p.duration(total),
		Dropped:  h.Dropped(),
	}
	p.metrics.RecordSession(state.String(), result.Duration.Seconds())

	p.logger.Info("Capture finished",
		slog.String("stop_reason", state.String()),
		slog.Int("chunks", result.Chunks),
		slog.Duration("duration", result.Duration),
		slog.Uint64("dropped", result.Dropped))

	return result, nil
}

func (p *Pipeline) loop(h *Handoff, sink Sink) (State, *quality.Accumulator, uint64, error) {
	var (
		acc          quality.Accumulator
		total        uint64
		silent       bool
		silenceStart uint64
	)

	samplesPerSecond := float64(p.cfg.SampleRate * p.cfg.Channels)
	silenceLimit := p.cfg.SilenceTimeout.Seconds()
	target := p.cfg.TargetDuration.Seconds()

	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	state := StateCapturing
	for state == StateCapturing {
		timer.Reset(p.cfg.PollInterval)

		var chunk []float32
		select {
		case c, ok := <-h.Chunks():
			if !ok {
				state = StateStoppedByChannelClose
				continue
			}
			chunk = c
		case <-timer.C:
			continue
		}

		m, rms, err := p.analyzer.Measure(chunk)
		if err != nil {
			p.logger.Warn("Skipping chunk", slog.String("error", err.Error()))
			continue
		}
		acc.Add(m)
		p.metrics.RecordChunk()

		if err := sink.WriteSamples(chunk); err != nil {
			return state, nil, total, fmt.Errorf("failed to write audio: %w", err)
		}

		start := total
		total += uint64(len(chunk))

		voice := m.VADRatio > voiceVADRatio || rms > voiceRMS
		if voice {
			silent = false
		} else if !silent {
			silent = true
			silenceStart = start
		}

		if silent && float64(total-silenceStart)/samplesPerSecond >= silenceLimit {
			state = StateStoppedBySilence
		} else if target > 0 && float64(total)/samplesPerSecond >= target {
			state = StateStoppedByDuration
		}

		if p.progress != nil {
			p.progress(Progress{
				Chunk:     acc.Len(),
				Processed: p.duration(total),
				Metrics:   m,
				Voice:     voice,
			})
		}
	}

	return state, &acc, total, nil
}

func (p *Pipeline) duration(samples uint64) time.Duration {
	perSecond := uint64(p.cfg.SampleRate * p.cfg.Channels)
	return time.Duration(samples) * time.Second / time.Duration(perSecond)
}
