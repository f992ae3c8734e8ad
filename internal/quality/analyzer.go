package quality

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/deepubuntu/cowcow/internal/audio"
	"github.com/deepubuntu/cowcow/internal/vad"
)

// ErrEmptyChunk is returned for a zero-length chunk.
var ErrEmptyChunk = errors.New("quality: empty chunk")

const (
	// clipLevel is the absolute amplitude counted as clipped.
	clipLevel = 1.0
	// noiseFloorDB is the assumed noise floor of the SNR heuristic.
	noiseFloorDB = -60.0
	// clippingPenalty raises the noise level per percent of clipped samples.
	clippingPenalty = 0.1
)

// Analyzer computes per-chunk quality metrics
type Analyzer struct {
	sampleRate int
	frameSize  int
	detector   vad.Detector
	logger     *slog.Logger

	pcm       []int16
	vadErrors uint64
}

// NewAnalyzer creates an analyzer that classifies 30 ms frames with detector
func NewAnalyzer(sampleRate int, detector vad.Detector, logger *slog.Logger) (*Analyzer, error) {
	if !vad.SupportedSampleRate(sampleRate) {
		return nil, fmt.Errorf("unsupported sample rate: %d", sampleRate)
	}
	if detector == nil {
		return nil, fmt.Errorf("voice activity detector is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Analyzer{
		sampleRate: sampleRate,
		frameSize:  vad.FrameSize(sampleRate),
		detector:   detector,
		logger:     logger,
	}, nil
}

// ProcessChunk returns the metrics of one chunk of normalized samples
func (a *Analyzer) ProcessChunk(samples []float32) (Metrics, error) {
	m, _, err := a.Measure(samples)
	return m, err
}

// Measure returns the chunk metrics together with its RMS level
func (a *Analyzer) Measure(samples []float32) (Metrics, float64, error) {
	if len(samples) == 0 {
		return Metrics{}, 0, ErrEmptyChunk
	}

	rms := RMS(samples)
	clipping := clippingPct(samples)

	return Metrics{
		SNRDB:       estimateSNR(rms, clipping),
		ClippingPct: clipping,
		VADRatio:    a.vadRatio(samples),
	}, rms, nil
}

// VADErrors returns the number of frames the detector failed to classify
func (a *Analyzer) VADErrors() uint64 {
	return a.vadErrors
}

// SampleRate returns the analyzer's sample rate
func (a *Analyzer) SampleRate() int {
	return a.sampleRate
}

// RMS returns the root mean square of samples, or 0 for an empty slice
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func clippingPct(samples []float32) float64 {
	clipped := 0
	for _, s := range samples {
		if math.Abs(float64(s)) >= clipLevel {
			clipped++
		}
	}
	return float64(clipped) / float64(len(samples)) * 100
}

// estimateSNR is a level heuristic, not a measured signal-to-noise ratio.
// Digital silence gives negative infinity.
func estimateSNR(rms, clipping float64) float64 {
	signal := 20 * math.Log10(rms)
	noise := noiseFloorDB + clipping*clippingPenalty
	return signal - noise
}

func (a *Analyzer) vadRatio(samples []float32) float64 {
	if cap(a.pcm) < len(samples) {
		a.pcm = make([]int16, len(samples))
	}
	pcm := a.pcm[:len(samples)]
	for i, s := range samples {
		pcm[i] = audio.FloatToPCM16(s)
	}

	speech, total := 0, 0
	for start := 0; start+a.frameSize <= len(pcm); start += a.frameSize {
		total++
		ok, err := a.detector.IsSpeech(pcm[start : start+a.frameSize])
		if err != nil {
			a.vadErrors++
			a.logger.Warn("VAD frame classification failed",
				slog.Int("frame", total-1),
				slog.String("error", err.Error()))
			continue
		}
		if ok {
			speech++
		}
	}

	if total == 0 {
		return 0
	}
	return float64(speech) / float64(total) * 100
}

// AnalyzeSamples averages the metrics of samples split into 100 ms chunks
func AnalyzeSamples(samples []float32, sampleRate int, detector vad.Detector, logger *slog.Logger) (Metrics, int, error) {
	analyzer, err := NewAnalyzer(sampleRate, detector, logger)
	if err != nil {
		return Metrics{}, 0, err
	}

	chunkSize := sampleRate / 10
	var acc Accumulator
	for start := 0; start < len(samples); start += chunkSize {
		end := min(start+chunkSize, len(samples))
		m, err := analyzer.ProcessChunk(samples[start:end])
		if err != nil {
			return Metrics{}, 0, err
		}
		acc.Add(m)
	}

	avg, err := acc.Average()
	if err != nil {
		return Metrics{}, 0, err
	}
	return avg, acc.Len(), nil
}
