package vad

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// FrameDuration is the length of one classified frame.
const FrameDuration = 30 * time.Millisecond

// ErrFrameSize is returned when a frame does not match the detector's frame length.
var ErrFrameSize = errors.New("vad: unexpected frame size")

// Detector classifies fixed-length frames of 16-bit PCM samples.
type Detector interface {
	IsSpeech(frame []int16) (bool, error)
}

// StatsReporter is implemented by detectors that keep frame statistics.
type StatsReporter interface {
	Stats() ProcessorStats
}

// FrameSize returns the number of samples in one 30 ms frame at sampleRate.
func FrameSize(sampleRate int) int {
	return int(float64(sampleRate) * 0.03)
}

// SupportedSampleRate reports whether the detector can run at sampleRate.
func SupportedSampleRate(sampleRate int) bool {
	switch sampleRate {
	case 8000, 16000, 32000, 48000:
		return true
	}
	return false
}

// Processor provides energy-based voice activity detection
type Processor struct {
	threshold  float32
	frameSize  int
	sampleRate int
	reference  float64 // RMS (int16 units) treated as certain speech

	// Detector state
	lastResult float32
	smoothing  float32

	// Statistics
	totalFrames   uint64
	speechFrames  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	SampleRate       int       `json:"sample_rate"`
	FrameSize        int       `json:"frame_size"`
	TotalFrames      uint64    `json:"total_frames"`
	SpeechFrames     uint64    `json:"speech_frames"`
	SpeechPercentage float64   `json:"speech_percentage"`
	LastProcessed    time.Time `json:"last_processed"`
	Threshold        float32   `json:"threshold"`
}

// NewProcessor creates a new VAD processor for sampleRate
func NewProcessor(threshold float32, sampleRate int) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if !SupportedSampleRate(sampleRate) {
		return nil, fmt.Errorf("unsupported sample rate %d (want 8000, 16000, 32000 or 48000)", sampleRate)
	}

	return &Processor{
		threshold:  threshold,
		frameSize:  FrameSize(sampleRate),
		sampleRate: sampleRate,
		reference:  2000,
		smoothing:  0.5,
	}, nil
}

// IsSpeech classifies one frame. The frame must hold exactly FrameSize samples.
func (p *Processor) IsSpeech(frame []int16) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(frame) != p.frameSize {
		return false, fmt.Errorf("%w: expected %d samples, got %d", ErrFrameSize, p.frameSize, len(frame))
	}

	probability := p.frameProbability(frame)

	if p.totalFrames > 0 {
		probability = p.smoothing*probability + (1-p.smoothing)*p.lastResult
	}
	p.lastResult = probability

	speech := probability >= p.threshold

	p.totalFrames++
	if speech {
		p.speechFrames++
	}
	p.lastProcessed = time.Now()

	return speech, nil
}

// frameProbability maps frame RMS energy onto 0..1
func (p *Processor) frameProbability(frame []int16) float32 {
	var energy float64
	for _, sample := range frame {
		energy += float64(sample) * float64(sample)
	}
	energy = math.Sqrt(energy / float64(len(frame)))

	normalized := energy / p.reference
	if normalized > 1 {
		normalized = 1
	}
	return float32(normalized)
}

// Stats returns current processor statistics
func (p *Processor) Stats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	speechPercentage := float64(0)
	if p.totalFrames > 0 {
		speechPercentage = float64(p.speechFrames) / float64(p.totalFrames) * 100
	}

	return ProcessorStats{
		SampleRate:       p.sampleRate,
		FrameSize:        p.frameSize,
		TotalFrames:      p.totalFrames,
		SpeechFrames:     p.speechFrames,
		SpeechPercentage: speechPercentage,
		LastProcessed:    p.lastProcessed,
		Threshold:        p.threshold,
	}
}

// FrameSize returns the frame length in samples
func (p *Processor) FrameSize() int {
	return p.frameSize
}
