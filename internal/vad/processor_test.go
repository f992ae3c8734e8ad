package vad

import (
	"errors"
	"math"
	"testing"
)

func TestNewProcessor(t *testing.T) {
	processor, err := NewProcessor(0.5, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	if processor.FrameSize() != 480 {
		t.Errorf("Expected frame size 480, got %d", processor.FrameSize())
	}

	if processor.Stats().Threshold != 0.5 {
		t.Errorf("Expected threshold 0.5, got %f", processor.Stats().Threshold)
	}
}

func TestNewProcessorValidation(t *testing.T) {
	tests := []struct {
		name       string
		threshold  float32
		sampleRate int
		expectErr  bool
	}{
		{name: "valid 8k", threshold: 0.5, sampleRate: 8000},
		{name: "valid 48k", threshold: 0.2, sampleRate: 48000},
		{name: "threshold too low", threshold: -0.1, sampleRate: 16000, expectErr: true},
		{name: "threshold too high", threshold: 1.1, sampleRate: 16000, expectErr: true},
		{name: "unsupported rate", threshold: 0.5, sampleRate: 44100, expectErr: true},
		{name: "zero rate", threshold: 0.5, sampleRate: 0, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessor(tt.threshold, tt.sampleRate)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestFrameSize(t *testing.T) {
	cases := map[int]int{8000: 240, 16000: 480, 32000: 960, 48000: 1440}
	for rate, want := range cases {
		if got := FrameSize(rate); got != want {
			t.Errorf("FrameSize(%d) = %d, want %d", rate, got, want)
		}
	}
}

func TestIsSpeechSilenceAndTone(t *testing.T) {
	processor, err := NewProcessor(0.5, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	silence := make([]int16, processor.FrameSize())
	speech, err := processor.IsSpeech(silence)
	if err != nil {
		t.Fatalf("IsSpeech failed: %v", err)
	}
	if speech {
		t.Error("Expected silence to be classified as non-speech")
	}

	tone := make([]int16, processor.FrameSize())
	for i := range tone {
		tone[i] = int16(16000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}

	// Smoothing needs a couple of loud frames to cross the threshold.
	for i := 0; i < 3; i++ {
		speech, err = processor.IsSpeech(tone)
		if err != nil {
			t.Fatalf("IsSpeech failed: %v", err)
		}
	}
	if !speech {
		t.Error("Expected loud tone to be classified as speech")
	}

	stats := processor.Stats()
	if stats.TotalFrames != 4 {
		t.Errorf("Expected 4 frames, got %d", stats.TotalFrames)
	}
	if stats.SpeechFrames == 0 {
		t.Error("Expected at least one speech frame")
	}
}

func TestIsSpeechWrongFrameSize(t *testing.T) {
	processor, _ := NewProcessor(0.5, 8000)

	_, err := processor.IsSpeech(make([]int16, 100))
	if !errors.Is(err, ErrFrameSize) {
		t.Errorf("Expected ErrFrameSize, got %v", err)
	}

	if processor.Stats().TotalFrames != 0 {
		t.Error("Rejected frames must not be counted")
	}
}

func TestProcessorStats(t *testing.T) {
	processor, _ := NewProcessor(0.5, 8000)
	var _ StatsReporter = processor

	silence := make([]int16, processor.FrameSize())
	tone := make([]int16, processor.FrameSize())
	for i := range tone {
		tone[i] = int16(16000 * math.Sin(2*math.Pi*440*float64(i)/8000))
	}
	for _, frame := range [][]int16{silence, tone, tone, tone} {
		if _, err := processor.IsSpeech(frame); err != nil {
			t.Fatalf("IsSpeech failed: %v", err)
		}
	}

	stats := processor.Stats()
	if stats.TotalFrames != 4 {
		t.Errorf("Expected 4 frames, got %d", stats.TotalFrames)
	}
	if stats.SpeechFrames != 3 {
		t.Errorf("Expected 3 speech frames, got %d", stats.SpeechFrames)
	}
	if stats.SpeechPercentage != 75 {
		t.Errorf("Expected 75%% speech, got %f", stats.SpeechPercentage)
	}
	if stats.SampleRate != 8000 || stats.FrameSize != 240 {
		t.Errorf("Unexpected format in stats: %+v", stats)
	}
	if stats.LastProcessed.IsZero() {
		t.Error("Expected last processed time to be set")
	}
}
