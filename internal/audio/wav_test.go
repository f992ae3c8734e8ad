package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeWAV(t *testing.T) {
	// 440Hz sine wave for 0.1 seconds at 8kHz
	sampleRate := 8000
	duration := 0.1
	frequency := 440.0

	numSamples := int(float64(sampleRate) * duration)
	samples := make([]int16, numSamples)

	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		amplitude := 16383.0 // Half of max int16 to avoid clipping
		samples[i] = int16(amplitude * math.Sin(2*math.Pi*frequency*t))
	}

	wavData, err := EncodeWAV(samples, sampleRate, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	// WAV header should be 44 bytes
	expectedSize := 44 + len(samples)*2
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	if err := ValidateWAV(wavData); err != nil {
		t.Errorf("Generated WAV is invalid: %v", err)
	}

	_, info, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("Failed to decode WAV: %v", err)
	}

	if info.SampleRate != uint32(sampleRate) {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, info.SampleRate)
	}

	if info.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", info.Channels)
	}

	if info.BitsPerSample != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", info.BitsPerSample)
	}

	expectedDuration := float64(numSamples) / float64(sampleRate)
	if math.Abs(info.Duration-expectedDuration) > 0.001 {
		t.Errorf("Expected duration %.3f, got %.3f", expectedDuration, info.Duration)
	}
}

func TestDecodeWAV(t *testing.T) {
	originalSamples := []int16{100, -200, 300, -400, 500, -600}
	sampleRate := 16000

	wavData, err := EncodeWAV(originalSamples, sampleRate, 2)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	decodedSamples, info, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if info.SampleRate != uint32(sampleRate) {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, info.SampleRate)
	}
	if info.Channels != 2 {
		t.Errorf("Expected 2 channels, got %d", info.Channels)
	}

	if len(decodedSamples) != len(originalSamples) {
		t.Fatalf("Expected %d samples, got %d", len(originalSamples), len(decodedSamples))
	}

	for i, original := range originalSamples {
		if decodedSamples[i] != original {
			t.Errorf("Sample %d: expected %d, got %d", i, original, decodedSamples[i])
		}
	}

	// 3 stereo frames at 16kHz
	if math.Abs(info.Duration-3.0/16000) > 1e-9 {
		t.Errorf("Expected duration %.6f, got %.6f", 3.0/16000, info.Duration)
	}
}

func TestDecodeWAVSkipsUnknownChunks(t *testing.T) {
	samples := []int16{1, 2, 3, 4}
	wavData, err := EncodeWAV(samples, 8000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	// Insert an odd-sized LIST chunk between fmt and data.
	list := []byte{'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0}
	withList := append([]byte{}, wavData[:36]...)
	withList = append(withList, list...)
	withList = append(withList, wavData[36:]...)

	decoded, _, err := DecodeWAV(withList)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestDecodeWAVRejectsNonPCM(t *testing.T) {
	wavData, _ := EncodeWAV([]int16{1, 2}, 8000, 1)
	binary.LittleEndian.PutUint16(wavData[20:22], 3) // IEEE float

	if _, _, err := DecodeWAV(wavData); err == nil {
		t.Error("Expected error for non-PCM format")
	}
}

func TestEncodeWAVEmpty(t *testing.T) {
	_, err := EncodeWAV([]int16{}, 8000, 1)
	if err == nil {
		t.Error("Expected error for empty samples")
	}
}

func TestEncodeWAVInvalidFormat(t *testing.T) {
	samples := []int16{100, 200, 300}

	tests := []struct {
		name       string
		sampleRate int
		channels   int
	}{
		{"zero sample rate", 0, 1},
		{"negative sample rate", -1000, 1},
		{"zero channels", 8000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeWAV(samples, tt.sampleRate, tt.channels); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestValidateWAV(t *testing.T) {
	err := ValidateWAV([]byte{1, 2, 3})
	if err == nil {
		t.Error("Expected error for too short WAV data")
	}

	invalidWAV := make([]byte, 50)
	copy(invalidWAV[0:4], []byte("FAKE"))
	err = ValidateWAV(invalidWAV)
	if err == nil {
		t.Error("Expected error for invalid RIFF header")
	}
}

func TestFloatToPCM16(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{0.5, 16383},
		{-0.5, -16383},
		{1, 32767},
		{-1, -32767},
		{1.5, 32767},
		{-2, -32768},
		{float32(math.NaN()), 0},
	}

	for _, tt := range tests {
		if got := FloatToPCM16(tt.in); got != tt.want {
			t.Errorf("FloatToPCM16(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestWAVWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "take.wav")

	w, err := CreateWAV(path, 16000, 1)
	if err != nil {
		t.Fatalf("CreateWAV failed: %v", err)
	}

	chunk := make([]float32, 1600)
	for i := range chunk {
		chunk[i] = 0.25
	}
	for i := 0; i < 10; i++ {
		if err := w.WriteSamples(chunk); err != nil {
			t.Fatalf("WriteSamples failed: %v", err)
		}
	}

	if w.SamplesWritten() != 16000 {
		t.Errorf("Expected 16000 samples written, got %d", w.SamplesWritten())
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Second close is a no-op.
	if err := w.Close(); err != nil {
		t.Errorf("Second Close returned error: %v", err)
	}

	samples, info, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("ReadWAVFile failed: %v", err)
	}

	if len(samples) != 16000 {
		t.Fatalf("Expected 16000 samples, got %d", len(samples))
	}
	if math.Abs(info.Duration-1.0) > 0.001 {
		t.Errorf("Expected duration 1.0, got %.3f", info.Duration)
	}
	if info.DataSize != 32000 {
		t.Errorf("Expected data size 32000, got %d", info.DataSize)
	}

	want := float32(FloatToPCM16(0.25)) / 32768
	if samples[100] != want {
		t.Errorf("Expected sample %f, got %f", want, samples[100])
	}

	raw, _ := os.ReadFile(path)
	if got := binary.LittleEndian.Uint32(raw[4:8]); got != 36+32000 {
		t.Errorf("Expected RIFF size %d, got %d", 36+32000, got)
	}
}

func TestWAVWriterClosed(t *testing.T) {
	w, err := CreateWAV(filepath.Join(t.TempDir(), "closed.wav"), 8000, 1)
	if err != nil {
		t.Fatalf("CreateWAV failed: %v", err)
	}
	_ = w.Close()

	if err := w.WriteSamples([]float32{0.1}); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Expected ErrWriterClosed, got %v", err)
	}
}

func TestWAVWriterAbort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aborted.wav")
	w, err := CreateWAV(path, 8000, 1)
	if err != nil {
		t.Fatalf("CreateWAV failed: %v", err)
	}
	_ = w.WriteSamples([]float32{0.1, 0.2})

	if err := w.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected file to be removed, stat returned %v", err)
	}
}

func TestCreateWAVMissingDirectory(t *testing.T) {
	_, err := CreateWAV(filepath.Join(t.TempDir(), "missing", "x.wav"), 8000, 1)
	if err == nil {
		t.Error("Expected error for missing directory")
	}
}
