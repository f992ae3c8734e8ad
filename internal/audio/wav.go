package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// WAVHeader represents the canonical 44-byte header of a PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

const (
	wavHeaderSize = 44
	bitsPerSample = 16
)

// WAVInfo describes the format and length of a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

func newWAVHeader(sampleRate, channels int, dataSize uint32) WAVHeader {
	numChannels := uint16(channels)
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * bitsPerSample / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

func validateFormat(sampleRate, channels int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 || channels > 0xffff {
		return fmt.Errorf("channel count must be between 1 and 65535, got %d", channels)
	}
	return nil
}

// EncodeWAV encodes interleaved PCM-16 samples into an in-memory WAV file
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if err := validateFormat(sampleRate, channels); err != nil {
		return nil, err
	}

	header := newWAVHeader(sampleRate, channels, uint32(len(samples)*2))

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV decodes a 16-bit PCM WAV file into interleaved samples.
// Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(data []byte) ([]int16, *WAVInfo, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, nil, err
	}

	var info *WAVInfo
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+size > len(data) {
			if id != "data" {
				return nil, nil, fmt.Errorf("invalid WAV file: %q chunk overruns file", id)
			}
			// Writers that crashed before finalizing leave an oversized data chunk.
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			parsed, err := parseFormatChunk(data[body : body+size])
			if err != nil {
				return nil, nil, err
			}
			info = parsed
		case "data":
			if info == nil {
				return nil, nil, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			numSamples := size / 2
			samples := make([]int16, numSamples)
			if err := binary.Read(bytes.NewReader(data[body:body+numSamples*2]), binary.LittleEndian, samples); err != nil {
				return nil, nil, fmt.Errorf("failed to read audio samples: %w", err)
			}
			info.DataSize = uint32(numSamples * 2)
			info.NumSamples = uint32(numSamples)
			frames := numSamples / int(info.Channels)
			info.Duration = float64(frames) / float64(info.SampleRate)
			return samples, info, nil
		}

		// Chunks are word aligned.
		offset = body + size + size%2
	}

	return nil, nil, fmt.Errorf("invalid WAV file: missing data chunk")
}

func parseFormatChunk(chunk []byte) (*WAVInfo, error) {
	if len(chunk) < 16 {
		return nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", len(chunk))
	}

	audioFormat := binary.LittleEndian.Uint16(chunk[0:2])
	channels := binary.LittleEndian.Uint16(chunk[2:4])
	sampleRate := binary.LittleEndian.Uint32(chunk[4:8])
	bits := binary.LittleEndian.Uint16(chunk[14:16])

	if audioFormat != 1 {
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", audioFormat)
	}
	if bits != bitsPerSample {
		return nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", bits)
	}
	if channels == 0 {
		return nil, fmt.Errorf("invalid WAV file: zero channels")
	}
	if sampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	return &WAVInfo{
		SampleRate:    sampleRate,
		Channels:      channels,
		BitsPerSample: bits,
	}, nil
}

// ValidateWAV checks the RIFF/WAVE signature without decoding audio data
func ValidateWAV(data []byte) error {
	if len(data) < wavHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	return nil
}

// ReadWAVFile loads a WAV file and returns its samples normalized to [-1, 1)
func ReadWAVFile(path string) ([]float32, *WAVInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read WAV file %s: %w", path, err)
	}

	pcm, info, err := DecodeWAV(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode WAV file %s: %w", path, err)
	}

	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768.0
	}
	return samples, info, nil
}

// FloatToPCM16 converts a normalized sample to 16-bit PCM, saturating
// values outside [-1, 1].
func FloatToPCM16(sample float32) int16 {
	v := float64(sample) * 32767.0
	if v >= 32767 {
		return 32767
	}
	if v <= -32768 {
		return -32768
	}
	if v != v { // NaN
		return 0
	}
	return int16(v)
}
