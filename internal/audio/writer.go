package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// ErrWriterClosed is returned when writing to a finalized WAVWriter.
var ErrWriterClosed = errors.New("audio: wav writer closed")

// maxDataSize is the largest data chunk a RIFF header can describe.
const maxDataSize = math.MaxUint32 - 36

// WAVWriter streams 16-bit PCM samples to a file. The header is written
// with zero sizes up front and patched on Close.
type WAVWriter struct {
	file       *os.File
	buf        *bufio.Writer
	path       string
	sampleRate int
	channels   int

	dataSize uint64
	scratch  []byte
	closed   bool
}

// CreateWAV creates (or truncates) path and writes a placeholder header.
func CreateWAV(path string, sampleRate, channels int) (*WAVWriter, error) {
	if err := validateFormat(sampleRate, channels); err != nil {
		return nil, err
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file %s: %w", path, err)
	}

	w := &WAVWriter{
		file:       file,
		buf:        bufio.NewWriterSize(file, 64*1024),
		path:       path,
		sampleRate: sampleRate,
		channels:   channels,
	}

	header := newWAVHeader(sampleRate, channels, 0)
	if err := binary.Write(w.buf, binary.LittleEndian, header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return w, nil
}

// WriteSamples converts normalized samples to PCM-16 and appends them.
func (w *WAVWriter) WriteSamples(samples []float32) error {
	if w.closed {
		return ErrWriterClosed
	}

	n := len(samples) * 2
	if w.dataSize+uint64(n) > maxDataSize {
		return fmt.Errorf("WAV data would exceed %d bytes", uint64(maxDataSize))
	}

	if cap(w.scratch) < n {
		w.scratch = make([]byte, n)
	}
	out := w.scratch[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToPCM16(s)))
	}

	if _, err := w.buf.Write(out); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}
	w.dataSize += uint64(n)
	return nil
}

// Close flushes buffered data, patches the header sizes, and closes the
// file. Calling Close again is a no-op.
func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.finalize(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *WAVWriter) finalize() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAV data: %w", err)
	}

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek WAV header: %w", err)
	}

	header := newWAVHeader(w.sampleRate, w.channels, uint32(w.dataSize))
	if err := binary.Write(w.file, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("failed to patch WAV header: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAV file: %w", err)
	}
	return nil
}

// Abort closes the file without finalizing and removes it.
func (w *WAVWriter) Abort() error {
	if !w.closed {
		w.closed = true
		w.file.Close()
	}
	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", w.path, err)
	}
	return nil
}

// Path returns the file being written.
func (w *WAVWriter) Path() string {
	return w.path
}

// SamplesWritten returns the number of samples (all channels) written so far.
func (w *WAVWriter) SamplesWritten() uint64 {
	return w.dataSize / 2
}
