package quality

import (
	"encoding/json"
	"errors"
	"math"
)

// ErrNoChunks is returned when averaging a session that processed no audio.
var ErrNoChunks = errors.New("quality: no chunks processed")

// Metrics holds the quality measurements for one chunk or a whole session
type Metrics struct {
	SNRDB       float64 `json:"snr_db"`
	ClippingPct float64 `json:"clipping_pct"` // 0..100
	VADRatio    float64 `json:"vad_ratio"`    // 0..100
}

type metricsJSON struct {
	SNRDB       *float64 `json:"snr_db"`
	ClippingPct float64  `json:"clipping_pct"`
	VADRatio    float64  `json:"vad_ratio"`
}

// MarshalJSON encodes a non-finite SNR (digital silence) as null.
func (m Metrics) MarshalJSON() ([]byte, error) {
	out := metricsJSON{ClippingPct: m.ClippingPct, VADRatio: m.VADRatio}
	if !math.IsInf(m.SNRDB, 0) && !math.IsNaN(m.SNRDB) {
		snr := m.SNRDB
		out.SNRDB = &snr
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a null SNR as negative infinity.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var in metricsJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	m.ClippingPct = in.ClippingPct
	m.VADRatio = in.VADRatio
	if in.SNRDB == nil {
		m.SNRDB = math.Inf(-1)
	} else {
		m.SNRDB = *in.SNRDB
	}
	return nil
}

// Average returns the field-wise arithmetic mean of chunks
func Average(chunks []Metrics) (Metrics, error) {
	if len(chunks) == 0 {
		return Metrics{}, ErrNoChunks
	}

	var sum Metrics
	for _, m := range chunks {
		sum.SNRDB += m.SNRDB
		sum.ClippingPct += m.ClippingPct
		sum.VADRatio += m.VADRatio
	}

	n := float64(len(chunks))
	return Metrics{
		SNRDB:       sum.SNRDB / n,
		ClippingPct: sum.ClippingPct / n,
		VADRatio:    sum.VADRatio / n,
	}, nil
}

// Accumulator collects per-chunk metrics for a capture session.
// It is not safe for concurrent use.
type Accumulator struct {
	chunks []Metrics
}

// Add appends one chunk's metrics
func (a *Accumulator) Add(m Metrics) {
	a.chunks = append(a.chunks, m)
}

// Len returns the number of chunks added
func (a *Accumulator) Len() int {
	return len(a.chunks)
}

// Average returns the session average, or ErrNoChunks
func (a *Accumulator) Average() (Metrics, error) {
	return Average(a.chunks)
}
