package quality

import "fmt"

// Policy is the static quality gate applied to stored metrics before upload
type Policy struct {
	MinSNRDB       float64
	MaxClippingPct float64
	MinVADRatio    float64
}

// Check reports whether m passes the gate. When it does not, reason names
// the first failing threshold.
func (p Policy) Check(m Metrics) (bool, string) {
	// Written as !(x >= min) so a NaN SNR never passes.
	if !(m.SNRDB >= p.MinSNRDB) {
		return false, fmt.Sprintf("snr %.1f dB below minimum %.1f dB", m.SNRDB, p.MinSNRDB)
	}
	if m.ClippingPct > p.MaxClippingPct {
		return false, fmt.Sprintf("clipping %.2f%% above maximum %.2f%%", m.ClippingPct, p.MaxClippingPct)
	}
	if m.VADRatio < p.MinVADRatio {
		return false, fmt.Sprintf("vad ratio %.1f%% below minimum %.1f%%", m.VADRatio, p.MinVADRatio)
	}
	return true, ""
}
