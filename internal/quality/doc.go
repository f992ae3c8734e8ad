// Package quality measures recording quality.
//
// Each chunk yields RMS-derived metrics: the share of clipped samples, the
// share of 30 ms frames a vad.Detector classifies as speech, and a heuristic
// SNR of 20*log10(rms) - (-60 + 0.1*clipping_pct). Session metrics are the
// arithmetic mean over chunks. Policy is the upload quality gate.
package quality
