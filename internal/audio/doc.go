// Package audio handles WAV encoding, decoding and sample conversion.
// WAVWriter streams normalized float samples to disk as 16-bit PCM and
// patches the RIFF header once the recording is finished.
package audio
