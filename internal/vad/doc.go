// Package vad provides frame-level Voice Activity Detection.
// A Detector classifies one fixed-length frame of 16-bit PCM as speech or
// non-speech; the bundled Processor is an energy model with light smoothing.
package vad
