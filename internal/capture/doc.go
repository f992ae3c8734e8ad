// Package capture moves microphone audio from a device callback into the
// quality pipeline and decides when a recording ends.
//
// The device callback only pushes into a bounded Handoff and drops chunks
// when it is full. Pipeline.Run owns all session state on a single
// goroutine. A recording stops after the target duration of processed
// audio, after trailing silence, or when the producer closes the handoff.
package capture
