// Package recorder runs a single capture session end to end: it opens the
// default input device, streams audio through the capture pipeline into a WAV
// file, and commits the finished recording to the ledger.
package recorder
