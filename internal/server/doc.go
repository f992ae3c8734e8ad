// Package server implements a local stand-in for the cowcow collection service.
// It issues tokens for form logins, accepts multipart recording uploads, awards
// tokens by audio length, and exposes health, stats and Prometheus endpoints.
package server
