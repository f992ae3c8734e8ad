// Package config provides configuration loading and validation for cowcow.
// It handles the YAML file under the data directory, writes defaults on first
// run, and supports updating single dotted keys from the command line.
package config
