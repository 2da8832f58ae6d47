// Package config loads, normalizes, and validates Roadwatch configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and centralizes every knob the daemon and CLI
// need: data/log directories, the API bind address, upstream inference and
// report service endpoints, session retention windows, and incident stream
// tuning.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
