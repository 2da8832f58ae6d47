// Package logging configures structured slog output for the daemon and CLI.
//
// It builds console or JSON handlers from configuration, fans output to
// stdout and the daemon log file, and exposes shared attribute helpers so
// every component logs task ids, components, and errors under the same keys.
package logging
