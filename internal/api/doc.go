// Package api defines the transport payloads exchanged between the daemon's
// HTTP surface and its clients, plus the HTTP client the CLI uses.
package api
