// Package notify pushes incident and session alerts to an ntfy topic. When no
// topic is configured a noop implementation is returned so callers never need
// to branch on notification availability.
package notify
