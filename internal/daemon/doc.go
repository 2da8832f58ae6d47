// Package daemon wires the session registry, incident publisher, coordinator
// and HTTP API into a single supervised process with single-instance locking.
package daemon
