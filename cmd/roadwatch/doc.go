// Command roadwatch is the operator CLI for the roadwatch daemon: session
// submission and inspection, incident streaming, and report retrieval over
// the daemon's HTTP API.
package main
