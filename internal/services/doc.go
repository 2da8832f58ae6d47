// Package services holds the shared error taxonomy and context annotation
// helpers used by the clients that talk to external systems.
package services
