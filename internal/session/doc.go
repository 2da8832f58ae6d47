// Package session persists analysis sessions in SQLite and exposes helpers
// for driving their lifecycle.
//
// The Store manages database connections, schema initialization, stats
// queries, the pending→processing→{completed,failed} state machine, and the
// external-job correlation column that links a client-visible task id to the
// inference service's job id. Garbage collection fails stale sessions and
// evicts expired terminal ones on a sweep interval.
//
// Treat this package as the single source of truth for session semantics;
// when you add new statuses or fields, update schema.sql and bump
// schemaVersion.
package session
