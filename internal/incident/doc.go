// Package incident maintains the append-only incident log and fans incidents
// out to connected watchers.
//
// Every accepted incident receives a monotonically increasing sequence number
// from the backing database. Duplicate reports are detected by incident id and
// by the (task id, detection id) pair and acknowledged without creating a new
// log entry. Watchers resume from a sequence number after reconnecting, so a
// sequence is never delivered twice to the same watcher and gaps are filled
// from the log.
package incident
