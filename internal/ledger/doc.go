// Package ledger records scan executions and computes which discovered URLs
// are new versus already tracked.
//
// Every run is appended as an immutable ScanRun. ComputeDelta normalizes
// candidate URLs into stable keys and reports the lookups and classifications
// that known infringements made unnecessary. The re-sightings themselves are
// written with the run, so a run that fails to record advances nothing. CostRecorder buffers cost events for a single run until
// the owner flushes them.
package ledger
