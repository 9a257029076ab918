// Package notification holds the data model shared by the delivery pipeline:
// notification records, per-recipient state, content snapshots and the
// messages exchanged between orchestrator, send workers and aggregator.
package notification
