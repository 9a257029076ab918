// Package storage persists the delivery pipeline state: notification records,
// recipient rows, the global throttle row, orchestration checkpoints, leases
// and the local user directory.
//
// Two backends implement Store:
//   - sqlite (modernc, pure Go) for single-node deployments and tests
//   - postgres (gorm) for multi-process deployments
//
// Every counter write is conditional on the record version so concurrent
// aggregators never lose increments.
package storage
