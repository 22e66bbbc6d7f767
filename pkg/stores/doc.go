// Package stores provides the SQLite-backed run-state store. It records every
// restore run, its completed steps with their compensating actions, and the
// outcome of any rollback, durably enough to survive a crash mid-restore.
package stores
