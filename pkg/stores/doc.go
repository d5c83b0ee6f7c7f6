// Package stores provides the SQLite-backed inventory for stackctl.
// It persists compute node records keyed by provider id, the single-row
// latest deployment configuration and an audit trail of drift corrections
// and deployment outcomes. Every failure to reach the database surfaces as
// engine.ErrStorageUnavailable.
package stores
