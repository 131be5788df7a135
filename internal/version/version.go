// Package version exposes build-time identifiers for the health endpoint
// and structured logs. Version and CommitSHA are set via -ldflags at
// build time; SchemaVersion tracks the migrations directory and is bumped
// by hand alongside new migration files.
package version

var (
	Version   = "dev"
	CommitSHA = "unknown"
)

// SchemaVersion identifies the expected migrations/ state. Bump it when
// adding a migration so a running engine's health output reflects which
// schema generation it expects.
const SchemaVersion = 1
