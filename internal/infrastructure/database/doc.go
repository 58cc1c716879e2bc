// Package database provides SQLite connectivity for devicelink.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Embedded, forward-only schema migrations
//   - Connection lifecycle and health checks
//
// SQLite allows a single writer, so the pool is capped at one open
// connection. Concurrent callers queue inside database/sql rather than
// failing with "database is locked".
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
