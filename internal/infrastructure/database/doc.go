// Package database provides SQLite connectivity for the locker kiosk core.
//
// This package manages:
//   - the connection (single writer, optional WAL mode, busy timeout)
//   - embedded schema migrations recorded in schema_migrations
//   - WithTx, the helper every multi-statement write goes through
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql, and are registered by importing the
// top-level migrations package.
package database
