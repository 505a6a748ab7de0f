// Package database provides SQLite connectivity for Homecore.
//
// This package manages:
//   - Database connection with WAL mode for concurrent reads
//   - Versioned schema migrations read from an embedded filesystem
//   - Health checks and lifecycle management
//
// All queries in the repositories built on top of it use parameterised
// statements. The database file is created with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql. The migrations package registers them at init.
package database
