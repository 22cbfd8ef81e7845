// Package database provides the SQLite store for Panda Breath history.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Versioned schema migrations read from any fs.FS
//   - Single-connection pooling suited to SQLite's one writer
//
// The database file is created with 0600 permissions. All queries use
// parameterised statements.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_name.up.sql with an optional
// matching .down.sql.
package database
