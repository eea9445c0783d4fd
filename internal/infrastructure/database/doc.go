// Package database provides the SQLite store behind the lifecycle journal.
//
// This package manages:
//   - The connection, with WAL mode and a busy timeout
//   - Schema migrations read from an fs.FS (the migrations package embeds them)
//   - File permissions of the database (0600)
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
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. They are applied oldest first, each in its
// own transaction, and recorded in schema_migrations.
package database
