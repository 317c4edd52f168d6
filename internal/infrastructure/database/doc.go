// Package database provides SQLite storage for DeepSeek Control.
//
// The wrapper configures the connection for embedded single-writer use:
// WAL journal mode, a busy timeout for lock contention, and foreign key
// enforcement. The connection pool is capped at one connection because
// SQLite serializes writers anyway.
//
// Schema migrations are embedded in the binary and applied at startup
// via Migrate. Each migration runs in its own transaction and is
// recorded in the schema_migrations table, so restarts are idempotent.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{
//		Path:        "/var/lib/deepseek-control/deepseek.db",
//		WALMode:     true,
//		BusyTimeout: 5,
//	})
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//		return err
//	}
package database
