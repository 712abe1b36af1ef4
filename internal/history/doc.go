// Package history persists what the BenQ bridge observes.
//
// Two kinds of record are kept in the bridge's SQLite database:
//   - state changes emitted by the monitor loop (one row per key change)
//   - capability examination reports (stored as JSON)
//
// The schema lives in the migrations package; open the database with
// database.OpenMigrated after importing it for side effects.
//
// Usage:
//
//	repo := history.NewSQLiteRepository(db.DB)
//	_ = repo.RecordStateChange(ctx, "projector-01", "pow", "off", "on", time.Now())
//	entries, _ := repo.GetHistory(ctx, "projector-01", "", 20)
//
// Thread Safety:
//
// SQLiteRepository is safe for concurrent use; database/sql serialises
// access to the single SQLite writer.
package history
