// Package database opens the bridge's SQLite history file and keeps its
// schema current.
//
// The history package stores projector state changes and examination
// reports here. The schema lives in the migrations package as forward-only
// steps named YYYYMMDD_HHMMSS_name.up.sql; new columns must be nullable or
// carry a default so an older bridge binary can still read the file.
//
// Usage:
//
//	db, err := database.OpenMigrated(ctx, database.ConfigFrom(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	repo := history.NewSQLiteRepository(db.DB)
//
// The file is created with mode 0600.
package database
