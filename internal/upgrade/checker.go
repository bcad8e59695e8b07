package upgrade

import (
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the migrations/ version this binary reads and writes.
const RequiredSchemaVersion uint = 2

// SchemaStatus is the outcome of comparing schema_migrations with this binary.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

var (
	ErrSchemaOutdated = errors.New("database schema is outdated")
	ErrSchemaDirty    = errors.New("database schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("database schema is newer than this binary")
)

// CheckSchema reads golang-migrate's bookkeeping row. A missing table or row
// means a fresh database that needs every migration.
func CheckSchema(db *sql.DB) (*SchemaStatus, error) {
	s := &SchemaStatus{RequiredVersion: RequiredSchemaVersion}
	err := db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&s.CurrentVersion, &s.Dirty)
	if err != nil {
		s.NeedsMigration = true
		return s, nil
	}
	if s.Dirty {
		return s, nil
	}
	switch {
	case s.CurrentVersion == RequiredSchemaVersion:
		s.Compatible = true
	case s.CurrentVersion < RequiredSchemaVersion:
		s.NeedsMigration = true
	}
	return s, nil
}

// Err maps a status to its sentinel, or nil when compatible.
func (s *SchemaStatus) Err() error {
	switch {
	case s.Dirty:
		return ErrSchemaDirty
	case s.CurrentVersion > s.RequiredVersion:
		return ErrSchemaAhead
	case s.NeedsMigration:
		return ErrSchemaOutdated
	}
	return nil
}

// FormatError explains how to get from s to a compatible schema.
func FormatError(s *SchemaStatus) string {
	switch s.Err() {
	case ErrSchemaDirty:
		prev := uint(0)
		if s.CurrentVersion > 0 {
			prev = s.CurrentVersion - 1
		}
		return fmt.Sprintf(
			"Database schema is dirty at v%d: a migration stopped halfway.\n\n"+
				"  Fix:  goinbox migrate force %d\n"+
				"  Then: goinbox upgrade\n",
			s.CurrentVersion, prev,
		)
	case ErrSchemaAhead:
		return fmt.Sprintf(
			"Database schema v%d is newer than this binary (requires v%d).\n\n"+
				"  Fix: deploy the goinbox release that matches the database.\n",
			s.CurrentVersion, s.RequiredVersion,
		)
	case ErrSchemaOutdated:
		return fmt.Sprintf(
			"Database schema is outdated: current v%d, required v%d.\n\n"+
				"  Run:  goinbox upgrade\n"+
				"  Or:   goinbox migrate up   (SQL only, skips data hooks)\n\n"+
				"  Set GOINBOX_AUTO_UPGRADE=true to upgrade on startup.\n",
			s.CurrentVersion, s.RequiredVersion,
		)
	}
	return ""
}
