package upgrade

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "schema.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCheckSchema(t *testing.T) {
	tests := []struct {
		name    string
		version int
		dirty   bool
		wantErr error
		hint    string
	}{
		{"current", int(RequiredSchemaVersion), false, nil, ""},
		{"behind", 1, false, ErrSchemaOutdated, "goinbox upgrade"},
		{"ahead", int(RequiredSchemaVersion) + 1, false, ErrSchemaAhead, "newer than this binary"},
		{"dirty", 2, true, ErrSchemaDirty, "migrate force 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openDB(t)
			if _, err := db.Exec(`CREATE TABLE schema_migrations (version BIGINT NOT NULL, dirty BOOLEAN NOT NULL)`); err != nil {
				t.Fatal(err)
			}
			if _, err := db.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, tt.version, tt.dirty); err != nil {
				t.Fatal(err)
			}
			s, err := CheckSchema(db)
			if err != nil {
				t.Fatal(err)
			}
			if s.Err() != tt.wantErr {
				t.Errorf("Err() = %v, want %v", s.Err(), tt.wantErr)
			}
			if s.Compatible != (tt.wantErr == nil) {
				t.Errorf("Compatible = %v", s.Compatible)
			}
			if msg := FormatError(s); !strings.Contains(msg, tt.hint) {
				t.Errorf("FormatError = %q, want it to mention %q", msg, tt.hint)
			}
		})
	}
}

func TestCheckSchemaFreshDatabase(t *testing.T) {
	s, err := CheckSchema(openDB(t))
	if err != nil {
		t.Fatal(err)
	}
	if !s.NeedsMigration || s.Err() != ErrSchemaOutdated {
		t.Errorf("fresh db status = %+v", s)
	}
}

func TestSeedHookRegistered(t *testing.T) {
	found := false
	for _, h := range registry {
		if h.name == "001_seed_channels" {
			found = true
		}
	}
	if !found {
		t.Error("seed hook not registered")
	}
}
