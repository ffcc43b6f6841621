// Package catalog is the SQLite-backed local store: media, servers,
// packages, file index, history, holds, blacklist, peers, config. It is the
// sole writer of /var/lib/urpm/packages.db and
// exposes a typed API rather than raw SQL to the rest of the system.
package catalog

import (
	"database/sql"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Store wraps the catalog's single SQLite connection. All writes are
// serialized through writeMu; reads use the same *sql.DB but need no
// exclusivity since SQLite's WAL mode gives snapshot isolation to
// readers.
type Store struct {
	db *sql.DB

	writeMu sync.Mutex
}

// Open opens (and if necessary creates and migrates) the catalog database
// at path. WAL mode is enabled unconditionally so daemon query endpoints
// never contend with the writer.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithMessage(err, "opening catalog database")
	}

	// A single *sql.DB with one open write connection avoids SQLITE_BUSY
	// under our own writeMu discipline; readers still get their own
	// implicit connections from the pool for snapshot reads.
	db.SetMaxOpenConns(4)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, errors.WithMessage(err, "enabling WAL mode")
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, errors.WithMessage(err, "enabling foreign keys")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs any outstanding schema migrations in ascending order, each
// inside its own transaction Every migration statement
// is idempotent, so re-running a migration that already applied is safe.
func (s *Store) migrate() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_info (version INTEGER NOT NULL);`); err != nil {
		return errors.WithMessage(err, "provisioning schema_info")
	}

	var current int
	row := s.db.QueryRow(`SELECT version FROM schema_info LIMIT 1;`)
	if err := row.Scan(&current); err == sql.ErrNoRows {
		current = 0
	} else if err != nil {
		return errors.WithMessage(err, "reading schema version")
	}

	for v := current; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return errors.WithMessage(err, "starting migration transaction")
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return errors.WithMessagef(err, "applying migration %d", v+1)
		}
		if current == 0 && v == 0 {
			if _, err := tx.Exec(`INSERT INTO schema_info (version) VALUES (?);`, v+1); err != nil {
				tx.Rollback()
				return err
			}
		} else {
			if _, err := tx.Exec(`UPDATE schema_info SET version = ?;`, v+1); err != nil {
				tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return errors.WithMessagef(err, "committing migration %d", v+1)
		}
	}

	return s.createIndexes()
}

// createIndexes (re)creates the secondary indexes over the bulk-loaded
// tables. Runs at startup after migrations and again after a bulk import
// drops them.
func (s *Store) createIndexes() error {
	for _, idx := range catalogIndexes {
		if _, err := s.db.Exec(idx.create); err != nil {
			return errors.WithMessagef(err, "creating index %s", idx.name)
		}
	}
	return nil
}

// beginBulkImport prepares a first-ever media ingestion: durability is
// relaxed, the secondary indexes are dropped so rows bulk-insert without
// index churn, and the full-text index is emptied. The returned restore
// func recreates the indexes, rebuilds the FTS index from its content
// table, and reinstates conservative pragmas; callers must invoke it
// before releasing the connection to non-bulk use. This is the only path
// that drops and rebuilds the full-text index.
func (s *Store) beginBulkImport() (restore func(), err error) {
	pragmas := []string{
		`PRAGMA synchronous=OFF;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA cache_size=-131072;`, // ~128MB page cache
		`PRAGMA mmap_size=268435456;`,
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return nil, errors.WithMessage(err, "setting bulk-import pragma")
		}
	}

	for _, idx := range catalogIndexes {
		if _, err := s.db.Exec(`DROP INDEX IF EXISTS ` + idx.name + `;`); err != nil {
			return nil, errors.WithMessagef(err, "dropping index %s", idx.name)
		}
	}
	if _, err := s.db.Exec(`INSERT INTO package_files_fts(package_files_fts) VALUES('delete-all');`); err != nil {
		return nil, errors.WithMessage(err, "emptying file-search index")
	}

	return func() {
		s.createIndexes()
		s.db.Exec(`INSERT INTO package_files_fts(package_files_fts) VALUES('rebuild');`)
		s.db.Exec(`PRAGMA synchronous=NORMAL;`)
		s.db.Exec(`PRAGMA temp_store=FILE;`)
		s.db.Exec(`PRAGMA cache_size=-2000;`)
		s.db.Exec(`PRAGMA mmap_size=0;`)
	}, nil
}
