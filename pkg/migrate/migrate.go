// Package migrate applies versioned SQL migrations to a database. The
// applied version is tracked in a schema_migrations table so opening an
// older database upgrades it in place.
package migrate

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one versioned schema step. Down may be empty for
// migrations that are not meant to be reverted.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrator runs migrations against a single database connection.
type Migrator struct {
	db         *sql.DB
	table      string
	migrations []Migration
}

// New creates a migrator for the given migration set. The table name is
// where the applied version is recorded; empty means "schema_migrations".
func New(db *sql.DB, table string, migrations []Migration) *Migrator {
	if table == "" {
		table = "schema_migrations"
	}
	ms := make([]Migration, len(migrations))
	copy(ms, migrations)
	sort.Slice(ms, func(i, j int) bool { return ms[i].Version < ms[j].Version })
	return &Migrator{db: db, table: table, migrations: ms}
}

// Up applies every migration newer than the database's current version.
func (m *Migrator) Up() error {
	if len(m.migrations) == 0 {
		return nil
	}
	return m.To(m.migrations[len(m.migrations)-1].Version)
}

// To migrates the database to exactly the given version, applying or
// reverting migrations as needed.
func (m *Migrator) To(target int) error {
	if err := m.ensureVersionTable(); err != nil {
		return err
	}
	current, err := m.Version()
	if err != nil {
		return err
	}

	if target >= current {
		for _, mg := range m.migrations {
			if mg.Version > current && mg.Version <= target {
				if err := m.apply(mg, true); err != nil {
					return fmt.Errorf("applying migration %d (%s): %w", mg.Version, mg.Name, err)
				}
			}
		}
		return nil
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		mg := m.migrations[i]
		if mg.Version <= current && mg.Version > target {
			if err := m.apply(mg, false); err != nil {
				return fmt.Errorf("reverting migration %d (%s): %w", mg.Version, mg.Name, err)
			}
		}
	}
	return nil
}

// Version returns the database's current migration version.
func (m *Migrator) Version() (int, error) {
	if err := m.ensureVersionTable(); err != nil {
		return 0, err
	}
	var v int
	err := m.db.QueryRow(fmt.Sprintf(`SELECT version FROM %s LIMIT 1`, m.table)).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading migration version: %w", err)
	}
	return v, nil
}

// Pending returns the migrations newer than the current version, in
// apply order.
func (m *Migrator) Pending() ([]Migration, error) {
	current, err := m.Version()
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, mg := range m.migrations {
		if mg.Version > current {
			pending = append(pending, mg)
		}
	}
	return pending, nil
}

func (m *Migrator) ensureVersionTable() error {
	_, err := m.db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (version INTEGER NOT NULL)`, m.table))
	if err != nil {
		return fmt.Errorf("creating migration table: %w", err)
	}
	return nil
}

// apply runs one migration and records the resulting version, both
// inside a single transaction.
func (m *Migrator) apply(mg Migration, up bool) error {
	stmt := mg.Up
	newVersion := mg.Version
	if !up {
		stmt = mg.Down
		newVersion = mg.Version - 1
	}
	if stmt == "" {
		return fmt.Errorf("migration has no SQL for this direction")
	}

	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(stmt); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s`, m.table)); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (version) VALUES (?)`, m.table), newVersion); err != nil {
		return err
	}
	return tx.Commit()
}
