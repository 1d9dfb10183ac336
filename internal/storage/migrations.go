package storage

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded SQL file. Files apply in name order.
type Migration struct {
	Name     string
	Checksum string // BLAKE3 of the file contents
	sql      string
}

// Migrate applies pending base migrations. Partition creation is versioned
// separately through PRAGMA user_version.
func (db *DB) Migrate() error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrMigrationFailed, err)
	}
	return db.migrateFrom(sub)
}

// migrateFrom applies every *.sql file in src not yet recorded in
// _migrations. A recorded migration whose file changed since it was applied
// stops the run with ErrMigrationFailed; nothing after it is applied.
func (db *DB) migrateFrom(src fs.FS) error {
	log := logging.For("storage")

	if _, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("%w: create _migrations: %w", core.ErrMigrationFailed, err)
	}

	applied, err := db.appliedChecksums()
	if err != nil {
		return err
	}
	available, err := loadMigrations(src)
	if err != nil {
		return err
	}

	for _, m := range available {
		l := log.WithFields(map[string]interface{}{"migration": m.Name, "checksum": m.Checksum[:12]})

		if sum, ok := applied[m.Name]; ok {
			if sum != "" && sum != m.Checksum {
				return fmt.Errorf("%w: %s changed after it was applied", core.ErrMigrationFailed, m.Name)
			}
			continue
		}

		if err := db.Transaction(func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.sql); err != nil {
				return err
			}
			_, err := tx.Exec("INSERT INTO _migrations (name, checksum) VALUES (?, ?)", m.Name, m.Checksum)
			return err
		}); err != nil {
			return fmt.Errorf("%w: %s: %w", core.ErrMigrationFailed, m.Name, err)
		}
		l.Debug("applied")
	}
	return nil
}

// AppliedMigrations lists recorded migrations in application order.
func (db *DB) AppliedMigrations() ([]Migration, error) {
	rows, err := db.conn.Query("SELECT name, checksum FROM _migrations ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Migration
	for rows.Next() {
		var m Migration
		if err := rows.Scan(&m.Name, &m.Checksum); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *DB) appliedChecksums() (map[string]string, error) {
	list, err := db.AppliedMigrations()
	if err != nil {
		return nil, fmt.Errorf("read _migrations: %w", err)
	}
	sums := make(map[string]string, len(list))
	for _, m := range list {
		sums[m.Name] = m.Checksum
	}
	return sums, nil
}

func loadMigrations(src fs.FS) ([]Migration, error) {
	names, err := fs.Glob(src, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(src, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		sum := blake3.Sum256(data)
		out = append(out, Migration{
			Name:     path.Base(name),
			Checksum: hex.EncodeToString(sum[:]),
			sql:      string(data),
		})
	}
	return out, nil
}
