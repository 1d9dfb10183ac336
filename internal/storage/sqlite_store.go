package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/logging"
)

// SQLiteStore is the default ResourceStore.
//
// The connection opens in the background; every operation first waits on the
// readiness gate. Partitions form a versioned catalog: adding one bumps
// PRAGMA user_version while holding the gate exclusively, so no read or write
// overlaps an upgrade.
type SQLiteStore struct {
	cfg Config
	db  *DB

	ready   chan struct{}
	openErr error

	gate    sync.RWMutex
	version int
	known   map[string]bool

	// beforeUpgrade runs ahead of each upgrade attempt. Tests use it to move
	// the version underneath the store.
	beforeUpgrade func(db *DB)

	log *logging.Logger
}

// NewSQLiteStore starts opening the database and returns immediately.
func NewSQLiteStore(cfg Config) *SQLiteStore {
	s := &SQLiteStore{
		cfg:   cfg,
		ready: make(chan struct{}),
		known: make(map[string]bool),
		log:   logging.For("sqlite"),
	}
	go s.open()
	return s
}

// OpenSQLiteStore opens the database and waits until it is ready.
func OpenSQLiteStore(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s := NewSQLiteStore(cfg)
	if err := s.wait(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) open() {
	defer close(s.ready)

	db, err := Open(s.cfg)
	if err != nil {
		s.openErr = fmt.Errorf("%w: %w", core.ErrBackendUnavailable, err)
		return
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		s.openErr = fmt.Errorf("%w: %w", core.ErrMigrationFailed, err)
		return
	}
	s.db = db
	if err := s.reload(context.Background()); err != nil {
		db.Close()
		s.db = nil
		s.openErr = fmt.Errorf("%w: %w", core.ErrBackendUnavailable, err)
		return
	}
	s.log.WithField("version", s.version).Debug("store ready")
}

// wait blocks until the background open finished or ctx is done.
func (s *SQLiteStore) wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.openErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rlock waits for readiness and takes the gate shared.
func (s *SQLiteStore) rlock(ctx context.Context) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.gate.RLock()
	if s.db == nil {
		s.gate.RUnlock()
		return core.ErrStoreClosed
	}
	return nil
}

// DB returns the underlying database once it is ready.
func (s *SQLiteStore) DB(ctx context.Context) (*DB, error) {
	if err := s.rlock(ctx); err != nil {
		return nil, err
	}
	defer s.gate.RUnlock()
	return s.db, nil
}

// Version returns the partition catalog version seen by this store.
func (s *SQLiteStore) Version() int {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.version
}

// reload re-reads user_version and the partition catalog.
// Callers hold the gate exclusively, or are the opener.
func (s *SQLiteStore) reload(ctx context.Context) error {
	version, err := s.db.UserVersion()
	if err != nil {
		return err
	}

	rows, err := s.db.conn.QueryContext(ctx, "SELECT name FROM partitions")
	if err != nil {
		return fmt.Errorf("read partitions: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		known[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.version = version
	s.known = known
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, resourceType, resourceID string) (*core.Record, error) {
	if err := s.rlock(ctx); err != nil {
		return nil, err
	}
	defer s.gate.RUnlock()

	var data string
	err := s.db.conn.QueryRowContext(ctx,
		"SELECT data FROM records WHERE resource_type = ? AND resource_id = ?",
		resourceType, resourceID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", resourceType, resourceID, err)
	}
	return decodeRecord([]byte(data))
}

func (s *SQLiteStore) Set(ctx context.Context, resourceType, resourceID string, record *core.Record) error {
	if err := validateKey(resourceType, resourceID); err != nil {
		return err
	}
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if err := s.EnsureStoreExists(ctx, resourceType); err != nil {
		return err
	}

	if err := s.rlock(ctx); err != nil {
		return err
	}
	defer s.gate.RUnlock()

	// Once issued, the write completes even if the caller goes away
	_, err = s.db.conn.ExecContext(context.WithoutCancel(ctx), `
		INSERT INTO records (resource_type, resource_id, data) VALUES (?, ?, ?)
		ON CONFLICT (resource_type, resource_id)
		DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP
	`, resourceType, resourceID, string(data))
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

func (s *SQLiteStore) GetAllOfType(ctx context.Context, resourceType string) ([]core.Entry, error) {
	if err := s.rlock(ctx); err != nil {
		return nil, err
	}
	defer s.gate.RUnlock()

	rows, err := s.db.conn.QueryContext(ctx,
		"SELECT resource_id, data FROM records WHERE resource_type = ? ORDER BY seq",
		resourceType,
	)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", resourceType, err)
	}
	defer rows.Close()

	entries := []core.Entry{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		record, err := decodeRecord([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", resourceType, id, err)
		}
		entries = append(entries, core.Entry{ID: id, Record: record})
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) GetResourceTypes(ctx context.Context) ([]string, error) {
	if err := s.rlock(ctx); err != nil {
		return nil, err
	}
	defer s.gate.RUnlock()

	rows, err := s.db.conn.QueryContext(ctx, "SELECT name FROM partitions ORDER BY version, name")
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var all []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		all = append(all, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return visibleTypes(all), nil
}

// EnsureStoreExists adds the partition if this store has not seen it.
// A version that moved underneath the upgrade triggers one recovery: the
// actual version is re-read and the upgrade retried once.
func (s *SQLiteStore) EnsureStoreExists(ctx context.Context, resourceType string) error {
	if resourceType == "" {
		return fmt.Errorf("%w: resource type", core.ErrMissingRequired)
	}
	if err := s.wait(ctx); err != nil {
		return err
	}

	s.gate.RLock()
	known := s.known[resourceType]
	s.gate.RUnlock()
	if known {
		return nil
	}

	s.gate.Lock()
	defer s.gate.Unlock()
	if s.db == nil {
		return core.ErrStoreClosed
	}

	// Another caller may have created it while we waited
	if s.known[resourceType] {
		return nil
	}

	err := s.upgrade(ctx, resourceType)

	var verr *VersionError
	if errors.As(err, &verr) {
		s.log.WithFields(map[string]interface{}{
			"expected": verr.Expected,
			"actual":   verr.Actual,
			"type":     resourceType,
		}).Warn("partition catalog changed underneath, reloading")

		if rerr := s.reload(ctx); rerr != nil {
			return fmt.Errorf("%w: reload catalog: %w", core.ErrMigrationFailed, rerr)
		}
		if s.known[resourceType] {
			return nil
		}
		err = s.upgrade(ctx, resourceType)
	}
	if err != nil {
		return fmt.Errorf("%w: create partition %s: %w", core.ErrMigrationFailed, resourceType, err)
	}
	return nil
}

// upgrade must be called with the gate held exclusively.
func (s *SQLiteStore) upgrade(ctx context.Context, resourceType string) error {
	if s.beforeUpgrade != nil {
		s.beforeUpgrade(s.db)
	}

	tx, err := s.db.conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current int
	if err := tx.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current != s.version {
		return &VersionError{Expected: s.version, Actual: current}
	}

	next := current + 1
	if _, err := tx.Exec(
		"INSERT INTO partitions (name, version) VALUES (?, ?) ON CONFLICT (name) DO NOTHING",
		resourceType, next,
	); err != nil {
		return err
	}
	// PRAGMA does not take bound parameters
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", next)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.version = next
	s.known[resourceType] = true
	s.log.WithFields(map[string]interface{}{"type": resourceType, "version": next}).Debug("partition created")
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, resourceType, resourceID string) error {
	if err := s.rlock(ctx); err != nil {
		return err
	}
	defer s.gate.RUnlock()

	_, err := s.db.conn.ExecContext(context.WithoutCancel(ctx),
		"DELETE FROM records WHERE resource_type = ? AND resource_id = ?",
		resourceType, resourceID,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

// Close waits for a pending open, then closes the connection.
func (s *SQLiteStore) Close() error {
	<-s.ready

	s.gate.Lock()
	defer s.gate.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
