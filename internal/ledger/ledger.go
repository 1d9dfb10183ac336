// Package ledger is the append-only audit trail of session and record
// events. Every entry is hash-chained to the previous one, so editing or
// removing an entry breaks the chain.
package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Genesis is the prev_hash of the first entry.
const Genesis = "GENESIS:0000000000000000000000000000000000000000000000000000000000000000"

// Store manages the ledger table.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a ledger over db. The ledger table comes from the
// storage migrations (see storage.DB.Migrate).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Entry is one immutable ledger entry.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`      // "session.login", "record.create", ...
	Actor      string    `json:"actor"`       // identity id, or "system"
	EntityType string    `json:"entity_type"` // "user", "identity", "record"
	EntityID   string    `json:"entity_id"`
	Details    string    `json:"details"` // JSON blob
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// Entity types
const (
	EntityUser     = "user"
	EntityIdentity = "identity"
	EntityRecord   = "record"
	EntityOutput   = "model-output"
)

// ActorSystem is the actor of events without an identity.
const ActorSystem = "system"

// Append adds an entry chained to the current head. It is the only write
// path.
func (s *Store) Append(ctx context.Context, action, actor, entityType, entityID string, details interface{}) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var detailsJSON string
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		detailsJSON = string(data)
	}

	prevHash, err := s.lastHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("get last hash: %w", err)
	}

	entry := &Entry{
		ID:         uuid.New().String(),
		Timestamp:  s.now().UTC(),
		Action:     action,
		Actor:      actor,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    detailsJSON,
		PrevHash:   prevHash,
	}
	entry.Hash = computeHash(entry)

	// Audit writes land even when the caller gives up
	_, err = s.db.ExecContext(context.WithoutCancel(ctx), `
		INSERT INTO ledger (id, timestamp, action, actor, entity_type, entity_id, details, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Timestamp, entry.Action, entry.Actor, entry.EntityType, entry.EntityID,
		entry.Details, entry.PrevHash, entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	return entry, nil
}

// lastHash returns the hash of the newest entry. Insertion order is rowid
// order; timestamps can tie.
func (s *Store) lastHash(ctx context.Context) (string, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM ledger ORDER BY rowid DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return Genesis, nil
	}
	if err != nil {
		return "", err
	}
	return hash.String, nil
}

// computeHash is the BLAKE3 of the entry's canonical JSON, hash excluded.
// The timestamp is hashed as an RFC 3339 UTC string so that driver time
// round-tripping cannot change it.
func computeHash(entry *Entry) string {
	canonical := struct {
		ID         string `json:"id"`
		Timestamp  string `json:"timestamp"`
		Action     string `json:"action"`
		Actor      string `json:"actor"`
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
		Details    string `json:"details"`
		PrevHash   string `json:"prev_hash"`
	}{
		ID:         entry.ID,
		Timestamp:  entry.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:     entry.Action,
		Actor:      entry.Actor,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Details:    entry.Details,
		PrevHash:   entry.PrevHash,
	}

	data, _ := json.Marshal(canonical)
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

const selectColumns = `SELECT id, timestamp, action, actor, entity_type, entity_id, details, prev_hash, hash FROM ledger`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var entry Entry
	var entityType, entityID, details, prevHash sql.NullString
	err := row.Scan(
		&entry.ID, &entry.Timestamp, &entry.Action, &entry.Actor,
		&entityType, &entityID, &details, &prevHash, &entry.Hash,
	)
	if err != nil {
		return nil, err
	}
	entry.EntityType = entityType.String
	entry.EntityID = entityID.String
	entry.Details = details.String
	entry.PrevHash = prevHash.String
	return &entry, nil
}

// VerifyChain walks the ledger in insertion order. It returns nil if the
// chain is intact, or a *ChainError for the first broken link.
func (s *Store) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY rowid ASC`)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	expectedPrevHash := Genesis
	entryNum := 0

	for rows.Next() {
		entryNum++
		entry, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan entry %d: %w", entryNum, err)
		}

		if entry.PrevHash != expectedPrevHash {
			return &ChainError{
				EntryNum:     entryNum,
				EntryID:      entry.ID,
				ExpectedHash: expectedPrevHash,
				ActualHash:   entry.PrevHash,
				Type:         "chain_broken",
			}
		}

		expectedHash := computeHash(entry)
		if entry.Hash != expectedHash {
			return &ChainError{
				EntryNum:     entryNum,
				EntryID:      entry.ID,
				ExpectedHash: expectedHash,
				ActualHash:   entry.Hash,
				Type:         "hash_mismatch",
			}
		}

		expectedPrevHash = entry.Hash
	}

	return rows.Err()
}

// ChainError represents a broken chain
type ChainError struct {
	EntryNum     int
	EntryID      string
	ExpectedHash string
	ActualHash   string
	Type         string // "chain_broken" or "hash_mismatch"
}

func (e *ChainError) Error() string {
	if e.Type == "chain_broken" {
		return fmt.Sprintf("chain broken at entry %d (ID: %s): expected prev_hash %s, got %s",
			e.EntryNum, e.EntryID, abbrev(e.ExpectedHash), abbrev(e.ActualHash))
	}
	return fmt.Sprintf("hash mismatch at entry %d (ID: %s): expected %s, got %s",
		e.EntryNum, e.EntryID, abbrev(e.ExpectedHash), abbrev(e.ActualHash))
}

func abbrev(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "..."
}

// QueryOptions filters Query. Zero fields are ignored.
type QueryOptions struct {
	Action       string // exact action
	ActionPrefix string // e.g. "record." for all record events
	Actor        string
	EntityType   string
	EntityID     string
	Since        time.Time // inclusive
	Until        time.Time // inclusive
	Limit        int
	Offset       int
}

// Query returns matching entries, newest first.
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]*Entry, error) {
	query := selectColumns + ` WHERE 1=1`
	var args []interface{}

	if opts.Action != "" {
		query += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.ActionPrefix != "" {
		query += " AND action LIKE ? ESCAPE '\\'"
		args = append(args, escapeLike(opts.ActionPrefix)+"%")
	}
	if opts.Actor != "" {
		query += " AND actor = ?"
		args = append(args, opts.Actor)
	}
	if opts.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, opts.EntityType)
	}
	if opts.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, opts.EntityID)
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since.UTC())
	}
	if !opts.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, opts.Until.UTC())
	}

	query += " ORDER BY rowid DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	} else if opts.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// GetByID returns nil, nil for unknown ids.
func (s *Store) GetByID(ctx context.Context, id string) (*Entry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}
	return entry, nil
}

// GetRecent returns the most recent entries
func (s *Store) GetRecent(ctx context.Context, limit int) ([]*Entry, error) {
	return s.Query(ctx, QueryOptions{Limit: limit})
}

// Count returns the total number of entries
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger").Scan(&count)
	return count, err
}

// GetEntityHistory returns all entries for one entity, newest first.
func (s *Store) GetEntityHistory(ctx context.Context, entityType, entityID string) ([]*Entry, error) {
	return s.Query(ctx, QueryOptions{
		EntityType: entityType,
		EntityID:   entityID,
	})
}

// Summary statistics
type Summary struct {
	TotalEntries int            `json:"total_entries"`
	FirstEntry   *time.Time     `json:"first_entry,omitempty"`
	LastEntry    *time.Time     `json:"last_entry,omitempty"`
	ByAction     map[string]int `json:"by_action"`
	ByActor      map[string]int `json:"by_actor"`
	ByEntityType map[string]int `json:"by_entity_type"`
	ChainValid   bool           `json:"chain_valid"`
	ChainError   string         `json:"chain_error,omitempty"`
}

// GetSummary returns statistics about the ledger and the chain state.
func (s *Store) GetSummary(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger").Scan(&summary.TotalEntries); err != nil {
		return nil, err
	}

	first, err := s.edge(ctx, "ASC")
	if err != nil {
		return nil, err
	}
	last, err := s.edge(ctx, "DESC")
	if err != nil {
		return nil, err
	}
	summary.FirstEntry, summary.LastEntry = first, last

	if summary.ByAction, err = s.countBy(ctx, "action"); err != nil {
		return nil, err
	}
	if summary.ByActor, err = s.countBy(ctx, "actor"); err != nil {
		return nil, err
	}
	if summary.ByEntityType, err = s.countBy(ctx, "entity_type"); err != nil {
		return nil, err
	}

	if err := s.VerifyChain(ctx); err != nil {
		summary.ChainValid = false
		summary.ChainError = err.Error()
	} else {
		summary.ChainValid = true
	}

	return summary, nil
}

// edge returns the timestamp of the first (ASC) or last (DESC) entry.
func (s *Store) edge(ctx context.Context, order string) (*time.Time, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx, "SELECT timestamp FROM ledger ORDER BY rowid "+order+" LIMIT 1").Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// countBy groups on a fixed column name; never pass user input.
func (s *Store) countBy(ctx context.Context, column string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM ledger WHERE "+column+" IS NOT NULL AND "+column+" != '' GROUP BY "+column)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, rows.Err()
}
