package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quantumlife/knowledgebase/internal/identity"
	"github.com/quantumlife/knowledgebase/internal/testutil"
)

const (
	actionCreate = "record.create"
	actionSign   = "record.sign"
	actionLogin  = "session.login"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// Every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			entity_type TEXT,
			entity_id TEXT,
			details TEXT,
			prev_hash TEXT,
			hash TEXT NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("Failed to create ledger table: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// fixedClock returns start, start+1m, start+2m, ...
func fixedClock(start time.Time) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * time.Minute)
		n++
		return t
	}
}

func mustAppend(t *testing.T, s *Store, action, actor, entityType, entityID string, details interface{}) *Entry {
	t.Helper()
	entry, err := s.Append(context.Background(), action, actor, entityType, entityID, details)
	if err != nil {
		t.Fatalf("Append %s failed: %v", action, err)
	}
	return entry
}

func TestStore_Append(t *testing.T) {
	store := NewStore(setupTestDB(t))

	entry := mustAppend(t, store, actionCreate, "id-1", EntityRecord, "notes/n1", map[string]interface{}{
		"resourceType": "notes",
	})
	if entry.PrevHash != Genesis {
		t.Errorf("First entry should have genesis prev_hash, got %s", entry.PrevHash)
	}
	if entry.Hash == "" {
		t.Error("Entry hash should not be empty")
	}
	if entry.Details != `{"resourceType":"notes"}` {
		t.Errorf("Details = %s", entry.Details)
	}

	entry2 := mustAppend(t, store, actionSign, "id-1", EntityRecord, "notes/n1", nil)
	if entry2.PrevHash != entry.Hash {
		t.Errorf("Second entry prev_hash should match first entry hash")
	}
}

func TestStore_Append_SameTimestamp(t *testing.T) {
	store := NewStore(setupTestDB(t))
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return frozen }

	var prev *Entry
	for i := 0; i < 5; i++ {
		entry := mustAppend(t, store, actionCreate, "id-1", EntityRecord, "r", nil)
		if prev != nil && entry.PrevHash != prev.Hash {
			t.Fatalf("entry %d does not chain to entry %d", i, i-1)
		}
		prev = entry
	}
	if err := store.VerifyChain(context.Background()); err != nil {
		t.Errorf("Chain with equal timestamps should verify: %v", err)
	}
}

func TestStore_VerifyChain_Valid(t *testing.T) {
	store := NewStore(setupTestDB(t))

	for i := 0; i < 10; i++ {
		mustAppend(t, store, actionCreate, "id-1", EntityRecord, "item-"+string(rune('0'+i)), nil)
	}

	if err := store.VerifyChain(context.Background()); err != nil {
		t.Errorf("Chain verification should pass: %v", err)
	}
}

func TestStore_VerifyChain_Tampered(t *testing.T) {
	tests := []struct {
		name     string
		update   string
		wantType string
	}{
		{"tampered hash", "UPDATE ledger SET hash = 'tampered' WHERE action = ?", "hash_mismatch"},
		{"tampered details", `UPDATE ledger SET details = '{"forged":true}' WHERE action = ?`, "hash_mismatch"},
		{"broken link", "UPDATE ledger SET prev_hash = 'broken' WHERE action = ?", "chain_broken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			store := NewStore(db)
			mustAppend(t, store, actionCreate, "id-1", EntityRecord, "r1", nil)
			mustAppend(t, store, actionSign, "id-1", EntityRecord, "r1", nil)

			if _, err := db.Exec(tt.update, actionSign); err != nil {
				t.Fatalf("Failed to tamper with entry: %v", err)
			}

			err := store.VerifyChain(context.Background())
			if err == nil {
				t.Fatal("Chain verification should fail after tampering")
			}
			var chainErr *ChainError
			if !errors.As(err, &chainErr) {
				t.Fatalf("Expected ChainError, got %T", err)
			}
			if chainErr.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", chainErr.Type, tt.wantType)
			}
			if chainErr.EntryNum != 2 {
				t.Errorf("EntryNum = %d, want 2", chainErr.EntryNum)
			}
		})
	}
}

func TestChainError_ShortHashes(t *testing.T) {
	err := &ChainError{EntryNum: 1, EntryID: "x", ExpectedHash: "abc", ActualHash: "broken", Type: "chain_broken"}
	if got := err.Error(); got != "chain broken at entry 1 (ID: x): expected prev_hash abc, got broken" {
		t.Errorf("Error() = %q", got)
	}
}

func TestStore_Query(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	mustAppend(t, store, actionCreate, "id-1", EntityRecord, "notes/n1", nil)
	mustAppend(t, store, actionSign, "id-2", EntityRecord, "notes/n1", nil)
	mustAppend(t, store, actionLogin, "id-2", EntityUser, "u1", nil)
	mustAppend(t, store, actionCreate, "id-1", EntityRecord, "notes/n2", nil)

	tests := []struct {
		name string
		opts QueryOptions
		want int
	}{
		{"by action", QueryOptions{Action: actionCreate}, 2},
		{"by action prefix", QueryOptions{ActionPrefix: "record."}, 3},
		{"by actor", QueryOptions{Actor: "id-2"}, 2},
		{"by entity", QueryOptions{EntityType: EntityRecord, EntityID: "notes/n1"}, 2},
		{"limit", QueryOptions{Limit: 2}, 2},
		{"offset", QueryOptions{Offset: 3}, 1},
		{"limit and offset", QueryOptions{Limit: 2, Offset: 3}, 1},
		{"no match", QueryOptions{Action: "nothing"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.Query(ctx, tt.opts)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if len(entries) != tt.want {
				t.Errorf("got %d entries, want %d", len(entries), tt.want)
			}
		})
	}

	entries, _ := store.Query(ctx, QueryOptions{})
	if len(entries) != 4 || entries[0].EntityID != "notes/n2" {
		t.Errorf("Query should return newest first, got %v", entries)
	}
}

func TestStore_Query_LikeEscaping(t *testing.T) {
	store := NewStore(setupTestDB(t))
	mustAppend(t, store, "record_x.create", "id-1", EntityRecord, "r", nil)
	mustAppend(t, store, "recordAx.create", "id-1", EntityRecord, "r", nil)

	entries, err := store.Query(context.Background(), QueryOptions{ActionPrefix: "record_"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("underscore should match literally, got %d entries", len(entries))
	}
}

func TestStore_Query_TimeRange(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = fixedClock(start)

	mustAppend(t, store, actionCreate, "id-1", EntityRecord, "r1", nil) // 12:00
	mustAppend(t, store, actionCreate, "id-1", EntityRecord, "r2", nil) // 12:01
	mustAppend(t, store, actionCreate, "id-1", EntityRecord, "r3", nil) // 12:02

	entries, err := store.Query(ctx, QueryOptions{Since: start.Add(30 * time.Second)})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 entries since 12:00:30, got %d", len(entries))
	}

	entries, err = store.Query(ctx, QueryOptions{Until: start.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 entries until 12:01, got %d", len(entries))
	}
}

func TestStore_GetByID(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	entry := mustAppend(t, store, actionCreate, "id-1", EntityRecord, "r1", map[string]interface{}{
		"test": "value",
	})

	retrieved, err := store.GetByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if retrieved == nil {
		t.Fatal("Entry not found")
	}
	if retrieved.Action != entry.Action {
		t.Errorf("Action mismatch: expected %s, got %s", entry.Action, retrieved.Action)
	}
	if retrieved.Hash != entry.Hash {
		t.Errorf("Hash mismatch")
	}
	if computeHash(retrieved) != entry.Hash {
		t.Error("Hash of the stored entry should recompute identically")
	}

	notFound, err := store.GetByID(ctx, "non-existent")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if notFound != nil {
		t.Error("Should return nil for non-existent ID")
	}
}

func TestStore_GetSummary(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = fixedClock(start)

	empty, err := store.GetSummary(ctx)
	if err != nil {
		t.Fatalf("GetSummary failed: %v", err)
	}
	if empty.TotalEntries != 0 || empty.FirstEntry != nil || !empty.ChainValid {
		t.Errorf("empty summary = %+v", empty)
	}

	mustAppend(t, store, actionCreate, "id-1", EntityRecord, "r1", nil)
	mustAppend(t, store, actionSign, "id-2", EntityRecord, "r1", nil)
	mustAppend(t, store, actionLogin, "id-2", EntityUser, "u1", nil)

	summary, err := store.GetSummary(ctx)
	if err != nil {
		t.Fatalf("GetSummary failed: %v", err)
	}
	if summary.TotalEntries != 3 {
		t.Errorf("Expected 3 total entries, got %d", summary.TotalEntries)
	}
	if !summary.ChainValid {
		t.Errorf("Chain should be valid, error: %s", summary.ChainError)
	}
	if summary.ByAction[actionCreate] != 1 {
		t.Errorf("Expected 1 %s action, got %d", actionCreate, summary.ByAction[actionCreate])
	}
	if summary.ByActor["id-2"] != 2 {
		t.Errorf("Expected 2 actions by id-2, got %d", summary.ByActor["id-2"])
	}
	if summary.ByEntityType[EntityRecord] != 2 {
		t.Errorf("Expected 2 record entries, got %d", summary.ByEntityType[EntityRecord])
	}
	if summary.FirstEntry == nil || !summary.FirstEntry.Equal(start) {
		t.Errorf("FirstEntry = %v, want %v", summary.FirstEntry, start)
	}
	if summary.LastEntry == nil || !summary.LastEntry.Equal(start.Add(2*time.Minute)) {
		t.Errorf("LastEntry = %v", summary.LastEntry)
	}
}

func TestStore_Count(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	count, _ := store.Count(ctx)
	if count != 0 {
		t.Errorf("Expected 0 entries, got %d", count)
	}

	mustAppend(t, store, actionCreate, "id-1", EntityRecord, "r1", nil)
	mustAppend(t, store, actionCreate, "id-1", EntityRecord, "r2", nil)

	count, _ = store.Count(ctx)
	if count != 2 {
		t.Errorf("Expected 2 entries, got %d", count)
	}
}

func TestStore_GetEntityHistory(t *testing.T) {
	store := NewStore(setupTestDB(t))

	mustAppend(t, store, actionCreate, "id-1", EntityRecord, "notes/n1", nil)
	mustAppend(t, store, actionSign, "id-2", EntityRecord, "notes/n1", nil)
	mustAppend(t, store, actionSign, "id-3", EntityRecord, "notes/n1", nil)
	mustAppend(t, store, actionCreate, "id-1", EntityRecord, "notes/n2", nil)

	history, err := store.GetEntityHistory(context.Background(), EntityRecord, "notes/n1")
	if err != nil {
		t.Fatalf("GetEntityHistory failed: %v", err)
	}
	if len(history) != 3 {
		t.Errorf("Expected 3 history entries for notes/n1, got %d", len(history))
	}
}

func TestRecorder_RecordSessionEvent(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))
	recorder := NewRecorder(store)

	tests := []struct {
		action         string
		identityID     string
		details        map[string]any
		wantActor      string
		wantEntityType string
		wantEntityID   string
	}{
		{"session.login", "id-1", map[string]any{"userId": "u1"}, "id-1", EntityUser, "u1"},
		{"identity.switch", "id-2", map[string]any{"from": "id-1"}, "id-2", EntityIdentity, "id-2"},
		{"record.create", "id-2", map[string]any{"resourceType": "notes", "resourceId": "n1"}, "id-2", EntityRecord, "notes/n1"},
		{"session.logout", "", nil, ActorSystem, EntityUser, ""},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			if err := recorder.RecordSessionEvent(ctx, tt.action, tt.identityID, tt.details); err != nil {
				t.Fatalf("RecordSessionEvent failed: %v", err)
			}
			entries, err := store.Query(ctx, QueryOptions{Action: tt.action, Limit: 1})
			if err != nil || len(entries) != 1 {
				t.Fatalf("Query = %v, %v", entries, err)
			}
			e := entries[0]
			if e.Actor != tt.wantActor || e.EntityType != tt.wantEntityType || e.EntityID != tt.wantEntityID {
				t.Errorf("entry = (%s, %s, %s), want (%s, %s, %s)",
					e.Actor, e.EntityType, e.EntityID, tt.wantActor, tt.wantEntityType, tt.wantEntityID)
			}
		})
	}
}

func TestRecorder_RecordModelOutput(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))
	recorder := NewRecorder(store)

	if err := recorder.RecordModelOutput(ctx, "text-embedding", "out-1", "doc-1"); err != nil {
		t.Fatalf("RecordModelOutput failed: %v", err)
	}
	history, _ := store.GetEntityHistory(ctx, EntityOutput, "out-1")
	if len(history) != 1 || history[0].Action != "model.text-embedding" {
		t.Errorf("history = %v", history)
	}
}

func TestRecorder_WithIdentityProvider(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := NewStore(setupTestDB(t))
	recorder := NewRecorder(store)

	var _ identity.AuditRecorder = recorder

	p := identity.NewProvider(testutil.TestStore(t), identity.WithAuditRecorder(recorder))
	user, err := p.Register(ctx, "ada", "Ada")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := p.CreateRecord(ctx, map[string]any{"title": "x"}, "notes"); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	p.Logout(ctx)

	history, err := store.GetEntityHistory(ctx, EntityUser, user.ID)
	if err != nil {
		t.Fatalf("GetEntityHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Action != identity.EventRegister {
		t.Errorf("user history = %v", history)
	}

	records, _ := store.Query(ctx, QueryOptions{ActionPrefix: "record."})
	if len(records) != 1 || records[0].Actor != user.ActiveIdentityID {
		t.Errorf("record events = %v", records)
	}

	if err := store.VerifyChain(ctx); err != nil {
		t.Errorf("VerifyChain failed: %v", err)
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	entry := &Entry{
		ID:         "test-id",
		Timestamp:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Action:     actionCreate,
		Actor:      "id-1",
		EntityType: EntityRecord,
		EntityID:   "notes/n1",
		Details:    `{"key":"value"}`,
		PrevHash:   "prev-hash-value",
	}

	hash1 := computeHash(entry)
	if hash1 != computeHash(entry) {
		t.Error("Hash should be deterministic")
	}

	local := *entry
	local.Timestamp = entry.Timestamp.In(time.FixedZone("X", 3600))
	if computeHash(&local) != hash1 {
		t.Error("Hash should not depend on the timestamp's location")
	}

	entry.Details = `{"key":"different"}`
	if hash1 == computeHash(entry) {
		t.Error("Hash should change when entry changes")
	}
}
