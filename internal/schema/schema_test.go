package schema

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/knowledgebase/internal/codec"
	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/hashstore"
	"github.com/quantumlife/knowledgebase/internal/storage"
)

type staticIdentity string

func (s staticIdentity) CurrentIdentityID() string { return string(s) }

func newManager(t *testing.T, opts ...Option) (*Manager, *storage.MemoryStore, *hashstore.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	hashes := hashstore.New(store)
	return NewManager(codec.New(store), hashes, opts...), store, hashes
}

func TestCreateSchema_StoresHashesOnly(t *testing.T) {
	ctx := context.Background()
	m, store, hashes := newManager(t)

	ref, err := m.CreateSchema(ctx, "Person", "ada", map[string]any{
		"name":  "Ada Lovelace",
		"born":  1815,
		"email": nil,
	}, nil, map[string]any{"source": "test"})
	require.NoError(t, err)

	assert.Len(t, ref.References, 2, "nil properties are skipped")
	nameHash, err := hashstore.HashValue("Ada Lovelace")
	require.NoError(t, err)
	assert.Equal(t, nameHash, ref.References["name"])

	pv, err := hashes.Retrieve(ctx, nameHash)
	require.NoError(t, err)
	require.NotNil(t, pv)
	assert.Equal(t, "Ada Lovelace", pv.Value)
	assert.Equal(t, "string", pv.Type)

	record, err := store.Get(ctx, core.SchemaType("Person"), "ada")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "schemas/Person", record.ResourceType)
	assert.True(t, record.Imported, "no identity source means imported")

	stored := record.Resource.(map[string]any)
	assert.NotContains(t, stored, "name")
	assert.Equal(t, "ada", stored["schemaId"])
}

func TestCreateSchema_Validation(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.CreateSchema(context.Background(), "", "x", nil, nil, nil)
	assert.ErrorIs(t, err, core.ErrMissingRequired)
	_, err = m.CreateSchema(context.Background(), "Person", "", nil, nil, nil)
	assert.ErrorIs(t, err, core.ErrMissingRequired)
}

func TestCreateSchema_AttributesToCurrentIdentity(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t, WithIdentitySource(staticIdentity("id-1")))

	_, err := m.CreateSchema(ctx, "Person", "ada", map[string]any{"name": "Ada"}, nil, nil)
	require.NoError(t, err)

	record, err := store.Get(ctx, "schemas/Person", "ada")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "id-1", record.CreatedBy)
	assert.False(t, record.Imported)
	assert.True(t, record.IsSignedBy("id-1"))
}

func TestCreateSchema_AnonymousIdentitySource(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t, WithIdentitySource(staticIdentity("")))

	_, err := m.CreateSchema(ctx, "Person", "ada", map[string]any{"name": "Ada"}, nil, nil)
	require.NoError(t, err)

	record, err := store.Get(ctx, "schemas/Person", "ada")
	require.NoError(t, err)
	assert.True(t, record.Imported)
}

func TestCreateSchema_SharesEqualValues(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t)

	a, err := m.CreateSchema(ctx, "City", "london-1", map[string]any{"country": "UK"}, nil, nil)
	require.NoError(t, err)
	b, err := m.CreateSchema(ctx, "City", "leeds", map[string]any{"country": "UK"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, a.References["country"], b.References["country"])

	entries, err := store.GetAllOfType(ctx, core.TypePrimitives)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGetSchema(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	_, err := m.CreateSchema(ctx, "Person", "ada", map[string]any{
		"name": "Ada Lovelace",
		"born": 1815,
		"tags": []any{"math", "poetry"},
	}, []Relationship{{Type: "knows", TargetSchemaType: "Person", TargetSchemaID: "babbage"}}, map[string]any{"source": "test"})
	require.NoError(t, err)

	got, err := m.GetSchema(ctx, "Person", "ada")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "Person", got["@type"])
	assert.Equal(t, "ada", got["@id"])
	assert.Equal(t, "Ada Lovelace", got["name"])
	assert.Equal(t, float64(1815), got["born"])
	assert.Equal(t, []any{"math", "poetry"}, got["tags"])
	assert.Equal(t, []Relationship{{Type: "knows", TargetSchemaType: "Person", TargetSchemaID: "babbage"}}, got["relationships"])
	assert.Equal(t, map[string]any{"source": "test"}, got["metadata"])
}

func TestGetSchema_Missing(t *testing.T) {
	m, _, _ := newManager(t)
	got, err := m.GetSchema(context.Background(), "Person", "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetSchema_OmitsUnresolvedProperty(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t)

	ref, err := m.CreateSchema(ctx, "Person", "ada", map[string]any{"name": "Ada", "born": 1815}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, core.TypePrimitives, ref.References["born"]))

	got, err := m.GetSchema(ctx, "Person", "ada")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got["name"])
	assert.NotContains(t, got, "born")
	assert.NotContains(t, got, "metadata")
}

func TestUpdateSchema(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	_, err := m.UpdateSchema(ctx, "Person", "nobody", map[string]any{"name": "x"}, nil)
	require.ErrorIs(t, err, core.ErrRecordNotFound)

	_, err = m.CreateSchema(ctx, "Person", "ada", map[string]any{"name": "Ada", "born": 1815}, nil, nil)
	require.NoError(t, err)

	_, err = m.UpdateSchema(ctx, "Person", "ada", map[string]any{"name": "Ada Lovelace", "born": nil, "died": 1852}, map[string]any{"rev": 2})
	require.NoError(t, err)

	got, err := m.GetSchema(ctx, "Person", "ada")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got["name"])
	assert.Equal(t, float64(1852), got["died"])
	assert.NotContains(t, got, "born")
	assert.Equal(t, map[string]any{"rev": float64(2)}, got["metadata"])
}

func TestAddRelationship(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	ok, err := m.AddRelationship(ctx, "Person", "nobody", "knows", "Person", "x")
	require.NoError(t, err)
	assert.False(t, ok, "missing source returns false")

	_, err = m.CreateSchema(ctx, "Person", "ada", map[string]any{"name": "Ada"}, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ok, err = m.AddRelationship(ctx, "Person", "ada", "knows", "Person", "babbage")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err = m.AddRelationship(ctx, "Person", "ada", "worksWith", "Person", "babbage")
	require.NoError(t, err)
	assert.True(t, ok)

	ref, err := m.GetReference(ctx, "Person", "ada")
	require.NoError(t, err)
	assert.Equal(t, []Relationship{
		{Type: "knows", TargetSchemaType: "Person", TargetSchemaID: "babbage"},
		{Type: "worksWith", TargetSchemaType: "Person", TargetSchemaID: "babbage"},
	}, ref.Relationships)
}

func TestGetRelatedSchemas(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	_, err := m.CreateSchema(ctx, "Person", "ada", map[string]any{"name": "Ada"}, nil, nil)
	require.NoError(t, err)
	_, err = m.CreateSchema(ctx, "Person", "babbage", map[string]any{"name": "Charles"}, nil, nil)
	require.NoError(t, err)
	_, err = m.CreateSchema(ctx, "Machine", "engine", map[string]any{"name": "Analytical Engine"}, nil, nil)
	require.NoError(t, err)

	_, err = m.AddRelationship(ctx, "Person", "ada", "knows", "Person", "babbage")
	require.NoError(t, err)
	_, err = m.AddRelationship(ctx, "Person", "ada", "programmed", "Machine", "engine")
	require.NoError(t, err)
	_, err = m.AddRelationship(ctx, "Person", "ada", "knows", "Person", "ghost")
	require.NoError(t, err)

	all, err := m.GetRelatedSchemas(ctx, "Person", "ada", "")
	require.NoError(t, err)
	require.Len(t, all, 2, "dangling targets are skipped")
	assert.Equal(t, "Charles", all[0]["name"])
	assert.Equal(t, "knows", all[0]["relationshipType"])
	assert.Equal(t, "Analytical Engine", all[1]["name"])
	assert.Equal(t, "programmed", all[1]["relationshipType"])

	knows, err := m.GetRelatedSchemas(ctx, "Person", "ada", "knows")
	require.NoError(t, err)
	require.Len(t, knows, 1)
	assert.Equal(t, "babbage", knows[0]["@id"])

	none, err := m.GetRelatedSchemas(ctx, "Person", "nobody", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListSchemas(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	refs, err := m.ListSchemas(ctx, "Person")
	require.NoError(t, err)
	assert.Empty(t, refs)

	for _, id := range []string{"ada", "babbage", "menabrea"} {
		_, err := m.CreateSchema(ctx, "Person", id, map[string]any{"name": id}, nil, nil)
		require.NoError(t, err)
	}

	refs, err = m.ListSchemas(ctx, "Person")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "ada", refs[0].SchemaID)
	assert.Equal(t, "menabrea", refs[2].SchemaID)
}

func TestGenerateID(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	m, _, _ := newManager(t, WithClock(func() time.Time { return at }))
	m.intn = func(int) int { return 42 }

	assert.Equal(t, "my-great-person-1700000000123-42", m.GenerateID("Person", "My Great Person!"))
	assert.Equal(t, "person-1700000000123-42", m.GenerateID("Person", ""))
	assert.Equal(t, "schema-1700000000123-42", m.GenerateID("Person", "!!!"))
}

func TestGenerateID_RandomSuffixInRange(t *testing.T) {
	m, _, _ := newManager(t)
	for i := 0; i < 50; i++ {
		id := m.GenerateID("Person", "ada")
		assert.Regexp(t, `^ada-\d+-\d{1,3}$`, id)
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Person":          "person",
		"Hello World":     "hello-world",
		"  spaced  out  ": "spaced-out",
		"a__b--c":         "a-b-c",
		"Ünïcode":         "n-code",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slug(in), in)
	}
}
