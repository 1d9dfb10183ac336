package codec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/storage"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newCodec(opts ...Option) (*Codec, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	return New(store, opts...), store
}

func TestEncode_RequiresCreatorUnlessImported(t *testing.T) {
	ctx := context.Background()
	c, store := newCodec()

	_, err := c.Encode(ctx, map[string]any{"name": "x"}, "Note", "", EncodeOptions{})
	require.ErrorIs(t, err, core.ErrMissingCreator)
	assert.Equal(t, "created records must have a creator identity", err.Error())

	id, err := c.Encode(ctx, map[string]any{"name": "x"}, "Note", "", EncodeOptions{Imported: true})
	require.NoError(t, err)

	record, err := store.Get(ctx, "Note", id)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Empty(t, record.CreatedBy)
	assert.True(t, record.Imported)
	assert.Empty(t, record.Signatures)
}

func TestEncode_IDSelection(t *testing.T) {
	ctx := context.Background()
	at := time.UnixMilli(1700000000123)
	c, _ := newCodec(WithClock(fixedClock(at)))

	tests := []struct {
		name     string
		resource any
		want     string
	}{
		{"id field", map[string]any{"id": "n1"}, "n1"},
		{"@id field", map[string]any{"@id": "n2"}, "n2"},
		{"numeric id", map[string]any{"id": 7}, "7"},
		{"synthesized", map[string]any{"name": "x"}, "Note_1700000000123"},
		{"synthesized again same millisecond", map[string]any{"name": "y"}, "Note_1700000000123_1"},
		{"scalar resource", "just text", "Note_1700000000123_2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := c.Encode(ctx, tt.resource, "Note", "id-1", EncodeOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestEncode_SynthesizedIDsAcrossTypes(t *testing.T) {
	ctx := context.Background()
	c, store := newCodec(WithClock(fixedClock(time.UnixMilli(1000))))

	first, err := c.Encode(ctx, map[string]any{"name": "first"}, "A", "id-1", EncodeOptions{})
	require.NoError(t, err)
	other, err := c.Encode(ctx, map[string]any{"name": "other"}, "B", "id-1", EncodeOptions{})
	require.NoError(t, err)
	second, err := c.Encode(ctx, map[string]any{"name": "second"}, "A", "id-1", EncodeOptions{})
	require.NoError(t, err)

	assert.Equal(t, "A_1000", first)
	assert.Equal(t, "B_1000", other)
	assert.Equal(t, "A_1000_1", second)

	entries, err := store.GetAllOfType(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	decoded, err := c.Decode(ctx, "A", first)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "first"}, decoded)
}

func TestEncode_SynthesizedIDsResetEachMillisecond(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(2000)
	c, _ := newCodec(WithClock(func() time.Time { return now }))

	ids := make([]string, 0, 3)
	for _, step := range []time.Duration{0, 0, time.Millisecond} {
		now = now.Add(step)
		id, err := c.Encode(ctx, map[string]any{"n": len(ids)}, "A", "id-1", EncodeOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"A_2000", "A_2000_1", "A_2001"}, ids)
}

func TestEncode_ExplicitIDOverridesResource(t *testing.T) {
	ctx := context.Background()
	c, store := newCodec()

	resource := map[string]any{
		"id":    "from-resource",
		"child": map[string]any{"@type": "Part", "id": "p1"},
	}
	id, err := c.Encode(ctx, resource, "Thing", "id-1", EncodeOptions{ID: "explicit"})
	require.NoError(t, err)
	assert.Equal(t, "explicit", id)

	record, err := store.Get(ctx, "Thing", "explicit")
	require.NoError(t, err)
	require.NotNil(t, record)

	// Embedded children keep their own ids
	child, err := store.Get(ctx, "Thing", "p1")
	require.NoError(t, err)
	assert.NotNil(t, child)

	missing, err := store.Get(ctx, "Thing", "from-resource")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEncode_SignsByDefaultForCreatedRecords(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c, store := newCodec(WithClock(fixedClock(at)))

	id, err := c.Encode(ctx, map[string]any{"id": "a"}, "Note", "id-1", EncodeOptions{})
	require.NoError(t, err)
	record, _ := store.Get(ctx, "Note", id)
	require.Len(t, record.Signatures, 1)
	assert.Equal(t, "id-1", record.Signatures[0].IdentityID)
	assert.True(t, record.Signatures[0].Timestamp.Equal(at))
	assert.Contains(t, record.Signatures[0].Signature, "MOCK-SIG-")
	assert.Equal(t, "id-1", record.CreatedBy)

	// Imported with an identity: attributed but unsigned by default
	id, err = c.Encode(ctx, map[string]any{"id": "b"}, "Note", "id-1", EncodeOptions{Imported: true})
	require.NoError(t, err)
	record, _ = store.Get(ctx, "Note", id)
	assert.Equal(t, "id-1", record.CreatedBy)
	assert.Empty(t, record.Signatures)

	// Explicitly unsigned
	id, err = c.Encode(ctx, map[string]any{"id": "c"}, "Note", "id-1", EncodeOptions{Signed: Bool(false)})
	require.NoError(t, err)
	record, _ = store.Get(ctx, "Note", id)
	assert.Empty(t, record.Signatures)
}

func TestRoundTrip_PlainResource(t *testing.T) {
	ctx := context.Background()
	c, _ := newCodec()

	in := map[string]any{
		"id":    "r1",
		"title": "Plain",
		"tags":  []any{"a", "b"},
		"meta":  map[string]any{"n": 1.5, "ok": true, "none": nil},
	}
	id, err := c.Encode(ctx, in, "Doc", "id-1", EncodeOptions{})
	require.NoError(t, err)

	out, err := c.Decode(ctx, "Doc", id)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRoundTrip_NestedReference(t *testing.T) {
	ctx := context.Background()
	c, store := newCodec()

	in := map[string]any{
		"@type": "MathematicalObject",
		"@id":   "A",
		"name":  "A",
		"relatedConcept": map[string]any{
			"@type": "MathematicalObject",
			"@id":   "B",
			"name":  "B",
		},
	}
	id, err := c.Encode(ctx, in, "T", "id-1", EncodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "A", id)

	// B is its own record under the parent's type, A holds a pointer
	b, err := store.Get(ctx, "T", "B")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "B", b.Resource.(map[string]any)["name"])

	a, _ := store.Get(ctx, "T", "A")
	assert.Equal(t, map[string]any{"resourceType": "T", "resourceId": "B"}, a.Resource.(map[string]any)["relatedConcept"])

	out, err := c.Decode(ctx, "T", "A")
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "B", out.(map[string]any)["relatedConcept"].(map[string]any)["name"])
}

func TestEncode_ExtractsFromArraysAndDeepObjects(t *testing.T) {
	ctx := context.Background()
	c, store := newCodec()

	in := map[string]any{
		"id": "course",
		"chapters": []any{
			map[string]any{"type": "Chapter", "id": "ch1", "title": "One"},
			map[string]any{"type": "Chapter", "title": "Two, no id"},
			"plain string",
		},
		"settings": map[string]any{
			"author": map[string]any{"resourceType": "Person", "name": "Ada"},
		},
	}
	_, err := c.Encode(ctx, in, "Course", "id-1", EncodeOptions{})
	require.NoError(t, err)

	entries, err := store.GetAllOfType(ctx, "Course")
	require.NoError(t, err)
	// ch1, synthesized chapter, author, course; dependencies first
	require.Len(t, entries, 4)
	assert.Equal(t, "course", entries[3].ID)

	out, err := c.Decode(ctx, "Course", "course")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncode_FirstWriteWinsForEmbeddedIDs(t *testing.T) {
	ctx := context.Background()
	c, store := newCodec()

	_, err := c.Encode(ctx, map[string]any{"@type": "Term", "@id": "shared", "name": "original"}, "T", "id-1", EncodeOptions{})
	require.NoError(t, err)

	_, err = c.Encode(ctx, map[string]any{
		"@id":  "parent",
		"term": map[string]any{"@type": "Term", "@id": "shared", "name": "changed"},
	}, "T", "id-2", EncodeOptions{})
	require.NoError(t, err)

	shared, _ := store.Get(ctx, "T", "shared")
	assert.Equal(t, "original", shared.Resource.(map[string]any)["name"])
	assert.Equal(t, "id-1", shared.CreatedBy)

	out, _ := c.Decode(ctx, "T", "parent")
	assert.Equal(t, "original", out.(map[string]any)["term"].(map[string]any)["name"])
}

func TestEncode_FlatKeepsEmbeddedInline(t *testing.T) {
	ctx := context.Background()
	c, store := newCodec()

	in := map[string]any{
		"id":  "s1",
		"rel": []any{map[string]any{"type": "cites", "targetSchemaId": "s2"}},
	}
	_, err := c.Encode(ctx, in, "schemas/Term", "id-1", EncodeOptions{Flat: true})
	require.NoError(t, err)

	entries, _ := store.GetAllOfType(ctx, "schemas/Term")
	assert.Len(t, entries, 1)
	assert.Equal(t, in, entries[0].Record.Resource)
}

func TestEncode_DoesNotMutateInput(t *testing.T) {
	ctx := context.Background()
	c, _ := newCodec()

	child := map[string]any{"@type": "X", "@id": "child"}
	in := map[string]any{"@id": "p", "child": child}
	_, err := c.Encode(ctx, in, "T", "id-1", EncodeOptions{})
	require.NoError(t, err)

	assert.Equal(t, child, in["child"])
}

func TestEncode_AcceptsStructs(t *testing.T) {
	ctx := context.Background()
	c, _ := newCodec()

	type author struct {
		Type string `json:"@type"`
		ID   string `json:"@id"`
		Name string `json:"name"`
	}
	type book struct {
		ID     string `json:"id"`
		Author author `json:"author"`
	}

	_, err := c.Encode(ctx, book{ID: "b1", Author: author{"Person", "p1", "Ada"}}, "Lib", "id-1", EncodeOptions{})
	require.NoError(t, err)

	out, err := c.Decode(ctx, "Lib", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", out.(map[string]any)["name"])
}

func TestEncode_RejectsUnserializable(t *testing.T) {
	c, _ := newCodec()
	_, err := c.Encode(context.Background(), map[string]any{"f": func() {}}, "T", "id-1", EncodeOptions{})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestDecode_Missing(t *testing.T) {
	c, _ := newCodec()
	out, err := c.Decode(context.Background(), "Nope", "x")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDecode_DoesNotMutateStoredRecord(t *testing.T) {
	ctx := context.Background()
	c, store := newCodec()

	_, err := c.Encode(ctx, map[string]any{"@id": "a", "b": map[string]any{"@type": "X", "@id": "b"}}, "T", "id-1", EncodeOptions{})
	require.NoError(t, err)

	_, err = c.Decode(ctx, "T", "a")
	require.NoError(t, err)

	a, _ := store.Get(ctx, "T", "a")
	assert.Equal(t, map[string]any{"resourceType": "T", "resourceId": "b"}, a.Resource.(map[string]any)["b"])
}

func TestDecode_CycleLeavesPointer(t *testing.T) {
	ctx := context.Background()
	c, store := newCodec()

	require.NoError(t, store.Set(ctx, "T", "a", &core.Record{
		ResourceType: "T",
		Imported:     true,
		Resource:     map[string]any{"name": "a", "next": map[string]any{"resourceType": "T", "resourceId": "b"}},
	}))
	require.NoError(t, store.Set(ctx, "T", "b", &core.Record{
		ResourceType: "T",
		Imported:     true,
		Resource:     map[string]any{"name": "b", "next": map[string]any{"resourceType": "T", "resourceId": "a"}},
	}))

	out, err := c.Decode(ctx, "T", "a")
	require.NoError(t, err)

	b := out.(map[string]any)["next"].(map[string]any)
	assert.Equal(t, "b", b["name"])
	assert.Equal(t, map[string]any{"resourceType": "T", "resourceId": "a"}, b["next"])
}

func TestDecode_DanglingPointerStays(t *testing.T) {
	ctx := context.Background()
	c, store := newCodec()

	ptr := map[string]any{"resourceType": "T", "resourceId": "gone"}
	require.NoError(t, store.Set(ctx, "T", "a", &core.Record{
		ResourceType: "T",
		Imported:     true,
		Resource:     map[string]any{"ref": ptr},
	}))

	out, err := c.Decode(ctx, "T", "a")
	require.NoError(t, err)
	assert.Equal(t, ptr, out.(map[string]any)["ref"])
}

func TestDecode_SharedReferenceResolvesTwice(t *testing.T) {
	ctx := context.Background()
	c, _ := newCodec()

	_, err := c.Encode(ctx, map[string]any{
		"@id":    "pair",
		"first":  map[string]any{"@type": "X", "@id": "same", "v": 1},
		"second": map[string]any{"@type": "X", "@id": "same", "v": 1},
	}, "T", "id-1", EncodeOptions{})
	require.NoError(t, err)

	out, err := c.Decode(ctx, "T", "pair")
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, m["first"], m["second"])
}

func TestSignRecord_AppendsAndVerifies(t *testing.T) {
	ctx := context.Background()
	c, store := newCodec()

	id, err := c.Encode(ctx, map[string]any{"x": 1}, "Note", "", EncodeOptions{Imported: true})
	require.NoError(t, err)

	ok, err := c.IsSignedBy(ctx, "Note", id, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SignRecord(ctx, "Note", id, "alice"))
	require.NoError(t, c.SignRecord(ctx, "Note", id, "alice"))

	ok, _ = c.IsSignedBy(ctx, "Note", id, "alice")
	assert.True(t, ok)
	ok, _ = c.IsSignedBy(ctx, "Note", id, "mallory")
	assert.False(t, ok)

	record, _ := store.Get(ctx, "Note", id)
	assert.Len(t, record.Signatures, 2, "signing twice appends twice")
}

func TestSignRecord_Missing(t *testing.T) {
	c, _ := newCodec()
	err := c.SignRecord(context.Background(), "Note", "missing", "alice")
	assert.ErrorIs(t, err, core.ErrRecordNotFound)

	ok, err := c.IsSignedBy(context.Background(), "Note", "missing", "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

type failingSigner struct{}

func (failingSigner) Sign(context.Context, string, []byte) (string, error) {
	return "", errors.New("hsm offline")
}

func TestEncode_SignerFailurePropagates(t *testing.T) {
	c, store := newCodec(WithSigner(failingSigner{}))
	_, err := c.Encode(context.Background(), map[string]any{"id": "x"}, "Note", "id-1", EncodeOptions{})
	require.Error(t, err)

	record, _ := store.Get(context.Background(), "Note", "x")
	assert.Nil(t, record, "nothing is stored when signing fails")
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	c, _ := newCodec()

	_, err := c.Encode(ctx, map[string]any{"@id": "p", "name": "Ada"}, "Person", "id-1", EncodeOptions{})
	require.NoError(t, err)

	out, err := c.Resolve(ctx, map[string]any{"who": core.Pointer{ResourceType: "Person", ResourceID: "p"}})
	require.NoError(t, err)
	assert.Equal(t, "Ada", out.(map[string]any)["who"].(map[string]any)["name"])
}
