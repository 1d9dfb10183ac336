package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/knowledgebase/internal/testutil"
)

func TestSQLite_PlainRoundTrip(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := New(testutil.TestSQLite(t))

	resource := testutil.PlainResource()
	id, err := c.Encode(ctx, resource, "notes", "", EncodeOptions{Imported: true})
	require.NoError(t, err)
	assert.Equal(t, resource["id"], id)

	decoded, err := c.Decode(ctx, "notes", id)
	require.NoError(t, err)
	assert.Equal(t, resource, decoded)
}

func TestSQLite_NestedExtraction(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := testutil.TestSQLite(t)
	c := New(store)

	id, err := c.Encode(ctx, testutil.NestedResource(), "T", "", EncodeOptions{Imported: true})
	require.NoError(t, err)
	require.Equal(t, "A", id)

	inner, err := store.Get(ctx, "T", "B")
	require.NoError(t, err)
	require.NotNil(t, inner)
	assert.Equal(t, float64(42), inner.Resource.(map[string]any)["value"])

	decoded, err := c.Decode(ctx, "T", "A")
	require.NoError(t, err)
	got := decoded.(map[string]any)["inner"].(map[string]any)
	assert.Equal(t, "MathematicalObject", got["@type"])
	assert.Equal(t, float64(42), got["value"])
}

func TestSQLite_PersonWithEmbeddedList(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := testutil.TestSQLite(t)
	c := New(store)

	personID := "person-" + testutil.RandomID()
	_, err := c.Encode(ctx, testutil.PersonResource(personID), "people", "id-1", EncodeOptions{})
	require.NoError(t, err)

	entries, err := store.GetAllOfType(ctx, "people")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	// Embedded records land before their parent
	assert.Equal(t, personID, entries[len(entries)-1].ID)

	for _, suffix := range []string{"-address", "-email", "-phone"} {
		record, err := store.Get(ctx, "people", personID+suffix)
		require.NoError(t, err)
		require.NotNil(t, record, suffix)
		assert.Equal(t, "id-1", record.CreatedBy)
	}

	decoded, err := c.Decode(ctx, "people", personID)
	require.NoError(t, err)
	person := decoded.(map[string]any)
	assert.Equal(t, "London", person["address"].(map[string]any)["locality"])
	contacts := person["contactPoints"].([]any)
	require.Len(t, contacts, 2)
	assert.Equal(t, "ada@example.com", contacts[0].(map[string]any)["email"])
}
