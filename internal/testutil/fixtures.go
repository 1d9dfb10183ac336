package testutil

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomID generates a random ID for testing.
func RandomID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// PlainResource returns a resource with no embedded references.
func PlainResource() map[string]any {
	return map[string]any{
		"id":    "note-" + RandomID(),
		"title": "Test Note",
		"body":  "This is the test note body.",
		"tags":  []any{"test", "fixture"},
	}
}

// NestedResource returns object A embedding a typed object B, the smallest
// shape that exercises extraction.
func NestedResource() map[string]any {
	return map[string]any{
		"id":   "A",
		"name": "Outer",
		"inner": map[string]any{
			"@type": "MathematicalObject",
			"id":    "B",
			"value": float64(42),
		},
	}
}

// PersonResource returns a person with an embedded address and a list of
// embedded contact points.
func PersonResource(id string) map[string]any {
	return map[string]any{
		"@type": "Person",
		"id":    id,
		"name":  "Ada Lovelace",
		"address": map[string]any{
			"@type":    "PostalAddress",
			"id":       id + "-address",
			"locality": "London",
		},
		"contactPoints": []any{
			map[string]any{"type": "ContactPoint", "id": id + "-email", "email": "ada@example.com"},
			map[string]any{"type": "ContactPoint", "id": id + "-phone", "telephone": "+44 20 0000 0000"},
		},
	}
}
