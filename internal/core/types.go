// Package core defines the fundamental types for the knowledge base.
// Every stored thing is a Record inside a named partition ("resource type").
package core

import (
	"strings"
	"time"
)

// ReservedPrefix marks internal partitions (type configuration, sealed keys).
// They are never listed as user-facing resource types.
const ReservedPrefix = "__"

// IsReserved reports whether a resource type names an internal partition.
func IsReserved(resourceType string) bool {
	return strings.HasPrefix(resourceType, ReservedPrefix)
}

// -----------------------------------------------------------------------------
// RECORD - the unit of storage
// -----------------------------------------------------------------------------

// Record is stored under (resourceType, resourceID).
// A locally created record (Imported == false) always has CreatedBy set.
type Record struct {
	Resource     any         `json:"resource"`
	ResourceType string      `json:"resourceType"`
	CreatedBy    string      `json:"createdBy,omitempty"`
	Signatures   []Signature `json:"signatures,omitempty"`
	Imported     bool        `json:"imported,omitempty"`
}

// IsSignedBy reports whether identityID appears among the record's signatures.
func (r *Record) IsSignedBy(identityID string) bool {
	if r == nil {
		return false
	}
	for _, sig := range r.Signatures {
		if sig.IdentityID == identityID {
			return true
		}
	}
	return false
}

// Signature is appended to a record. Signing twice yields two entries.
type Signature struct {
	IdentityID string    `json:"identityId"`
	Timestamp  time.Time `json:"timestamp"`
	Signature  string    `json:"signature"`
}

// Pointer replaces an extracted embedded resource inside a record.
// It never appears as a top-level stored value.
type Pointer struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
}

// Map renders the pointer in its stored shape.
func (p Pointer) Map() map[string]any {
	return map[string]any{
		"resourceType": p.ResourceType,
		"resourceId":   p.ResourceID,
	}
}

// Entry is one row of a partition scan.
type Entry struct {
	ID     string  `json:"id"`
	Record *Record `json:"record"`
}

// -----------------------------------------------------------------------------
// PARTITION NAMES
// -----------------------------------------------------------------------------

// Well-known partitions used by the higher layers.
const (
	TypeIdentities = "identities"
	TypeUsers      = "users"
	TypePrimitives = "primitives"
	TypeTypeConfig = ReservedPrefix + "type_config"
	TypeKeys       = ReservedPrefix + "keys"
)

// SchemaType returns the partition holding schema references of one schema type.
func SchemaType(schemaType string) string {
	return "schemas/" + schemaType
}

// ModelOutputType returns the partition holding a provider's outputs.
func ModelOutputType(providerID string) string {
	return "model-outputs/" + providerID
}
