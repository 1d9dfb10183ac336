// Package core defines the fundamental types and errors for the knowledge base.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Session / identity errors
	ErrNoActiveUser       = errors.New("no user is logged in")
	ErrNoActiveIdentity   = errors.New("no active identity")
	ErrUserNotFound       = errors.New("user not found")
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrIdentityNotLinked  = errors.New("identity is not linked to the current user")
	ErrLastIdentity       = errors.New("cannot remove the last identity of a user")
	ErrUserHasNoIdentity  = errors.New("user has no active identity")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrKeysUnavailable    = errors.New("identity keys are not available")
	ErrKeyGenerationFault = errors.New("key generation failed")

	// Storage errors
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrMigrationFailed    = errors.New("migration failed")
	ErrStoreClosed        = errors.New("store is closed")
	ErrRecordNotFound     = errors.New("record not found")
	ErrReservedType       = errors.New("resource type uses a reserved prefix")

	// Codec errors
	ErrMissingCreator = errors.New("created records must have a creator identity")
	ErrInvalidPointer = errors.New("invalid resource pointer")

	// Model provider errors
	ErrOutputNotFound   = errors.New("model output not found")
	ErrEmbeddingFailed  = errors.New("failed to generate embedding")
	ErrIndexUnavailable = errors.New("no vector index configured")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)
