// Package identity handles identities, users and the session that ties them
// to record attribution and signing.
package identity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife/knowledgebase/internal/core"
)

// Identity is the unit of attribution. The key bundle stays in memory and is
// never part of the stored record.
type Identity struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	PublicKey string         `json:"publicKey,omitempty"`
	Created   time.Time      `json:"created"`
	Metadata  map[string]any `json:"metadata"`

	keys *KeyBundle
}

// NewIdentity creates an identity with a fresh key bundle.
func NewIdentity(name string, metadata map[string]any) (*Identity, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: identity name", core.ErrMissingRequired)
	}
	keys, err := GenerateKeyBundle()
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Identity{
		ID:        uuid.New().String(),
		Name:      name,
		PublicKey: keys.PublicKey(),
		Created:   time.Now().UTC(),
		Metadata:  metadata,
		keys:      keys,
	}, nil
}

// Keys returns the in-memory key bundle, or nil when this process does not
// hold the private keys.
func (i *Identity) Keys() *KeyBundle {
	return i.keys
}

// HasKeys reports whether the identity can sign.
func (i *Identity) HasKeys() bool {
	return i.keys != nil
}

func (i *Identity) attachKeys(kb *KeyBundle) {
	i.keys = kb
}

// User groups identities. ActiveIdentityID, when set, is always one of
// LinkedIdentities, and a user never has zero linked identities once created.
type User struct {
	ID               string         `json:"id"`
	Username         string         `json:"username"`
	DisplayName      string         `json:"displayName,omitempty"`
	Created          time.Time      `json:"created"`
	LinkedIdentities []string       `json:"linkedIdentities"`
	ActiveIdentityID string         `json:"activeIdentityId,omitempty"`
	Settings         map[string]any `json:"settings"`
	Metadata         map[string]any `json:"metadata"`
}

// NewUser creates a user linked to (and active as) identityID.
func NewUser(username, displayName, identityID string) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username", core.ErrMissingRequired)
	}
	if identityID == "" {
		return nil, fmt.Errorf("%w: initial identity", core.ErrMissingRequired)
	}
	return &User{
		ID:               uuid.New().String(),
		Username:         username,
		DisplayName:      displayName,
		Created:          time.Now().UTC(),
		LinkedIdentities: []string{identityID},
		ActiveIdentityID: identityID,
		Settings:         map[string]any{},
		Metadata:         map[string]any{},
	}, nil
}

// IsLinked reports whether identityID belongs to the user.
func (u *User) IsLinked(identityID string) bool {
	for _, id := range u.LinkedIdentities {
		if id == identityID {
			return true
		}
	}
	return false
}

// AddIdentity links identityID. The first linked identity becomes active.
func (u *User) AddIdentity(identityID string) {
	if u.IsLinked(identityID) {
		return
	}
	u.LinkedIdentities = append(u.LinkedIdentities, identityID)
	if u.ActiveIdentityID == "" {
		u.ActiveIdentityID = identityID
	}
}

// RemoveIdentity unlinks identityID. Removing the last identity is rejected
// and leaves the user unchanged. If the active identity goes, the first
// remaining one takes over.
func (u *User) RemoveIdentity(identityID string) error {
	idx := -1
	for i, id := range u.LinkedIdentities {
		if id == identityID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return core.ErrIdentityNotLinked
	}
	if len(u.LinkedIdentities) == 1 {
		return core.ErrLastIdentity
	}

	linked := make([]string, 0, len(u.LinkedIdentities)-1)
	linked = append(linked, u.LinkedIdentities[:idx]...)
	linked = append(linked, u.LinkedIdentities[idx+1:]...)
	u.LinkedIdentities = linked

	if u.ActiveIdentityID == identityID {
		u.ActiveIdentityID = linked[0]
	}
	return nil
}

// SetActiveIdentity selects a linked identity.
func (u *User) SetActiveIdentity(identityID string) error {
	if !u.IsLinked(identityID) {
		return core.ErrIdentityNotLinked
	}
	u.ActiveIdentityID = identityID
	return nil
}

// fromResource converts a stored resource tree back into a typed value.
func fromResource[T any](resource any) (*T, error) {
	data, err := json.Marshal(resource)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
