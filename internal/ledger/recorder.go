package ledger

import (
	"context"
	"strings"
)

// Recorder maps session and provider events onto ledger entries. It
// satisfies identity.AuditRecorder.
type Recorder struct {
	store *Store
}

// NewRecorder creates a recorder for the given store
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// Store returns the underlying ledger.
func (r *Recorder) Store() *Store {
	return r.store
}

// RecordSessionEvent appends one identity provider event. The entity is
// picked from the action's prefix: session events are about the user,
// identity events about the identity, record events about the record.
func (r *Recorder) RecordSessionEvent(ctx context.Context, action, identityID string, details map[string]any) error {
	actor := identityID
	if actor == "" {
		actor = ActorSystem
	}

	var entityType, entityID string
	switch prefix, _, _ := strings.Cut(action, "."); prefix {
	case "session":
		entityType = EntityUser
		entityID, _ = details["userId"].(string)
	case "identity":
		entityType = EntityIdentity
		entityID = identityID
	case "record":
		entityType = EntityRecord
		entityID = RecordEntityID(str(details["resourceType"]), str(details["resourceId"]))
	}

	_, err := r.store.Append(ctx, action, actor, entityType, entityID, details)
	return err
}

// RecordModelOutput records that a model provider produced outputID for
// contentID.
func (r *Recorder) RecordModelOutput(ctx context.Context, providerID, outputID, contentID string) error {
	_, err := r.store.Append(ctx, "model."+providerID, ActorSystem, EntityOutput, outputID, map[string]any{
		"contentId": contentID,
	})
	return err
}

// RecordEntityID is the entity id under which record events are filed.
func RecordEntityID(resourceType, resourceID string) string {
	if resourceType == "" && resourceID == "" {
		return ""
	}
	return resourceType + "/" + resourceID
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
