package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/patrickmn/go-cache"

	"github.com/quantumlife/knowledgebase/internal/codec"
	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/logging"
	"github.com/quantumlife/knowledgebase/internal/storage"
)

// Session events reported to an AuditRecorder.
const (
	EventRegister       = "session.register"
	EventLogin          = "session.login"
	EventLogout         = "session.logout"
	EventSwitchIdentity = "identity.switch"
	EventCreateIdentity = "identity.create"
	EventRemoveIdentity = "identity.remove"
	EventCreateRecord   = "record.create"
	EventImportRecord   = "record.import"
	EventSignRecord     = "record.sign"
)

// AuditRecorder is notified after each successful session operation.
// Failures are logged and never fail the operation.
type AuditRecorder interface {
	RecordSessionEvent(ctx context.Context, action, identityID string, details map[string]any) error
}

// Provider is one session: anonymous until Register or Login, authenticated
// until Logout. Users and identities are mirrored to the store after every
// mutation; Logout clears memory only.
type Provider struct {
	store storage.ResourceStore
	codec *codec.Codec

	mu       sync.RWMutex
	user     *User
	identity *Identity

	// identities is filled lazily per session and flushed on logout
	identities *cache.Cache

	// keys outlives logout: without a vault it holds the only copy of
	// private keys generated by this process.
	keysMu sync.RWMutex
	keys   map[string]*KeyBundle

	keySigning bool
	vault      *Vault
	passphrase string
	audit      AuditRecorder

	log *logging.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithCodec uses an existing codec instead of building one.
func WithCodec(c *codec.Codec) ProviderOption {
	return func(p *Provider) { p.codec = c }
}

// WithKeySigning signs created records with the identity's hybrid keys
// instead of the mock signer.
func WithKeySigning() ProviderOption {
	return func(p *Provider) { p.keySigning = true }
}

// WithVault seals new identities' keys with passphrase and unseals them on
// lookup, so keys survive logout and restarts.
func WithVault(v *Vault, passphrase string) ProviderOption {
	return func(p *Provider) {
		p.vault = v
		p.passphrase = passphrase
	}
}

// WithAuditRecorder reports session events to r.
func WithAuditRecorder(r AuditRecorder) ProviderOption {
	return func(p *Provider) { p.audit = r }
}

// NewProvider creates an anonymous session over store.
func NewProvider(store storage.ResourceStore, opts ...ProviderOption) *Provider {
	p := &Provider{
		store:      store,
		identities: cache.New(cache.NoExpiration, 0),
		keys:       make(map[string]*KeyBundle),
		log:        logging.For("identity"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.codec == nil {
		if p.keySigning {
			p.codec = codec.New(store, codec.WithSigner(NewKeySigner(p.keysFor)))
		} else {
			p.codec = codec.New(store)
		}
	}
	return p
}

// Codec returns the codec records are encoded with.
func (p *Provider) Codec() *codec.Codec {
	return p.codec
}

// -----------------------------------------------------------------------------
// Session lifecycle
// -----------------------------------------------------------------------------

// Register creates an identity and a user linked to it, persists both and
// makes them the current session.
func (p *Provider) Register(ctx context.Context, username, displayName string) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username", core.ErrMissingRequired)
	}
	name := displayName
	if name == "" {
		name = username
	}

	ident, err := NewIdentity(name, nil)
	if err != nil {
		return nil, err
	}
	user, err := NewUser(username, displayName, ident.ID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.persistIdentity(ctx, ident); err != nil {
		return nil, err
	}
	if err := p.saveUser(ctx, user); err != nil {
		return nil, err
	}

	p.user = user
	p.identity = ident
	p.record(ctx, EventRegister, ident.ID, map[string]any{"userId": user.ID, "username": username})
	p.log.WithFields(map[string]interface{}{"user": user.ID, "identity": ident.ID}).Info("registered %s", username)
	return user, nil
}

// Login makes userID the current session. Only the id is checked.
func (p *Provider) Login(ctx context.Context, userID string) (*User, error) {
	user, err := p.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrUserNotFound, userID)
	}
	if user.ActiveIdentityID == "" {
		return nil, core.ErrUserHasNoIdentity
	}
	ident, err := p.GetIdentity(ctx, user.ActiveIdentityID)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrIdentityNotFound, user.ActiveIdentityID)
	}

	p.mu.Lock()
	p.user = user
	p.identity = ident
	p.mu.Unlock()

	p.record(ctx, EventLogin, ident.ID, map[string]any{"userId": user.ID})
	p.log.WithField("user", user.ID).Info("logged in")
	return user, nil
}

// Logout clears the session and the identity cache. Stored users and
// identities stay, and so do keys generated by this provider.
func (p *Provider) Logout(ctx context.Context) {
	p.mu.Lock()
	var identityID string
	if p.identity != nil {
		identityID = p.identity.ID
	}
	p.user = nil
	p.identity = nil
	p.identities.Flush()
	p.mu.Unlock()

	if identityID != "" {
		p.record(ctx, EventLogout, identityID, nil)
	}
}

// IsAuthenticated reports whether a user is logged in.
func (p *Provider) IsAuthenticated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.user != nil
}

// CurrentUser returns the logged-in user, or nil.
func (p *Provider) CurrentUser() *User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.user
}

// CurrentIdentity returns the active identity, or nil.
func (p *Provider) CurrentIdentity() *Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identity
}

// CurrentIdentityID returns the active identity's id, or "".
func (p *Provider) CurrentIdentityID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.identity == nil {
		return ""
	}
	return p.identity.ID
}

// -----------------------------------------------------------------------------
// Identity management
// -----------------------------------------------------------------------------

// SwitchIdentity makes a linked identity active and persists the user.
func (p *Provider) SwitchIdentity(ctx context.Context, identityID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.user == nil {
		return core.ErrNoActiveUser
	}
	if !p.user.IsLinked(identityID) {
		return fmt.Errorf("%w: %s", core.ErrIdentityNotLinked, identityID)
	}
	ident, err := p.GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if ident == nil {
		return fmt.Errorf("%w: %s", core.ErrIdentityNotFound, identityID)
	}

	previous := p.user.ActiveIdentityID
	if err := p.user.SetActiveIdentity(identityID); err != nil {
		return err
	}
	if err := p.saveUser(ctx, p.user); err != nil {
		p.user.ActiveIdentityID = previous
		return err
	}
	p.identity = ident
	p.record(ctx, EventSwitchIdentity, identityID, map[string]any{"from": previous})
	return nil
}

// CreateIdentity creates an identity, links it to the current user and
// persists both. The current identity changes only if the user had none.
func (p *Provider) CreateIdentity(ctx context.Context, name string, metadata map[string]any) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.user == nil {
		return nil, core.ErrNoActiveUser
	}
	ident, err := NewIdentity(name, metadata)
	if err != nil {
		return nil, err
	}
	if err := p.persistIdentity(ctx, ident); err != nil {
		return nil, err
	}

	p.user.AddIdentity(ident.ID)
	if err := p.saveUser(ctx, p.user); err != nil {
		return nil, err
	}
	if p.identity == nil || p.user.ActiveIdentityID == ident.ID {
		p.identity = ident
	}

	p.record(ctx, EventCreateIdentity, ident.ID, map[string]any{"userId": p.user.ID, "name": name})
	return ident, nil
}

// RemoveIdentity unlinks an identity from the current user. The identity
// record itself is kept.
func (p *Provider) RemoveIdentity(ctx context.Context, identityID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.user == nil {
		return core.ErrNoActiveUser
	}

	// Work on a copy so a failed save leaves the session untouched
	updated := *p.user
	updated.LinkedIdentities = append([]string(nil), p.user.LinkedIdentities...)
	if err := updated.RemoveIdentity(identityID); err != nil {
		return err
	}
	if err := p.saveUser(ctx, &updated); err != nil {
		return err
	}
	p.user = &updated

	if p.identity != nil && p.identity.ID == identityID {
		ident, err := p.GetIdentity(ctx, updated.ActiveIdentityID)
		if err != nil {
			return err
		}
		p.identity = ident
	}

	p.record(ctx, EventRemoveIdentity, identityID, map[string]any{"userId": updated.ID})
	return nil
}

// GetIdentity loads an identity through the session cache. Missing
// identities return nil, nil.
func (p *Provider) GetIdentity(ctx context.Context, identityID string) (*Identity, error) {
	if cached, ok := p.identities.Get(identityID); ok {
		return cached.(*Identity), nil
	}

	record, err := p.store.Get(ctx, core.TypeIdentities, identityID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	ident, err := fromResource[Identity](record.Resource)
	if err != nil {
		return nil, fmt.Errorf("decode identity %s: %w", identityID, err)
	}

	if p.vault != nil && p.passphrase != "" {
		kb, err := p.vault.Unseal(ctx, identityID, p.passphrase)
		if err != nil {
			p.log.WithError(err).WithField("identity", identityID).Debug("keys not unsealed")
		} else {
			ident.attachKeys(kb)
			p.holdKeys(identityID, kb)
		}
	}
	if !ident.HasKeys() {
		if kb := p.heldKeys(identityID); kb != nil {
			ident.attachKeys(kb)
		}
	}

	p.identities.Set(identityID, ident, cache.DefaultExpiration)
	return ident, nil
}

// ListIdentities returns the current user's identities in link order.
func (p *Provider) ListIdentities(ctx context.Context) ([]*Identity, error) {
	p.mu.RLock()
	user := p.user
	p.mu.RUnlock()
	if user == nil {
		return nil, core.ErrNoActiveUser
	}

	out := make([]*Identity, 0, len(user.LinkedIdentities))
	for _, id := range user.LinkedIdentities {
		ident, err := p.GetIdentity(ctx, id)
		if err != nil {
			return nil, err
		}
		if ident != nil {
			out = append(out, ident)
		}
	}
	return out, nil
}

// ListUsers returns every stored user.
func (p *Provider) ListUsers(ctx context.Context) ([]*User, error) {
	entries, err := p.store.GetAllOfType(ctx, core.TypeUsers)
	if err != nil {
		return nil, err
	}
	users := make([]*User, 0, len(entries))
	for _, e := range entries {
		u, err := fromResource[User](e.Record.Resource)
		if err != nil {
			return nil, fmt.Errorf("decode user %s: %w", e.ID, err)
		}
		users = append(users, u)
	}
	return users, nil
}

// FindUser looks a user up by username. Missing users return nil, nil.
func (p *Provider) FindUser(ctx context.Context, username string) (*User, error) {
	users, err := p.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, nil
}

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

// CreateRecord encodes resource as authored and signed by the current
// identity. With no active identity it fails with core.ErrMissingCreator.
func (p *Provider) CreateRecord(ctx context.Context, resource any, resourceType string) (string, error) {
	identityID := p.CurrentIdentityID()
	id, err := p.codec.Encode(ctx, resource, resourceType, identityID, codec.EncodeOptions{})
	if err != nil {
		return "", err
	}
	p.record(ctx, EventCreateRecord, identityID, map[string]any{"resourceType": resourceType, "resourceId": id})
	return id, nil
}

// ImportRecord encodes resource as imported and unsigned. The current
// identity, if any, is kept as creator.
func (p *Provider) ImportRecord(ctx context.Context, resource any, resourceType string) (string, error) {
	identityID := p.CurrentIdentityID()
	id, err := p.codec.Encode(ctx, resource, resourceType, identityID, codec.EncodeOptions{Imported: true})
	if err != nil {
		return "", err
	}
	p.record(ctx, EventImportRecord, identityID, map[string]any{"resourceType": resourceType, "resourceId": id})
	return id, nil
}

// SignRecord appends a signature by the current identity to a stored record.
func (p *Provider) SignRecord(ctx context.Context, resourceType, resourceID string) error {
	identityID := p.CurrentIdentityID()
	if identityID == "" {
		return core.ErrNoActiveIdentity
	}
	if err := p.codec.SignRecord(ctx, resourceType, resourceID, identityID); err != nil {
		return err
	}
	p.record(ctx, EventSignRecord, identityID, map[string]any{"resourceType": resourceType, "resourceId": resourceID})
	return nil
}

// VerifyRecord reports whether identityID, or the current identity when
// identityID is empty, appears among the record's signatures.
func (p *Provider) VerifyRecord(record *core.Record, identityID string) (bool, error) {
	if identityID == "" {
		identityID = p.CurrentIdentityID()
	}
	if identityID == "" {
		return false, core.ErrNoActiveIdentity
	}
	return record.IsSignedBy(identityID), nil
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

// persistIdentity stores the public identity, seals its keys when a vault is
// configured, and caches it.
func (p *Provider) persistIdentity(ctx context.Context, ident *Identity) error {
	record := &core.Record{
		Resource:     ident,
		ResourceType: core.TypeIdentities,
		CreatedBy:    ident.ID,
	}
	if err := p.store.Set(ctx, core.TypeIdentities, ident.ID, record); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	if ident.HasKeys() {
		if p.vault != nil && p.passphrase != "" {
			if err := p.vault.Seal(ctx, ident.ID, ident.keys, p.passphrase); err != nil {
				return fmt.Errorf("seal keys: %w", err)
			}
		}
		p.holdKeys(ident.ID, ident.keys)
	}
	p.identities.Set(ident.ID, ident, cache.DefaultExpiration)
	return nil
}

func (p *Provider) holdKeys(identityID string, kb *KeyBundle) {
	p.keysMu.Lock()
	p.keys[identityID] = kb
	p.keysMu.Unlock()
}

func (p *Provider) heldKeys(identityID string) *KeyBundle {
	p.keysMu.RLock()
	defer p.keysMu.RUnlock()
	return p.keys[identityID]
}

func (p *Provider) saveUser(ctx context.Context, user *User) error {
	record := &core.Record{
		Resource:     user,
		ResourceType: core.TypeUsers,
		CreatedBy:    user.ActiveIdentityID,
	}
	if err := p.store.Set(ctx, core.TypeUsers, user.ID, record); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (p *Provider) loadUser(ctx context.Context, userID string) (*User, error) {
	record, err := p.store.Get(ctx, core.TypeUsers, userID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	user, err := fromResource[User](record.Resource)
	if err != nil {
		return nil, fmt.Errorf("decode user %s: %w", userID, err)
	}
	return user, nil
}

// keysFor backs KeySigner. It must not take p.mu: it runs inside Encode
// calls that may already hold it.
func (p *Provider) keysFor(ctx context.Context, identityID string) (*KeyBundle, error) {
	ident, err := p.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if ident == nil || !ident.HasKeys() {
		return nil, nil
	}
	return ident.Keys(), nil
}

func (p *Provider) record(ctx context.Context, action, identityID string, details map[string]any) {
	if p.audit == nil {
		return
	}
	if err := p.audit.RecordSessionEvent(ctx, action, identityID, details); err != nil {
		p.log.WithError(err).WithField("action", action).Warn("audit event not recorded")
	}
}
