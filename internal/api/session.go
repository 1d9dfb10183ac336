package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/knowledgebase/internal/identity"
)

// SessionAPI drives the server's identity provider. The daemon holds one
// session; these routes are for a single local operator.
type SessionAPI struct {
	s       *Server
	session *identity.Provider
}

// NewSessionAPI creates the session handlers
func NewSessionAPI(s *Server) *SessionAPI {
	return &SessionAPI{s: s, session: s.session}
}

// RegisterRoutes registers session, identity and record routes
func (api *SessionAPI) RegisterRoutes(r chi.Router) {
	r.Route("/session", func(r chi.Router) {
		r.Get("/", api.handleCurrent)
		r.Post("/register", api.handleRegister)
		r.Post("/login", api.handleLogin)
		r.Post("/logout", api.handleLogout)
	})

	r.Get("/users", api.handleListUsers)

	r.Route("/identities", func(r chi.Router) {
		r.Get("/", api.handleListIdentities)
		r.Post("/", api.handleCreateIdentity)
		r.Get("/{id}", api.handleGetIdentity)
		r.Post("/{id}/switch", api.handleSwitchIdentity)
		r.Delete("/{id}", api.handleRemoveIdentity)
	})

	// Writes go through the session so they are attributed and signed
	r.Post("/records", api.handleCreateRecord)
	r.Post("/records/import", api.handleImportRecord)
	r.Post("/records/sign", api.handleSignRecord)
	r.Get("/records/verify", api.handleVerifyRecord)
}

type identityView struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	PublicKey string                 `json:"publicKey,omitempty"`
	Created   interface{}            `json:"created"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	HasKeys   bool                   `json:"hasKeys"`
}

func viewIdentity(ident *identity.Identity) *identityView {
	if ident == nil {
		return nil
	}
	return &identityView{
		ID:        ident.ID,
		Name:      ident.Name,
		PublicKey: ident.PublicKey,
		Created:   ident.Created,
		Metadata:  ident.Metadata,
		HasKeys:   ident.HasKeys(),
	}
}

func (api *SessionAPI) state() map[string]interface{} {
	return map[string]interface{}{
		"authenticated": api.session.IsAuthenticated(),
		"user":          api.session.CurrentUser(),
		"identity":      viewIdentity(api.session.CurrentIdentity()),
	}
}

func (api *SessionAPI) handleCurrent(w http.ResponseWriter, r *http.Request) {
	api.s.respondJSON(w, http.StatusOK, api.state())
}

func (api *SessionAPI) handleRegister(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Username    string `json:"username"`
		DisplayName string `json:"displayName"`
	}
	if !api.s.decodeJSON(w, r, &input) {
		return
	}
	if input.Username == "" {
		api.s.respondError(w, http.StatusBadRequest, "username is required")
		return
	}

	if _, err := api.session.Register(r.Context(), input.Username, input.DisplayName); err != nil {
		api.s.respondErr(w, err)
		return
	}

	state := api.state()
	api.s.Broadcast("session.changed", state)
	api.s.respondJSON(w, http.StatusCreated, state)
}

// handleLogin accepts a user id or a username.
func (api *SessionAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var input struct {
		UserID   string `json:"userId"`
		Username string `json:"username"`
	}
	if !api.s.decodeJSON(w, r, &input) {
		return
	}

	userID := input.UserID
	if userID == "" && input.Username != "" {
		user, err := api.session.FindUser(r.Context(), input.Username)
		if err != nil {
			api.s.respondErr(w, err)
			return
		}
		if user == nil {
			api.s.respondError(w, http.StatusNotFound, "user not found")
			return
		}
		userID = user.ID
	}
	if userID == "" {
		api.s.respondError(w, http.StatusBadRequest, "userId or username is required")
		return
	}

	if _, err := api.session.Login(r.Context(), userID); err != nil {
		api.s.respondErr(w, err)
		return
	}

	state := api.state()
	api.s.Broadcast("session.changed", state)
	api.s.respondJSON(w, http.StatusOK, state)
}

func (api *SessionAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	api.session.Logout(r.Context())
	state := api.state()
	api.s.Broadcast("session.changed", state)
	api.s.respondJSON(w, http.StatusOK, state)
}

func (api *SessionAPI) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := api.session.ListUsers(r.Context())
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	api.s.respondJSON(w, http.StatusOK, users)
}

// handleListIdentities lists the identities linked to the current user.
func (api *SessionAPI) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	idents, err := api.session.ListIdentities(r.Context())
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	views := make([]*identityView, 0, len(idents))
	for _, ident := range idents {
		views = append(views, viewIdentity(ident))
	}
	api.s.respondJSON(w, http.StatusOK, views)
}

func (api *SessionAPI) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	ident, err := api.session.GetIdentity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	if ident == nil {
		api.s.respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	api.s.respondJSON(w, http.StatusOK, viewIdentity(ident))
}

func (api *SessionAPI) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Name     string                 `json:"name"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if !api.s.decodeJSON(w, r, &input) {
		return
	}

	ident, err := api.session.CreateIdentity(r.Context(), input.Name, input.Metadata)
	if err != nil {
		api.s.respondErr(w, err)
		return
	}

	api.s.Broadcast("identity.created", viewIdentity(ident))
	api.s.respondJSON(w, http.StatusCreated, viewIdentity(ident))
}

func (api *SessionAPI) handleSwitchIdentity(w http.ResponseWriter, r *http.Request) {
	if err := api.session.SwitchIdentity(r.Context(), chi.URLParam(r, "id")); err != nil {
		api.s.respondErr(w, err)
		return
	}
	state := api.state()
	api.s.Broadcast("session.changed", state)
	api.s.respondJSON(w, http.StatusOK, state)
}

func (api *SessionAPI) handleRemoveIdentity(w http.ResponseWriter, r *http.Request) {
	if err := api.session.RemoveIdentity(r.Context(), chi.URLParam(r, "id")); err != nil {
		api.s.respondErr(w, err)
		return
	}
	state := api.state()
	api.s.Broadcast("session.changed", state)
	api.s.respondJSON(w, http.StatusOK, state)
}

type recordInput struct {
	Type     string      `json:"type"`
	Resource interface{} `json:"resource"`
}

func (api *SessionAPI) readRecordInput(w http.ResponseWriter, r *http.Request) (*recordInput, bool) {
	var input recordInput
	if !api.s.decodeJSON(w, r, &input) {
		return nil, false
	}
	if input.Type == "" || input.Resource == nil {
		api.s.respondError(w, http.StatusBadRequest, "type and resource are required")
		return nil, false
	}
	return &input, true
}

// handleCreateRecord encodes a resource as the current identity
// POST /api/v1/records {"type": "...", "resource": {...}}
func (api *SessionAPI) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	input, ok := api.readRecordInput(w, r)
	if !ok {
		return
	}

	id, err := api.session.CreateRecord(r.Context(), input.Resource, input.Type)
	if err != nil {
		api.s.respondErr(w, err)
		return
	}

	result := map[string]string{"type": input.Type, "id": id}
	api.s.Broadcast("record.created", result)
	api.s.respondJSON(w, http.StatusCreated, result)
}

// handleImportRecord stores a resource as imported and unsigned
// POST /api/v1/records/import {"type": "...", "resource": {...}}
func (api *SessionAPI) handleImportRecord(w http.ResponseWriter, r *http.Request) {
	input, ok := api.readRecordInput(w, r)
	if !ok {
		return
	}

	id, err := api.session.ImportRecord(r.Context(), input.Resource, input.Type)
	if err != nil {
		api.s.respondErr(w, err)
		return
	}

	result := map[string]string{"type": input.Type, "id": id}
	api.s.Broadcast("record.imported", result)
	api.s.respondJSON(w, http.StatusCreated, result)
}

// handleSignRecord adds the current identity's signature
// POST /api/v1/records/sign {"type": "...", "id": "..."}
func (api *SessionAPI) handleSignRecord(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if !api.s.decodeJSON(w, r, &input) {
		return
	}
	if input.Type == "" || input.ID == "" {
		api.s.respondError(w, http.StatusBadRequest, "type and id are required")
		return
	}

	if err := api.session.SignRecord(r.Context(), input.Type, input.ID); err != nil {
		api.s.respondErr(w, err)
		return
	}

	result := map[string]string{"type": input.Type, "id": input.ID, "signedBy": api.session.CurrentIdentityID()}
	api.s.Broadcast("record.signed", result)
	api.s.respondJSON(w, http.StatusOK, result)
}

// handleVerifyRecord reports whether an identity (default: the current one)
// has signed a record
// GET /api/v1/records/verify?type=&id=&identity=
func (api *SessionAPI) handleVerifyRecord(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	resourceType, id := query.Get("type"), query.Get("id")
	if resourceType == "" || id == "" {
		api.s.respondError(w, http.StatusBadRequest, "type and id are required")
		return
	}

	record, err := api.s.store.Get(r.Context(), resourceType, id)
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	if record == nil {
		api.s.respondError(w, http.StatusNotFound, "record not found")
		return
	}

	verified, err := api.session.VerifyRecord(record, query.Get("identity"))
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	api.s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"type":     resourceType,
		"id":       id,
		"verified": verified,
	})
}
