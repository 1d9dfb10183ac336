package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/schema"
)

// SchemaAPI exposes the schema reference manager
type SchemaAPI struct {
	s       *Server
	manager *schema.Manager
}

// NewSchemaAPI creates the schema handlers
func NewSchemaAPI(s *Server) *SchemaAPI {
	return &SchemaAPI{s: s, manager: s.schemas}
}

// RegisterRoutes registers schema routes
func (api *SchemaAPI) RegisterRoutes(r chi.Router) {
	r.Route("/schemas/{schemaType}", func(r chi.Router) {
		r.Get("/", api.handleList)                       // GET /api/v1/schemas/{type}
		r.Post("/", api.handleCreate)                    // POST /api/v1/schemas/{type}
		r.Get("/{id}", api.handleGet)                    // GET /api/v1/schemas/{type}/{id}
		r.Patch("/{id}", api.handleUpdate)               // PATCH /api/v1/schemas/{type}/{id}
		r.Get("/{id}/reference", api.handleGetReference) // GET /api/v1/schemas/{type}/{id}/reference
		r.Post("/{id}/relationships", api.handleRelate)  // POST /api/v1/schemas/{type}/{id}/relationships
		r.Get("/{id}/related", api.handleRelated)        // GET /api/v1/schemas/{type}/{id}/related?type=
	})
}

func (api *SchemaAPI) handleList(w http.ResponseWriter, r *http.Request) {
	schemaType := chi.URLParam(r, "schemaType")
	refs, err := api.manager.ListSchemas(r.Context(), schemaType)
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	api.s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"schemaType": schemaType,
		"schemas":    refs,
		"count":      len(refs),
	})
}

// handleCreate creates a schema. Without an id one is generated from
// baseName (or the schema type).
func (api *SchemaAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	schemaType := chi.URLParam(r, "schemaType")

	var input struct {
		ID            string                 `json:"id"`
		BaseName      string                 `json:"baseName"`
		Properties    map[string]interface{} `json:"properties"`
		Relationships []schema.Relationship  `json:"relationships"`
		Metadata      map[string]interface{} `json:"metadata"`
	}
	if !api.s.decodeJSON(w, r, &input) {
		return
	}
	if input.ID == "" {
		input.ID = api.manager.GenerateID(schemaType, input.BaseName)
	}

	ref, err := api.manager.CreateSchema(r.Context(), schemaType, input.ID, input.Properties, input.Relationships, input.Metadata)
	if err != nil {
		api.s.respondErr(w, err)
		return
	}

	api.s.Broadcast("schema.created", ref)
	api.s.respondJSON(w, http.StatusCreated, ref)
}

func (api *SchemaAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	schemaType, id := chi.URLParam(r, "schemaType"), chi.URLParam(r, "id")
	assembled, err := api.manager.GetSchema(r.Context(), schemaType, id)
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	if assembled == nil {
		api.s.respondErr(w, fmt.Errorf("%w: schema %s/%s", core.ErrRecordNotFound, schemaType, id))
		return
	}
	api.s.respondJSON(w, http.StatusOK, assembled)
}

func (api *SchemaAPI) handleGetReference(w http.ResponseWriter, r *http.Request) {
	schemaType, id := chi.URLParam(r, "schemaType"), chi.URLParam(r, "id")
	ref, err := api.manager.GetReference(r.Context(), schemaType, id)
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	if ref == nil {
		api.s.respondErr(w, fmt.Errorf("%w: schema %s/%s", core.ErrRecordNotFound, schemaType, id))
		return
	}
	api.s.respondJSON(w, http.StatusOK, ref)
}

// handleUpdate merges properties; a null value removes the property.
func (api *SchemaAPI) handleUpdate(w http.ResponseWriter, r *http.Request) {
	schemaType, id := chi.URLParam(r, "schemaType"), chi.URLParam(r, "id")

	var input struct {
		Properties map[string]interface{} `json:"properties"`
		Metadata   map[string]interface{} `json:"metadata"`
	}
	if !api.s.decodeJSON(w, r, &input) {
		return
	}

	ref, err := api.manager.UpdateSchema(r.Context(), schemaType, id, input.Properties, input.Metadata)
	if err != nil {
		api.s.respondErr(w, err)
		return
	}

	api.s.Broadcast("schema.updated", ref)
	api.s.respondJSON(w, http.StatusOK, ref)
}

func (api *SchemaAPI) handleRelate(w http.ResponseWriter, r *http.Request) {
	schemaType, id := chi.URLParam(r, "schemaType"), chi.URLParam(r, "id")

	var rel schema.Relationship
	if !api.s.decodeJSON(w, r, &rel) {
		return
	}
	if rel.Type == "" || rel.TargetSchemaType == "" || rel.TargetSchemaID == "" {
		api.s.respondError(w, http.StatusBadRequest, "type, targetSchemaType and targetSchemaId are required")
		return
	}

	added, err := api.manager.AddRelationship(r.Context(), schemaType, id, rel.Type, rel.TargetSchemaType, rel.TargetSchemaID)
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	if !added {
		api.s.respondErr(w, fmt.Errorf("%w: schema %s/%s", core.ErrRecordNotFound, schemaType, id))
		return
	}

	api.s.Broadcast("schema.related", map[string]interface{}{
		"schemaType":   schemaType,
		"schemaId":     id,
		"relationship": rel,
	})
	api.s.respondJSON(w, http.StatusOK, map[string]bool{"added": true})
}

func (api *SchemaAPI) handleRelated(w http.ResponseWriter, r *http.Request) {
	schemaType, id := chi.URLParam(r, "schemaType"), chi.URLParam(r, "id")
	related, err := api.manager.GetRelatedSchemas(r.Context(), schemaType, id, r.URL.Query().Get("type"))
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	api.s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"related": related,
		"count":   len(related),
	})
}
