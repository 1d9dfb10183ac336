package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/storage"
)

// Resource types may contain "/" (schemas/Person), so records are addressed
// with query parameters rather than path segments.

// handleGetTypes lists user-facing partitions
// GET /api/v1/types
func (s *Server) handleGetTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.store.GetResourceTypes(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"types": types,
		"count": len(types),
	})
}

// handleListRecords returns the stored records of one partition
// GET /api/v1/records?type=&limit=&offset=
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	resourceType := query.Get("type")
	if resourceType == "" {
		s.respondError(w, http.StatusBadRequest, "type is required")
		return
	}

	entries, err := s.store.GetAllOfType(r.Context(), resourceType)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	total := len(entries)
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil && offset > 0 {
		if offset > len(entries) {
			offset = len(entries)
		}
		entries = entries[offset:]
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil && limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"type":    resourceType,
		"entries": entries,
		"count":   len(entries),
		"total":   total,
	})
}

// handleGetRecord returns one record. With decode=true the resource is
// returned with every pointer resolved instead of the raw record.
// GET /api/v1/record?type=&id=&decode=
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	resourceType, id := query.Get("type"), query.Get("id")
	if resourceType == "" || id == "" {
		s.respondError(w, http.StatusBadRequest, "type and id are required")
		return
	}

	if decode, _ := strconv.ParseBool(query.Get("decode")); decode {
		resource, err := s.codec.Decode(r.Context(), resourceType, id)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		if resource == nil {
			s.respondErr(w, fmt.Errorf("%w: %s/%s", core.ErrRecordNotFound, resourceType, id))
			return
		}
		s.respondJSON(w, http.StatusOK, resource)
		return
	}

	record, err := s.store.Get(r.Context(), resourceType, id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if record == nil {
		s.respondErr(w, fmt.Errorf("%w: %s/%s", core.ErrRecordNotFound, resourceType, id))
		return
	}
	s.respondJSON(w, http.StatusOK, record)
}

// --- Type configuration ---

func (s *Server) handleGetTypeConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := storage.GetAllTypeConfigurations(r.Context(), s.store)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, configs)
}

func (s *Server) handleGetTypeConfig(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "type")
	cfg, err := storage.GetTypeConfiguration(r.Context(), s.store, resourceType)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if cfg == nil {
		s.respondError(w, http.StatusNotFound, "no configuration for "+resourceType)
		return
	}
	s.respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutTypeConfig(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "type")

	var cfg storage.TypeConfiguration
	if !s.decodeJSON(w, r, &cfg) {
		return
	}

	if err := storage.StoreTypeConfiguration(r.Context(), s.store, resourceType, cfg); err != nil {
		s.respondErr(w, err)
		return
	}
	s.Broadcast("typeconfig.updated", map[string]interface{}{"type": resourceType})
	s.respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteTypeConfig(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "type")
	if err := storage.DeleteTypeConfiguration(r.Context(), s.store, resourceType); err != nil {
		s.respondErr(w, err)
		return
	}
	s.Broadcast("typeconfig.deleted", map[string]interface{}{"type": resourceType})
	w.WriteHeader(http.StatusNoContent)
}

// --- Hash store ---

// handleStoreHash stores a primitive value
// POST /api/v1/hash {"value": ..., "type": "...", "metadata": {...}}
func (s *Server) handleStoreHash(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Value    interface{}            `json:"value"`
		Type     string                 `json:"type"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if !s.decodeJSON(w, r, &input) {
		return
	}
	if input.Value == nil {
		s.respondError(w, http.StatusBadRequest, "value is required")
		return
	}
	if input.Type == "" {
		input.Type = valueType(input.Value)
	}

	hash, err := s.hashes.Store(r.Context(), input.Value, input.Type, input.Metadata)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"hash": hash})
}

// handleGetHash resolves a hash
// GET /api/v1/hash/{hash}
func (s *Server) handleGetHash(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	pv, err := s.hashes.Retrieve(r.Context(), hash)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if pv == nil {
		s.respondError(w, http.StatusNotFound, "unknown hash")
		return
	}
	s.respondJSON(w, http.StatusOK, pv)
}

func valueType(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []interface{}:
		return "array"
	}
	return "object"
}
