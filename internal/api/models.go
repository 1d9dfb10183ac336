package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/knowledgebase/internal/modelprovider"
)

// ModelsAPI runs content through the configured model providers
type ModelsAPI struct {
	s         *Server
	providers map[string]modelprovider.Provider
}

// NewModelsAPI creates the model provider handlers
func NewModelsAPI(s *Server) *ModelsAPI {
	providers := make(map[string]modelprovider.Provider)
	if s.embedder != nil {
		providers[s.embedder.ProviderID()] = s.embedder
	}
	if s.signer != nil {
		providers[s.signer.ProviderID()] = s.signer
	}
	return &ModelsAPI{s: s, providers: providers}
}

// RegisterRoutes registers model provider routes
func (api *ModelsAPI) RegisterRoutes(r chi.Router) {
	r.Route("/models", func(r chi.Router) {
		r.Get("/", api.handleListProviders)

		if api.s.embedder != nil {
			r.Get("/"+modelprovider.TextEmbeddingProviderID+"/similarity", api.handleSimilarity)
			r.Post("/"+modelprovider.TextEmbeddingProviderID+"/search", api.handleSearch)
			r.Post("/"+modelprovider.TextEmbeddingProviderID+"/batch", api.handleBatch)
			r.Get("/"+modelprovider.TextEmbeddingProviderID+"/outputs/{id}/vector", api.handleVector)
		}
		if api.s.signer != nil {
			r.Post("/"+modelprovider.DigitalSignatureProviderID+"/outputs/{id}/verify", api.handleVerifySignature)
		}

		r.Post("/{provider}/process", api.handleProcess)
		r.Get("/{provider}/outputs", api.handleFindOutputs)
		r.Get("/{provider}/outputs/{id}", api.handleGetOutput)
	})
}

func (api *ModelsAPI) provider(w http.ResponseWriter, r *http.Request) (modelprovider.Provider, bool) {
	id := chi.URLParam(r, "provider")
	p, ok := api.providers[id]
	if !ok {
		api.s.respondError(w, http.StatusNotFound, "unknown model provider "+id)
	}
	return p, ok
}

func (api *ModelsAPI) handleListProviders(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(api.providers))
	for _, id := range []string{modelprovider.TextEmbeddingProviderID, modelprovider.DigitalSignatureProviderID} {
		if _, ok := api.providers[id]; ok {
			ids = append(ids, id)
		}
	}
	api.s.respondJSON(w, http.StatusOK, map[string]interface{}{"providers": ids})
}

// handleProcess runs content through one provider
// POST /api/v1/models/{provider}/process {"content": ..., "contentType": "...", "contentId": "..."}
func (api *ModelsAPI) handleProcess(w http.ResponseWriter, r *http.Request) {
	p, ok := api.provider(w, r)
	if !ok {
		return
	}

	var input struct {
		Content     interface{} `json:"content"`
		ContentType string      `json:"contentType"`
		ContentID   string      `json:"contentId"`
	}
	if !api.s.decodeJSON(w, r, &input) {
		return
	}
	if input.Content == nil || input.ContentID == "" {
		api.s.respondError(w, http.StatusBadRequest, "content and contentId are required")
		return
	}
	if input.ContentType == "" {
		input.ContentType = "text"
	}

	outputID, err := p.ProcessContent(r.Context(), input.Content, input.ContentType, input.ContentID)
	if err != nil {
		api.s.respondErr(w, err)
		return
	}

	if api.s.ledgerRecorder != nil {
		if err := api.s.ledgerRecorder.RecordModelOutput(r.Context(), p.ProviderID(), outputID, input.ContentID); err != nil {
			api.s.log.WithError(err).Warn("ledger write for output %s failed", outputID)
		}
	}

	result := map[string]string{
		"provider":  p.ProviderID(),
		"outputId":  outputID,
		"contentId": input.ContentID,
	}
	api.s.Broadcast("model.output", result)
	api.s.respondJSON(w, http.StatusCreated, result)
}

// handleBatch embeds many contents in one embedder call
// POST /api/v1/models/text-embedding/batch {"items": [{"content": ..., "contentType": "...", "contentId": "..."}]}
func (api *ModelsAPI) handleBatch(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Items []modelprovider.BatchItem `json:"items"`
	}
	if !api.s.decodeJSON(w, r, &input) {
		return
	}
	if len(input.Items) == 0 {
		api.s.respondError(w, http.StatusBadRequest, "items are required")
		return
	}
	for i, item := range input.Items {
		if item.Content == nil || item.ContentID == "" {
			api.s.respondError(w, http.StatusBadRequest, fmt.Sprintf("item %d: content and contentId are required", i))
			return
		}
	}

	ids, err := api.s.embedder.ProcessBatch(r.Context(), input.Items)
	if api.s.ledgerRecorder != nil {
		for i, outputID := range ids {
			if err := api.s.ledgerRecorder.RecordModelOutput(r.Context(), modelprovider.TextEmbeddingProviderID, outputID, input.Items[i].ContentID); err != nil {
				api.s.log.WithError(err).Warn("ledger write for output %s failed", outputID)
			}
		}
	}
	if err != nil {
		api.s.respondErr(w, err)
		return
	}

	result := map[string]interface{}{
		"provider":  modelprovider.TextEmbeddingProviderID,
		"outputIds": ids,
	}
	api.s.Broadcast("model.batch", result)
	api.s.respondJSON(w, http.StatusCreated, result)
}

func (api *ModelsAPI) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	p, ok := api.provider(w, r)
	if !ok {
		return
	}
	out, err := p.GetOutput(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	if out == nil {
		api.s.respondError(w, http.StatusNotFound, "output not found")
		return
	}
	api.s.respondJSON(w, http.StatusOK, out)
}

// handleFindOutputs lists a provider's outputs for one piece of content
// GET /api/v1/models/{provider}/outputs?contentId=
func (api *ModelsAPI) handleFindOutputs(w http.ResponseWriter, r *http.Request) {
	p, ok := api.provider(w, r)
	if !ok {
		return
	}
	contentID := r.URL.Query().Get("contentId")
	if contentID == "" {
		api.s.respondError(w, http.StatusBadRequest, "contentId is required")
		return
	}

	outs, err := p.FindOutputsForContent(r.Context(), contentID)
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	api.s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"contentId": contentID,
		"outputs":   outs,
		"count":     len(outs),
	})
}

func (api *ModelsAPI) handleVector(w http.ResponseWriter, r *http.Request) {
	vec, err := api.s.embedder.Vector(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	if vec == nil {
		api.s.respondError(w, http.StatusNotFound, "vector not found")
		return
	}
	api.s.respondJSON(w, http.StatusOK, map[string]interface{}{"vector": vec, "dimensions": len(vec)})
}

// handleSimilarity compares two embedding outputs. similarity is null when
// either vector is missing or their dimensions differ.
// GET /api/v1/models/text-embedding/similarity?a=&b=
func (api *ModelsAPI) handleSimilarity(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	a, b := query.Get("a"), query.Get("b")
	if a == "" || b == "" {
		api.s.respondError(w, http.StatusBadRequest, "a and b are required")
		return
	}
	api.s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"a":          a,
		"b":          b,
		"similarity": api.s.embedder.CalculateSimilarity(r.Context(), a, b),
	})
}

// handleSearch finds the outputs nearest to a query text
// POST /api/v1/models/text-embedding/search {"text": "...", "limit": 10}
func (api *ModelsAPI) handleSearch(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Text  string `json:"text"`
		Limit int    `json:"limit"`
	}
	if !api.s.decodeJSON(w, r, &input) {
		return
	}
	if input.Text == "" {
		api.s.respondError(w, http.StatusBadRequest, "text is required")
		return
	}

	matches, err := api.s.embedder.SearchSimilar(r.Context(), input.Text, input.Limit)
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	api.s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"matches": matches,
		"count":   len(matches),
	})
}

// handleVerifySignature checks content against a signature output
// POST /api/v1/models/digital-signature/outputs/{id}/verify {"content": ...}
func (api *ModelsAPI) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	outputID := chi.URLParam(r, "id")

	var input struct {
		Content interface{} `json:"content"`
	}
	if !api.s.decodeJSON(w, r, &input) {
		return
	}
	if input.Content == nil {
		api.s.respondError(w, http.StatusBadRequest, "content is required")
		return
	}

	valid, err := api.s.signer.VerifySignature(r.Context(), outputID, input.Content)
	if err != nil {
		api.s.respondErr(w, err)
		return
	}
	api.s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"outputId": outputID,
		"valid":    valid,
	})
}
