package mockservers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// OllamaMockServer provides a mock Ollama API server for testing.
type OllamaMockServer struct {
	Server   *httptest.Server
	Handlers map[string]http.HandlerFunc

	// Vectors maps prompts to the embedding returned for them. Unknown
	// prompts get DefaultVector. Set both before issuing requests.
	Vectors       map[string][]float64
	DefaultVector []float64

	mu       sync.Mutex
	requests []string
	batches  int
	t        *testing.T
}

// NewOllamaMockServer creates a new mock Ollama API server.
func NewOllamaMockServer(t *testing.T) *OllamaMockServer {
	t.Helper()

	mock := &OllamaMockServer{
		Handlers:      make(map[string]http.HandlerFunc),
		Vectors:       make(map[string][]float64),
		DefaultVector: []float64{0.1, 0.2, 0.3, 0.4},
		t:             t,
	}

	mock.SetupDefaults()

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		mock.mu.Lock()
		handler, ok := mock.Handlers[r.URL.Path]
		mock.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}

		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "not found",
		})
	}))

	t.Cleanup(func() {
		mock.Server.Close()
	})

	return mock
}

// URL returns the server base URL.
func (m *OllamaMockServer) URL() string {
	return m.Server.URL
}

// Prompts returns the prompts received so far.
func (m *OllamaMockServer) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// Batches returns how many /api/embed calls were served.
func (m *OllamaMockServer) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// Handle replaces the handler for path.
func (m *OllamaMockServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		delete(m.Handlers, path)
		return
	}
	m.Handlers[path] = h
}

// SetDefaultVector sets the embedding returned for unknown prompts.
func (m *OllamaMockServer) SetDefaultVector(v []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DefaultVector = v
}

// SetupDefaults sets up default response handlers.
func (m *OllamaMockServer) SetupDefaults() {
	// embeddings
	m.Handle("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
			return
		}

		m.mu.Lock()
		m.requests = append(m.requests, req.Prompt)
		vec, ok := m.Vectors[req.Prompt]
		if !ok {
			vec = m.DefaultVector
		}
		m.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding": vec,
		})
	})

	// batch embeddings
	m.Handle("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
			return
		}

		m.mu.Lock()
		out := make([][]float64, 0, len(req.Input))
		for _, in := range req.Input {
			m.requests = append(m.requests, in)
			vec, ok := m.Vectors[in]
			if !ok {
				vec = m.DefaultVector
			}
			out = append(out, vec)
		}
		m.batches++
		m.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]interface{}{
			"model":      req.Model,
			"embeddings": out,
		})
	})

	// tags (health)
	m.Handle("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]interface{}{
				{"name": "nomic-embed-text:latest"},
			},
		})
	})
}

// FailEmbeddings makes both embedding endpoints answer with status.
func (m *OllamaMockServer) FailEmbeddings(status int) {
	fail := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "model not loaded"})
	}
	m.Handle("/api/embeddings", fail)
	m.Handle("/api/embed", fail)
}
