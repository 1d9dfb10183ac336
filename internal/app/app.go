// Package app assembles the knowledge base components from a Config. The
// daemon and the CLI share it so both see the same store, codec and session
// wiring.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/quantumlife/knowledgebase/internal/codec"
	"github.com/quantumlife/knowledgebase/internal/config"
	"github.com/quantumlife/knowledgebase/internal/embeddings"
	"github.com/quantumlife/knowledgebase/internal/hashstore"
	"github.com/quantumlife/knowledgebase/internal/identity"
	"github.com/quantumlife/knowledgebase/internal/ledger"
	"github.com/quantumlife/knowledgebase/internal/logging"
	"github.com/quantumlife/knowledgebase/internal/metrics"
	"github.com/quantumlife/knowledgebase/internal/modelprovider"
	"github.com/quantumlife/knowledgebase/internal/schema"
	"github.com/quantumlife/knowledgebase/internal/storage"
	"github.com/quantumlife/knowledgebase/internal/vectors"
)

// Options tune Open beyond what the config file carries.
type Options struct {
	// Passphrase seals identity keys in the vault. Empty keeps keys in
	// memory only.
	Passphrase string

	// KeySigning signs records with identity keys instead of the mock
	// signer.
	KeySigning bool

	// Metrics registers store and process collectors.
	Metrics bool
}

// App holds the wired components.
type App struct {
	Config *config.Config

	Store    storage.ResourceStore
	Codec    *codec.Codec
	Hashes   *hashstore.Store
	Schemas  *schema.Manager
	Session  *identity.Provider
	Embedder *modelprovider.TextEmbeddingProvider
	Signer   *modelprovider.DigitalSignatureProvider

	LedgerDB *storage.DB
	Ledger   *ledger.Store

	Index    *vectors.Index
	Registry *prometheus.Registry

	log *logging.Logger
}

// Open builds every component. Optional services (memcached, ollama,
// qdrant) that cannot be reached are logged and left out.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	logging.SetColor(cfg.Logging.Color)

	a := &App{Config: cfg, log: logging.For("app")}

	var m *metrics.StoreMetrics
	if opts.Metrics {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		var err error
		if m, err = metrics.NewStoreMetrics(a.Registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	store, err := storage.OpenBackend(ctx, cfg, m)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	a.Store = store

	if err := a.openLedger(); err != nil {
		a.Close()
		return nil, err
	}

	a.Hashes = a.openHashStore()

	providerOpts := []identity.ProviderOption{
		identity.WithAuditRecorder(ledger.NewRecorder(a.Ledger)),
	}
	if opts.Passphrase != "" {
		providerOpts = append(providerOpts, identity.WithVault(identity.NewVault(store), opts.Passphrase))
	}
	if opts.KeySigning {
		providerOpts = append(providerOpts, identity.WithKeySigning())
	}
	a.Session = identity.NewProvider(store, providerOpts...)
	a.Codec = a.Session.Codec()

	a.Schemas = schema.NewManager(a.Codec, a.Hashes, schema.WithIdentitySource(a.Session))

	a.Embedder = modelprovider.NewTextEmbeddingProvider(a.Codec, a.Hashes, a.embedder(ctx))
	if cfg.Qdrant.Enabled {
		idx, err := vectors.NewIndex(vectors.Config{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			Collection: cfg.Qdrant.Collection,
		})
		if err != nil {
			a.log.WithError(err).Warn("qdrant unavailable, similarity search disabled")
		} else {
			a.Index = idx
			a.Embedder.WithIndex(idx)
		}
	}

	a.Signer = modelprovider.NewDigitalSignatureProvider(a.Codec, a.Hashes, "")
	return a, nil
}

// openLedger keeps the audit trail in its own SQLite file next to the data,
// whatever the resource store backend is.
func (a *App) openLedger() error {
	cfg := storage.Config{
		Path:   filepath.Join(a.Config.DataDir, "ledger.db"),
		Driver: a.Config.Storage.SQLiteDriver,
	}
	if a.Config.Storage.Backend == config.BackendMemory {
		cfg = storage.Config{InMemory: true, Driver: a.Config.Storage.SQLiteDriver}
	}

	db, err := storage.Open(cfg)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return fmt.Errorf("migrate ledger: %w", err)
	}
	a.LedgerDB = db
	a.Ledger = ledger.NewStore(db.Conn())
	return nil
}

func (a *App) openHashStore() *hashstore.Store {
	addr := a.Config.HashStore.MemcachedAddr
	if addr == "" {
		return hashstore.New(a.Store)
	}
	mc := hashstore.NewMemcached(addr)
	if err := mc.Ping(); err != nil {
		a.log.WithError(err).Warn("memcached at %s unavailable, hash store cache disabled", addr)
		return hashstore.New(a.Store)
	}
	return hashstore.New(a.Store, hashstore.WithCache(mc))
}

// embedder picks the configured embedding backend, falling back to the
// pseudo embedder when Ollama does not answer.
func (a *App) embedder(ctx context.Context) modelprovider.Embedder {
	cfg := a.Config.Embeddings
	pseudo := modelprovider.NewPseudoEmbedder(cfg.Dimensions)
	if cfg.Provider != config.EmbedderOllama {
		return pseudo
	}

	svc := embeddings.NewService(embeddings.Config{
		BaseURL:    cfg.URL,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
	})
	if err := svc.Health(ctx); err != nil {
		a.log.WithError(err).Warn("ollama unavailable, using pseudo embeddings")
		return pseudo
	}
	return svc
}

// Close releases every backend. It is safe on a partially opened App.
func (a *App) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if a.Index != nil {
		keep(a.Index.Close())
	}
	if a.LedgerDB != nil {
		keep(a.LedgerDB.Close())
	}
	if a.Store != nil {
		keep(a.Store.Close())
	}
	return first
}
