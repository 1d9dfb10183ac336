// kbd serves the knowledge base HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantumlife/knowledgebase/internal/api"
	"github.com/quantumlife/knowledgebase/internal/app"
	"github.com/quantumlife/knowledgebase/internal/config"
	"github.com/quantumlife/knowledgebase/internal/logging"
	"github.com/quantumlife/knowledgebase/internal/scheduler"
)

var (
	configPath  string
	dataDir     string
	host        string
	port        int
	keySigning  bool
	verifyEvery time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kbd",
		Short: "Knowledge base daemon",
		RunE:  runDaemon,
	}

	rootCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "Config file (.json, .yaml)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.Flags().StringVar(&host, "host", "", "HTTP listen host (overrides config)")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	rootCmd.Flags().BoolVar(&keySigning, "key-signing", false, "Sign records with identity keys")
	rootCmd.Flags().DurationVar(&verifyEvery, "verify-interval", time.Hour, "How often to verify the ledger chain")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log := logging.For("kbd")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kb, err := app.Open(ctx, cfg, app.Options{
		Passphrase: os.Getenv("KB_PASSPHRASE"),
		KeySigning: keySigning,
		Metrics:    true,
	})
	if err != nil {
		return err
	}
	defer kb.Close()

	log.WithFields(map[string]interface{}{
		"backend":  cfg.Storage.Backend,
		"data_dir": cfg.DataDir,
	}).Info("knowledge base opened")

	sched := scheduler.New()
	if err := sched.Register(scheduler.Job{
		ID:       "ledger.verify",
		Name:     "Verify ledger chain",
		Interval: verifyEvery,
		Handler:  scheduler.VerifyLedger(kb.Ledger),
	}); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	server := api.New(api.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Store:       kb.Store,
		Codec:       kb.Codec,
		Hashes:      kb.Hashes,
		Schemas:     kb.Schemas,
		Session:     kb.Session,
		Embedder:    kb.Embedder,
		Signer:      kb.Signer,
		LedgerStore: kb.Ledger,
		Scheduler:   sched,
		Gatherer:    kb.Registry,
	})

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := server.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown incomplete")
		}
		cancel()
	}()

	// Start server (blocks)
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
