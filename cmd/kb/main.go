// kb is the command-line interface to a local knowledge base.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantumlife/knowledgebase/internal/app"
	"github.com/quantumlife/knowledgebase/internal/config"
	"github.com/quantumlife/knowledgebase/internal/hashstore"
	"github.com/quantumlife/knowledgebase/internal/ledger"
	"github.com/quantumlife/knowledgebase/internal/modelprovider"
	"github.com/quantumlife/knowledgebase/internal/storage"
)

var (
	// Config
	configPath string
	dataDir    string
	backend    string

	// Version
	version = "0.1.0-alpha"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kb",
		Short: "Knowledge base CLI",
		Long: `kb reads and writes a local knowledge base.

Records are stored per resource type, signed by the identity that
created them, and can be decoded back with every reference resolved.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file (.json, .yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "storage backend (overrides config)")

	// Commands
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(typesCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(hashCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(typeConfigCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(embedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openKB loads the config and opens every component. The vault passphrase
// comes from KB_PASSPHRASE when set.
func openKB(ctx context.Context, passphrase string) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if backend != "" {
		cfg.Storage.Backend = backend
	}
	if passphrase == "" {
		passphrase = os.Getenv("KB_PASSPHRASE")
	}
	return app.Open(ctx, cfg, app.Options{Passphrase: passphrase})
}

func withKB(fn func(ctx context.Context, kb *app.App) error) error {
	ctx := context.Background()
	kb, err := openKB(ctx, "")
	if err != nil {
		return err
	}
	defer kb.Close()
	return fn(ctx, kb)
}

// versionCmd shows version
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show kb version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kb %s\n", version)
		},
	}
}

// initCmd registers a user whose identity keys are sealed with a passphrase
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Register a user and identity",
		Long: `Creates a user with a fresh identity.

The identity gets an Ed25519 + ML-DSA-65 key pair. The private keys are
sealed with your passphrase and stored in the knowledge base.
NEVER share your passphrase.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)
			fmt.Print("Username: ")
			username, _ := reader.ReadString('\n')
			username = strings.TrimSpace(username)
			if username == "" {
				return fmt.Errorf("username is required")
			}

			fmt.Print("Display name (optional): ")
			displayName, _ := reader.ReadString('\n')
			displayName = strings.TrimSpace(displayName)

			passphrase, err := readNewPassphrase()
			if err != nil {
				return err
			}

			ctx := context.Background()
			kb, err := openKB(ctx, passphrase)
			if err != nil {
				return err
			}
			defer kb.Close()

			existing, err := kb.Session.FindUser(ctx, username)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("user %q already exists (id %s)", username, existing.ID)
			}

			user, err := kb.Session.Register(ctx, username, displayName)
			if err != nil {
				return fmt.Errorf("failed to register: %w", err)
			}

			fmt.Println()
			fmt.Printf("User ID:     %s\n", user.ID)
			fmt.Printf("Identity ID: %s\n", user.ActiveIdentityID)
			fmt.Printf("Public key:  %s\n", kb.Session.CurrentIdentity().PublicKey)
			fmt.Println()
			fmt.Println("Set KB_PASSPHRASE to unlock the keys for kb and kbd.")
			return nil
		},
	}
}

func readNewPassphrase() (string, error) {
	fmt.Print("Passphrase (min 8 chars): ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	fmt.Println()
	if len(first) < 8 {
		return "", fmt.Errorf("passphrase must be at least 8 characters")
	}

	fmt.Print("Confirm passphrase: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	fmt.Println()
	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases don't match")
	}
	return string(first), nil
}

// usersCmd lists registered users
func usersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(func(ctx context.Context, kb *app.App) error {
				users, err := kb.Session.ListUsers(ctx)
				if err != nil {
					return err
				}
				for _, u := range users {
					fmt.Printf("%s  %-20s identities=%d\n", u.ID, u.Username, len(u.LinkedIdentities))
				}
				return nil
			})
		},
	}
}

// typesCmd lists resource types
func typesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List resource types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(func(ctx context.Context, kb *app.App) error {
				types, err := kb.Store.GetResourceTypes(ctx)
				if err != nil {
					return err
				}
				for _, t := range types {
					fmt.Println(t)
				}
				return nil
			})
		},
	}
}

// getCmd prints one record, decoded unless --raw
func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Show a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetBool("raw")
			return withKB(func(ctx context.Context, kb *app.App) error {
				if raw {
					record, err := kb.Store.Get(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					if record == nil {
						return fmt.Errorf("%s/%s not found", args[0], args[1])
					}
					return printJSON(record)
				}

				resource, err := kb.Codec.Decode(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if resource == nil {
					return fmt.Errorf("%s/%s not found", args[0], args[1])
				}
				return printJSON(resource)
			})
		},
	}
	cmd.Flags().Bool("raw", false, "Print the stored record instead of the decoded resource")
	return cmd
}

// addCmd creates a record as a user
func addCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <type> <file|->",
		Short: "Create a signed record from JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("as")
			resource, err := readJSON(args[1])
			if err != nil {
				return err
			}
			return withKB(func(ctx context.Context, kb *app.App) error {
				user, err := kb.Session.FindUser(ctx, username)
				if err != nil {
					return err
				}
				if user == nil {
					return fmt.Errorf("unknown user %q", username)
				}
				if _, err := kb.Session.Login(ctx, user.ID); err != nil {
					return err
				}
				defer kb.Session.Logout(ctx)

				id, err := kb.Session.CreateRecord(ctx, resource, args[0])
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	cmd.Flags().String("as", "", "Username to create the record as")
	cmd.MarkFlagRequired("as")
	return cmd
}

// importCmd stores unsigned records
func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <type> <file|->",
		Short: "Import JSON as unsigned records",
		Long: `Imports a JSON document. A top-level array imports one record per
element.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readJSON(args[1])
			if err != nil {
				return err
			}
			resources, ok := doc.([]interface{})
			if !ok {
				resources = []interface{}{doc}
			}
			return withKB(func(ctx context.Context, kb *app.App) error {
				for _, r := range resources {
					id, err := kb.Session.ImportRecord(ctx, r, args[0])
					if err != nil {
						return err
					}
					fmt.Println(id)
				}
				return nil
			})
		},
	}
}

// hashCmd handles hash store operations
func hashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Hash store operations",
	}

	putCmd := &cobra.Command{
		Use:   "put <value>",
		Short: "Store a string value and print its hash",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			valueType, _ := cmd.Flags().GetString("type")
			value := strings.Join(args, " ")
			return withKB(func(ctx context.Context, kb *app.App) error {
				hash, err := kb.Hashes.Store(ctx, value, valueType, nil)
				if err != nil {
					return err
				}
				fmt.Println(hash)
				return nil
			})
		},
	}
	putCmd.Flags().String("type", "string", "Value type label")

	getCmd := &cobra.Command{
		Use:   "get <hash>",
		Short: "Resolve a hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(func(ctx context.Context, kb *app.App) error {
				pv, err := kb.Hashes.Retrieve(ctx, args[0])
				if err != nil {
					return err
				}
				if pv == nil {
					return fmt.Errorf("unknown hash %s", args[0])
				}
				return printJSON(pv)
			})
		},
	}

	sumCmd := &cobra.Command{
		Use:   "sum <value>",
		Short: "Print the hash of a string without storing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := hashstore.HashValue(strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}

	cmd.AddCommand(putCmd, getCmd, sumCmd)
	return cmd
}

// schemaCmd handles schema references
func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Schema operations",
	}

	createCmd := &cobra.Command{
		Use:   "create <schemaType> key=value...",
		Short: "Create a schema instance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			props, err := parseProperties(args[1:])
			if err != nil {
				return err
			}
			return withKB(func(ctx context.Context, kb *app.App) error {
				if id == "" {
					id = kb.Schemas.GenerateID(args[0], "")
				}
				ref, err := kb.Schemas.CreateSchema(ctx, args[0], id, props, nil, nil)
				if err != nil {
					return err
				}
				return printJSON(ref)
			})
		},
	}
	createCmd.Flags().String("id", "", "Schema id (generated when empty)")

	getCmd := &cobra.Command{
		Use:   "get <schemaType> <id>",
		Short: "Show an assembled schema",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(func(ctx context.Context, kb *app.App) error {
				s, err := kb.Schemas.GetSchema(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if s == nil {
					return fmt.Errorf("schema %s/%s not found", args[0], args[1])
				}
				return printJSON(s)
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list <schemaType>",
		Short: "List schema ids of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(func(ctx context.Context, kb *app.App) error {
				refs, err := kb.Schemas.ListSchemas(ctx, args[0])
				if err != nil {
					return err
				}
				for _, ref := range refs {
					fmt.Printf("%s  properties=%d relationships=%d\n", ref.SchemaID, len(ref.References), len(ref.Relationships))
				}
				return nil
			})
		},
	}

	relateCmd := &cobra.Command{
		Use:   "relate <schemaType> <id> <relType> <targetType> <targetId>",
		Short: "Add a relationship between schemas",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(func(ctx context.Context, kb *app.App) error {
				ok, err := kb.Schemas.AddRelationship(ctx, args[0], args[1], args[2], args[3], args[4])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("schema %s/%s not found", args[0], args[1])
				}
				return nil
			})
		},
	}

	cmd.AddCommand(createCmd, getCmd, listCmd, relateCmd)
	return cmd
}

// parseProperties turns key=value pairs into properties. Values that parse
// as JSON keep their JSON type.
func parseProperties(pairs []string) (map[string]interface{}, error) {
	props := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid property %q, want key=value", pair)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		props[key] = v
	}
	return props, nil
}

// typeConfigCmd handles per-type configuration
func typeConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "typeconfig",
		Short: "Type configuration operations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show all type configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(func(ctx context.Context, kb *app.App) error {
				configs, err := storage.GetAllTypeConfigurations(ctx, kb.Store)
				if err != nil {
					return err
				}
				types := make([]string, 0, len(configs))
				for t := range configs {
					types = append(types, t)
				}
				sort.Strings(types)
				for _, t := range types {
					data, _ := json.Marshal(configs[t])
					fmt.Printf("%s  %s\n", t, data)
				}
				return nil
			})
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <type> <json>",
		Short: "Replace a type configuration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg storage.TypeConfiguration
			if err := json.Unmarshal([]byte(args[1]), &cfg); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return withKB(func(ctx context.Context, kb *app.App) error {
				return storage.StoreTypeConfiguration(ctx, kb.Store, args[0], cfg)
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <type>",
		Short: "Remove a type configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(func(ctx context.Context, kb *app.App) error {
				return storage.DeleteTypeConfiguration(ctx, kb.Store, args[0])
			})
		},
	}

	cmd.AddCommand(listCmd, setCmd, deleteCmd)
	return cmd
}

// ledgerCmd inspects the audit trail
func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Audit ledger operations",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(func(ctx context.Context, kb *app.App) error {
				count, err := kb.Ledger.Count(ctx)
				if err != nil {
					return err
				}
				if err := kb.Ledger.VerifyChain(ctx); err != nil {
					return err
				}
				fmt.Printf("Chain valid (%d entries)\n", count)
				return nil
			})
		},
	}

	recentCmd := &cobra.Command{
		Use:   "recent",
		Short: "Show recent entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withKB(func(ctx context.Context, kb *app.App) error {
				entries, err := kb.Ledger.GetRecent(ctx, limit)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Printf("%s  %-18s %-10s %s/%s\n",
						e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, truncate(e.Actor, 10), e.EntityType, e.EntityID)
				}
				return nil
			})
		},
	}
	recentCmd.Flags().Int("limit", 20, "Max entries")

	cmd.AddCommand(verifyCmd, recentCmd)
	return cmd
}

// embedCmd embeds every record of a type through the text embedding
// provider, batchSize records per embedder call.
func embedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed <type>",
		Short: "Embed all records of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			field, _ := cmd.Flags().GetString("field")
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			if batchSize <= 0 {
				return fmt.Errorf("--batch-size must be positive")
			}
			resourceType := args[0]

			return withKB(func(ctx context.Context, kb *app.App) error {
				entries, err := kb.Store.GetAllOfType(ctx, resourceType)
				if err != nil {
					return err
				}

				items := make([]modelprovider.BatchItem, 0, len(entries))
				for _, e := range entries {
					resource, err := kb.Codec.Decode(ctx, resourceType, e.ID)
					if err != nil {
						return err
					}
					content := resource
					if field != "" {
						obj, ok := resource.(map[string]any)
						if !ok || obj[field] == nil {
							continue
						}
						content = obj[field]
					}
					items = append(items, modelprovider.BatchItem{
						Content:     content,
						ContentType: "text",
						ContentID:   ledger.RecordEntityID(resourceType, e.ID),
					})
				}
				if len(items) == 0 {
					fmt.Printf("No %s records to embed\n", resourceType)
					return nil
				}

				recorder := ledger.NewRecorder(kb.Ledger)
				total := 0
				for start := 0; start < len(items); start += batchSize {
					chunk := items[start:min(start+batchSize, len(items))]
					ids, err := kb.Embedder.ProcessBatch(ctx, chunk)
					for i, id := range ids {
						if rerr := recorder.RecordModelOutput(ctx, modelprovider.TextEmbeddingProviderID, id, chunk[i].ContentID); rerr != nil {
							fmt.Fprintf(os.Stderr, "ledger: %v\n", rerr)
						}
					}
					total += len(ids)
					if err != nil {
						return fmt.Errorf("after %d outputs: %w", total, err)
					}
				}
				fmt.Printf("Embedded %d %s records\n", total, resourceType)
				return nil
			})
		},
	}
	cmd.Flags().String("field", "", "Embed only this top-level field instead of the whole record")
	cmd.Flags().Int("batch-size", 32, "Records per embedder call")
	return cmd
}

// readJSON reads a JSON document from a file, or stdin for "-".
func readJSON(path string) (interface{}, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}
	return v, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
