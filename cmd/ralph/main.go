package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/inokufu/ralph/internal/backends"
	"github.com/inokufu/ralph/internal/config"
	"github.com/inokufu/ralph/internal/forward"
	"github.com/inokufu/ralph/internal/lrs"
	"github.com/inokufu/ralph/internal/server"
	"github.com/inokufu/ralph/internal/xapi"

	// Backend adapters register themselves on import.
	_ "github.com/inokufu/ralph/internal/backends/cozy"
	_ "github.com/inokufu/ralph/internal/backends/es"
	_ "github.com/inokufu/ralph/internal/backends/fs"
	_ "github.com/inokufu/ralph/internal/backends/sqlite"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Ralph learning record store",
	Long: `Ralph stores and serves xAPI statements on top of pluggable backends
(elasticsearch, sqlite, cozy, flat files). It runs the LRS HTTP API,
queries and writes statements from the command line, and manages the
tokens and credentials the API authenticates with.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("RALPH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory holding ralph.yml")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("target", "", "backend target (index, table, doctype or directory)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("target", rootCmd.PersistentFlags().Lookup("target"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(backendsCmd())
	rootCmd.AddCommand(statementsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(hashPasswordCmd())
	rootCmd.AddCommand(versionCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the LRS HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer logger.Sync()

			adapter, err := backends.Open(cfg, logger)
			if err != nil {
				return err
			}
			defer adapter.Close()

			store := &lrs.Store{
				Adapter:   adapter,
				Logger:    logger,
				MaxLimit:  cfg.Limits.MaxStatements,
				ChunkSize: cfg.Limits.ChunkSize,
			}
			auth := server.NewAuthenticator(server.AuthConfig{
				JWTSecret:       cfg.Auth.JWTSecret,
				CredentialsFile: cfg.Auth.CredentialsFile,
				CacheSize:       cfg.Auth.CacheSize,
				CacheTTL:        cfg.Auth.CacheTTL,
			}, afero.NewOsFs(), logger)

			forwarder := forward.New(cfg.Forwarding, logger)
			defer forwarder.Close()

			handler, err := server.New(server.Config{
				Store:    store,
				Auth:     auth,
				BasePath: cfg.Server.BasePath,
				Backend:  adapter.Name(),
				Version:  version,
				Notify:   forwarder.Notify,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving statements API",
				zap.String("addr", addr),
				zap.String("base_path", cfg.Server.BasePath),
				zap.String("backend", adapter.Name()))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check backend health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(cmd.Context(), func(ctx context.Context, adapter backends.Adapter) error {
				status := adapter.Status(ctx)
				if viper.GetBool("json") {
					return printJSON(map[string]string{"backend": adapter.Name(), "status": string(status)})
				}
				fmt.Printf("%s: %s\n", adapter.Name(), status)
				if status != backends.StatusOK {
					return fmt.Errorf("backend %s is %s", adapter.Name(), status)
				}
				return nil
			})
		},
	}
	return cmd
}

func backendsCmd() *cobra.Command {
	b := &cobra.Command{Use: "backends", Short: "Inspect backends"}
	b.AddCommand(backendsListCmd())
	b.AddCommand(backendsTargetsCmd())
	return b
}

func backendsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered backend names",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := backends.Names()
			if viper.GetBool("json") {
				return printJSON(names)
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
	return cmd
}

func backendsTargetsCmd() *cobra.Command {
	var details bool
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List the configured backend's targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(cmd.Context(), func(ctx context.Context, adapter backends.Adapter) error {
				items, err := adapter.List(ctx, viper.GetString("target"), details)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, item := range items {
					fmt.Println(item)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&details, "details", false, "include size and health details")
	return cmd
}

func statementsCmd() *cobra.Command {
	s := &cobra.Command{Use: "statements", Short: "Read and write statements"}
	s.AddCommand(statementsReadCmd())
	s.AddCommand(statementsWriteCmd())
	return s
}

func statementsReadCmd() *cobra.Command {
	var q backends.Query
	var agent string
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Query stored statements",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent != "" {
				var doc map[string]any
				if err := json.Unmarshal([]byte(agent), &doc); err != nil {
					return fmt.Errorf("invalid --agent JSON: %w", err)
				}
				q.Agent = backends.ParseAgent(doc)
			}
			return withStore(cmd.Context(), func(ctx context.Context, store *lrs.Store) error {
				res, err := store.Read(ctx, q, lrs.Identity{Target: viper.GetString("target")}, false)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res.Statements)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Verb", "Actor", "Timestamp"})
				for _, st := range res.Statements {
					actor := ""
					if doc, ok := st["actor"].(map[string]any); ok {
						if mbox, ok := doc["mbox"].(string); ok {
							actor = mbox
						}
					}
					tw.AppendRow(table.Row{st.ID(), st.VerbID(), actor, st.Timestamp()})
				}
				tw.Render()
				if res.SearchAfter != "" {
					fmt.Printf("more: --search-after %s", res.SearchAfter)
					if res.PitID != "" {
						fmt.Printf(" --pit-id %s", res.PitID)
					}
					fmt.Println()
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.StatementID, "statement-id", "", "fetch one statement by id")
	cmd.Flags().StringVar(&q.VoidedStatementID, "voided-statement-id", "", "fetch one voided statement by id")
	cmd.Flags().StringVar(&agent, "agent", "", "agent document as JSON")
	cmd.Flags().StringVar(&q.Verb, "verb", "", "verb id filter")
	cmd.Flags().StringVar(&q.Activity, "activity", "", "activity id filter")
	cmd.Flags().StringVar(&q.Registration, "registration", "", "registration filter")
	cmd.Flags().BoolVar(&q.RelatedAgents, "related-agents", false, "match agent in every statement position")
	cmd.Flags().BoolVar(&q.RelatedActivities, "related-activities", false, "match activity in context and sub-statement")
	cmd.Flags().StringVar(&q.Since, "since", "", "only statements stored strictly after this timestamp")
	cmd.Flags().StringVar(&q.Until, "until", "", "only statements up to and including this timestamp")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "page size")
	cmd.Flags().BoolVar(&q.Ascending, "ascending", false, "oldest first")
	cmd.Flags().StringVar(&q.SearchAfter, "search-after", "", "resume cursor from a previous page")
	cmd.Flags().StringVar(&q.PitID, "pit-id", "", "point-in-time id from a previous page")
	return cmd
}

func statementsWriteCmd() *cobra.Command {
	var file, authority string
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Store statements from a file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if file == "" || file == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			statements, err := decodeStatements(data)
			if err != nil {
				return err
			}
			identity := lrs.Identity{Target: viper.GetString("target")}
			if authority != "" {
				if err := json.Unmarshal([]byte(authority), &identity.Agent); err != nil {
					return fmt.Errorf("invalid --authority JSON: %w", err)
				}
			}
			return withStore(cmd.Context(), func(ctx context.Context, store *lrs.Store) error {
				written, err := store.Write(ctx, statements, identity)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(written)
				}
				fmt.Printf("stored %d of %d statements\n", len(written), len(statements))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "JSON file with a statement or an array of statements")
	cmd.Flags().StringVar(&authority, "authority", "", "authority agent document as JSON")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var backend string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default ralph.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(backend)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "fs", "backend to configure (es, sqlite, cozy, fs)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject, agent, target string
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			identity := lrs.Identity{Scopes: scopes, Target: target}
			if err := json.Unmarshal([]byte(agent), &identity.Agent); err != nil {
				return fmt.Errorf("invalid --agent JSON: %w", err)
			}
			token, err := server.MintToken(cfg.Auth.JWTSecret, subject, identity, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringVar(&agent, "agent", "", "authority agent document as JSON")
	cmd.Flags().StringVar(&target, "backend-target", "", "backend namespace granted to the token")
	cmd.Flags().StringArrayVar(&scopes, "scope", []string{"statements/write", "statements/read"}, "granted scope (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Hash a password for the credentials file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(server.HashPassword(args[0]))
			return nil
		},
	}
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("workspace"))
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

func withAdapter(ctx context.Context, fn func(context.Context, backends.Adapter) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()
	adapter, err := backends.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer adapter.Close()
	return fn(ctx, adapter)
}

func withStore(ctx context.Context, fn func(context.Context, *lrs.Store) error) error {
	return withAdapter(ctx, func(ctx context.Context, adapter backends.Adapter) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := &lrs.Store{
			Adapter:   adapter,
			Logger:    zap.NewNop(),
			MaxLimit:  cfg.Limits.MaxStatements,
			ChunkSize: cfg.Limits.ChunkSize,
		}
		return fn(ctx, store)
	})
}

func decodeStatements(data []byte) ([]xapi.Statement, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("no statements to write")
	}
	if strings.HasPrefix(trimmed, "[") {
		var statements []xapi.Statement
		if err := json.Unmarshal([]byte(trimmed), &statements); err != nil {
			return nil, fmt.Errorf("invalid statements JSON: %w", err)
		}
		return statements, nil
	}
	var statement xapi.Statement
	if err := json.Unmarshal([]byte(trimmed), &statement); err != nil {
		return nil, fmt.Errorf("invalid statement JSON: %w", err)
	}
	return []xapi.Statement{statement}, nil
}
