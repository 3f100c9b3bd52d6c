package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/AvitoAssistant/internal/api"
	"github.com/BTreeMap/AvitoAssistant/internal/assistant"
	"github.com/BTreeMap/AvitoAssistant/internal/avito"
	"github.com/BTreeMap/AvitoAssistant/internal/conversation"
	"github.com/BTreeMap/AvitoAssistant/internal/genai"
	"github.com/BTreeMap/AvitoAssistant/internal/knowledge"
	"github.com/BTreeMap/AvitoAssistant/internal/lockfile"
	"github.com/BTreeMap/AvitoAssistant/internal/messaging"
	"github.com/BTreeMap/AvitoAssistant/internal/models"
	"github.com/BTreeMap/AvitoAssistant/internal/store"
)

// avitoAPI is the part of the Avito client the CLI commands use.
type avitoAPI interface {
	SubscribeWebhook(ctx context.Context, webhookURL string) (json.RawMessage, error)
	Whoami(ctx context.Context) (json.RawMessage, error)
	AccountID(ctx context.Context) (string, error)
	MarkRead(ctx context.Context, accountID, chatID string) error
	DialogsDump(ctx context.Context, accountID string, now time.Time) (string, error)
}

// newAvito is swapped in tests.
var newAvito = func(config *Config) (avitoAPI, error) { return newAvitoClient(config) }

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: avito.DefaultTimeout}
}

func newRootCmd(config *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "AvitoAssistant",
		Short:         "Relay Avito messenger chats to an AI assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initializeLogger(config.LogLevel)
		},
	}
	root.PersistentFlags().StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for AvitoAssistant data (overrides $AVITO_ASSISTANT_STATE_DIR)")
	root.PersistentFlags().StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)")
	root.PersistentFlags().StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)")
	root.PersistentFlags().StringVar(&config.AvitoAccountID, "account-id", config.AvitoAccountID, "Avito account id (overrides $AVITO_ACCOUNT_ID)")

	root.AddCommand(newServeCmd(config), newSubscribeCmd(config), newWhoamiCmd(config), newDialogsCmd(config), newMarkReadCmd(config))
	return root
}

func newServeCmd(config *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config)
		},
	}
	cmd.Flags().StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR or $PORT)")
	cmd.Flags().StringVar(&config.RootPath, "root-path", config.RootPath, "prefix all routes are mounted under (overrides $ROOT_PATH)")
	cmd.Flags().StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	cmd.Flags().DurationVar(&config.RunDeadline, "run-deadline", config.RunDeadline, "soft deadline for an AI run (overrides $RUN_DEADLINE)")
	return cmd
}

func serve(ctx context.Context, config *Config) error {
	dsn := databaseDSN(config)
	if err := ensureDirectoriesExist(dsn); err != nil {
		return err
	}

	lock, err := lockfile.AcquireLock(config.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ai, err := genai.NewClient(buildGenAIOptions(config)...)
	if err != nil {
		return err
	}
	kb := knowledge.NewSync(ai, st, buildKnowledgeOptions(config)...)
	assistantID, err := resolveAssistant(ctx, ai, st, kb, config)
	if err != nil {
		return err
	}

	convo := conversation.NewManager(st, ai, buildConversationOptions(config)...)
	replier := assistant.New(convo, ai, buildAssistantOptions(config)...)

	avitoClient, err := newAvitoClient(config)
	if err != nil {
		return err
	}
	responder := messaging.NewResponseHandler(replier, avitoClient, convo, buildHandlerOptions(config, st)...)

	srv := api.NewServer(api.Deps{
		Events:    responder,
		Settings:  convo,
		Knowledge: kb,
		Dialogs:   avitoClient,
	}, buildAPIOptions(config, assistantID)...)

	slog.Info("Bootstrapping AvitoAssistant", "assistant_id", assistantID, "state_dir", config.StateDir, "dsn_set", config.DatabaseURL != "")
	if err := srv.Run(ctx); err != nil {
		return err
	}
	slog.Info("AvitoAssistant exited successfully")
	return nil
}

// assistantProvisioner is the part of the AI client used to pick an assistant.
type assistantProvisioner interface {
	AssistantID() string
	SetAssistantID(id string)
	EnsureAssistant(ctx context.Context, spec genai.AssistantSpec) (string, error)
}

// resolveAssistant uses the configured assistant, then one saved by a
// previous start, and creates one as a last resort.
func resolveAssistant(ctx context.Context, ai assistantProvisioner, kv knowledge.KV, kb *knowledge.Sync, config *Config) (string, error) {
	if id := ai.AssistantID(); id != "" {
		return id, nil
	}
	saved, ok, err := kv.GetKV(models.KVAssistantID)
	if err != nil {
		return "", fmt.Errorf("read saved assistant id: %w", err)
	}
	if ok && saved != "" {
		slog.Info("Using assistant created on a previous start", "assistant_id", saved)
		ai.SetAssistantID(saved)
		return saved, nil
	}

	spec := genai.AssistantSpec{
		Name:         DefaultAssistantName,
		Model:        config.OpenAIModel,
		Instructions: conversation.DefaultInstructions(config.SellerProfile),
	}
	if kb != nil {
		if vsID, err := kb.KnownVectorStoreID(); err == nil {
			spec.VectorStoreID = vsID
		}
	}
	id, err := ai.EnsureAssistant(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}
	if err := kv.SetKV(models.KVAssistantID, id); err != nil {
		slog.Warn("Failed to save created assistant id; a new one will be created on restart", "assistant_id", id, "error", err)
	}
	return id, nil
}

func newSubscribeCmd(config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <url>",
		Short: "Subscribe the Avito messenger webhook to url",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAvito(config)
			if err != nil {
				return err
			}
			res, err := client.SubscribeWebhook(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newWhoamiCmd(config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the Avito account behind the configured credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAvito(config)
			if err != nil {
				return err
			}
			me, err := client.Whoami(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), me)
		},
	}
}

func newDialogsCmd(config *Config) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "dialogs",
		Short: "Export all chats of the account as plain text",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAvito(config)
			if err != nil {
				return err
			}
			accountID, err := resolveAccountID(cmd.Context(), client, config)
			if err != nil {
				return err
			}
			dump, err := client.DialogsDump(cmd.Context(), accountID, time.Now().UTC())
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = io.WriteString(cmd.OutOrStdout(), dump)
				return err
			}
			if err := os.WriteFile(output, []byte(dump), 0644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write, stdout when empty")
	return cmd
}

func newMarkReadCmd(config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-read <chat_id>",
		Short: "Mark a chat as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAvito(config)
			if err != nil {
				return err
			}
			accountID, err := resolveAccountID(cmd.Context(), client, config)
			if err != nil {
				return err
			}
			if err := client.MarkRead(cmd.Context(), accountID, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Chat %s marked as read\n", args[0])
			return nil
		},
	}
}

// resolveAccountID prefers the configured account and asks Avito otherwise.
func resolveAccountID(ctx context.Context, client avitoAPI, config *Config) (string, error) {
	if config.AvitoAccountID != "" {
		return config.AvitoAccountID, nil
	}
	id, err := client.AccountID(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve account id: %w", err)
	}
	return id, nil
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
