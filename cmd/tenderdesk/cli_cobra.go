package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/HensemLin/tenderdesk/pkg/chat"
	"github.com/HensemLin/tenderdesk/pkg/config"
	"github.com/HensemLin/tenderdesk/pkg/retrieval"
	"github.com/HensemLin/tenderdesk/pkg/server"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var (
		showVersion bool
		configPath  string
	)

	root := &cobra.Command{
		Use:   appName,
		Short: "Tender document chat backend with multi-tier conversational memory",
		Long: strings.TrimSpace(`tenderdesk answers questions about ingested tender documents.

Each chat session keeps a rolling message buffer, an LLM summary of older
turns and a semantic index of past exchanges. Use the CLI to ingest documents,
serve the HTTP API, chat locally and inspect stored sessions.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config file (env TENDERDESK_CONFIG)")

	cfgPath := func() string { return configPath }
	root.AddCommand(newInitCommand(cfgPath))
	root.AddCommand(newServeCommand(cfgPath))
	root.AddCommand(newChatCommand(cfgPath))
	root.AddCommand(newIngestCommand(cfgPath))
	root.AddCommand(newSessionsCommand(cfgPath))
	root.AddCommand(newVersionCommand())

	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newInitCommand(cfgPath func() string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Write a default config file",
		Long:    "Create the config file with defaults. Provider credentials still need to be filled in.",
		Example: "  tenderdesk init\n  tenderdesk init --config ./tenderdesk.yaml --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgPath()
			if _, err := os.Stat(config.ExpandHome(path)); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			cfg := config.DefaultConfig()
			if err := config.SaveConfig(path, cfg); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config written to %s\n", path)
			fmt.Fprintln(out, "Next: set providers.openrouter.api_key (or TENDERDESK_PROVIDERS_OPENROUTER_API_KEY)")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")
	return cmd
}

func newServeCommand(cfgPath func() string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the chat HTTP API",
		Long:    "Serve /api/chat, /health and /metrics until interrupted.",
		Example: "  tenderdesk serve --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath(), debug)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			srv := server.New(a.svc, server.Options{Addr: cfg.ListenAddr(), APIKeys: cfg.Server.APIKeys})
			fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s\n", cfg.ListenAddr())
			return srv.Run(ctx)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newChatCommand(cfgPath func() string) *cobra.Command {
	var (
		message    string
		session    string
		userID     string
		docIDs     []int64
		noSemantic bool
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with ingested documents from the terminal",
		Long:  "Run an interactive session or send one message. Omitting --session starts a new session.",
		Example: strings.Join([]string{
			"  tenderdesk chat --doc 1 --doc 2",
			"  tenderdesk chat --session 3f2a... --message \"What is the submission deadline?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(docIDs) == 0 {
				return fmt.Errorf("at least one --doc is required")
			}
			cfg, err := loadConfig(cfgPath(), debug)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if strings.TrimSpace(session) == "" {
				session = uuid.NewString()
			}
			req := chat.TurnRequest{
				SessionKey:  session,
				DocIDs:      docIDs,
				UserID:      userID,
				UseSemantic: !noSemantic,
			}

			ctx, stop := signalContext()
			defer stop()

			out := cmd.OutOrStdout()
			if strings.TrimSpace(message) != "" {
				req.Message = message
				return chatOnce(ctx, a, req, out)
			}
			fmt.Fprintf(out, "Interactive mode, session %s (Ctrl+C to exit)\n\n", session)
			interactiveMode(ctx, a, req, out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message")
	cmd.Flags().StringVarP(&session, "session", "s", "", "Session id to continue")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id recorded on a new session")
	cmd.Flags().Int64SliceVar(&docIDs, "doc", nil, "Document id to chat with (repeatable)")
	cmd.Flags().BoolVar(&noSemantic, "no-semantic", false, "Skip semantic memory lookup")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newIngestCommand(cfgPath func() string) *cobra.Command {
	var (
		docID   int64
		name    string
		size    int
		overlap int
	)

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Chunk and index a document's extracted text",
		Long: strings.TrimSpace(`Split a UTF-8 text file into overlapping chunks, embed them and write the
document's vector index. Form feed characters mark page breaks.`),
		Example: "  tenderdesk ingest --doc-id 7 --name tender-7.pdf ./tender-7.txt",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if docID <= 0 {
				return fmt.Errorf("--doc-id must be positive")
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			if strings.TrimSpace(name) == "" {
				name = filepath.Base(args[0])
			}

			cfg, err := loadConfig(cfgPath(), false)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			chunks := retrieval.SplitDocument(string(raw), name, size, overlap)
			if len(chunks) == 0 {
				return fmt.Errorf("%s has no text to index", args[0])
			}
			ctx, stop := signalContext()
			defer stop()
			n, err := a.retriever.Ingest(ctx, docID, chunks)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d chunks for document %d\n", n, docID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&docID, "doc-id", 0, "Document id")
	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the file name)")
	cmd.Flags().IntVar(&size, "chunk-size", retrieval.DefaultChunkSize, "Chunk size in characters")
	cmd.Flags().IntVar(&overlap, "chunk-overlap", retrieval.DefaultChunkOverlap, "Overlap between chunks in characters")
	return cmd
}

func newSessionsCommand(cfgPath func() string) *cobra.Command {
	root := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and delete stored chat sessions",
	}

	withApp := func(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath(), false)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(cmd.Context(), a, cmd, args)
		}
	}

	var (
		userID string
		skip   int
		limit  int
	)
	list := &cobra.Command{
		Use:     "list",
		Short:   "List sessions, most recently active first",
		Example: "  tenderdesk sessions list --user alice --limit 20",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			sessions, err := a.svc.ListSessions(ctx, userID, skip, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tDOCS\tMESSAGES\tLAST ACTIVITY")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.SessionKey, formatIDs(s.DocIDs), s.TotalMessages, s.LastActivity.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		}),
	}
	list.Flags().StringVarP(&userID, "user", "u", "", "Only sessions for this user")
	list.Flags().IntVar(&skip, "skip", 0, "Sessions to skip")
	list.Flags().IntVar(&limit, "limit", 100, "Maximum sessions to show")

	show := &cobra.Command{
		Use:     "show <session-id>",
		Short:   "Show a session and its summary",
		Args:    cobra.ExactArgs(1),
		Example: "  tenderdesk sessions show 3f2a...",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			view, err := a.svc.SessionSummaryView(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session:   %s\n", view.SessionKey)
			fmt.Fprintf(out, "Documents: %s\n", formatIDs(view.DocIDs))
			if view.UserID != "" {
				fmt.Fprintf(out, "User:      %s\n", view.UserID)
			}
			fmt.Fprintf(out, "Messages:  %d\n", view.TotalMessages)
			fmt.Fprintf(out, "Created:   %s\n", view.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "Active:    %s\n", view.LastActivity.Format("2006-01-02 15:04:05"))
			if view.Summary != "" {
				fmt.Fprintf(out, "\nSummary:\n%s\n", view.Summary)
			}
			return nil
		}),
	}

	var msgLimit int
	messages := &cobra.Command{
		Use:     "messages <session-id>",
		Short:   "Print a session's messages in order",
		Args:    cobra.ExactArgs(1),
		Example: "  tenderdesk sessions messages 3f2a... --limit 20",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			msgs, err := a.svc.ListMessages(ctx, args[0], msgLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(out, "[%d] %s: %s\n", m.Seq, m.Role, m.Content)
			}
			return nil
		}),
	}
	messages.Flags().IntVar(&msgLimit, "limit", 100, "Maximum messages to print")

	del := &cobra.Command{
		Use:     "delete <session-id>",
		Short:   "Delete a session, its messages and its semantic index",
		Args:    cobra.ExactArgs(1),
		Example: "  tenderdesk sessions delete 3f2a...",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if err := a.svc.DeleteSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
			return nil
		}),
	}

	root.AddCommand(list, show, messages, del)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  tenderdesk version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

func formatIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}
