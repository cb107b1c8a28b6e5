package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/chzyer/readline"

	"github.com/HensemLin/tenderdesk/pkg/chat"
	"github.com/HensemLin/tenderdesk/pkg/config"
	"github.com/HensemLin/tenderdesk/pkg/logger"
	"github.com/HensemLin/tenderdesk/pkg/memory"
	"github.com/HensemLin/tenderdesk/pkg/providers"
	"github.com/HensemLin/tenderdesk/pkg/retrieval"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "tenderdesk"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("TENDERDESK_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tenderdesk", "config.json")
}

func loadConfig(path string, debug bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Configure(os.Stderr, cfg.Log.Format)
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if debug {
		logger.SetLevel(logger.DEBUG)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (memory.Store, error) {
	var (
		store *memory.SQLStore
		err   error
	)
	switch cfg.Database.Driver {
	case memory.DriverPostgres:
		store, err = memory.NewPostgresStore(cfg.PostgresDSN())
	default:
		store, err = memory.NewSQLiteStore(cfg.DatabasePath())
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	return store, nil
}

// app holds the long-lived collaborators a command needs.
type app struct {
	cfg       *config.Config
	store     memory.Store
	retriever *retrieval.IndexRetriever
	svc       *chat.Service
}

// newApp wires store, embeddings, retrieval and the chat service. With
// requireLLM the provider must be configured; otherwise a missing provider
// only disables LLM features.
func newApp(cfg *config.Config, requireLLM bool) (*app, error) {
	var provider providers.LLMProvider
	if err := providers.ValidateProviderConfig(cfg); err != nil {
		if requireLLM {
			return nil, err
		}
		logger.DebugCF("cli", "LLM provider unavailable", map[string]interface{}{"error": err.Error()})
	} else {
		p, err := providers.CreateProvider(cfg)
		if err != nil {
			return nil, err
		}
		provider = p
	}

	embedder, err := providers.CreateEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	retriever := retrieval.NewIndexRetriever(cfg.VectorPath(), embedder)
	svcCfg := chat.ConfigFrom(cfg)
	svcCfg.Store = store
	svcCfg.Embedder = embedder
	svcCfg.Retriever = retriever
	if provider != nil {
		svcCfg.Provider = provider
	}
	svc, err := chat.NewService(svcCfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: store, retriever: retriever, svc: svc}, nil
}

func (a *app) Close() error {
	a.svc.Close()
	return a.store.Close()
}

func chatOnce(ctx context.Context, a *app, req chat.TurnRequest, out io.Writer) error {
	resp, err := a.svc.Chat(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s %s\n", appName, resp.Message)
	for i, src := range resp.Sources {
		fmt.Fprintf(out, "  [%d] doc %d page %d (%.3f)\n", i+1, src.DocID, src.Page, src.Score)
	}
	fmt.Fprintln(out)
	return nil
}

func interactiveMode(ctx context.Context, a *app, req chat.TurnRequest, out io.Writer) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".tenderdesk_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(out, "Falling back to simple input mode...")
		simpleInteractiveMode(ctx, a, req, os.Stdin, out)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		if !handleLine(ctx, a, req, line, out) {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, a *app, req chat.TurnRequest, in io.Reader, out io.Writer) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				fmt.Fprintln(out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		if !handleLine(ctx, a, req, line, out) {
			return
		}
	}
}

// handleLine runs one REPL input and reports whether to keep reading.
func handleLine(ctx context.Context, a *app, req chat.TurnRequest, line string, out io.Writer) bool {
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return true
	case "exit", "quit":
		fmt.Fprintln(out, "Goodbye!")
		return false
	}
	req.Message = input
	if err := chatOnce(ctx, a, req, out); err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
	return true
}
