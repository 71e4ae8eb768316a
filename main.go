package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vaultpilot/config"
	"vaultpilot/model"
	"vaultpilot/provider"
	"vaultpilot/storage"
	"vaultpilot/tools"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

const (
	Version = "v0.01.00"
	License = "Apache-2.0"
)

func main() {
	providerFlag := flag.String("provider", "", "provider to use (copilot, openai, azure, anthropic)")
	sessionFlag := flag.String("session", "", "session id to resume")
	promptFlag := flag.String("p", "", "send a single prompt and exit")
	listFlag := flag.Bool("list", false, "list stored sessions and exit")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("vaultpilot %s (%s)\n", Version, License)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.InitDebugLog(cfg.DataDir())

	store, err := storage.NewSessionStorage(cfg.DataDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize session storage: %v\n", err)
		os.Exit(1)
	}

	if *listFlag {
		listSessions(store)
		return
	}

	var index *storage.SearchIndex
	if cfg.SearchIndexEnabled {
		index, err = storage.NewSearchIndex(cfg.DataDir())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: search index unavailable: %v\n", err)
		} else {
			defer index.Close()
		}
	}

	record, err := loadOrCreateRecord(store, *sessionFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	// Resumed sessions are locked for the lifetime of this process so two
	// vaultpilot instances do not interleave writes to the same record.
	if record.ID != "" {
		locked, err := store.CheckSessionLock(record.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		} else if locked {
			fmt.Fprintf(os.Stderr, "Session %s is in use by another process\n", record.ID)
			os.Exit(1)
		}
		if err := store.LockSession(record.ID); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to lock session: %v\n", err)
		} else {
			defer store.UnlockSession(record.ID)
		}
	}

	providerID := *providerFlag
	if providerID == "" {
		providerID = record.Provider
	}
	if providerID == "" {
		providerID = cfg.DefaultProvider
	}
	record.Provider = providerID

	providerCfg, err := buildProviderConfig(cfg, providerID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := provider.NewSession(providerCfg, store, record)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := session.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize %s session: %v\n", providerID, err)
		os.Exit(1)
	}
	defer session.Destroy()

	session.SetTools(builtinTools(index))

	if *promptFlag != "" {
		if err := runPrompt(ctx, session, *promptFlag); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		persistAndIndex(session, store, index, record)
		return
	}

	runREPL(ctx, session, store, index, record)
}

func loadOrCreateRecord(store *storage.SessionStorage, sessionID string) (*storage.Session, error) {
	if sessionID == "" {
		return &storage.Session{CreatedAt: time.Now()}, nil
	}
	record, err := store.Load(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return record, nil
}

func buildProviderConfig(cfg *config.Config, providerID string) (provider.Config, error) {
	kind := provider.MapProviderID(providerID)
	pcfg := provider.Config{
		Kind:           kind,
		SystemPrompt:   cfg.DefaultSystemPrompt,
		MaxToolRounds:  cfg.MaxToolRounds,
		RequestTimeout: time.Duration(cfg.Copilot.RequestTimeoutSecs) * time.Second,
	}

	switch kind {
	case provider.KindCopilot:
		pcfg.BinaryPath = cfg.Copilot.BinaryPath
		pcfg.Model = cfg.Copilot.Model
		pcfg.StaleThreshold = time.Duration(cfg.Copilot.StaleThresholdMins) * time.Minute
		pcfg.OnReconnect = func() {
			fmt.Fprintln(os.Stderr, "(conversation expired, reconnected)")
		}
	default:
		entry := cfg.Provider(providerID)
		if entry == nil {
			return provider.Config{}, fmt.Errorf("provider %q is not configured; add it to config.toml", providerID)
		}
		pcfg.Model = entry.Model
		pcfg.BaseURL = entry.BaseURL
		pcfg.Endpoint = entry.Endpoint
		pcfg.Deployment = entry.Deployment
		pcfg.APIVersion = entry.APIVersion
		if cfg.CredentialStore != nil {
			pcfg.APIKey = cfg.CredentialStore.Get(providerID)
		}
	}
	return pcfg, nil
}

// builtinTools registers the tools every session gets regardless of
// provider.
func builtinTools(index *storage.SearchIndex) *tools.Registry {
	registry := tools.NewRegistry()

	registry.Register(tools.Definition{
		Name:        "current_time",
		Description: "Returns the current date and time in RFC 3339 format",
		Schema: mcptypes.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	})

	if index != nil {
		registry.Register(tools.Definition{
			Name:        "search_sessions",
			Description: "Searches past conversations for a text query and returns matching snippets",
			Schema: mcptypes.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Text to search for",
					},
				},
				Required: []string{"query"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				query, _ := args["query"].(string)
				if query == "" {
					return nil, fmt.Errorf("query is required")
				}
				return index.Search(query)
			},
		})
	}

	return registry
}

func runPrompt(ctx context.Context, session model.Session, prompt string) error {
	return session.SendMessageStreaming(ctx, prompt, model.StreamHandlers{
		OnDelta: func(text string) {
			fmt.Print(text)
		},
		OnComplete: func(string) {
			fmt.Println()
		},
	})
}

func runREPL(ctx context.Context, session model.Session, store *storage.SessionStorage, index *storage.SearchIndex, record *storage.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("vaultpilot " + Version + " (type /quit to exit)")

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if handleCommand(line, session, store, record) {
				break
			}
			continue
		}

		if err := runPrompt(ctx, session, line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		persistAndIndex(session, store, index, record)
	}
}

// handleCommand processes a slash command, returning true when the REPL
// should exit.
func handleCommand(line string, session model.Session, store *storage.SessionStorage, record *storage.Session) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/abort":
		session.Abort()
	case "/history":
		for _, msg := range session.Messages() {
			fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
		}
	case "/rename":
		if len(fields) < 2 {
			fmt.Println("usage: /rename <name>")
			break
		}
		name := strings.Join(fields[1:], " ")
		if err := store.Rename(record.ID, name); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		} else {
			record.Name = name
		}
	case "/export":
		if len(fields) < 2 {
			fmt.Println("usage: /export <path>")
			break
		}
		if err := store.ExportToJSON(record.ID, fields[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	case "/archive":
		if record.ID == "" {
			fmt.Println("session has not been saved yet")
			break
		}
		if err := store.SetArchived(record.ID, true); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		} else {
			record.Archived = true
			fmt.Println("session archived")
		}
	case "/delete":
		if record.ID == "" {
			fmt.Println("session has not been saved yet")
			break
		}
		if err := store.Delete(record.ID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			break
		}
		fmt.Println("session deleted")
		return true
	case "/search":
		if len(fields) < 2 {
			fmt.Println("usage: /search <query>")
			break
		}
		query := strings.Join(fields[1:], " ")
		matches := storage.SearchMessages(provider.ToStorageMessages(session.Messages()), query)
		if len(matches) == 0 {
			fmt.Println("no matches")
			break
		}
		for _, match := range matches {
			fmt.Printf("#%d [%s] %s\n", match.MessageIndex, match.Role, match.Preview)
		}
	default:
		fmt.Printf("unknown command: %s\n", fields[0])
	}
	return false
}

func listSessions(store *storage.SessionStorage) {
	sessions, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list sessions: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Println("no stored sessions")
		return
	}
	for _, meta := range sessions {
		name := meta.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%s  %-24s %-10s %s\n", meta.ID, name, meta.Provider, meta.LastUsedAt.Format(time.RFC3339))
	}
}

// persistAndIndex saves the session's history and refreshes the search
// index. The copilot session also saves internally after each send; saving
// here covers the stateless providers, which keep history only in memory.
func persistAndIndex(session model.Session, store *storage.SessionStorage, index *storage.SearchIndex, record *storage.Session) {
	record.Messages = provider.ToStorageMessages(session.Messages())
	if record.Name == "" {
		for _, msg := range record.Messages {
			if msg.Role == "user" {
				record.Name = storage.GenerateSessionName(msg.Content)
				break
			}
		}
	}
	if err := store.Save(record); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to save session: %v\n", err)
		return
	}
	if index == nil {
		return
	}
	if err := index.IndexSession(record); err != nil {
		config.DebugLog.Printf("indexing session %s failed: %v", record.ID, err)
	}
}
