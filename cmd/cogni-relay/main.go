// ABOUTME: Entry point for the cogni-relay chat server
// ABOUTME: Relays room messages and orchestrates assistant responses

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/cognilab/cogni-relay/internal/auth"
	"github.com/cognilab/cogni-relay/internal/capability"
	"github.com/cognilab/cogni-relay/internal/config"
	"github.com/cognilab/cogni-relay/internal/decision"
	"github.com/cognilab/cogni-relay/internal/orchestrator"
	"github.com/cognilab/cogni-relay/internal/persona"
	"github.com/cognilab/cogni-relay/internal/registry"
	"github.com/cognilab/cogni-relay/internal/relay"
	"github.com/cognilab/cogni-relay/internal/room"
	"github.com/cognilab/cogni-relay/internal/search"
	"github.com/cognilab/cogni-relay/internal/server"
	"github.com/cognilab/cogni-relay/internal/store"
	"github.com/cognilab/cogni-relay/internal/taskrouter"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                        _                _
  ___ ___   __ _ _ __  (_)     _ __ ___ | | __ _ _   _
 / __/ _ \ / _' | '_ \ | |____| '__/ _ \| |/ _' | | | |
| (_| (_) | (_| | | | || |____| | |  __/| | (_| | |_| |
 \___\___/ \__, |_| |_||_|    |_|  \___||_|\__,_|\__, |
           |___/                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: COGNI_CONFIG env var > XDG_CONFIG_HOME/cogni/relay.yaml > ~/.config/cogni/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COGNI_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "cogni", "relay.yaml")
}

// getDataPath returns the path to the cogni data directory.
// Priority: XDG_DATA_HOME/cogni > ~/.local/share/cogni
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "cogni")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: cogni-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the relay server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check relay health")
		fmt.Println("  rooms    Show room and connection counts")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "rooms":
		err = runRooms(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Load persona
	p, err := persona.Load(cfg.Assistant.PersonaPath)
	if err != nil {
		return fmt.Errorf("loading persona: %w", err)
	}

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Assistant: %s\n", p.Name)
	fmt.Println()

	logger.Info("starting cogni-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"assistant", p.Name,
	)

	srv, err := buildServer(cfg, p, logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// buildServer wires all components from configuration.
func buildServer(cfg *config.Config, p *persona.Persona, logger *slog.Logger) (*server.Server, error) {
	directory, err := store.NewSQLiteDirectory(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing directory: %w", err)
	}

	reg := registry.New(logger)
	rooms := room.NewStore(cfg.Assistant.HistoryCap, logger)
	rel := relay.New(reg, rooms, directory, logger)

	var llm *capability.OpenAIClient
	if cfg.LLM.BaseURL != "" {
		llm = capability.NewOpenAIClient(capability.OpenAIConfig{
			BaseURL:   cfg.LLM.BaseURL,
			APIKey:    cfg.LLM.APIKey,
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
			Logger:    logger,
		})
	} else {
		logger.Warn("llm.base_url not configured - assistant replies disabled")
	}

	var searcher search.Searcher
	if cfg.Search.BaseURL != "" && cfg.Search.APIKey != "" {
		searcher = capability.NewTavilyClient(capability.TavilyConfig{
			BaseURL: cfg.Search.BaseURL,
			APIKey:  cfg.Search.APIKey,
			Logger:  logger,
		})
	} else {
		logger.Warn("search not configured - all queries answered directly")
	}

	// A nil *OpenAIClient must stay a nil interface for the fail-open and
	// fail-safe paths to engage.
	var classifier decision.Classifier
	var taskClassifier taskrouter.Classifier
	var generator orchestrator.Generator
	if llm != nil {
		classifier = llm
		taskClassifier = llm
		generator = llm
	}

	engine := decision.NewEngine(p.Name, classifier, logger)
	router := taskrouter.New(taskClassifier, logger)
	augmenter := search.NewAugmenter(searcher, cfg.Search.MaxResults, cfg.Search.Depth, logger)

	orch := orchestrator.New(reg, rooms, rel, engine, router, augmenter, generator, orchestrator.Config{
		Persona:             p,
		HistoryWindow:       cfg.Assistant.HistoryWindow,
		HistoryCap:          cfg.Assistant.HistoryCap,
		ImmediateConfidence: cfg.Assistant.ImmediateConfidence,
		MinimumConfidence:   cfg.Assistant.MinimumConfidence,
		MediumDelay:         cfg.Assistant.MediumDelay,
	}, logger)

	// Assigned only when configured so an absent verifier stays a nil
	// interface and the server runs anonymous.
	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("JWT auth enabled")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	return server.New(cfg.Server.HTTPAddr, server.Deps{
		Registry:     reg,
		Rooms:        rooms,
		Relay:        rel,
		Orchestrator: orch,
		Directory:    directory,
		Verifier:     verifier,
		HistoryCap:   cfg.Assistant.HistoryCap,
	}, logger), nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runRooms(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/rooms", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("rooms check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("cogni-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "relay.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// LLM
	fmt.Println("\n--- Assistant Configuration ---")
	llmBaseURL := prompt(reader, "Chat completions base URL", "https://api.openai.com/v1")
	llmModel := prompt(reader, "Model", "gpt-4o-mini")

	// Search
	fmt.Println("\n--- Search Configuration ---")
	searchBaseURL := prompt(reader, "Search API base URL (empty to disable)", "https://api.tavily.com")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# cogni-relay configuration\n")
	cfg.WriteString("# Generated by cogni-relay init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString("  jwt_secret: \"${COGNI_JWT_SECRET}\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("assistant:\n")
	cfg.WriteString("  history_window: 5\n")
	cfg.WriteString("  history_cap: 200\n")
	cfg.WriteString("  immediate_confidence: 70\n")
	cfg.WriteString("  minimum_confidence: 40\n")
	cfg.WriteString("  medium_delay: \"1500ms\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("llm:\n")
	cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", llmBaseURL))
	cfg.WriteString("  api_key: \"${OPENAI_API_KEY}\"\n")
	cfg.WriteString(fmt.Sprintf("  model: \"%s\"\n", llmModel))
	cfg.WriteString("\n")

	cfg.WriteString("search:\n")
	if searchBaseURL != "" {
		cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", searchBaseURL))
		cfg.WriteString("  api_key: \"${TAVILY_API_KEY}\"\n")
		cfg.WriteString("  max_results: 3\n")
		cfg.WriteString("  depth: \"basic\"\n")
	} else {
		cfg.WriteString("  base_url: \"\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  cogni-relay serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
