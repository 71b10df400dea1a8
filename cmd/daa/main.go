// DAA is a Swedish-speaking butler assistant core.
//
// It serves a WebSocket gateway for the voice client, assembles a
// context-rich system prompt per turn (realtime data, health, training,
// long-term memories), and streams replies from whichever model vendor
// the client selects, falling back to a configured model when a vendor
// fails mid-turn. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	daa serve              Start the gateway
//	daa init [dir]         Initialize a working directory with defaults
//	daa audit [model]      Run a one-shot source audit
//	daa version            Print version and build information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/daa-project/daa/internal/audit"
	"github.com/daa-project/daa/internal/buildinfo"
	"github.com/daa-project/daa/internal/config"
	"github.com/daa-project/daa/internal/datasource"
	"github.com/daa-project/daa/internal/events"
	"github.com/daa-project/daa/internal/gateway"
	"github.com/daa-project/daa/internal/homeassistant"
	"github.com/daa-project/daa/internal/llm"
	"github.com/daa-project/daa/internal/memgate"
	"github.com/daa-project/daa/internal/n8n"
	"github.com/daa-project/daa/internal/oauth"
	"github.com/daa-project/daa/internal/prompt"
	"github.com/daa-project/daa/internal/session"
	"github.com/daa-project/daa/internal/store"
	"github.com/daa-project/daa/internal/tools"
)

// main constructs the OS-level environment and delegates to run, which
// keeps os.Exit and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package's package-level state gets in the way of calling run
// concurrently from tests, and the surface is tiny.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "audit":
		model := ""
		if len(cmdArgs) > 0 {
			model = cmdArgs[0]
		}
		return runAudit(ctx, stdout, configPath, model)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "DAA - digital butler assistant")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  daa [-config path] serve         Start the gateway")
	fmt.Fprintln(w, "  daa [-config path] init [dir]    Initialize a working directory")
	fmt.Fprintln(w, "  daa [-config path] audit [model] Run a one-shot source audit")
	fmt.Fprintln(w, "  daa version                      Print version information")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/daa/config.yaml, /etc/daa/config.yaml")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. Returns
// the parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// runServe is the primary operating mode: open the settings/history
// database, wire the data providers and model router, and serve the
// gateway until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting DAA", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// Settings and conversation history share one SQLite database.
	dbPath := filepath.Join(cfg.DataDir, "daa.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer st.Close()
	logger.Info("database opened", "path", dbPath)

	bus := events.New()

	// Long-term memory gateway. nil when unconfigured; every consumer
	// tolerates that.
	memory := memgate.New(memgate.Config{
		URL:    cfg.Memory.URL,
		APIKey: cfg.Memory.APIKey,
	}, logger)
	if memory.Enabled() {
		logger.Info("memory gateway configured", "url", cfg.Memory.URL)
	}

	// --- Data providers ---
	providerOpts := func(ttl time.Duration) datasource.Options {
		return datasource.Options{
			TTL:       ttl,
			Memory:    memory,
			SubjectID: cfg.Memory.SubjectID,
			Bus:       bus,
		}
	}

	weather := datasource.NewProvider(
		datasource.NewWeatherFetcher(cfg.Weather.Latitude, cfg.Weather.Longitude),
		providerOpts(15*time.Minute), logger)

	var health *datasource.Provider
	if cfg.Health.Enabled {
		withings := oauth.NewManager(oauth.Config{
			Domain:          "withings",
			TokenURL:        "https://wbsapi.withings.net/v2/oauth2",
			Format:          oauth.FormatEnvelope,
			ClientIDKey:     "withings_client_id",
			ClientSecretKey: "withings_client_secret",
			RefreshTokenKey: "withings_refresh_token",
			ExtraParams:     map[string]string{"action": "requesttoken"},
		}, st, logger)
		if withings.Configured() {
			health = datasource.NewProvider(
				datasource.NewWithingsFetcher(withings),
				providerOpts(15*time.Minute), logger)
		} else {
			logger.Warn("health domain enabled but withings credentials missing in settings store")
		}
	}

	var training *datasource.Provider
	if cfg.Training.Enabled {
		strava := oauth.NewManager(oauth.Config{
			Domain:          "strava",
			TokenURL:        "https://www.strava.com/oauth/token",
			Format:          oauth.FormatFlat,
			ClientIDKey:     "strava_client_id",
			ClientSecretKey: "strava_client_secret",
			RefreshTokenKey: "strava_refresh_token",
		}, st, logger)
		if strava.Configured() {
			training = datasource.NewProvider(
				datasource.NewStravaFetcher(strava, cfg.Training.Activities),
				providerOpts(5*time.Minute), logger)
		} else {
			logger.Warn("training domain enabled but strava credentials missing in settings store")
		}
	}

	// --- Model router ---
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	router := buildRouter(cfg, ollama, logger)

	// --- Integrations ---
	var ha *homeassistant.Client
	if cfg.HomeAssistant.URL != "" {
		ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token)
		logger.Debug("Home Assistant configured", "url", cfg.HomeAssistant.URL)
	}

	workflows := n8n.New(n8n.Config{
		BaseURL: cfg.Workflows.BaseURL,
		APIKey:  cfg.Workflows.APIKey,
	}, logger)

	var auditor *audit.Auditor
	if cfg.Audit.Root != "" {
		reportFile := cfg.Audit.ReportFile
		if reportFile == "" {
			reportFile = filepath.Join(cfg.DataDir, "CODE_REVIEW.md")
		}
		auditor = audit.New(audit.Config{
			Root:       cfg.Audit.Root,
			ReportFile: reportFile,
			Models:     cfg.Audit.Models,
		}, router, logger)
	}

	deps := tools.Deps{
		Weather:   weather,
		HA:        ha,
		Workflows: workflows,
	}
	if health != nil {
		deps.Health = health
	}
	if training != nil {
		deps.Training = training
	}
	if auditor != nil {
		deps.Auditor = auditor
	}
	registry := tools.NewRegistry(deps, logger)

	// --- Prompt assembly ---
	assembler := prompt.NewAssembler(prompt.Options{
		Assistant:   cfg.Persona.Name,
		User:        cfg.Persona.User,
		Locale:      cfg.Persona.Locale,
		PersonaFile: cfg.Persona.File,
		Settings:    st,
		Memory:      memory,
		SubjectID:   cfg.Memory.SubjectID,
	}, logger)

	assembler.Register(weather, "väder", "vädret", "temperatur", "regn", "sol")
	if health != nil {
		assembler.Register(health, "hälsa", "steg", "vikt", "kalorier", "puls")
	}
	if training != nil {
		assembler.Register(training, "träning", "löpning", "löprunda", "pass", "cykling")
	}

	// --- Sessions and gateway ---
	sessions := session.NewManager(st, assembler, router, registry, session.Options{
		FallbackModel: cfg.Models.Fallback,
		HistoryLimit:  cfg.HistoryLimit,
		Memory:        memory,
		SubjectID:     cfg.Memory.SubjectID,
		Bus:           bus,
	}, logger)

	gw := gateway.NewServer(sessions, st, gateway.Options{
		Address:      cfg.Listen.Address,
		Port:         cfg.Listen.Port,
		DefaultModel: cfg.Models.Default,
		Models:       configuredModels(cfg),
		Local:        ollama,
		Bus:          bus,
	}, logger)

	// SIGINT/SIGTERM cancels the context and drains the server.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = gw.Shutdown(shutdownCtx)
	}()

	if err := gw.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// buildRouter wires one streaming client per configured vendor. Model
// identifiers route on substring; anything unmatched goes to the local
// Ollama backend.
func buildRouter(cfg *config.Config, ollama *llm.OllamaClient, logger *slog.Logger) *llm.Router {
	router := llm.NewRouter(ollama)

	if key := cfg.Models.Gemini.APIKey; key != "" {
		router.AddRule("gemini", "gemini", llm.NewGeminiClient(key, logger))
	}
	if key := cfg.Models.Groq.APIKey; key != "" {
		groq := llm.NewOpenAICompatClient("groq", "https://api.groq.com/openai/v1", key, logger)
		router.AddRule("groq", "groq", groq)
		// Groq hosts the llama-3 family; local tags use "llama3" without
		// the dash, so this rule never captures Ollama models.
		router.AddRule("llama-3", "groq", groq)
	}
	if key := cfg.Models.DeepSeek.APIKey; key != "" {
		router.AddRule("deepseek", "deepseek", llm.NewOpenAICompatClient("deepseek", "https://api.deepseek.com", key, logger))
	}
	if key := cfg.Models.OpenAI.APIKey; key != "" {
		router.AddRule("gpt", "openai", llm.NewOpenAICompatClient("openai", "", key, logger))
	}
	if key := cfg.Models.Anthropic.APIKey; key != "" {
		router.AddRule("claude", "anthropic", llm.NewAnthropicClient(key, logger))
	}

	return router
}

// configuredModels lists the vendor models the client can select,
// based on which API keys are present. Local models are appended live
// by the gateway.
func configuredModels(cfg *config.Config) []gateway.ModelInfo {
	var models []gateway.ModelInfo
	if cfg.Models.Gemini.APIKey != "" {
		models = append(models,
			gateway.ModelInfo{ID: "gemini-2.0-flash-exp", Name: "Google: Gemini 2.0 Flash"},
			gateway.ModelInfo{ID: "gemini-1.5-pro", Name: "Google: Gemini 1.5 Pro"})
	}
	if cfg.Models.OpenAI.APIKey != "" {
		models = append(models, gateway.ModelInfo{ID: "gpt-4o", Name: "OpenAI: GPT-4o"})
	}
	if cfg.Models.Anthropic.APIKey != "" {
		models = append(models, gateway.ModelInfo{ID: "claude-sonnet-4-20250514", Name: "Anthropic: Claude Sonnet 4"})
	}
	if cfg.Models.Groq.APIKey != "" {
		models = append(models, gateway.ModelInfo{ID: "llama-3.3-70b-versatile", Name: "Groq: Llama 3.3 70B"})
	}
	if cfg.Models.DeepSeek.APIKey != "" {
		models = append(models, gateway.ModelInfo{ID: "deepseek-chat", Name: "DeepSeek: Chat"})
	}
	return models
}

// runAudit runs a one-shot source audit and prints the summary. The
// full report lands in the configured report file.
func runAudit(ctx context.Context, stdout io.Writer, configPath, model string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Audit.Root == "" {
		return fmt.Errorf("audit.root is not configured")
	}

	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	router := buildRouter(cfg, ollama, logger)

	reportFile := cfg.Audit.ReportFile
	if reportFile == "" {
		reportFile = filepath.Join(cfg.DataDir, "CODE_REVIEW.md")
	}
	auditor := audit.New(audit.Config{
		Root:       cfg.Audit.Root,
		ReportFile: reportFile,
		Models:     cfg.Audit.Models,
	}, router, logger)

	summary, err := auditor.Run(ctx, model)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	fmt.Fprintln(stdout, summary)
	return nil
}

const defaultConfigYAML = `# DAA configuration
listen:
  address: ""
  port: 8000

models:
  default: gemini-2.0-flash-exp
  fallback: gemini-2.0-flash-exp
  ollama_url: http://127.0.0.1:11434
  # gemini:
  #   api_key: ${GOOGLE_API_KEY}
  # openai:
  #   api_key: ${OPENAI_API_KEY}
  # anthropic:
  #   api_key: ${ANTHROPIC_API_KEY}

persona:
  name: DAA
  user: Anders
  locale: sv

weather:
  latitude: 59.33
  longitude: 18.07

# health:
#   enabled: true
# training:
#   enabled: true
#   activities: 3

# memory:
#   url: http://127.0.0.1:8765
#   subject_id: anders

# homeassistant:
#   url: http://homeassistant.local:8123
#   token: ${HA_TOKEN}

# workflows:
#   base_url: http://127.0.0.1:5678/webhook

data_dir: data
history_limit: 10
log_level: info
`

// runInit writes a starter config into dir.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	}
	if err := os.WriteFile(cfgPath, []byte(defaultConfigYAML), 0644); err != nil {
		return fmt.Errorf("write %s: %w", cfgPath, err)
	}

	fmt.Fprintf(stdout, "Wrote %s\n", cfgPath)
	fmt.Fprintln(stdout, "Edit it, then start the gateway with: daa serve")
	return nil
}
