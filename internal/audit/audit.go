// Package audit implements the self-inspection tool: it collects the
// project's own source, asks a capable model to review it, and splits
// the reply into a chat summary and a full report file.
package audit

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/daa-project/daa/internal/llm"
)

// reportSeparator splits the model's reply: everything before it goes
// to the chat, the whole text goes to the report file.
const reportSeparator = "---RAPPORT_START---"

// auditPrompt instructs the model on the required reply structure.
const auditPrompt = `Du är en Senior Systemarkitekt och Code Reviewer.
Din uppgift är att analysera källkoden för detta projekt.

VIKTIGT OM FORMATET:
Ditt svar MÅSTE följa denna struktur exakt för att systemet ska kunna läsa det:

1. Först en KORT SAMMANFATTNING (max 10-15 rader) riktad till användaren i chatten.
   - Använd punktlista.
   - Nämn de viktigaste fynden (kritiska fel eller bra saker).

2. Därefter en separator exakt så här:
   ` + reportSeparator + `

3. Därefter den FULLSTÄNDIGA TEKNISKA RAPPORTEN (Markdown).
   - SÄKERHET & BUGGAR
   - OPTIMERING
   - FÖRBÄTTRINGAR
   - Gå djupt in på detaljer och filnamn här.

Analysera koden nedan:`

var ignoredDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	"dist": true, "build": true, "logs": true,
}

var allowedExtensions = map[string]bool{
	".go": true, ".js": true, ".jsx": true,
	".html": true, ".css": true, ".json": true, ".yaml": true,
}

var ignoredFiles = map[string]bool{
	"package-lock.json": true, "go.sum": true,
}

// chatClient is the slice of llm.Router the auditor needs.
type chatClient interface {
	Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error)
}

// Config for an Auditor.
type Config struct {
	// Root is the directory whose source is collected.
	Root string
	// ReportFile receives the full report.
	ReportFile string
	// Models are tried in order until one succeeds.
	Models []string
}

// Auditor runs source audits through the model router.
type Auditor struct {
	cfg    Config
	router chatClient
	logger *slog.Logger
}

// New creates an Auditor.
func New(cfg Config, router chatClient, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReportFile == "" {
		cfg.ReportFile = "DAA_CODE_REVIEW.md"
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{"gemini-2.0-flash-exp", "claude-sonnet-4-20250514", "gpt-4o"}
	}
	return &Auditor{cfg: cfg, router: router, logger: logger.With("component", "audit")}
}

// Run collects the source and audits it, trying preferredModel first
// and then the configured model list. Returns the chat summary.
func (a *Auditor) Run(ctx context.Context, preferredModel string) (string, error) {
	code, count, err := CollectSource(a.cfg.Root)
	if err != nil {
		return "", fmt.Errorf("collect source: %w", err)
	}
	if count == 0 {
		return "", fmt.Errorf("no source files found under %s", a.cfg.Root)
	}

	models := a.cfg.Models
	if preferredModel != "" {
		models = append([]string{preferredModel}, models...)
	}

	messages := []llm.Message{
		{Role: "system", Content: auditPrompt},
		{Role: "user", Content: fmt.Sprintf("KÄLLKOD (%d filer):\n%s", count, code)},
	}

	var lastErr error
	for _, model := range models {
		a.logger.Info("trying audit model", "model", model)
		resp, err := a.router.Chat(ctx, model, messages, nil)
		if err != nil {
			a.logger.Warn("audit model failed", "model", model, "error", err)
			lastErr = err
			continue
		}
		return a.finish(resp.Message.Content, model), nil
	}

	return "", fmt.Errorf("all audit models failed: %w", lastErr)
}

// finish writes the full report and extracts the chat summary.
func (a *Auditor) finish(full, model string) string {
	saved := fmt.Sprintf("Fullständig rapport sparad till %s.", a.cfg.ReportFile)
	if err := os.WriteFile(a.cfg.ReportFile, []byte(full), 0o644); err != nil {
		a.logger.Error("write report failed", "path", a.cfg.ReportFile, "error", err)
		saved = fmt.Sprintf("Kunde inte spara rapportfilen: %v.", err)
	}

	summary := full
	if idx := strings.Index(full, reportSeparator); idx >= 0 {
		summary = strings.TrimSpace(full[:idx])
	} else if len(summary) > 1000 {
		// The model skipped the separator. Trim for chat use.
		summary = summary[:1000] + "...\n(Se rapportfilen för resten.)"
	}

	return fmt.Sprintf("Analys klar med %s.\n\n%s\n\n%s", model, summary, saved)
}

// CollectSource walks root and concatenates every allowed source file
// into one labeled blob. Returns the blob and the file count.
func CollectSource(root string) (string, int, error) {
	var sb strings.Builder
	count := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] || strings.HasPrefix(d.Name(), "_") {
				return filepath.SkipDir
			}
			return nil
		}
		if !allowedExtensions[filepath.Ext(d.Name())] || ignoredFiles[d.Name()] {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			// Unreadable files are skipped, not fatal.
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		fmt.Fprintf(&sb, "\n--- FIL: %s ---\n%s\n", rel, data)
		count++
		return nil
	})
	if err != nil {
		return "", 0, err
	}

	return sb.String(), count, nil
}
