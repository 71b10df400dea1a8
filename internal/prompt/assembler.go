// Package prompt assembles the system prompt for each turn: persona,
// realtime clock context, keyword-triggered data blocks, long-term
// memory recall and the fixed tool/host-directive instructions. The
// assembly order is fixed so the same inputs always produce the same
// prompt.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/daa-project/daa/internal/datasource"
	"github.com/daa-project/daa/internal/memgate"
)

// settingsKeyPersona is the settings-store override for the persona text.
const settingsKeyPersona = "persona_prompt"

// ContextSource supplies one labeled data block when the utterance
// matches its trigger keywords. Satisfied by *datasource.Provider.
type ContextSource interface {
	Domain() string
	Fetch(ctx context.Context) datasource.Snapshot
}

// Settings is the read side of the settings store.
type Settings interface {
	Get(key string) (string, error)
}

// source pairs a ContextSource with its trigger keywords.
type source struct {
	src      ContextSource
	keywords []string
}

// Options configures an Assembler.
type Options struct {
	// Assistant and User name the two parties in the persona text.
	Assistant string
	User      string
	// Locale selects weekday names ("sv" or empty for English).
	Locale string
	// PersonaFile optionally overrides the built-in persona template.
	// A settings-store value under "persona_prompt" wins over both.
	PersonaFile string
	// Settings is consulted for the persona override (nil skips it).
	Settings Settings
	// Memory is the recall gateway (nil disables the recall block).
	Memory    *memgate.Client
	SubjectID string
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Assembler builds one system prompt per turn.
type Assembler struct {
	opts    Options
	sources []source
	logger  *slog.Logger
}

// NewAssembler creates an Assembler. Data sources are attached with
// Register; their registration order is their prompt order.
func NewAssembler(opts Options, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Assistant == "" {
		opts.Assistant = "DAA"
	}
	if opts.User == "" {
		opts.User = "Anders"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Assembler{opts: opts, logger: logger.With("component", "prompt")}
}

// Register attaches a data source with its trigger keywords. Matching
// is a case-insensitive substring test against the utterance, so one
// keyword can serve many phrasings and one utterance can trigger many
// sources.
func (a *Assembler) Register(src ContextSource, keywords ...string) {
	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}
	a.sources = append(a.sources, source{src: src, keywords: lowered})
}

// Build assembles the system prompt for one utterance. Sections appear
// in a fixed order: persona, realtime context, triggered data blocks in
// registration order, memory recall, tool catalog, host directives.
func (a *Assembler) Build(ctx context.Context, utterance string) string {
	var sb strings.Builder

	sb.WriteString(a.persona())
	sb.WriteString("\n\n")
	sb.WriteString(realtimeBlock(a.opts.Clock(), a.opts.Locale))

	lowered := strings.ToLower(utterance)
	for _, s := range a.sources {
		if !matches(lowered, s.keywords) {
			continue
		}
		snap := s.src.Fetch(ctx)
		sb.WriteString("\n\n")
		fmt.Fprintf(&sb, "--- REALTIDSDATA: %s (källa: %s) ---\n%s",
			strings.ToUpper(s.src.Domain()), snap.Source, snap.Payload)
	}

	if recall := a.recallBlock(ctx, utterance); recall != "" {
		sb.WriteString("\n\n")
		sb.WriteString(recall)
	}

	sb.WriteString("\n\n")
	sb.WriteString(toolCatalog)
	sb.WriteString("\n\n")
	sb.WriteString(hostDirectives)

	return sb.String()
}

func matches(lowered string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// persona resolves the persona text: settings store override first,
// then the persona file, then the built-in template.
func (a *Assembler) persona() string {
	if a.opts.Settings != nil {
		if v, err := a.opts.Settings.Get(settingsKeyPersona); err == nil && v != "" {
			return v
		}
	}
	if a.opts.PersonaFile != "" {
		data, err := os.ReadFile(a.opts.PersonaFile)
		if err == nil && len(data) > 0 {
			return string(data)
		}
		if err != nil {
			a.logger.Warn("persona file unreadable, using built-in", "path", a.opts.PersonaFile, "error", err)
		}
	}
	return BasePersona(a.opts.Assistant, a.opts.User)
}

// recallBlock queries long-term memory for facts relevant to the
// utterance. Best-effort: failure or emptiness simply omits the block.
func (a *Assembler) recallBlock(ctx context.Context, utterance string) string {
	if !a.opts.Memory.Enabled() {
		return ""
	}
	facts, err := a.opts.Memory.Search(ctx, utterance, a.opts.SubjectID, 5)
	if err != nil {
		a.logger.Warn("memory recall failed", "error", err)
		return ""
	}
	if len(facts) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("--- MINNEN ---")
	for _, f := range facts {
		sb.WriteString("\n- ")
		sb.WriteString(f.Text)
	}
	return sb.String()
}
