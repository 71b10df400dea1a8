// Package tools defines the tools the model can invoke during a turn.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/daa-project/daa/internal/datasource"
	"github.com/daa-project/daa/internal/homeassistant"
	"github.com/daa-project/daa/internal/n8n"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Auditor runs a source audit. Satisfied by audit.Auditor.
type Auditor interface {
	Run(ctx context.Context, preferredModel string) (string, error)
}

// DataSource supplies a tiered snapshot. Satisfied by *datasource.Provider.
type DataSource interface {
	Domain() string
	Fetch(ctx context.Context) datasource.Snapshot
}

// Registry holds the available tools.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// Deps are the integrations behind the built-in tools. Nil fields
// simply leave the corresponding tools unregistered.
type Deps struct {
	Weather   DataSource
	Health    DataSource
	Training  DataSource
	HA        *homeassistant.Client
	Workflows *n8n.Client
	Auditor   Auditor
}

// NewRegistry creates a tool registry wired to the given integrations.
func NewRegistry(deps Deps, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
	r.registerBuiltins(deps)
	return r
}

// Register adds a tool. Later registrations replace earlier ones with
// the same name.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// List returns all tools in registration order, in the wire format the
// vendors accept.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with given JSON arguments.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	return tool.Handler(ctx, args)
}

// ExecuteSafe runs a tool and renders every failure, panics included,
// as a textual result. The turn continues no matter what the tool did;
// the model sees the error text and can explain or retry.
func (r *Registry) ExecuteSafe(ctx context.Context, name string, args map[string]any) (result string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			result = fmt.Sprintf("Error: tool %s crashed: %v", name, rec)
		}
	}()

	tool := r.tools[name]
	if tool == nil {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}

	out, err := tool.Handler(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err)
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}

func (r *Registry) registerBuiltins(deps Deps) {
	if deps.Weather != nil {
		r.Register(dataTool(deps.Weather, "get_weather",
			"Hämtar aktuellt väder och dagens prognos. Används när användaren frågar om vädret."))
	}
	if deps.Health != nil {
		r.Register(dataTool(deps.Health, "health_report",
			"Hämtar dagens hälsodata: steg, kalorier och senaste vikt."))
	}
	if deps.Training != nil {
		r.Register(dataTool(deps.Training, "recent_activities",
			"Hämtar de senaste träningspassen med distans, tempo och puls."))
	}

	if deps.HA != nil {
		r.registerHomeAssistant(deps.HA)
	}

	if deps.Workflows.Enabled() {
		r.Register(&Tool{
			Name:        "trigger_workflow",
			Description: "Startar ett automationsflöde via webhook. Används för schemalagda eller externa åtgärder.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"slug": map[string]any{
						"type":        "string",
						"description": "Webhook-namnet för flödet som ska startas",
					},
					"payload": map[string]any{
						"type":        "string",
						"description": "JSON-data som skickas till flödet (valfritt)",
					},
				},
				"required": []string{"slug"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				slug, _ := args["slug"].(string)
				if slug == "" {
					return "", fmt.Errorf("slug is required")
				}
				payload, _ := args["payload"].(string)
				if payload == "" {
					payload = "{}"
				}
				if err := deps.Workflows.Trigger(ctx, slug, payload); err != nil {
					return "", err
				}
				return fmt.Sprintf("Flödet %q startades.", slug), nil
			},
		})
	}

	if deps.Auditor != nil {
		r.Register(&Tool{
			Name:        "analyze_code",
			Description: "Analyserar assistentens egen källkod och skriver en teknisk rapport. Aktiveras när användaren ber om en självanalys.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"model": map[string]any{
						"type":        "string",
						"description": "Modell att försöka med först (valfritt)",
					},
				},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				model, _ := args["model"].(string)
				return deps.Auditor.Run(ctx, model)
			},
		})
	}
}

// dataTool wraps a tiered data source as a no-argument tool. Fetch
// never fails, so the handler only errors on the explicit
// unavailable marker.
func dataTool(src DataSource, name, description string) *Tool {
	return &Tool{
		Name:        name,
		Description: description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			snap := src.Fetch(ctx)
			if snap.Unavailable {
				return "", fmt.Errorf("%s", snap.Payload)
			}
			return fmt.Sprintf("[källa: %s] %s", snap.Source, snap.Payload), nil
		},
	}
}

func (r *Registry) registerHomeAssistant(ha *homeassistant.Client) {
	r.Register(&Tool{
		Name:        "get_state",
		Description: "Hämtar aktuellt tillstånd för en enhet i hemmet, t.ex. en lampa, ett lås eller en sensor.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity_id": map[string]any{
					"type":        "string",
					"description": "Enhetens id, t.ex. light.vardagsrum eller sensor.utetemperatur",
				},
			},
			"required": []string{"entity_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			entityID, _ := args["entity_id"].(string)
			if entityID == "" {
				return "", fmt.Errorf("entity_id is required")
			}
			state, err := ha.GetState(ctx, entityID)
			if err != nil {
				return "", err
			}
			result := fmt.Sprintf("Entity: %s\nState: %s\n", state.EntityID, state.State)
			if name, ok := state.Attributes["friendly_name"].(string); ok {
				result += fmt.Sprintf("Name: %s\n", name)
			}
			if unit, ok := state.Attributes["unit_of_measurement"].(string); ok {
				result += fmt.Sprintf("Unit: %s\n", unit)
			}
			if temp, ok := state.Attributes["temperature"].(float64); ok {
				result += fmt.Sprintf("Temperature: %.1f\n", temp)
			}
			return result, nil
		},
	})

	r.Register(&Tool{
		Name:        "list_entities",
		Description: "Listar enheter i en domän, t.ex. alla lampor eller alla sensorer. Används för att hitta rätt entity_id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "Domänen som ska listas, t.ex. light, switch eller sensor",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Max antal enheter som returneras (standard 20)",
				},
			},
			"required": []string{"domain"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			domain, _ := args["domain"].(string)
			if domain == "" {
				return "", fmt.Errorf("domain is required")
			}
			limit := 20
			if v, ok := args["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}

			entities, err := ha.GetEntities(ctx, domain)
			if err != nil {
				return "", err
			}
			if len(entities) == 0 {
				return fmt.Sprintf("Inga enheter i domänen %q.", domain), nil
			}
			if len(entities) > limit {
				entities = entities[:limit]
			}

			var sb strings.Builder
			for _, e := range entities {
				fmt.Fprintf(&sb, "%s (%s): %s\n", e.EntityID, e.FriendlyName, e.State)
			}
			return sb.String(), nil
		},
	})

	r.Register(&Tool{
		Name:        "call_service",
		Description: "Styr en enhet i hemmet: tänd eller släck lampor, lås dörrar, sätt temperatur.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "Tjänstens domän, t.ex. light, switch eller lock",
				},
				"service": map[string]any{
					"type":        "string",
					"description": "Tjänsten som anropas, t.ex. turn_on, turn_off eller lock",
				},
				"entity_id": map[string]any{
					"type":        "string",
					"description": "Målenhetens id",
				},
				"data": map[string]any{
					"type":        "object",
					"description": "Extra tjänstedata, t.ex. brightness eller color_name",
				},
			},
			"required": []string{"domain", "service", "entity_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			domain, _ := args["domain"].(string)
			service, _ := args["service"].(string)
			entityID, _ := args["entity_id"].(string)
			if domain == "" || service == "" || entityID == "" {
				return "", fmt.Errorf("domain, service and entity_id are required")
			}

			data := map[string]any{"entity_id": entityID}
			if extra, ok := args["data"].(map[string]any); ok {
				for k, v := range extra {
					data[k] = v
				}
			}

			if err := ha.CallService(ctx, domain, service, data); err != nil {
				return "", err
			}
			return fmt.Sprintf("Verkställt: %s.%s på %s.", domain, service, entityID), nil
		},
	})
}
