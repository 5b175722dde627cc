package routing

import (
	"sort"

	"github.com/yanolja/relay"
)

// Tables maps each task type to per-provider priority weights and model
// names. Task types without an entry use the relay.TaskDefault row.
type Tables struct {
	Priorities map[relay.TaskType]map[string]int    `yaml:"priorities" json:"priorities"`
	Models     map[relay.TaskType]map[string]string `yaml:"models" json:"models"`
}

func DefaultTables() *Tables {
	return &Tables{
		Priorities: map[relay.TaskType]map[string]int{
			relay.TaskTextGeneration: {
				"anthropic": 90, "openai": 80, "studio": 75, "ollama": 70, "bedrock": 65, "lmstudio": 60, "local": 50,
			},
			relay.TaskCodeGeneration: {
				"openai": 90, "anthropic": 80, "studio": 75, "ollama": 70, "bedrock": 65, "lmstudio": 60, "local": 50,
			},
			relay.TaskDecisionMaking: {
				"openai": 90, "anthropic": 85, "studio": 75, "ollama": 70, "bedrock": 65, "lmstudio": 60, "local": 50,
			},
			relay.TaskDefault: {
				"openai": 80, "anthropic": 80, "studio": 75, "ollama": 70, "bedrock": 65, "lmstudio": 60, "local": 50,
			},
		},
		Models: map[relay.TaskType]map[string]string{
			relay.TaskTextGeneration: {
				"openai":    "gpt-4",
				"anthropic": "claude-3-opus-20240229",
				"studio":    "gemini-1.5-pro",
				"bedrock":   "anthropic.claude-3-sonnet-20240229-v1:0",
				"ollama":    "llama3",
				"lmstudio":  "openchat",
				"local":     "gpt4all",
			},
			relay.TaskCodeGeneration: {
				"openai":    "gpt-4",
				"anthropic": "claude-3-opus-20240229",
				"studio":    "gemini-1.5-pro",
				"bedrock":   "anthropic.claude-3-sonnet-20240229-v1:0",
				"ollama":    "codellama",
				"lmstudio":  "openchat",
				"local":     "gpt4all",
			},
			relay.TaskDecisionMaking: {
				"openai":    "gpt-4",
				"anthropic": "claude-3-opus-20240229",
				"studio":    "gemini-1.5-pro",
				"bedrock":   "anthropic.claude-3-sonnet-20240229-v1:0",
				"ollama":    "llama3",
				"lmstudio":  "openchat",
				"local":     "gpt4all",
			},
			relay.TaskDefault: {
				"openai":    "gpt-3.5-turbo",
				"anthropic": "claude-3-haiku-20240307",
				"studio":    "gemini-1.5-flash",
				"bedrock":   "anthropic.claude-3-haiku-20240307-v1:0",
				"ollama":    "llama3",
				"lmstudio":  "openchat",
				"local":     "gpt4all",
			},
		},
	}
}

// Merge overlays non-empty rows of overrides on top of t. Rows are merged per
// provider so an override can change a single weight.
func (t *Tables) Merge(overrides *Tables) {
	if overrides == nil {
		return
	}
	if t.Priorities == nil {
		t.Priorities = make(map[relay.TaskType]map[string]int)
	}
	if t.Models == nil {
		t.Models = make(map[relay.TaskType]map[string]string)
	}
	for task, row := range overrides.Priorities {
		if t.Priorities[task] == nil {
			t.Priorities[task] = make(map[string]int, len(row))
		}
		for name, weight := range row {
			t.Priorities[task][name] = weight
		}
	}
	for task, row := range overrides.Models {
		if t.Models[task] == nil {
			t.Models[task] = make(map[string]string, len(row))
		}
		for name, model := range row {
			t.Models[task][name] = model
		}
	}
}

func (t *Tables) priorityRow(task relay.TaskType) map[string]int {
	if row, ok := t.Priorities[task]; ok {
		return row
	}
	return t.Priorities[relay.TaskDefault]
}

// Priority returns the weight of provider for task, or 0 when the provider is
// not listed.
func (t *Tables) Priority(task relay.TaskType, provider string) int {
	return t.priorityRow(task)[provider]
}

// Model resolves the model name of provider for task.
func (t *Tables) Model(task relay.TaskType, provider string) (string, bool) {
	row, ok := t.Models[task]
	if !ok {
		row = t.Models[relay.TaskDefault]
	}
	model, ok := row[provider]
	if !ok || model == "" {
		return "", false
	}
	return model, true
}

// ModelsFor lists every distinct model configured for provider across all task
// types, sorted by name.
func (t *Tables) ModelsFor(provider string) []string {
	seen := make(map[string]struct{})
	for _, row := range t.Models {
		if model, ok := row[provider]; ok && model != "" {
			seen[model] = struct{}{}
		}
	}
	models := make([]string, 0, len(seen))
	for model := range seen {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}
