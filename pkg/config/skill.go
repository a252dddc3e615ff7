package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	SkillManifestFile   = "skill.json"
	ContextManifestFile = "context.json"
	PromptTemplateFile  = "prompt.md"
	OutputSchemaFile    = "schema.json"
)

// OutputMode selects how the agent's model output is interpreted.
type OutputMode string

const (
	OutputModeText OutputMode = "text"
	OutputModeJSON OutputMode = "json"
)

// SkillManifest is the skill.json contents for one agent.
type SkillManifest struct {
	Role       string         `json:"role"`
	OutputMode OutputMode     `json:"output_mode"`
	Tools      []ToolTrigger  `json:"tools,omitempty"`
	Exit       *AgentExitRule `json:"exit_condition,omitempty"`
	Reward     *float64       `json:"reward,omitempty"`
}

// ToolTrigger declares a tool the agent may dispatch and when.
type ToolTrigger struct {
	Name    string `json:"name"`
	Trigger string `json:"trigger"`
}

const ToolTriggerAlways = "always"

// AgentExitRule is the agent-level exit condition from skill.json. The
// default, when absent, is once_per_stage.
type AgentExitRule struct {
	Type  string `json:"type"`
	Max   int    `json:"max,omitempty"`
	Field string `json:"field,omitempty"`
}

const (
	AgentExitOncePerStage  = "once_per_stage"
	AgentExitMaxRuns       = "max_runs"
	AgentExitUntilFieldSet = "until_field_set"
)

// ContextEntry is one declared context dependency. The concrete type carries
// the variant's parameters; resolution is a method per variant in the agent
// package.
type ContextEntry interface {
	EntryName() string
	EntryType() string
}

type StateEntry struct {
	Name string `json:"name"`
	// Key overrides the state field to read; defaults to Name.
	Key string `json:"key,omitempty"`
}

func (e StateEntry) EntryName() string { return e.Name }
func (e StateEntry) EntryType() string { return "state" }

type MemoryEntry struct {
	Name       string `json:"name"`
	MemoryType string `json:"memory_type,omitempty"`
	TopK       int    `json:"top_k,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	// Key selects an exact episodic key; defaults to the invocation key.
	Key string `json:"key,omitempty"`
}

func (e MemoryEntry) EntryName() string { return e.Name }
func (e MemoryEntry) EntryType() string { return "memory" }

const (
	MemoryTypeSemantic = "semantic"
	MemoryTypeEpisodic = "episodic"
)

type TextToSQLEntry struct {
	Name string `json:"name"`
	TopK int    `json:"top_k,omitempty"`
}

func (e TextToSQLEntry) EntryName() string { return e.Name }
func (e TextToSQLEntry) EntryType() string { return "text_to_sql" }

type ExternalEntry struct {
	Name     string `json:"name"`
	Function string `json:"function"`
}

func (e ExternalEntry) EntryName() string { return e.Name }
func (e ExternalEntry) EntryType() string { return "external" }

type ComputedEntry struct {
	Name     string `json:"name"`
	Function string `json:"function"`
}

func (e ComputedEntry) EntryName() string { return e.Name }
func (e ComputedEntry) EntryType() string { return "computed" }

type TextEntry struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

func (e TextEntry) EntryName() string { return e.Name }
func (e TextEntry) EntryType() string { return "text" }

// AgentArtifacts bundles everything loaded from one agent directory.
type AgentArtifacts struct {
	Dir            string
	Skill          SkillManifest
	Context        []ContextEntry
	PromptTemplate string
	// OutputSchema is the raw schema.json bytes, nil when absent.
	OutputSchema []byte
}

// LoadAgentArtifacts reads skill.json, context.json, prompt.md, and the
// optional schema.json from one agent directory.
func LoadAgentArtifacts(agentDir string) (*AgentArtifacts, error) {
	var skill SkillManifest
	if err := readJSON(filepath.Join(agentDir, SkillManifestFile), &skill); err != nil {
		return nil, err
	}
	if skill.Role == "" {
		return nil, NewConfigError(filepath.Join(agentDir, SkillManifestFile), "role is required", nil)
	}
	if skill.OutputMode == "" {
		skill.OutputMode = OutputModeText
	}

	entries, err := loadContextEntries(filepath.Join(agentDir, ContextManifestFile))
	if err != nil {
		return nil, err
	}

	promptPath := filepath.Join(agentDir, PromptTemplateFile)
	prompt, err := os.ReadFile(promptPath)
	if err != nil {
		return nil, NewConfigError(promptPath, "failed to read prompt template", err)
	}

	var schema []byte
	schemaPath := filepath.Join(agentDir, OutputSchemaFile)
	if data, err := os.ReadFile(schemaPath); err == nil {
		schema = data
	} else if !os.IsNotExist(err) {
		return nil, NewConfigError(schemaPath, "failed to read output schema", err)
	}

	return &AgentArtifacts{
		Dir:            agentDir,
		Skill:          skill,
		Context:        entries,
		PromptTemplate: string(prompt),
		OutputSchema:   schema,
	}, nil
}

func loadContextEntries(path string) ([]ContextEntry, error) {
	var raw struct {
		Context []json.RawMessage `json:"context"`
	}
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}

	entries := make([]ContextEntry, 0, len(raw.Context))
	for i, msg := range raw.Context {
		entry, err := decodeContextEntry(msg)
		if err != nil {
			return nil, NewConfigError(path, fmt.Sprintf("context entry %d", i), err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeContextEntry(msg json.RawMessage) (ContextEntry, error) {
	var head struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return nil, err
	}
	if head.Name == "" {
		return nil, fmt.Errorf("entry is missing a name")
	}

	switch head.Type {
	case "state":
		var e StateEntry
		return e, json.Unmarshal(msg, &e)
	case "memory":
		var e MemoryEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, err
		}
		if e.MemoryType == "" {
			e.MemoryType = MemoryTypeSemantic
		}
		return e, nil
	case "text_to_sql":
		var e TextToSQLEntry
		return e, json.Unmarshal(msg, &e)
	case "external":
		var e ExternalEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, err
		}
		if e.Function == "" {
			return nil, fmt.Errorf("external entry '%s' is missing a function", e.Name)
		}
		return e, nil
	case "computed":
		var e ComputedEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, err
		}
		if e.Function == "" {
			return nil, fmt.Errorf("computed entry '%s' is missing a function", e.Name)
		}
		return e, nil
	case "text":
		var e TextEntry
		return e, json.Unmarshal(msg, &e)
	default:
		return nil, fmt.Errorf("unknown context entry type '%s'", head.Type)
	}
}
