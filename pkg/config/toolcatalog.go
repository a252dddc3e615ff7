package config

import "fmt"

// ToolRecord is one entry of the platform tool catalog. Entrypoint is a
// compile-time factory key (for example "builtin.calculator"); unknown keys
// fail at registry load.
type ToolRecord struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Entrypoint  string         `json:"entrypoint"`
	Spec        map[string]any `json:"spec,omitempty"`
}

// ToolCatalog is the platform-level tool list.
type ToolCatalog struct {
	Tools []ToolRecord `json:"tools"`
}

// LoadToolCatalog reads the tool catalog JSON.
func LoadToolCatalog(path string) (*ToolCatalog, error) {
	var catalog ToolCatalog
	if err := readJSON(path, &catalog); err != nil {
		return nil, err
	}
	for i, record := range catalog.Tools {
		if record.Name == "" {
			return nil, NewConfigError(path, fmt.Sprintf("tool %d has no name", i), nil)
		}
		if record.Entrypoint == "" {
			return nil, NewConfigError(path, fmt.Sprintf("tool '%s' has no entrypoint", record.Name), nil)
		}
	}
	return &catalog, nil
}
