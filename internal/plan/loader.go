package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// dagFile is the on-disk YAML shape of a DAG.
type dagFile struct {
	Tasks []Task `yaml:"tasks"`
}

// LoadDAG reads and validates a DAG from a YAML file
func LoadDAG(path string) (*DAG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dag file: %w", err)
	}
	return ParseDAG(data)
}

// ParseDAG decodes and validates a YAML DAG document
func ParseDAG(data []byte) (*DAG, error) {
	var f dagFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal dag: %w", err)
	}
	if len(f.Tasks) == 0 {
		return nil, fmt.Errorf("dag must have at least one task")
	}
	return NewDAG(f.Tasks)
}

// SaveDAG writes a DAG to a YAML file
func SaveDAG(d *DAG, path string) error {
	data, err := yaml.Marshal(dagFile{Tasks: d.Tasks()})
	if err != nil {
		return fmt.Errorf("marshal dag: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write dag file: %w", err)
	}
	return nil
}
