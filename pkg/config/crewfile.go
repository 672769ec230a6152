package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crewline/crewline/pkg/models"
)

// CrewFile is one crew definition: agents, tasks, and the process, in a
// single YAML document. {{.VAR}} environment references are expanded
// before parsing.
type CrewFile struct {
	Name      string             `yaml:"name"`
	Process   string             `yaml:"process,omitempty"`
	Variables map[string]string  `yaml:"variables,omitempty"`
	Agents    []models.AgentSpec `yaml:"agents"`
	Tasks     []TaskDef          `yaml:"tasks"`
}

// TaskDef is the YAML shape of one task. Priority and timeout are plain
// YAML scalars here and converted when resolving.
type TaskDef struct {
	models.TaskSpec `yaml:",inline"`
	Priority        string `yaml:"priority,omitempty"`
	TimeoutMs       int    `yaml:"timeout_ms,omitempty"`
}

// LoadCrewFile reads and parses one crew definition.
func LoadCrewFile(path string) (*CrewFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{File: path, Err: ErrConfigNotFound}
		}
		return nil, &LoadError{File: path, Err: err}
	}

	data = ExpandEnv(data)

	var file CrewFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
	}
	return &file, nil
}

// ResolveTasks converts the YAML task definitions into task specs,
// parsing priorities and converting millisecond timeouts.
func (f *CrewFile) ResolveTasks() ([]models.TaskSpec, error) {
	out := make([]models.TaskSpec, len(f.Tasks))
	for i, def := range f.Tasks {
		spec := def.TaskSpec
		priority, err := models.ParsePriority(def.Priority)
		if err != nil {
			return nil, NewValidationError("tasks", def.ID,
				fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
		spec.Priority = priority
		if def.TimeoutMs < 0 {
			return nil, NewValidationError("tasks", def.ID,
				fmt.Errorf("%w: timeout_ms must not be negative, got %d", ErrInvalidValue, def.TimeoutMs))
		}
		spec.Timeout = time.Duration(def.TimeoutMs) * time.Millisecond
		out[i] = spec
	}
	return out, nil
}
