package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/crewline/pkg/models"
)

const crewYAML = `name: newsroom
process: sequential
variables:
  domain: science
agents:
  - id: researcher
    role: "{domain} Researcher"
    goal: find facts
    memory: true
tasks:
  - id: T1
    description: Research the topic
    agent: researcher
    priority: high
    timeout_ms: 30000
  - id: T2
    description: Write it up ({{.CREW_TONE}})
    agent: researcher
    depends_on: [T1]
`

func writeCrewFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crew.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadCrewFile(t *testing.T) {
	t.Setenv("CREW_TONE", "formal")
	file, err := LoadCrewFile(writeCrewFile(t, crewYAML))
	require.NoError(t, err)

	assert.Equal(t, "newsroom", file.Name)
	assert.Equal(t, "sequential", file.Process)
	assert.Equal(t, map[string]string{"domain": "science"}, file.Variables)
	require.Len(t, file.Agents, 1)
	assert.True(t, file.Agents[0].MemoryEnabled)

	tasks, err := file.ResolveTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, models.PriorityHigh, tasks[0].Priority)
	assert.Equal(t, 30*time.Second, tasks[0].Timeout)
	assert.Equal(t, "Write it up (formal)", tasks[1].Description)
	assert.Equal(t, models.PriorityMedium, tasks[1].Priority, "missing priority defaults to medium")
	assert.Equal(t, []string{"T1"}, tasks[1].Dependencies)
}

func TestLoadCrewFileMissing(t *testing.T) {
	_, err := LoadCrewFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadCrewFileInvalidYAML(t *testing.T) {
	_, err := LoadCrewFile(writeCrewFile(t, "agents: ["))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestResolveTasksRejectsBadValues(t *testing.T) {
	file := &CrewFile{Tasks: []TaskDef{{
		TaskSpec: models.TaskSpec{ID: "T1", Description: "x", AgentRef: "a"},
		Priority: "urgent",
	}}}
	_, err := file.ResolveTasks()
	require.Error(t, err)

	file = &CrewFile{Tasks: []TaskDef{{
		TaskSpec:  models.TaskSpec{ID: "T1", Description: "x", AgentRef: "a"},
		TimeoutMs: -1,
	}}}
	_, err = file.ResolveTasks()
	require.Error(t, err)
}
