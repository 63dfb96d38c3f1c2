package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aivis/internal/domain"
	"aivis/internal/usecase/catalog"
)

const planYAML = `
phases:
  - name: discovery
    agents: [page-analysis]
  - name: research
    parallel: true
    agents: [tavily-research, google-aio]
profiles:
  quick:
    phases:
      - name: only
        agents: [page-analysis]
`

func TestBuiltinMatchesCatalog(t *testing.T) {
	p := Builtin()
	require.NoError(t, p.Validate())
	require.NoError(t, catalog.Default().CheckPlan(p))
	assert.Len(t, p.AgentIDs(), len(catalog.Default().IDs()))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(planYAML), 0o644))

	src, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"quick"}, src.Profiles())

	p, err := src.ExecutionPlan(context.Background(), domain.JobInputs{TargetDomain: "example.com"})
	require.NoError(t, err)
	require.Len(t, p.Phases, 2)
	assert.True(t, p.Phases[1].RunInParallel)
	assert.Equal(t, []string{"tavily-research", "google-aio"}, p.Phases[1].AgentIDs)

	p, err = src.ExecutionPlan(context.Background(), domain.JobInputs{Options: map[string]string{OptionProfile: "quick"}})
	require.NoError(t, err)
	assert.Equal(t, "only", p.Phases[0].Name)
}

func TestUnknownProfile(t *testing.T) {
	src, err := Parse([]byte(planYAML))
	require.NoError(t, err)
	_, err = src.ExecutionPlan(context.Background(), domain.JobInputs{Options: map[string]string{OptionProfile: "deep"}})
	assert.ErrorIs(t, err, domain.ErrInvalidPlan)
}

func TestExcludeAgents(t *testing.T) {
	src := NewStatic(Builtin())
	p, err := src.ExecutionPlan(context.Background(), domain.JobInputs{
		Options: map[string]string{OptionExclude: "google-aio, recommendations"},
	})
	require.NoError(t, err)
	assert.NotContains(t, p.AgentIDs(), "google-aio")
	assert.NotContains(t, p.AgentIDs(), "recommendations")
	assert.Len(t, p.Phases, 3, "emptied output phase is dropped")

	// The source's own plan is untouched.
	again, err := src.ExecutionPlan(context.Background(), domain.JobInputs{})
	require.NoError(t, err)
	assert.Contains(t, again.AgentIDs(), "google-aio")
}

func TestExcludeEverything(t *testing.T) {
	src := NewStatic(domain.ExecutionPlan{Phases: []domain.Phase{{Name: "p", AgentIDs: []string{"a"}}}})
	_, err := src.ExecutionPlan(context.Background(), domain.JobInputs{Options: map[string]string{OptionExclude: "a"}})
	assert.ErrorIs(t, err, domain.ErrInvalidPlan)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "phases: [unterminated"},
		{"empty", "phases: []"},
		{"duplicate agent", "phases:\n  - name: a\n    agents: [x]\n  - name: b\n    agents: [x]\n"},
		{"bad profile", "phases:\n  - name: a\n    agents: [x]\nprofiles:\n  p:\n    phases: []\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, domain.ErrInvalidPlan)
		})
	}
}
