// Package plan provides execution plan sources: a built-in plan and YAML
// plan files with named profiles.
package plan

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"aivis/internal/domain"
)

// Option keys read from JobInputs.Options.
const (
	// OptionProfile selects a named profile from the plan file.
	OptionProfile = "profile"
	// OptionExclude is a comma-separated list of agent ids to drop.
	OptionExclude = "exclude_agents"
)

// Builtin is the default visibility-analysis plan for the built-in catalog.
func Builtin() domain.ExecutionPlan {
	return domain.ExecutionPlan{Phases: []domain.Phase{
		{Name: "discovery", AgentIDs: []string{"page-analysis"}},
		{Name: "research", AgentIDs: []string{"competitor-discovery", "tavily-research", "google-aio", "llm-mentions"}, RunInParallel: true},
		{Name: "analysis", AgentIDs: []string{"content-gap-analysis", "visibility-scoring"}, RunInParallel: true},
		{Name: "output", AgentIDs: []string{"recommendations"}},
	}}
}

// planFile is the on-disk layout:
//
//	phases: [...]          # default plan
//	profiles:
//	  quick:
//	    phases: [...]
type planFile struct {
	Phases   []domain.Phase                  `yaml:"phases"`
	Profiles map[string]domain.ExecutionPlan `yaml:"profiles"`
}

// Source resolves a plan per job from a default plan and named profiles.
type Source struct {
	mu       sync.RWMutex
	def      domain.ExecutionPlan
	profiles map[string]domain.ExecutionPlan
}

// NewStatic returns a source that always yields p (before exclusions).
func NewStatic(p domain.ExecutionPlan) *Source {
	return &Source{def: p, profiles: map[string]domain.ExecutionPlan{}}
}

// LoadFile reads a YAML plan file. Every plan in it is validated.
func LoadFile(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return Parse(data)
}

// Parse decodes plan YAML.
func Parse(data []byte) (*Source, error) {
	var f planFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse plan: %v", domain.ErrInvalidPlan, err)
	}
	def := domain.ExecutionPlan{Phases: f.Phases}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: default plan: %v", domain.ErrInvalidPlan, err)
	}
	for name, p := range f.Profiles {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w: profile %q: %v", domain.ErrInvalidPlan, name, err)
		}
	}
	if f.Profiles == nil {
		f.Profiles = map[string]domain.ExecutionPlan{}
	}
	return &Source{def: def, profiles: f.Profiles}, nil
}

// ExecutionPlan implements domain.PlanSource.
func (s *Source) ExecutionPlan(_ context.Context, in domain.JobInputs) (domain.ExecutionPlan, error) {
	s.mu.RLock()
	p := s.def
	if name := in.Options[OptionProfile]; name != "" {
		prof, ok := s.profiles[name]
		if !ok {
			s.mu.RUnlock()
			return domain.ExecutionPlan{}, fmt.Errorf("%w: unknown profile %q", domain.ErrInvalidPlan, name)
		}
		p = prof
	}
	s.mu.RUnlock()

	out := exclude(p, splitList(in.Options[OptionExclude]))
	if err := out.Validate(); err != nil {
		return domain.ExecutionPlan{}, fmt.Errorf("%w: %v", domain.ErrInvalidPlan, err)
	}
	return out, nil
}

// swap replaces the plans held by s with those of next.
func (s *Source) swap(next *Source) {
	next.mu.RLock()
	def, profiles := next.def, next.profiles
	next.mu.RUnlock()

	s.mu.Lock()
	s.def, s.profiles = def, profiles
	s.mu.Unlock()
}

// plans returns the default plan followed by every profile.
func (s *Source) plans() []domain.ExecutionPlan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.ExecutionPlan{s.def}
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}

// Profiles returns the sorted profile names.
func (s *Source) Profiles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// exclude returns a deep copy of p without the dropped agents. Phases left
// empty are removed.
func exclude(p domain.ExecutionPlan, drop []string) domain.ExecutionPlan {
	out := domain.ExecutionPlan{Phases: make([]domain.Phase, 0, len(p.Phases))}
	for _, ph := range p.Phases {
		ids := make([]string, 0, len(ph.AgentIDs))
		for _, id := range ph.AgentIDs {
			if !slices.Contains(drop, id) {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		out.Phases = append(out.Phases, domain.Phase{Name: ph.Name, AgentIDs: ids, RunInParallel: ph.RunInParallel})
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var _ domain.PlanSource = (*Source)(nil)
