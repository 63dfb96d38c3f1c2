// Package catalog holds the static registry of agents the engine can run.
// A Catalog is built once at process start and is read-only afterwards, so
// it is safe for concurrent use without locking.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"aivis/internal/domain"
)

// Catalog maps agent ids to their descriptors.
type Catalog struct {
	agents map[string]domain.AgentDescriptor
	order  []string
}

// New builds a catalog from descriptors and validates it: ids must be
// unique, enums known, inputs must reference catalog members and the
// dependency graph must be acyclic.
func New(descs []domain.AgentDescriptor) (*Catalog, error) {
	c := &Catalog{agents: make(map[string]domain.AgentDescriptor, len(descs))}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, domain.NewSubSystemError("catalog", "catalog.New", domain.ErrInvalidInput, err.Error())
		}
		if _, dup := c.agents[d.ID]; dup {
			return nil, domain.NewSubSystemError("catalog", "catalog.New", domain.ErrDuplicate, d.ID)
		}
		d.Inputs = append([]string(nil), d.Inputs...)
		c.agents[d.ID] = d
		c.order = append(c.order, d.ID)
	}
	if err := c.validateGraph(); err != nil {
		return nil, err
	}
	return c, nil
}

// MustNew is New that panics on error. For static catalogs only.
func MustNew(descs []domain.AgentDescriptor) *Catalog {
	c, err := New(descs)
	if err != nil {
		panic(err)
	}
	return c
}

type catalogFile struct {
	Agents []domain.AgentDescriptor `yaml:"agents"`
}

// LoadFile reads a YAML catalog of the form `agents: [...]`.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(f.Agents) == 0 {
		return nil, domain.NewSubSystemError("catalog", "catalog.LoadFile", domain.ErrInvalidInput, "no agents defined in "+path)
	}
	return New(f.Agents)
}

// Get returns the descriptor for id.
func (c *Catalog) Get(id string) (domain.AgentDescriptor, bool) {
	d, ok := c.agents[id]
	return d, ok
}

// Has reports whether id is a catalog member.
func (c *Catalog) Has(id string) bool {
	_, ok := c.agents[id]
	return ok
}

// IDs returns agent ids in registration order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.order...)
}

// Descriptors returns all descriptors in registration order.
func (c *Catalog) Descriptors() []domain.AgentDescriptor {
	out := make([]domain.AgentDescriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.agents[id])
	}
	return out
}

// DependenciesSatisfied is true iff id is in the catalog and every one of
// its inputs is in completed. Unknown ids yield false, not an error.
func (c *Catalog) DependenciesSatisfied(id string, completed map[string]bool) bool {
	d, ok := c.agents[id]
	if !ok {
		return false
	}
	for _, in := range d.Inputs {
		if !completed[in] {
			return false
		}
	}
	return true
}

// MissingInputs returns the inputs of id absent from completed, sorted.
func (c *Catalog) MissingInputs(id string, completed map[string]bool) []string {
	d, ok := c.agents[id]
	if !ok {
		return nil
	}
	var missing []string
	for _, in := range d.Inputs {
		if !completed[in] {
			missing = append(missing, in)
		}
	}
	sort.Strings(missing)
	return missing
}

// EligibleForParallelRun filters candidates to parallel-capable agents
// whose dependencies are satisfied, preserving candidate order.
func (c *Catalog) EligibleForParallelRun(candidates []string, completed map[string]bool) []string {
	var out []string
	for _, id := range candidates {
		d, ok := c.agents[id]
		if !ok || !d.ParallelCapable {
			continue
		}
		if c.DependenciesSatisfied(id, completed) {
			out = append(out, id)
		}
	}
	return out
}

// CheckPlan returns a *domain.UnknownAgentError for the first plan
// reference that is not in the catalog.
func (c *Catalog) CheckPlan(plan domain.ExecutionPlan) error {
	for _, ph := range plan.Phases {
		for _, id := range ph.AgentIDs {
			if !c.Has(id) {
				return &domain.UnknownAgentError{AgentID: id, Phase: ph.Name}
			}
		}
	}
	return nil
}

func (c *Catalog) validateGraph() error {
	for _, id := range c.order {
		for _, in := range c.agents[id].Inputs {
			if _, ok := c.agents[in]; !ok {
				return domain.NewSubSystemError("catalog", "catalog.New", domain.ErrInvalidInput,
					fmt.Sprintf("agent %q depends on unknown agent %q", id, in))
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.agents))
	var path []string
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return domain.NewSubSystemError("catalog", "catalog.New", domain.ErrInvalidInput,
				"dependency cycle: "+strings.Join(append(path, id), " -> "))
		case done:
			return nil
		}
		state[id] = visiting
		path = append(path, id)
		for _, in := range c.agents[id].Inputs {
			if err := visit(in); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}
	for _, id := range c.order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
