// Package stage provides the stage registry: ordered stage definitions with
// compiled exit conditions.
package stage

import (
	"fmt"
	"sort"

	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/expr"
)

// Stage is one loaded stage definition. ExitCondition is compiled once at
// load; an absent condition evaluates to false.
type Stage struct {
	Name          string
	AllowedAgents []string
	NextStages    []string
	Priority      int
	Terminal      bool
	ExitCondition *expr.Expr
}

// Registry holds the workspace's stages sorted by ascending priority.
type Registry struct {
	ordered []*Stage
	byName  map[string]*Stage
}

func NewRegistry(manifest *config.StageManifest) (*Registry, error) {
	if len(manifest.Stages) == 0 {
		return nil, fmt.Errorf("stage manifest declares no stages")
	}

	r := &Registry{byName: make(map[string]*Stage, len(manifest.Stages))}
	for _, def := range manifest.Stages {
		condition, err := expr.Compile(def.ExitCondition)
		if err != nil {
			return nil, fmt.Errorf("stage %s has an invalid exit_condition: %w", def.Name, err)
		}
		s := &Stage{
			Name:          def.Name,
			AllowedAgents: append([]string(nil), def.AllowedAgents...),
			NextStages:    append([]string(nil), def.NextStages...),
			Priority:      def.Priority,
			Terminal:      def.Terminal,
			ExitCondition: condition,
		}
		r.ordered = append(r.ordered, s)
		r.byName[s.Name] = s
	}

	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].Priority < r.ordered[j].Priority
	})
	return r, nil
}

func (r *Registry) Get(name string) (*Stage, bool) {
	s, ok := r.byName[name]
	return s, ok
}

func (r *Registry) List() []*Stage {
	return append([]*Stage(nil), r.ordered...)
}

// First returns the entry stage (lowest priority).
func (r *Registry) First() *Stage {
	return r.ordered[0]
}

// Next returns the successor of the named stage: the first declared
// next_stage present in the registry, falling back to priority order when
// none is declared. Terminal stages have no successor.
func (r *Registry) Next(current string) *Stage {
	s, ok := r.byName[current]
	if !ok || s.Terminal {
		return nil
	}

	for _, name := range s.NextStages {
		if next, ok := r.byName[name]; ok {
			return next
		}
	}

	for i, candidate := range r.ordered {
		if candidate.Name == current && i+1 < len(r.ordered) {
			return r.ordered[i+1]
		}
	}
	return nil
}

func (r *Registry) AllowedAgents(name string) []string {
	if s, ok := r.byName[name]; ok {
		return append([]string(nil), s.AllowedAgents...)
	}
	return nil
}

func (r *Registry) IsTerminal(name string) bool {
	s, ok := r.byName[name]
	return ok && s.Terminal
}
