package graph

import (
	"github.com/stageflow/stageflow/pkg/stage"
)

// Stages adapts the stage registry to the graph's StageSource contract.
type Stages struct {
	registry *stage.Registry
}

func NewStages(registry *stage.Registry) *Stages {
	return &Stages{registry: registry}
}

func (s *Stages) AllowedAgents(name string) []string {
	return s.registry.AllowedAgents(name)
}

func (s *Stages) IsTerminal(name string) bool {
	return s.registry.IsTerminal(name)
}

func (s *Stages) NextName(current string) (string, bool) {
	next := s.registry.Next(current)
	if next == nil {
		return "", false
	}
	return next.Name, true
}

func (s *Stages) EvalExit(name string, state *State) (bool, error) {
	st, ok := s.registry.Get(name)
	if !ok {
		return false, nil
	}
	return st.ExitCondition.Eval(state.ExprEnv())
}

func (s *Stages) Exists(name string) bool {
	_, ok := s.registry.Get(name)
	return ok
}

// Names returns every stage name for build-time validation.
func (s *Stages) Names() []string {
	stages := s.registry.List()
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Name
	}
	return names
}

var _ StageSource = (*Stages)(nil)
