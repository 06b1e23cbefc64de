// Package plan tracks the ordered steps of an agent's plan as they stream in.
package plan

import (
	"sort"
	"strings"
	"sync"

	"github.com/aide-ai/aide/pkg/types"
)

// Step is one plan step. Index is its stable identity.
type Step struct {
	Index       int    `json:"index"`
	StepID      string `json:"stepId,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Part returns the content part that renders the step.
func (s Step) Part() types.PlanStep {
	return types.PlanStep{
		Index:       s.Index,
		StepID:      s.StepID,
		Title:       s.Title,
		Description: s.Description,
	}
}

// Plan is a set of steps keyed by index. A new planning pass replaces the
// whole Plan rather than editing this one.
type Plan struct {
	sessionID string

	mu    sync.RWMutex
	steps map[int]*Step
	desc  map[int]*strings.Builder
}

// New creates an empty plan for a session.
func New(sessionID string) *Plan {
	return &Plan{
		sessionID: sessionID,
		steps:     make(map[int]*Step),
		desc:      make(map[int]*strings.Builder),
	}
}

// SessionID returns the owning session id.
func (p *Plan) SessionID() string {
	return p.sessionID
}

// UpdateSteps applies one incremental update and returns the resulting step.
// Updates for an index that has not been seen create the step. An unknown
// event leaves the plan untouched.
func (p *Plan) UpdateSteps(ev types.PlanStepProgress) (Step, bool) {
	switch ev.Event {
	case types.PlanStepTitleAdded, types.PlanStepDescriptionUpdate:
	default:
		return Step{Index: ev.Index}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	step, ok := p.steps[ev.Index]
	if !ok {
		step = &Step{Index: ev.Index}
		p.steps[ev.Index] = step
		p.desc[ev.Index] = &strings.Builder{}
	}
	if ev.StepID != "" {
		step.StepID = ev.StepID
	}

	switch ev.Event {
	case types.PlanStepTitleAdded:
		step.Title = ev.Title
	case types.PlanStepDescriptionUpdate:
		b := p.desc[ev.Index]
		b.WriteString(ev.Delta)
		step.Description = b.String()
	}
	return *step, true
}

// Steps returns a copy of the steps ordered by index.
func (p *Plan) Steps() []Step {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Step, 0, len(p.steps))
	for _, s := range p.steps {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Step returns the step at index.
func (p *Plan) Step(index int) (Step, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.steps[index]
	if !ok {
		return Step{}, false
	}
	return *s, true
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.steps)
}
