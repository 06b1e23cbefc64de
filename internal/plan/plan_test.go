package plan

import (
	"testing"

	"github.com/aide-ai/aide/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateSteps_TitleThenDescription(t *testing.T) {
	p := New("s1")

	_, ok := p.UpdateSteps(types.PlanStepProgress{Event: types.PlanStepTitleAdded, Index: 0, StepID: "a", Title: "Read foo.ts"})
	require.True(t, ok)
	p.UpdateSteps(types.PlanStepProgress{Event: types.PlanStepDescriptionUpdate, Index: 0, Delta: "Open the "})
	step, _ := p.UpdateSteps(types.PlanStepProgress{Event: types.PlanStepDescriptionUpdate, Index: 0, Delta: "file."})

	assert.Equal(t, "Read foo.ts", step.Title)
	assert.Equal(t, "Open the file.", step.Description)
	assert.Equal(t, "a", step.StepID)
}

func TestUpdateSteps_TitleOverwrites(t *testing.T) {
	p := New("s1")
	p.UpdateSteps(types.PlanStepProgress{Event: types.PlanStepTitleAdded, Index: 1, Title: "draft"})
	p.UpdateSteps(types.PlanStepProgress{Event: types.PlanStepTitleAdded, Index: 1, Title: "final"})

	step, ok := p.Step(1)
	require.True(t, ok)
	assert.Equal(t, "final", step.Title)
	assert.Equal(t, 1, p.Len())
}

func TestUpdateSteps_UnknownIndexCreatesLazily(t *testing.T) {
	p := New("s1")
	p.UpdateSteps(types.PlanStepProgress{Event: types.PlanStepDescriptionUpdate, Index: 4, Delta: "orphan"})

	step, ok := p.Step(4)
	require.True(t, ok)
	assert.Empty(t, step.Title)
	assert.Equal(t, "orphan", step.Description)
}

func TestSteps_OrderedByIndex(t *testing.T) {
	p := New("s1")
	for _, i := range []int{3, 0, 2, 1} {
		p.UpdateSteps(types.PlanStepProgress{Event: types.PlanStepTitleAdded, Index: i, Title: "t"})
	}

	steps := p.Steps()
	require.Len(t, steps, 4)
	for i, s := range steps {
		assert.Equal(t, i, s.Index)
	}
}

func TestUpdateSteps_UnknownEvent(t *testing.T) {
	p := New("s1")
	_, ok := p.UpdateSteps(types.PlanStepProgress{Event: "Removed", Index: 0})
	assert.False(t, ok)
	assert.Zero(t, p.Len())

	_, ok = p.UpdateSteps(types.PlanStepProgress{Event: types.PlanStepTitleAdded, Index: 1, Title: "Keep"})
	require.True(t, ok)
	_, ok = p.UpdateSteps(types.PlanStepProgress{Event: "Removed", Index: 1, StepID: "other"})
	assert.False(t, ok)
	step, _ := p.Step(1)
	assert.Empty(t, step.StepID)
	assert.Equal(t, 1, p.Len())
}

func TestStep_Part(t *testing.T) {
	s := Step{Index: 2, StepID: "x", Title: "T", Description: "D"}
	assert.Equal(t, types.PlanStep{Index: 2, StepID: "x", Title: "T", Description: "D"}, s.Part())
}
