package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_RequiresCascadeID(t *testing.T) {
	c := &Cascade{Cells: []*Cell{{Name: "a", Tool: "x"}}}
	assert.Error(t, c.Validate())
}

func TestValidate_RejectsEmptyCellName(t *testing.T) {
	c := &Cascade{CascadeID: "c1", Cells: []*Cell{{Tool: "x"}}}
	assert.Error(t, c.Validate())
}

func TestValidate_RejectsDuplicateCellNames(t *testing.T) {
	c := &Cascade{CascadeID: "c1", Cells: []*Cell{{Name: "a", Tool: "x"}, {Name: "a", Tool: "y"}}}
	assert.Error(t, c.Validate())
}

func TestValidate_RejectsCellWithNeitherToolNorInstructions(t *testing.T) {
	c := &Cascade{CascadeID: "c1", Cells: []*Cell{{Name: "a"}}}
	assert.Error(t, c.Validate())
}

func TestValidate_RejectsUnknownHandoffTarget(t *testing.T) {
	c := &Cascade{CascadeID: "c1", Cells: []*Cell{{Name: "a", Tool: "x", Handoffs: []string{"nope"}}}}
	assert.Error(t, c.Validate())
}

func TestValidate_AllowsSelfHandoff(t *testing.T) {
	c := &Cascade{CascadeID: "c1", Cells: []*Cell{{Name: "a", Tool: "x", Handoffs: []string{"a"}}}}
	assert.NoError(t, c.Validate())
}

func TestValidate_RejectsContextSourceReferencingLaterCell(t *testing.T) {
	c := &Cascade{CascadeID: "c1", Cells: []*Cell{
		{Name: "a", Instructions: "x", Context: &ContextConfig{Sources: []ContextSource{{Name: "b"}}}},
		{Name: "b", Tool: "y"},
	}}
	assert.Error(t, c.Validate())
}

func TestValidate_AcceptsContextSourceReferencingPriorCell(t *testing.T) {
	c := &Cascade{CascadeID: "c1", Cells: []*Cell{
		{Name: "a", Tool: "y"},
		{Name: "b", Instructions: "x", Context: &ContextConfig{Sources: []ContextSource{{Name: "a"}}}},
	}}
	assert.NoError(t, c.Validate())
}

func TestValidate_ValidCascadePasses(t *testing.T) {
	c := &Cascade{
		CascadeID: "c1",
		Cells: []*Cell{
			{Name: "draft", Instructions: "write"},
			{Name: "publish", Tool: "post"},
		},
	}
	assert.NoError(t, c.Validate())
}

func TestCellByName(t *testing.T) {
	c := &Cascade{CascadeID: "c1", Cells: []*Cell{{Name: "a"}, {Name: "b"}}}
	require.NotNil(t, c.CellByName("b"))
	assert.Equal(t, "b", c.CellByName("b").Name)
	assert.Nil(t, c.CellByName("missing"))
}

func TestIsDeterministic(t *testing.T) {
	assert.True(t, (&Cell{Tool: "x"}).IsDeterministic())
	assert.False(t, (&Cell{Instructions: "x"}).IsDeterministic())
}

func TestRulesConfig_EffectiveMaxTurns(t *testing.T) {
	assert.Equal(t, DefaultMaxTurns, RulesConfig{}.EffectiveMaxTurns())
	zero := 0
	assert.Equal(t, 0, RulesConfig{MaxTurns: &zero}.EffectiveMaxTurns())
	five := 5
	assert.Equal(t, 5, RulesConfig{MaxTurns: &five}.EffectiveMaxTurns())
}
