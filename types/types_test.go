package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"Pending Review": "pending_review",
		"pending_review": "pending_review",
		" In-Progress ":  "in_progress",
		"Block  Issue":   "block_issue",
		"DONE":           "done",
		"":               "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestStringListDecoding(t *testing.T) {
	var ts struct {
		From StringList `yaml:"from" json:"from"`
		To   StringList `yaml:"to" json:"to"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("from: draft\nto: [a, b]\n"), &ts))
	assert.Equal(t, StringList{"draft"}, ts.From)
	assert.Equal(t, StringList{"a", "b"}, ts.To)

	require.NoError(t, json.Unmarshal([]byte(`{"from":["x","y"],"to":"z"}`), &ts))
	assert.Equal(t, StringList{"x", "y"}, ts.From)
	assert.Equal(t, StringList{"z"}, ts.To)

	assert.Error(t, yaml.Unmarshal([]byte("from: {a: b}\n"), &ts))
	assert.Error(t, json.Unmarshal([]byte(`{"from":7}`), &ts))
}

func TestInstanceClone(t *testing.T) {
	inst := Instance{
		ID:         1,
		Attributes: map[string]interface{}{"a": 1},
		History:    []HistoryRecord{{Transition: "t"}},
	}
	c := inst.Clone()
	c.Attributes["a"] = 2
	c.History[0].Transition = "changed"

	assert.Equal(t, 1, inst.Attributes["a"])
	assert.Equal(t, "t", inst.History[0].Transition)

	empty := Instance{History: []HistoryRecord{}}
	assert.Equal(t, empty, empty.Clone())
}

func TestWorkflowName(t *testing.T) {
	assert.Equal(t, "issue_tracking", Document{Name: "Issue Tracking", ObjectType: "issue"}.WorkflowName())
	assert.Equal(t, "issue", Document{ObjectType: "Issue"}.WorkflowName())
}
