package preview

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kfp-notebook-bridge/internal/models"
)

func TestMermaidPipelineSpec(t *testing.T) {
	desc := models.PipelineDescriptor{
		Name: "demo",
		PipelineSpec: json.RawMessage(`{"root":{"dag":{"tasks":{
			"b":{"componentRef":{"name":"comp-b"},"dependentTasks":["a"]},
			"a":{"componentRef":{"name":"comp-a"}}
		}}}}`),
	}

	expected := "graph TD;\n" +
		"    b[\"comp-b\"];\n" +
		"    a --> b;\n" +
		"    a[\"comp-a\"];\n"
	assert.Equal(t, expected, Mermaid(desc))
}

func TestMermaidComponentSpec(t *testing.T) {
	desc := models.PipelineDescriptor{
		Name: "demo",
		ComponentSpec: json.RawMessage(`{"implementation":{"graph":{"tasks":{
			"train-model":{"component_ref":{"name":"train"},"dependent_tasks":["load.data"]}
		}}}}`),
	}

	expected := "graph TD;\n" +
		"    train_model[\"train\"];\n" +
		"    load_data --> train_model;\n"
	assert.Equal(t, expected, Mermaid(desc))
}

func TestMermaidFallback(t *testing.T) {
	tests := []struct {
		name     string
		desc     models.PipelineDescriptor
		expected string
	}{
		{
			name:     "display name",
			desc:     models.PipelineDescriptor{Name: "p", DisplayName: "My Pipeline!"},
			expected: "graph TD;\n    My_Pipeline_[\"My Pipeline!\"];",
		},
		{
			name:     "name only",
			desc:     models.PipelineDescriptor{Name: "hello"},
			expected: "graph TD;\n    hello[\"hello\"];",
		},
		{
			name:     "empty tasks",
			desc:     models.PipelineDescriptor{Name: "hello", PipelineSpec: json.RawMessage(`{"root":{"dag":{"tasks":{}}}}`)},
			expected: "graph TD;\n    hello[\"hello\"];",
		},
		{
			name:     "malformed spec",
			desc:     models.PipelineDescriptor{Name: "hello", PipelineSpec: json.RawMessage(`{"root":`)},
			expected: "graph TD;\n    hello[\"hello\"];",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Mermaid(tt.desc))
		})
	}
}

func TestPipelineSpecRootWins(t *testing.T) {
	desc := models.PipelineDescriptor{
		Name:          "demo",
		PipelineSpec:  json.RawMessage(`{"root":{"dag":{"tasks":{"x":{}}}}}`),
		ComponentSpec: json.RawMessage(`{"implementation":{"graph":{"tasks":{"y":{}}}}}`),
	}

	g, err := ExtractGraph(desc)
	require.NoError(t, err)
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, "x", g.Nodes[0].Name)
	assert.Equal(t, "x", g.Nodes[0].Label)
}

func TestSanitizeCollisionsAndDanglingDeps(t *testing.T) {
	desc := models.PipelineDescriptor{
		PipelineSpec: json.RawMessage(`{"root":{"dag":{"tasks":{
			"a.b":{},
			"a-b":{"dependentTasks":["missing"]}
		}}}}`),
	}

	expected := "graph TD;\n" +
		"    a_b[\"a.b\"];\n" +
		"    a_b[\"a-b\"];\n" +
		"    missing --> a_b;\n"
	assert.Equal(t, expected, Mermaid(desc))
}

func TestExtractGraphErrors(t *testing.T) {
	_, err := ExtractGraph(models.PipelineDescriptor{PipelineSpec: json.RawMessage(`[1,2]`)})
	assert.Error(t, err)

	_, err = ExtractGraph(models.PipelineDescriptor{PipelineSpec: json.RawMessage(`{"root":{"dag":{"tasks":[]}}}`)})
	assert.Error(t, err)

	g, err := ExtractGraph(models.PipelineDescriptor{Name: "x"})
	require.NoError(t, err)
	assert.True(t, g.Empty())
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a_b_c_1", Sanitize("a b-c.1"))
	assert.Equal(t, "_", Sanitize("é"))
}
