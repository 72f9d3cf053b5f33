// Package preview turns a pipeline descriptor into a Mermaid flowchart of its
// task graph.
package preview

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"kfp-notebook-bridge/internal/models"
)

// Node is one task of a pipeline DAG.
type Node struct {
	Name      string
	Label     string
	DependsOn []string
}

// Graph holds the tasks in the order they appear in the descriptor.
type Graph struct {
	Nodes []Node
}

func (g *Graph) Empty() bool {
	return g == nil || len(g.Nodes) == 0
}

type componentRef struct {
	Name string `json:"name"`
}

type taskSpec struct {
	ComponentRef        *componentRef `json:"componentRef"`
	ComponentRefSnake   *componentRef `json:"component_ref"`
	DependentTasks      []string      `json:"dependentTasks"`
	DependentTasksSnake []string      `json:"dependent_tasks"`
}

func (t taskSpec) label() string {
	for _, ref := range []*componentRef{t.ComponentRef, t.ComponentRefSnake} {
		if ref != nil && ref.Name != "" {
			return ref.Name
		}
	}
	return ""
}

func (t taskSpec) deps() []string {
	if len(t.DependentTasks) > 0 {
		return t.DependentTasks
	}
	return t.DependentTasksSnake
}

type pipelineSpec struct {
	Root *struct {
		Dag *struct {
			Tasks json.RawMessage `json:"tasks"`
		} `json:"dag"`
	} `json:"root"`
}

type componentSpec struct {
	Implementation *struct {
		Graph *struct {
			Tasks json.RawMessage `json:"tasks"`
		} `json:"graph"`
	} `json:"implementation"`
}

// ExtractGraph reads the task mapping from pipeline_spec.root.dag.tasks, or
// from component_spec.implementation.graph.tasks when the pipeline spec has
// no root. A descriptor with neither yields an empty graph. Malformed JSON is
// an error.
func ExtractGraph(desc models.PipelineDescriptor) (*Graph, error) {
	tasks, err := locateTasks(desc)
	if err != nil {
		return nil, err
	}
	nodes, err := decodeTasks(tasks)
	if err != nil {
		return nil, err
	}
	return &Graph{Nodes: nodes}, nil
}

func locateTasks(desc models.PipelineDescriptor) (json.RawMessage, error) {
	if len(desc.PipelineSpec) > 0 {
		var spec pipelineSpec
		if err := json.Unmarshal(desc.PipelineSpec, &spec); err != nil {
			return nil, fmt.Errorf("decode pipeline_spec: %w", err)
		}
		if spec.Root != nil {
			if spec.Root.Dag == nil {
				return nil, nil
			}
			return spec.Root.Dag.Tasks, nil
		}
	}

	if len(desc.ComponentSpec) > 0 {
		var spec componentSpec
		if err := json.Unmarshal(desc.ComponentSpec, &spec); err != nil {
			return nil, fmt.Errorf("decode component_spec: %w", err)
		}
		if spec.Implementation != nil && spec.Implementation.Graph != nil {
			return spec.Implementation.Graph.Tasks, nil
		}
	}
	return nil, nil
}

// decodeTasks walks the task object token by token so the node order
// matches the document.
func decodeTasks(raw json.RawMessage) ([]Node, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("decode tasks: expected object, got %v", tok)
	}

	var nodes []Node
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode tasks: %w", err)
		}
		name, _ := tok.(string)

		var task taskSpec
		if err := dec.Decode(&task); err != nil {
			return nil, fmt.Errorf("decode task %q: %w", name, err)
		}

		label := task.label()
		if label == "" {
			label = name
		}
		nodes = append(nodes, Node{Name: name, Label: label, DependsOn: task.deps()})
	}
	return nodes, nil
}

// Sanitize maps every rune outside [A-Za-z0-9] to an underscore.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, s)
}

// Mermaid renders the descriptor's task graph. Without tasks, or when the
// embedded spec cannot be decoded, it draws a single node named after the
// pipeline.
func Mermaid(desc models.PipelineDescriptor) string {
	graph, err := ExtractGraph(desc)
	if err != nil || graph.Empty() {
		return single(desc)
	}
	return Render(graph)
}

// Render writes the graph as a top-down Mermaid flowchart, one node line per
// task followed by its incoming edges.
func Render(g *Graph) string {
	var b strings.Builder
	b.WriteString("graph TD;\n")
	for _, n := range g.Nodes {
		id := Sanitize(n.Name)
		fmt.Fprintf(&b, "    %s[\"%s\"];\n", id, n.Label)
		for _, dep := range n.DependsOn {
			fmt.Fprintf(&b, "    %s --> %s;\n", Sanitize(dep), id)
		}
	}
	return b.String()
}

func single(desc models.PipelineDescriptor) string {
	name := desc.DisplayName
	if name == "" {
		name = desc.Name
	}
	return fmt.Sprintf("graph TD;\n    %s[\"%s\"];", Sanitize(name), name)
}
