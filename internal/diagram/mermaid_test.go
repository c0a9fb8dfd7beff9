package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/pkg/schema"
)

func TestRenderMermaidShapes(t *testing.T) {
	out := RenderMermaid(FromDefinition(sampleDefinition()))

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% lead-routing (v3)")

	assert.Contains(t, out, `start(("start<br/>trigger"))`)
	assert.Contains(t, out, `score["score<br/>transform"]`)
	assert.Contains(t, out, `check{"check<br/>condition"}`)
	assert.Contains(t, out, `each[["each<br/>loop"]]`)
	assert.Contains(t, out, `notify[/"notify<br/>action"/]`)
	assert.Contains(t, out, `join{{"join<br/>merge"}}`)
	assert.Contains(t, out, `cooldown(["cooldown<br/>delay"])`)
}

func TestRenderMermaidEdges(t *testing.T) {
	out := RenderMermaid(FromDefinition(sampleDefinition()))

	assert.Contains(t, out, "start --> score")
	assert.Contains(t, out, `score -->|"input.score > 50"| check`)
	assert.Contains(t, out, `check -->|"true"| each`)

	// Loop back edges and error edges are dashed.
	assert.Contains(t, out, "notify -.-> each")
	assert.Contains(t, out, `notify -.->|"on error"| cooldown`)
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	m := FromDefinition(sampleDefinition())
	m.Overlay([]*store.ExecutionStep{
		{NodeID: "start", Ordinal: 1, Status: schema.StepStatusSuccess},
		{NodeID: "notify", Ordinal: 3, Status: schema.StepStatusError},
		{NodeID: "each", Ordinal: 2, Status: schema.StepStatusRunning},
	})

	out := RenderMermaid(m)

	assert.Contains(t, out, "classDef success")
	assert.Contains(t, out, "classDef error")
	assert.Contains(t, out, "class start success")
	assert.Contains(t, out, "class notify error")
	assert.Contains(t, out, "class each running")

	// Nodes without overlay get no class line.
	assert.NotContains(t, out, "class join")
}

func TestRenderMermaidSanitizesIDs(t *testing.T) {
	m := &Model{
		Nodes: []*Node{
			{ID: "send.email-1", Label: "send.email-1", Kind: NodeKindTask},
			{ID: "done", Label: "done", Kind: NodeKindTask},
		},
		Edges: []Edge{{From: "send.email-1", To: "done", Kind: EdgeKindDefault}},
	}

	out := RenderMermaid(m)

	assert.Contains(t, out, `send_email_1["send.email-1"]`)
	assert.Contains(t, out, "send_email_1 --> done")
}
