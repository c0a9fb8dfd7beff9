package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridflow/gridflow/pkg/schema"
)

func validDef() *schema.GraphDefinition {
	return &schema.GraphDefinition{
		ID:       "g1",
		TenantID: "acme",
		Name:     "lead scoring",
		Status:   schema.GraphStatusDraft,
		Version:  1,
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeTrigger},
			{ID: "check", Type: schema.NodeTypeCondition, Config: json.RawMessage(`{"expression": "input.score > 50"}`)},
			{ID: "notify", Type: schema.NodeTypeWebhook, Config: json.RawMessage(`{"url": "https://hooks.example.com/x"}`)},
		},
		Edges: []schema.EdgeDefinition{
			{ID: "e1", Source: "start", Target: "check"},
			{ID: "e2", Source: "check", Target: "notify", SourceHandle: schema.HandleTrue},
		},
	}
}

func violationCodes(vs []Violation) []string {
	codes := make([]string, 0, len(vs))
	for _, v := range vs {
		codes = append(codes, v.Code)
	}
	return codes
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	assert.Empty(t, Validate(validDef()))
}

func TestValidateDuplicateNodeID(t *testing.T) {
	def := validDef()
	def.Nodes = append(def.Nodes, schema.NodeDefinition{ID: "check", Type: schema.NodeTypeMerge})
	assert.Contains(t, violationCodes(Validate(def)), ViolationDuplicateID)
}

func TestValidateUnknownNodeType(t *testing.T) {
	def := validDef()
	def.Nodes[1].Type = "teleport"
	assert.Contains(t, violationCodes(Validate(def)), ViolationUnknownType)
}

func TestValidateBadConfig(t *testing.T) {
	def := validDef()
	def.Nodes[1].Config = json.RawMessage(`{}`) // condition without expression
	assert.Contains(t, violationCodes(Validate(def)), ViolationBadConfig)
}

func TestValidateBadRetry(t *testing.T) {
	def := validDef()
	def.Nodes[2].Retry = &schema.RetryPolicy{MaxAttempts: 0}
	assert.Contains(t, violationCodes(Validate(def)), ViolationBadRetry)
}

func TestValidateDanglingEdge(t *testing.T) {
	def := validDef()
	def.Edges = append(def.Edges, schema.EdgeDefinition{ID: "e3", Source: "check", Target: "ghost"})
	assert.Contains(t, violationCodes(Validate(def)), ViolationDanglingEdge)
}

func TestValidateTriggerCardinality(t *testing.T) {
	def := validDef()
	def.Nodes[0].Type = schema.NodeTypeMerge
	assert.Contains(t, violationCodes(Validate(def)), ViolationNoTrigger)

	def = validDef()
	def.Nodes = append(def.Nodes, schema.NodeDefinition{ID: "start2", Type: schema.NodeTypeTrigger})
	assert.Contains(t, violationCodes(Validate(def)), ViolationMultipleTriggers)
}

func TestValidateOrphanNode(t *testing.T) {
	def := validDef()
	def.Nodes = append(def.Nodes, schema.NodeDefinition{
		ID: "island", Type: schema.NodeTypeTransform, Config: json.RawMessage(`{"expression": "{x: 1}"}`),
	})
	codes := violationCodes(Validate(def))
	assert.Contains(t, codes, ViolationNoIncoming)
	assert.Contains(t, codes, ViolationUnreachable)
}

func TestValidateErrorEdgeSatisfiesReachability(t *testing.T) {
	def := validDef()
	def.Nodes = append(def.Nodes, schema.NodeDefinition{
		ID: "recover", Type: schema.NodeTypeTransform, Config: json.RawMessage(`{"expression": "{recovered: true}"}`),
	})
	def.Edges = append(def.Edges, schema.EdgeDefinition{
		ID: "e3", Source: "notify", Target: "recover", Type: schema.EdgeTypeError,
	})
	assert.Empty(t, Validate(def), "an error-edge-only fallback node is legal")
}

func TestValidateAmbiguousDefaultEdges(t *testing.T) {
	def := validDef()
	def.Edges = append(def.Edges, schema.EdgeDefinition{
		ID: "e3", Source: "check", Target: "notify", SourceHandle: schema.HandleTrue,
	})
	assert.Contains(t, violationCodes(Validate(def)), ViolationAmbiguousDefault)
}

func TestValidateConditionalEdgeNeedsCondition(t *testing.T) {
	def := validDef()
	def.Edges[1].Type = schema.EdgeTypeConditional
	assert.Contains(t, violationCodes(Validate(def)), ViolationAmbiguousDefault)
}

func TestValidateCycleWithoutLoopConstruct(t *testing.T) {
	def := validDef()
	def.Edges = append(def.Edges, schema.EdgeDefinition{ID: "e3", Source: "notify", Target: "check"})
	assert.Contains(t, violationCodes(Validate(def)), ViolationIllegalCycle)
}

func TestValidateLoopClosedByLoopEdge(t *testing.T) {
	def := &schema.GraphDefinition{
		ID:       "g-loop",
		TenantID: "acme",
		Name:     "loop",
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeTrigger},
			{ID: "repeat", Type: schema.NodeTypeLoop, Config: json.RawMessage(`{"max_iterations": 3}`)},
			{ID: "work", Type: schema.NodeTypeTransform, Config: json.RawMessage(`{"expression": "{n: 1}"}`)},
			{ID: "done", Type: schema.NodeTypeTransform, Config: json.RawMessage(`{"expression": "{done: true}"}`)},
		},
		Edges: []schema.EdgeDefinition{
			{ID: "e1", Source: "start", Target: "repeat"},
			{ID: "e2", Source: "repeat", Target: "work", SourceHandle: schema.HandleBody},
			{ID: "e3", Source: "work", Target: "repeat", Type: schema.EdgeTypeLoop},
			{ID: "e4", Source: "repeat", Target: "done", SourceHandle: schema.HandleExit},
		},
	}
	assert.Empty(t, Validate(def))

	// The same shape closed by a plain edge is an illegal cycle.
	def.Edges[2].Type = schema.EdgeTypeDefault
	assert.Contains(t, violationCodes(Validate(def)), ViolationIllegalCycle)
}

func TestValidateLoopShape(t *testing.T) {
	def := &schema.GraphDefinition{
		ID:       "g-loop",
		TenantID: "acme",
		Name:     "loop",
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeTrigger},
			{ID: "repeat", Type: schema.NodeTypeLoop, Config: json.RawMessage(`{"max_iterations": 3}`)},
			{ID: "work", Type: schema.NodeTypeTransform, Config: json.RawMessage(`{"expression": "{n: 1}"}`)},
		},
		Edges: []schema.EdgeDefinition{
			{ID: "e1", Source: "start", Target: "repeat"},
			{ID: "e2", Source: "repeat", Target: "work", SourceHandle: schema.HandleBody},
			{ID: "e3", Source: "work", Target: "repeat", Type: schema.EdgeTypeLoop},
		},
	}
	assert.Contains(t, violationCodes(Validate(def)), ViolationLoopShape)
}

func TestPublishFreezesCopyAndBumpsVersion(t *testing.T) {
	def := validDef()
	def.Version = 3

	published, err := Publish(def)
	require.NoError(t, err)
	assert.Equal(t, schema.GraphStatusPublished, published.Status)
	assert.Equal(t, 4, published.Version)
	assert.Equal(t, 3, published.ParentVersion)

	// The input draft is untouched and the copy is deep.
	assert.Equal(t, schema.GraphStatusDraft, def.Status)
	assert.Equal(t, 3, def.Version)
	published.Nodes[0].ID = "mutated"
	assert.Equal(t, "start", def.Nodes[0].ID)
}

func TestPublishRejectsArchivedAndInvalid(t *testing.T) {
	def := validDef()
	def.Status = schema.GraphStatusArchived
	_, err := Publish(def)
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeConflict, flowErr.Code)

	def = validDef()
	def.Edges = nil
	_, err = Publish(def)
	require.Error(t, err)
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
}
