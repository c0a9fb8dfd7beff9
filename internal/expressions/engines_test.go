package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridflow/gridflow/pkg/schema"
)

func flowCode(t *testing.T, err error) string {
	t.Helper()
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	return flowErr.Code
}

func snapshot() map[string]any {
	return map[string]any{
		ScopeInput: map[string]any{
			"score": float64(72),
			"tags":  []any{"vip", "churn-risk"},
		},
		ScopeNodes: map[string]any{
			"enrich": map[string]any{"result": map[string]any{"band": "high"}},
		},
		ScopeTrigger: map[string]any{"type": "manual"},
	}
}

func TestCELEvaluatesPredicates(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, "cel", eng.Name())

	out, err := eng.Evaluate(ctx, `input.score > 50`, snapshot())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = eng.Evaluate(ctx, `nodes.enrich.result.band == "high" && trigger.type == "manual"`, snapshot())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELMissingScopesDefaultToEmptyMaps(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	// No loop scope in the snapshot; "iteration" in loop is simply false.
	out, err := eng.Evaluate(context.Background(), `"iteration" in loop`, snapshot())
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCELCompileErrorIsValidation(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.Evaluate(context.Background(), `input.score >`, snapshot())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, flowCode(t, err))

	_, err = eng.Evaluate(context.Background(), "", snapshot())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, flowCode(t, err))
}

func TestCELEvaluationErrorIsExecution(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	// Key miss on a dyn map surfaces at evaluation, not compile.
	_, err = eng.Evaluate(context.Background(), `input.missing.deeper == 1`, snapshot())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, flowCode(t, err))
}

func TestCELCachesCompiledPrograms(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = eng.Evaluate(ctx, `input.score > 50`, snapshot())
	require.NoError(t, err)

	eng.mu.RLock()
	_, cached := eng.cache[`input.score > 50`]
	eng.mu.RUnlock()
	assert.True(t, cached)

	// Second run hits the cache and still evaluates correctly.
	out, err := eng.Evaluate(ctx, `input.score > 50`, snapshot())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEvaluatesFilters(t *testing.T) {
	eng := NewExprEngine()
	ctx := context.Background()

	assert.Equal(t, "expr", eng.Name())

	out, err := eng.Evaluate(ctx, `input.score > 50 and "vip" in input.tags`, snapshot())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = eng.Evaluate(ctx, `filter(input.tags, hasPrefix(#, "churn"))`, snapshot())
	require.NoError(t, err)
	assert.Equal(t, []any{"churn-risk"}, out)
}

func TestExprUndefinedVariablesAreNil(t *testing.T) {
	eng := NewExprEngine()

	out, err := eng.Evaluate(context.Background(), `loop == nil`, snapshot())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprCompileErrorIsValidation(t *testing.T) {
	eng := NewExprEngine()

	_, err := eng.Evaluate(context.Background(), `input.score >`, snapshot())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, flowCode(t, err))

	_, err = eng.Evaluate(context.Background(), "", snapshot())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, flowCode(t, err))
}

func TestExprNilEnvironment(t *testing.T) {
	eng := NewExprEngine()

	out, err := eng.Evaluate(context.Background(), `1 + 1`, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, out)
}

func TestJQTransformsSnapshot(t *testing.T) {
	eng := NewJQEngine()
	ctx := context.Background()

	assert.Equal(t, "jq", eng.Name())

	out, err := eng.Evaluate(ctx, `{band: .nodes.enrich.result.band, score: .input.score}`, snapshot())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"band": "high", "score": float64(72)}, out)
}

func TestJQCollectsMultipleOutputs(t *testing.T) {
	eng := NewJQEngine()

	out, err := eng.Evaluate(context.Background(), `.input.tags[]`, snapshot())
	require.NoError(t, err)
	assert.Equal(t, []any{"vip", "churn-risk"}, out)
}

func TestJQEmptyStreamIsNil(t *testing.T) {
	eng := NewJQEngine()

	out, err := eng.Evaluate(context.Background(), `.input.tags[] | select(. == "nope")`, snapshot())
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJQParseErrorIsValidation(t *testing.T) {
	eng := NewJQEngine()

	_, err := eng.Evaluate(context.Background(), `.input |`, snapshot())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, flowCode(t, err))
}

func TestJQRuntimeErrorIsExecution(t *testing.T) {
	eng := NewJQEngine()

	_, err := eng.Evaluate(context.Background(), `.input.score | keys`, snapshot())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, flowCode(t, err))
}

func TestJQEnvironmentIsSandboxed(t *testing.T) {
	t.Setenv("GRIDFLOW_SECRET", "leaky")
	eng := NewJQEngine()

	out, err := eng.Evaluate(context.Background(), `$ENV.GRIDFLOW_SECRET`, snapshot())
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestNormalizeForJQ(t *testing.T) {
	in := map[string]any{
		"big":   int64(7),
		"small": int32(3),
		"f":     float32(1.5),
		"list":  []any{int64(9)},
		"nested": map[string]any{
			"n": int64(1),
		},
	}

	out, ok := normalizeForJQ(in).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 7, out["big"])
	assert.Equal(t, 3, out["small"])
	assert.Equal(t, float64(1.5), out["f"])
	assert.Equal(t, []any{9}, out["list"])
	assert.Equal(t, map[string]any{"n": 1}, out["nested"])
}
