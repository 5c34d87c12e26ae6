package expression_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blderrors "github.com/bld-run/bld/pkg/errors"
	"github.com/bld-run/bld/pkg/expression"
)

func TestEvaluate_NumberEquality(t *testing.T) {
	e := expression.NewEvaluator()
	ctx := expression.NewContext()

	v, err := e.Evaluate("1 == 1.0", ctx)
	require.NoError(t, err)
	assert.Equal(t, expression.Boolean(true), v)

	v, err = e.Evaluate("1 != 2", ctx)
	require.NoError(t, err)
	assert.Equal(t, expression.Boolean(true), v)
}

func TestEvaluate_BooleanAndStringEquality(t *testing.T) {
	e := expression.NewEvaluator()
	ctx := expression.NewContext()

	v, err := e.Evaluate("true == true", ctx)
	require.NoError(t, err)
	assert.Equal(t, expression.Boolean(true), v)

	v, err = e.Evaluate(`"hello" == "hello"`, ctx)
	require.NoError(t, err)
	assert.Equal(t, expression.Boolean(true), v)
}

func TestEvaluate_TypeMismatchOnComparison(t *testing.T) {
	e := expression.NewEvaluator()
	ctx := expression.NewContext()

	_, err := e.Evaluate(`"a" > 1`, ctx)
	require.Error(t, err)
	var mismatch *blderrors.TypeMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestEvaluate_TypeMismatchOnEquality(t *testing.T) {
	e := expression.NewEvaluator()
	ctx := expression.NewContext()

	_, err := e.Evaluate(`1 == "1"`, ctx)
	require.Error(t, err)
	var mismatch *blderrors.TypeMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestEvaluate_LogicalOperators(t *testing.T) {
	e := expression.NewEvaluator()
	ctx := expression.NewContext()

	v, err := e.Evaluate("true && false", ctx)
	require.NoError(t, err)
	assert.Equal(t, expression.Boolean(false), v)

	v, err = e.Evaluate("true || false", ctx)
	require.NoError(t, err)
	assert.Equal(t, expression.Boolean(true), v)

	_, err = e.Evaluate(`true && "x"`, ctx)
	require.Error(t, err)
}

func TestEvaluate_InputsAndEnv(t *testing.T) {
	e := expression.NewEvaluator()
	ctx := expression.NewContext()
	ctx.Inputs["greeting"] = expression.Text("hello")
	ctx.InputDefaults["greeting"] = expression.Text("hi")
	ctx.Env["STAGE"] = "prod"

	v, err := e.Evaluate("inputs.greeting", ctx)
	require.NoError(t, err)
	assert.Equal(t, expression.Text("hello"), v)

	v, err = e.Evaluate("env.STAGE", ctx)
	require.NoError(t, err)
	assert.Equal(t, expression.Text("prod"), v)
}

func TestEvaluate_InputFallsBackToDefault(t *testing.T) {
	e := expression.NewEvaluator()
	ctx := expression.NewContext()
	ctx.InputDefaults["greeting"] = expression.Text("hi")

	v, err := e.Evaluate("inputs.greeting", ctx)
	require.NoError(t, err)
	assert.Equal(t, expression.Text("hi"), v)
}

func TestEvaluate_NameErrorOnMissingInput(t *testing.T) {
	e := expression.NewEvaluator()
	ctx := expression.NewContext()

	_, err := e.Evaluate("inputs.missing", ctx)
	require.Error(t, err)
	var nameErr *blderrors.NameError
	require.ErrorAs(t, err, &nameErr)
	assert.Equal(t, "inputs.missing", nameErr.Identifier)
}

func TestEvaluate_StepResult(t *testing.T) {
	e := expression.NewEvaluator()
	ctx := expression.NewContext()
	ctx.SetStepResult("build", "compile", expression.StepResult{Status: "success", ExitCode: 0})

	v, err := e.Evaluate("steps.compile.status", ctx)
	require.NoError(t, err)
	assert.Equal(t, expression.Text("success"), v)

	v, err = e.Evaluate("jobs.build.compile.status", ctx)
	require.NoError(t, err)
	assert.Equal(t, expression.Text("success"), v)
}

func TestEvaluate_ReservedKeyword(t *testing.T) {
	e := expression.NewEvaluator()
	ctx := expression.NewContext()
	ctx.Reserved["run_id"] = "abc123"

	v, err := e.Evaluate("run_id", ctx)
	require.NoError(t, err)
	assert.Equal(t, expression.Text("abc123"), v)
}

func TestEvaluate_CachesCompiledExpression(t *testing.T) {
	e := expression.NewEvaluator()
	ctx := expression.NewContext()

	for i := 0; i < 3; i++ {
		v, err := e.Evaluate("1 == 1", ctx)
		require.NoError(t, err)
		assert.Equal(t, expression.Boolean(true), v)
	}
}

func TestInterpolate(t *testing.T) {
	e := expression.NewEvaluator()
	ctx := expression.NewContext()
	ctx.Inputs["greeting"] = expression.Text("hello")

	out, err := expression.Interpolate(e, "echo ${{ inputs.greeting }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo hello", out)
}

func TestSubstituteReserved(t *testing.T) {
	out := expression.SubstituteReserved("cd ${{ bld_dir }}/src", map[string]string{"bld_dir": "/opt/bld"})
	assert.Equal(t, "cd /opt/bld/src", out)
}

func TestExtractReferences(t *testing.T) {
	refs := expression.ExtractReferences(`echo ${{ inputs.greeting }} and ${{ env.TOKEN }}`)
	assert.ElementsMatch(t, []string{"inputs.greeting", "env.TOKEN"}, refs)
}

func TestExtractReferences_IgnoresStringLiteralContents(t *testing.T) {
	refs := expression.ExtractReferences(`${{ inputs.name == "not.a.ref" }}`)
	assert.ElementsMatch(t, []string{"inputs.name"}, refs)
}
