package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckReport_EmptyIsOK(t *testing.T) {
	r := &CheckReport{}
	assert.True(t, r.OK())
	assert.NoError(t, r.ToError())
}

func TestCheckReport_WarningsAloneAreOK(t *testing.T) {
	r := &CheckReport{}
	r.AddWarning(3, "job", ErrCodeValidation, "async statement is never waited on")

	assert.True(t, r.OK())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
	assert.Equal(t, "line 3 (job): warning: async statement is never waited on", r.Warnings[0].String())
}

func TestCheckReport_SingleErrorKeepsCodeAndLine(t *testing.T) {
	r := &CheckReport{}
	r.AddError(7, "cards", ErrCodeDependency, "cards depends on later variable outline")

	err := r.ToError()
	require.Error(t, err)

	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrCodeDependency, fe.Code)
	assert.Equal(t, 7, fe.Line)
	assert.Equal(t, "cards depends on later variable outline", fe.Message)
	assert.Equal(t, 1, fe.Details["error_count"])
}

func TestCheckReport_MultipleErrorsSummarized(t *testing.T) {
	r := &CheckReport{}
	r.AddError(1, "a", ErrCodeParse, "first")
	r.AddError(2, "b", ErrCodeParse, "second")
	r.AddWarning(3, "c", ErrCodeValidation, "warn")

	var fe *FlowError
	require.ErrorAs(t, r.ToError(), &fe)
	assert.Equal(t, "check failed with 2 errors", fe.Message)
	assert.Equal(t, 1, fe.Details["warning_count"])
}

func TestFlowError_Formatting(t *testing.T) {
	assert.Equal(t, "[PARSE_ERROR] line 4: boom", ParseErrorf(4, "boom").Error())
	assert.Equal(t, "[EVALUATION_ERROR] x: bad", NewError(ErrCodeEvaluation, "bad").WithVariable("x").Error())
	assert.Equal(t, "[CANCELLED] stop", NewError(ErrCodeCancelled, "stop").Error())
}

func TestErrorCode_UnwrapsChain(t *testing.T) {
	inner := NewError(ErrCodeCheckpoint, "disk full")
	wrapped := NewError(ErrCodeNodeExecution, "outer").WithCause(inner)

	assert.Equal(t, ErrCodeNodeExecution, ErrorCode(wrapped))
	assert.True(t, IsCode(inner, ErrCodeCheckpoint))
	assert.Equal(t, "", ErrorCode(assert.AnError))
}

func TestArgValue_Roots(t *testing.T) {
	v := ArgValue{Kind: ArgMap, Entries: Args{
		{Key: "a", Value: ArgValue{Kind: ArgRef, Root: "outline", Path: []string{"title"}}},
		{Key: "b", Value: ArgValue{Kind: ArgList, Items: []ArgValue{
			{Kind: ArgLiteral, Value: 1},
			{Kind: ArgRef, Root: "chars"},
		}}},
		{Key: "c", Value: ArgValue{Kind: ArgInline, Expr: "len(chars) + n", Refs: []string{"chars", "n"}}},
	}}

	assert.Equal(t, []string{"outline", "chars", "n"}, v.Roots())
}

func TestNodeStatus_Completed(t *testing.T) {
	assert.True(t, NodeStatusSuccess.Completed())
	assert.True(t, NodeStatusSkipped.Completed())
	assert.False(t, NodeStatusPaused.Completed())
	assert.False(t, NodeStatusError.Completed())
}
