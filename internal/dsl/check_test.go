package dsl

import (
	"testing"

	"github.com/rendis/flowscript/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueCodes(issues []schema.Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}

func TestCheck_Clean(t *testing.T) {
	report := Check(`#@node(async=True)
a = Util.Delay(ms=1)
#</node>
#@node
w = Logic.Wait(tasks=a)
#</node>
#@node
b = Data.Query(query=".", data=a)
#</node>`)
	assert.True(t, report.OK())
	assert.Empty(t, report.Warnings)
	assert.NoError(t, report.ToError())
}

func TestCheck_ParseErrorIsReported(t *testing.T) {
	report := Check("x = 1")
	require.False(t, report.OK())
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 1, report.Errors[0].Line)
	assert.Equal(t, schema.ErrCodeParse, report.Errors[0].Code)
	assert.True(t, schema.IsCode(report.ToError(), schema.ErrCodeParse))
}

func TestCheck_AsyncWarnings(t *testing.T) {
	report := Check(`#@node(async=True)
a = Util.Delay(ms=1)
#</node>
#@node(async=True)
b = Util.Delay(ms=1)
#</node>
#@node
c = Data.Query(query=".", data=b)
#</node>
#@node
w = Logic.Wait(tasks=b)
#</node>`)
	require.True(t, report.OK())
	assert.ElementsMatch(t, []string{IssueAsyncRead, IssueAsyncNotWaited}, issueCodes(report.Warnings))

	for _, w := range report.Warnings {
		switch w.Code {
		case IssueAsyncRead:
			assert.Equal(t, "c", w.Variable)
			assert.Equal(t, 8, w.Line)
		case IssueAsyncNotWaited:
			assert.Equal(t, "a", w.Variable)
		}
	}
}

func TestCheck_WaitOnSyncStatement(t *testing.T) {
	report := Check(`#@node
a = Util.Delay(ms=1)
#</node>
#@node
w = Logic.Wait(tasks=[a])
#</node>`)
	assert.Equal(t, []string{IssueWaitNotAsync}, issueCodes(report.Warnings))
}

func TestCheck_ContextNames(t *testing.T) {
	code := `#@node
a = Data.Query(query=".", data=rows)
#</node>`

	report := Check(code)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, IssueContextName, report.Warnings[0].Code)
	assert.Contains(t, report.Warnings[0].Message, `"rows"`)

	assert.Empty(t, Check(code, "rows").Warnings)
}

func TestCheck_DisabledDependency(t *testing.T) {
	report := Check(`#@node(disabled=True)
a = Util.Delay(ms=1)
#</node>
#@node
b = default(a, 0)
#</node>`)
	assert.Equal(t, []string{IssueDisabledDependency}, issueCodes(report.Warnings))
	assert.Equal(t, "b", report.Warnings[0].Variable)
	assert.Equal(t, 5, report.Warnings[0].Line)
}

func TestCheck_BuiltinNamedVariable(t *testing.T) {
	report := Check(`#@node
title = Util.Delay(ms=1)
#</node>
#@node
b = Util.Delay(ms=title)
#</node>`)
	assert.Empty(t, report.Errors)
	require.Equal(t, []string{IssueShadowsBuiltin}, issueCodes(report.Warnings))
	assert.Equal(t, "title", report.Warnings[0].Variable)
	assert.Equal(t, 2, report.Warnings[0].Line)
}
