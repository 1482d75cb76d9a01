package dsl

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rendis/flowscript/internal/expressions"
	"github.com/rendis/flowscript/internal/nodes"
	"github.com/rendis/flowscript/pkg/schema"
)

// Lint issue codes.
const (
	IssueAsyncNotWaited     = "ASYNC_NOT_WAITED"
	IssueAsyncRead          = "ASYNC_READ_BEFORE_WAIT"
	IssueWaitNotAsync       = "WAIT_NOT_ASYNC"
	IssueContextName        = "CONTEXT_NAME"
	IssueDisabledDependency = "DISABLED_DEPENDENCY"
	IssueShadowsBuiltin     = "SHADOWS_BUILTIN"
)

// Check parses code and reports problems without executing it. Parse
// failures are errors; the remaining findings are warnings. contextKeys are
// the names the caller will supply in the initial context.
func (p *Parser) Check(code string, contextKeys ...string) *schema.CheckReport {
	report := &schema.CheckReport{}

	plan, err := p.Parse(code)
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			report.AddError(fe.Line, fe.Variable, fe.Code, fe.Message)
		} else {
			report.AddError(0, "", schema.ErrCodeParse, err.Error())
		}
		return report
	}

	lintPlan(plan, p.evaluator, contextKeys, report)
	return report
}

// Check parses and lints code with a default Parser.
func Check(code string, contextKeys ...string) *schema.CheckReport {
	return NewParser().Check(code, contextKeys...)
}

func lintPlan(plan *schema.ExecutionPlan, ev *expressions.Evaluator, contextKeys []string, report *schema.CheckReport) {
	async := make(map[string]bool)
	joined := make(map[string]bool)

	for _, s := range plan.Statements {
		if ev.IsGlobal(s.Variable) {
			report.AddWarning(s.LineNumber, s.Variable, IssueShadowsBuiltin,
				fmt.Sprintf("%q names a builtin; expressions calling %s(...) still reach the builtin, pass the variable as a bare argument to read it", s.Variable, s.Variable))
		}

		for _, dep := range s.DependsOn {
			if _, bound := plan.Lookup(dep); bound {
				continue
			}
			if !slices.Contains(contextKeys, dep) {
				report.AddWarning(s.LineNumber, s.Variable, IssueContextName,
					fmt.Sprintf("%q is not bound by the program and must be supplied in the initial context", dep))
			}
		}

		if s.NodeType == nodes.TypeWait {
			tasks, _ := WaitTasks(s)
			for _, t := range tasks {
				if _, bound := plan.Lookup(t); bound && !async[t] {
					report.AddWarning(s.LineNumber, s.Variable, IssueWaitNotAsync,
						fmt.Sprintf("%s joins %q, which is not async", nodes.TypeWait, t))
				}
				joined[t] = true
			}
		} else {
			for _, dep := range plan.Dependencies[s.Variable] {
				if async[dep] && !joined[dep] {
					report.AddWarning(s.LineNumber, s.Variable, IssueAsyncRead,
						fmt.Sprintf("%q reads async %q before a %s joins it", s.Variable, dep, nodes.TypeWait))
				}
			}
		}

		if s.IsAsync && !s.Disabled {
			async[s.Variable] = true
		}
	}

	for _, s := range plan.Statements {
		if !s.Disabled {
			continue
		}
		for _, name := range Dependents(plan, s.Variable) {
			d, _ := plan.Lookup(name)
			report.AddWarning(d.LineNumber, name, IssueDisabledDependency,
				fmt.Sprintf("%q is disabled, %q will receive a skipped placeholder", s.Variable, name))
		}
	}

	for _, s := range plan.Statements {
		if async[s.Variable] && !joined[s.Variable] {
			report.AddWarning(s.LineNumber, s.Variable, IssueAsyncNotWaited,
				fmt.Sprintf("async %q is never joined by %s", s.Variable, nodes.TypeWait))
		}
	}
}
