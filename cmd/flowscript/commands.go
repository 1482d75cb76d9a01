package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/rendis/flowscript/internal/engine"
	"github.com/rendis/flowscript/internal/store"
	"github.com/rendis/flowscript/pkg/schema"
)

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	runID := fs.String("run-id", "", "run identifier (default: random UUID)")
	contextPath := fs.String("context", "", "YAML or JSON file holding the initial context")
	jsonOut := fs.Bool("json", false, "print events as JSON lines")
	eventsPath := fs.String("events", "", "append every event to this file as JSON lines")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flowscript run [flags] <program>")
		return exitUsage
	}

	code, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fatalf("read program: %v", err)
	}
	initial, err := loadContext(*contextPath)
	if err != nil {
		return fatalf("%v", err)
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fatalf("%v", err)
	}
	defer a.close()

	plan, err := a.parser.Parse(string(code))
	if err != nil {
		return fatalf("%v", err)
	}

	id := *runID
	if id == "" {
		id = uuid.NewString()
	}
	run := &schema.Run{ID: id, Status: schema.RunStatusRunning, Source: string(code), Context: initial}
	if err := a.store.CreateRun(ctx, run); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return fatalf("run %s already exists; use `flowscript resume %s`", id, id)
		}
		return fatalf("create run: %v", err)
	}
	fmt.Fprintf(os.Stderr, "run %s\n", id)

	stopTap, err := a.tapEvents(id, *eventsPath)
	if err != nil {
		return fatalf("%v", err)
	}
	defer stopTap()

	ex := a.executor(id)
	events, err := ex.ExecuteStream(ctx, plan, initial)
	if err != nil {
		return fatalf("%v", err)
	}
	return exitCode(drive(ex, events, newPrinter(os.Stdout, *jsonOut)))
}

func runResume(args []string) int {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	contextPath := fs.String("context", "", "YAML or JSON file replacing the context the run was started with")
	jsonOut := fs.Bool("json", false, "print events as JSON lines")
	eventsPath := fs.String("events", "", "append every event to this file as JSON lines")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flowscript resume [flags] <run-id>")
		return exitUsage
	}
	id := fs.Arg(0)

	initial, err := loadContext(*contextPath)
	if err != nil {
		return fatalf("%v", err)
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fatalf("%v", err)
	}
	defer a.close()

	run, err := a.store.GetRun(ctx, id)
	if err != nil {
		return fatalf("%v", err)
	}
	if run.Status == schema.RunStatusCompleted {
		fmt.Fprintf(os.Stderr, "run %s already completed\n", id)
		return exitOK
	}
	plan, err := a.parser.Parse(run.Source)
	if err != nil {
		return fatalf("stored program no longer parses: %v", err)
	}
	if *contextPath == "" {
		initial = resumeContext(run)
	}
	if err := a.store.UpdateRunStatus(ctx, id, schema.RunStatusRunning, ""); err != nil {
		return fatalf("update run: %v", err)
	}

	stopTap, err := a.tapEvents(id, *eventsPath)
	if err != nil {
		return fatalf("%v", err)
	}
	defer stopTap()

	ex := a.executor(id)
	events, err := ex.Resume(ctx, plan, initial)
	if err != nil {
		return fatalf("%v", err)
	}
	return exitCode(drive(ex, events, newPrinter(os.Stdout, *jsonOut)))
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	showEvents := fs.Bool("events", false, "also print the run's event log")
	since := fs.Int64("since", 0, "only print events after this sequence number")
	statusFilter := fs.String("status", "", "when listing runs, only show this status")
	limit := fs.Int("limit", 20, "when listing runs, show at most this many")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fatalf("%v", err)
	}
	defer a.close()

	if fs.NArg() == 0 {
		runs, err := a.store.ListRuns(ctx, store.RunFilter{Status: schema.RunStatus(*statusFilter), Limit: *limit})
		if err != nil {
			return fatalf("list runs: %v", err)
		}
		if *jsonOut {
			return writeJSON(os.Stdout, runs)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSTATUS\tUPDATED\tERROR")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Status, r.UpdatedAt.Format("2006-01-02 15:04:05"), r.Error)
		}
		_ = tw.Flush()
		return exitOK
	}

	id := fs.Arg(0)
	run, err := a.store.GetRun(ctx, id)
	if err != nil {
		return fatalf("%v", err)
	}
	states, err := a.store.ListNodeStates(ctx, id)
	if err != nil {
		return fatalf("list node states: %v", err)
	}
	var events []*schema.ProgressEvent
	if *showEvents {
		if events, err = a.store.ListEvents(ctx, id, *since); err != nil {
			return fatalf("list events: %v", err)
		}
		if *since == 0 {
			if err := store.CheckEventSequence(id, events); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		}
	}

	if *jsonOut {
		return writeJSON(os.Stdout, map[string]any{"run": run, "nodes": states, "events": events})
	}

	fmt.Printf("run %s: %s\n", run.ID, run.Status)
	if run.Error != "" {
		fmt.Printf("error: %s\n", run.Error)
	}
	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VARIABLE\tTYPE\tSTATUS\tPROGRESS\tERROR")
	for _, ns := range states {
		nodeType := ns.NodeType
		if nodeType == "" {
			nodeType = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%s\n", ns.NodeID, nodeType, ns.Status, ns.Progress, ns.Error)
	}
	_ = tw.Flush()

	if *showEvents {
		fmt.Println()
		p := newPrinter(os.Stdout, false)
		for _, ev := range events {
			fmt.Printf("%4d ", ev.Sequence)
			p.print(*ev)
		}
	}
	return exitOK
}

func runNodes(args []string) int {
	fs := flag.NewFlagSet("nodes", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "print node types with their schemas as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cat, err := newCatalog()
	if err != nil {
		return fatalf("%v", err)
	}
	infos := cat.registry.List()
	if *jsonOut {
		return writeJSON(os.Stdout, infos)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\n", info.Type, info.Description)
	}
	_ = tw.Flush()
	return exitOK
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	contextKeys := fs.String("context-keys", "", "comma-separated names supplied in the initial context")
	jsonOut := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flowscript check [flags] <program>")
		return exitUsage
	}

	code, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fatalf("read program: %v", err)
	}
	cat, err := newCatalog()
	if err != nil {
		return fatalf("%v", err)
	}

	var keys []string
	for _, k := range strings.Split(*contextKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	report := cat.parser.Check(string(code), keys...)

	if *jsonOut {
		writeJSON(os.Stdout, report)
	} else {
		for _, issue := range append(report.Errors, report.Warnings...) {
			fmt.Printf("%s:%d: %s %s: %s\n", fs.Arg(0), issue.Line, issue.Severity, issue.Code, issue.Message)
		}
		if report.OK() {
			fmt.Printf("%s: ok (%d warnings)\n", fs.Arg(0), len(report.Warnings))
		}
	}
	if !report.OK() {
		return exitFailed
	}
	return exitOK
}

// resumeContext returns the initial context run was started with.
func resumeContext(run *schema.Run) map[string]any {
	if run.Context == nil {
		return map[string]any{}
	}
	return run.Context
}

// drive prints events until the stream closes. The first SIGINT or SIGTERM
// pauses the run, a second one cancels it.
func drive(ex *engine.Executor, events <-chan schema.ProgressEvent, p *printer) schema.RunStatus {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	final := schema.RunStatusFailed
	interrupts := 0
	for {
		select {
		case <-sig:
			interrupts++
			if interrupts == 1 {
				fmt.Fprintln(os.Stderr, "pausing run (interrupt again to cancel)")
				ex.Pause()
			} else {
				ex.Cancel()
			}
		case ev, ok := <-events:
			if !ok {
				return final
			}
			p.print(ev)
			if ev.Type == schema.EventWorkflowComplete {
				final = ev.Status
			}
		}
	}
}

func exitCode(status schema.RunStatus) int {
	switch status {
	case schema.RunStatusCompleted:
		return exitOK
	case schema.RunStatusPaused:
		return exitPaused
	default:
		return exitFailed
	}
}

func writeJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fatalf("encode: %v", err)
	}
	return exitOK
}

// printer renders progress events for a terminal or as JSON lines.
type printer struct {
	w    io.Writer
	json bool
	enc  *json.Encoder
}

func newPrinter(w io.Writer, jsonLines bool) *printer {
	return &printer{w: w, json: jsonLines, enc: json.NewEncoder(w)}
}

const maxResultWidth = 120

func (p *printer) print(ev schema.ProgressEvent) {
	if p.json {
		_ = p.enc.Encode(ev)
		return
	}
	switch ev.Type {
	case schema.EventStart:
		fmt.Fprintf(p.w, "start     %s %s\n", ev.Variable, ev.NodeType)
	case schema.EventProgress:
		fmt.Fprintf(p.w, "progress  %s %3.0f%% %s\n", ev.Variable, ev.Percent, ev.Message)
	case schema.EventComplete:
		suffix := ""
		if ev.Restored {
			suffix = " (restored)"
		}
		fmt.Fprintf(p.w, "complete  %s = %s%s\n", ev.Variable, formatResult(ev.Result), suffix)
	case schema.EventError:
		fmt.Fprintf(p.w, "error     %s: %s\n", ev.Variable, ev.Error)
	case schema.EventSkipped:
		fmt.Fprintf(p.w, "skipped   %s\n", ev.Variable)
	case schema.EventPaused:
		fmt.Fprintf(p.w, "paused    %s\n", ev.Variable)
	case schema.EventWorkflowComplete:
		if ev.Error != "" {
			fmt.Fprintf(p.w, "run %s: %s\n", ev.Status, ev.Error)
		} else {
			fmt.Fprintf(p.w, "run %s\n", ev.Status)
		}
	default:
		fmt.Fprintf(p.w, "%-9s %s\n", ev.Type, ev.Variable)
	}
}

func formatResult(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	s := string(data)
	if len(s) > maxResultWidth {
		s = s[:maxResultWidth-3] + "..."
	}
	return s
}
