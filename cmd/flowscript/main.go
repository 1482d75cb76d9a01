package main

import (
	"fmt"
	"os"
)

const usage = `usage: flowscript <command> [flags]

commands:
  run <program>      execute a program as a new run
  resume <run-id>    continue a paused or failed run from its checkpoints
  status [run-id]    show a run's statements, or list recent runs
  nodes              list registered node types
  check <program>    parse and lint a program without executing it
  version            print the version
`

// Exit codes reported by run and resume.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
	exitPaused = 3
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitUsage)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		os.Exit(runRun(args))
	case "resume":
		os.Exit(runResume(args))
	case "status":
		os.Exit(runStatus(args))
	case "nodes":
		os.Exit(runNodes(args))
	case "check":
		os.Exit(runCheck(args))
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(exitUsage)
	}
}

func fatalf(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return exitFailed
}
