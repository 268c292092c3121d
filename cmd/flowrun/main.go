package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const usage = `Usage: flowrun <command> [flags] [args]

Commands:
  migrate                         create or upgrade the database
  validate <file>                 check a JSON or YAML document without storing it
  import [-replace] <file>        store the agents, workflows and schedules of a document
  run <workflow-id> [flags]       execute a stored workflow (-inputs, -inputs-file, -user, -id, -follow)
  logs <execution-id> [-json]     show an execution and its logs
  serve [-metrics-addr] [-interval]
                                  run the cron scheduler and expose /metrics and /events
  graph <workflow-id|file> [flags]
                                  draw the step graph (-format ascii|mermaid|svg|png, -execution, -workflow, -o)
  secret set|list|delete [key]    manage vault secrets referenced as {{secrets.KEY}} in agent config
  version                         print the version

Configuration: ~/.flowrun/settings.json, overridden by FLOWRUN_* environment variables.
The vault passphrase is read from FLOWRUN_VAULT_KEY only.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], loadConfig, os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run dispatches a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, load func() (Config, error), stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	switch args[0] {
	case "version":
		printVersion(stdout)
		return 0
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	}

	cfg, err := load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	c := &cli{cfg: cfg, stdin: stdin, stdout: stdout, stderr: stderr}

	var cmd func(context.Context, []string) error
	switch args[0] {
	case "migrate":
		cmd = c.migrate
	case "validate":
		cmd = c.validate
	case "import":
		cmd = c.importDoc
	case "run":
		cmd = c.runWorkflow
	case "logs":
		cmd = c.logs
	case "serve":
		cmd = c.serve
	case "graph":
		cmd = c.graph
	case "secret":
		cmd = c.secret
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprint(stderr, usage)
		return 2
	}

	err = cmd(ctx, args[1:])
	var exit exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exit):
		return int(exit)
	case errors.Is(err, flag.ErrHelp):
		return 0
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}
