package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/scheduler"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/internal/validation"
	"github.com/rendis/flowrun/pkg/schema"
)

// exitError ends the process with a status code and no further message.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// cli carries the configuration and output streams shared by every command.
type cli struct {
	cfg    Config
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

// parseWithPositional accepts the positional argument before or after flags.
func parseWithPositional(fs *flag.FlagSet, args []string, what string) (string, error) {
	var pos string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		pos, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if pos == "" {
		pos = fs.Arg(0)
	}
	if pos == "" {
		return "", fmt.Errorf("%s is required", what)
	}
	return pos, nil
}

// --- migrate ---

func (c *cli) migrate(ctx context.Context, args []string) error {
	fs := c.flagSet("migrate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, c.cfg, c.stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	fmt.Fprintf(c.stdout, "database ready at %s\n", c.cfg.DBPath)
	return nil
}

// --- validate ---

func (c *cli) validate(ctx context.Context, args []string) error {
	fs := c.flagSet("validate")
	asJSON := fs.Bool("json", false, "print the validation result as JSON")
	path, err := parseWithPositional(fs, args, "document path")
	if err != nil {
		return err
	}

	doc, result, err := c.validateFile(ctx, path, nil)
	if err != nil {
		return err
	}

	if *asJSON {
		if err := writeJSON(c.stdout, result); err != nil {
			return err
		}
	} else {
		printIssues(c.stdout, result)
		if result.Valid() {
			for i := range doc.Workflows {
				wf := &doc.Workflows[i]
				order, err := engine.Schedule(wf.Steps)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.stdout, "workflow %s: %s\n", wf.ID, strings.Join(order, " -> "))
			}
			fmt.Fprintf(c.stdout, "%s is valid\n", path)
		}
	}
	if !result.Valid() {
		return exitError(1)
	}
	return nil
}

func (c *cli) validateFile(ctx context.Context, path string, agents store.AgentLoader) (*validation.Document, *schema.ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	v, err := validation.NewDocumentValidator(agents)
	if err != nil {
		return nil, nil, err
	}
	doc, result := v.ValidateBytes(ctx, data, validation.FormatFromPath(path))
	return doc, result, nil
}

// --- import ---

func (c *cli) importDoc(ctx context.Context, args []string) error {
	fs := c.flagSet("import")
	replace := fs.Bool("replace", false, "replace workflows and schedules that already exist")
	path, err := parseWithPositional(fs, args, "document path")
	if err != nil {
		return err
	}

	a, err := openApp(ctx, c.cfg, c.stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	doc, result, err := c.validateFile(ctx, path, a.store)
	if err != nil {
		return err
	}
	printIssues(c.stderr, result)
	if !result.Valid() {
		return exitError(1)
	}

	for i := range doc.Agents {
		if err := a.store.SaveAgent(ctx, &doc.Agents[i]); err != nil {
			return fmt.Errorf("save agent %q: %w", doc.Agents[i].ID, err)
		}
	}

	for i := range doc.Workflows {
		wf := &doc.Workflows[i]
		err := a.store.CreateWorkflow(ctx, wf)
		if schema.IsCode(err, schema.ErrCodeConflict) && *replace {
			if err = a.store.DeleteWorkflow(ctx, wf.ID); err == nil {
				err = a.store.CreateWorkflow(ctx, wf)
			}
		}
		if err != nil {
			return fmt.Errorf("save workflow %q: %w", wf.ID, err)
		}
	}

	sched := scheduler.NewScheduler(a.store, nil, a.logger)
	for _, s := range doc.Schedules {
		job := s.Job()
		if *replace && job.ID != "" {
			if err := a.store.DeleteScheduledJob(ctx, job.ID); err != nil && !schema.IsNotFound(err) {
				return fmt.Errorf("replace schedule %q: %w", job.ID, err)
			}
		}
		if err := sched.AddJob(ctx, job); err != nil {
			return fmt.Errorf("add schedule for %q: %w", job.WorkflowID, err)
		}
	}

	fmt.Fprintf(c.stdout, "imported %d agent(s), %d workflow(s), %d schedule(s) from %s\n",
		len(doc.Agents), len(doc.Workflows), len(doc.Schedules), path)
	return nil
}

// --- run ---

func (c *cli) runWorkflow(ctx context.Context, args []string) error {
	fs := c.flagSet("run")
	inputsJSON := fs.String("inputs", "", "workflow inputs as a JSON object")
	inputsFile := fs.String("inputs-file", "", "file holding the workflow inputs as a JSON object")
	userID := fs.String("user", "", "user id recorded on the execution")
	execID := fs.String("id", "", "execution id to use or adopt")
	follow := fs.Bool("follow", false, "print execution events to stderr while the workflow runs")
	workflowID, err := parseWithPositional(fs, args, "workflow id")
	if err != nil {
		return err
	}

	inputs, err := readInputs(*inputsJSON, *inputsFile)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, c.cfg, c.stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	ex, err := a.executor(ctx)
	if err != nil {
		return err
	}
	if *follow {
		stop, err := c.followEvents(ctx, a.hub)
		if err != nil {
			return err
		}
		defer stop()
	}
	res, err := ex.Run(ctx, engine.RunRequest{
		WorkflowID:  workflowID,
		ExecutionID: *execID,
		UserID:      *userID,
		TriggerType: schema.TriggerManual,
		Inputs:      inputs,
	})
	if res != nil {
		if werr := writeJSON(c.stdout, res); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if res.Status != schema.ExecutionCompleted {
		return exitError(1)
	}
	return nil
}

// followEvents prints every published event until the returned stop
// function is called. stop drains buffered events before returning.
func (c *cli) followEvents(ctx context.Context, hub streaming.Hub) (func(), error) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			fmt.Fprintln(c.stderr, formatEventLine(ev))
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func formatEventLine(ev streaming.Event) string {
	scope := "execution"
	if ev.StepKey != "" {
		scope = "step " + ev.StepKey
	}
	return fmt.Sprintf("[%s] %-20s %-20s %s", ev.Time.UTC().Format(time.TimeOnly), ev.Type, scope, ev.Message)
}

func readInputs(inline, file string) (map[string]any, error) {
	if inline != "" && file != "" {
		return nil, errors.New("use either -inputs or -inputs-file, not both")
	}
	data := []byte(inline)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read inputs: %w", err)
		}
		data = b
	}
	inputs := map[string]any{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return inputs, nil
	}
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("inputs must be a JSON object: %w", err)
	}
	return inputs, nil
}

// --- logs ---

func (c *cli) logs(ctx context.Context, args []string) error {
	fs := c.flagSet("logs")
	asJSON := fs.Bool("json", false, "print log entries as JSON")
	execID, err := parseWithPositional(fs, args, "execution id")
	if err != nil {
		return err
	}

	a, err := openApp(ctx, c.cfg, c.stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	execution, err := a.store.LoadExecution(ctx, execID)
	if err != nil {
		return err
	}
	entries, err := mergedLogs(ctx, a.store, execID)
	if err != nil {
		return err
	}

	if *asJSON {
		return writeJSON(c.stdout, map[string]any{"execution": execution, "logs": entries})
	}

	fmt.Fprintf(c.stdout, "execution %s  workflow %s  status %s  steps %d/%d completed, %d failed, %d skipped\n",
		execution.ID, execution.WorkflowID, execution.Status, execution.CompletedSteps, execution.TotalSteps,
		execution.FailedSteps, execution.SkippedSteps)
	if execution.Error != "" {
		fmt.Fprintf(c.stdout, "error: %s\n", execution.Error)
	}
	for _, e := range entries {
		fmt.Fprintln(c.stdout, formatLogLine(e))
	}
	return nil
}

type logLister interface {
	ListExecutionLogs(ctx context.Context, executionID string) ([]*store.LogEntry, error)
	ListStepLogs(ctx context.Context, executionID string) ([]*store.LogEntry, error)
}

// mergedLogs interleaves execution and step logs by their shared sequence.
func mergedLogs(ctx context.Context, s logLister, execID string) ([]*store.LogEntry, error) {
	execLogs, err := s.ListExecutionLogs(ctx, execID)
	if err != nil {
		return nil, err
	}
	stepLogs, err := s.ListStepLogs(ctx, execID)
	if err != nil {
		return nil, err
	}
	all := append(execLogs, stepLogs...)
	slices.SortStableFunc(all, func(a, b *store.LogEntry) int {
		if a.Sequence != b.Sequence {
			if a.Sequence < b.Sequence {
				return -1
			}
			return 1
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return all, nil
}

func formatLogLine(e *store.LogEntry) string {
	scope := "execution"
	if e.StepKey != "" {
		scope = "step " + e.StepKey
	}
	return fmt.Sprintf("%s  #%-4d %-5s %-20s %s",
		e.CreatedAt.UTC().Format(time.RFC3339), e.Sequence, strings.ToUpper(string(e.Level)), scope, e.Message)
}

// --- serve ---

func (c *cli) serve(ctx context.Context, args []string) error {
	fs := c.flagSet("serve")
	addr := fs.String("metrics-addr", c.cfg.MetricsAddr, "listen address for /metrics, /events and /healthz; empty disables it")
	interval := fs.Duration("interval", ms(c.cfg.SchedulerIntervalMs), "scheduler polling interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(ctx, c.cfg, c.stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	ex, err := a.executor(ctx)
	if err != nil {
		return err
	}
	sched := scheduler.NewScheduler(a.store, ex, a.logger,
		scheduler.WithInterval(*interval),
		scheduler.WithMetrics(a.metrics),
	)
	if err := sched.RecoverMissed(ctx); err != nil {
		a.logger.Warn("missed job recovery failed", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if *addr == "" {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{Addr: *addr, Handler: a.handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	a.logger.Info("serving metrics", slog.String("addr", *addr))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	mux.Handle("/events", streaming.Handler(a.hub, a.logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}

// --- output helpers ---

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printIssues(w io.Writer, r *schema.ValidationResult) {
	for _, e := range r.Errors {
		fmt.Fprintf(w, "error   [%s] %s: %s\n", e.Stage, issueLocation(e), e.Message)
	}
	for _, e := range r.Warnings {
		fmt.Fprintf(w, "warning [%s] %s: %s\n", e.Stage, issueLocation(e), e.Message)
	}
}

func issueLocation(e schema.ValidationIssue) string {
	where := e.Where()
	if where == e.Path || e.Path == "" || e.Path == "/" {
		return where
	}
	return fmt.Sprintf("%s (%s)", where, e.Path)
}
