package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rendis/flowrun/internal/diagram"
	"github.com/rendis/flowrun/pkg/schema"
)

const graphUsage = "usage: flowrun graph <workflow-id|file> [-format ascii|mermaid|svg|png] [-execution id] [-workflow id] [-o file]"

// graph renders a workflow DAG, optionally overlaid with the step states
// of one execution.
func (c *cli) graph(ctx context.Context, args []string) error {
	fs := c.flagSet("graph")
	format := fs.String("format", "ascii", "ascii, mermaid, svg or png")
	execID := fs.String("execution", "", "overlay step states from this execution")
	pick := fs.String("workflow", "", "workflow id to draw when a document holds several")
	outPath := fs.String("o", "", "write to this file instead of stdout")

	var target string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		target, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if target == "" {
		target = fs.Arg(0)
	}
	if target == "" && *execID == "" {
		return errors.New(graphUsage)
	}

	var (
		wf       *schema.Workflow
		statuses map[string]*diagram.StatusOverlay
	)
	if target != "" && fileExists(target) && *execID == "" {
		doc, result, err := c.validateFile(ctx, target, nil)
		if err != nil {
			return err
		}
		if !result.Valid() {
			printIssues(c.stderr, result)
			return exitError(1)
		}
		wf, err = pickWorkflow(doc.Workflows, *pick)
		if err != nil {
			return err
		}
	} else {
		a, err := openApp(ctx, c.cfg, c.stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		workflowID := target
		if *execID != "" {
			execution, err := a.store.LoadExecution(ctx, *execID)
			if err != nil {
				return err
			}
			if workflowID == "" {
				workflowID = execution.WorkflowID
			} else if workflowID != execution.WorkflowID {
				return fmt.Errorf("execution %s belongs to workflow %s, not %s", *execID, execution.WorkflowID, workflowID)
			}
			stepLogs, err := a.store.ListStepLogs(ctx, *execID)
			if err != nil {
				return err
			}
			statuses = diagram.StatusesFromLogs(stepLogs)
		}
		if wf, err = a.store.LoadWorkflowWithSteps(ctx, workflowID); err != nil {
			return err
		}
	}

	model, err := diagram.Build(wf, statuses)
	if err != nil {
		return err
	}

	var out []byte
	switch *format {
	case "ascii":
		out = []byte(diagram.RenderASCII(model))
	case "mermaid":
		out = []byte(diagram.RenderMermaid(model))
	case "svg", "png":
		if out, err = diagram.RenderImage(ctx, model, diagram.ImageFormat(*format)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q: want ascii, mermaid, svg or png", *format)
	}

	if *outPath != "" {
		if err := os.WriteFile(*outPath, out, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", *outPath, err)
		}
		fmt.Fprintf(c.stdout, "wrote %s\n", *outPath)
		return nil
	}
	_, err = c.stdout.Write(out)
	return err
}

func pickWorkflow(wfs []schema.Workflow, id string) (*schema.Workflow, error) {
	if id == "" {
		switch len(wfs) {
		case 0:
			return nil, errors.New("document has no workflows")
		case 1:
			return &wfs[0], nil
		}
		ids := make([]string, len(wfs))
		for i := range wfs {
			ids[i] = wfs[i].ID
		}
		return nil, fmt.Errorf("document has %d workflows (%s); choose one with -workflow", len(wfs), strings.Join(ids, ", "))
	}
	for i := range wfs {
		if wfs[i].ID == id {
			return &wfs[i], nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not in document", id)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
