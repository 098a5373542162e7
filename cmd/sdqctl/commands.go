package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bewest/sdqctl/engineerr"
	"github.com/bewest/sdqctl/executor"
	"github.com/bewest/sdqctl/workflow"
)

// RunCmd executes a workflow from cycle 1 through completion or its first
// halt (PAUSE/CONSULT, the loop detector, a stop file, or a rate limit).
type RunCmd struct {
	Workflow   string `arg:"" help:"Path to the workflow (.sdq) file." type:"existingfile"`
	Session    string `help:"Session name; becomes the checkpoint directory key."`
	AllowShell bool   `help:"Allow RUN steps to execute shell commands (also settable via ALLOW-SHELL in the workflow)."`
}

func (c *RunCmd) Run(cli *CLI) error {
	e, err := newEngine(c.Workflow, cli)
	if err != nil {
		return err
	}
	cfg := e.buildExecutorConfig(c.Session, "", 0, c.AllowShell)
	return runAndReport(cfg)
}

// ResumeCmd continues a previously halted run from its saved checkpoint.
// Session names the checkpoint directory key (the name RunCmd --session
// used, or the session id it otherwise picked).
type ResumeCmd struct {
	Workflow   string `arg:"" help:"Path to the workflow (.sdq) file." type:"existingfile"`
	Session    string `arg:"" help:"Session name or id to resume."`
	AllowShell bool   `help:"Allow RUN steps to execute shell commands."`
}

func (c *ResumeCmd) Run(cli *CLI) error {
	e, err := newEngine(c.Workflow, cli)
	if err != nil {
		return err
	}
	cp, err := e.manager.Resume(c.Session)
	if err != nil {
		return err
	}
	if cp.IsConsulting() {
		return fmt.Errorf("checkpoint %q is a CONSULT halt (topic: %s); resuming a consultation automatically is not supported, edit the workflow and resume with `run` once the question is addressed", c.Session, cp.ConsultTopic)
	}
	cfg := e.buildExecutorConfig(c.Session, cp.SessionID, cp.CycleIndex, c.AllowShell)
	return runAndReport(cfg)
}

// runAndReport runs one executor.Config to its terminal outcome, prints a
// one-line summary to stdout, and surfaces the outcome's own error (if
// any) so main can map it to a process exit code via engineerr.ExitCode.
func runAndReport(cfg executor.Config) error {
	ex, err := executor.NewExecutor(cfg)
	if err != nil {
		return err
	}
	outcome, err := ex.Run(context.Background())
	if outcome != nil {
		fmt.Printf("%s: cycles_completed=%d\n", outcome.Reason, outcome.CyclesCompleted)
	}
	return err
}

// SessionsCmd lists the sessions with a pending (unresolved) checkpoint
// under the resolved workspace's checkpoint directory.
type SessionsCmd struct {
	Workflow string `arg:"" help:"Path to the workflow (.sdq) file, to resolve the checkpoint directory." type:"existingfile"`
}

func (c *SessionsCmd) Run(cli *CLI) error {
	e, err := newEngine(c.Workflow, cli)
	if err != nil {
		return err
	}
	keys, err := e.manager.List()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("no pending checkpoints")
		return nil
	}
	for _, k := range keys {
		cp, err := e.manager.Resume(k)
		if err != nil {
			fmt.Printf("%s\terror: %v\n", k, err)
			continue
		}
		status := "paused"
		if cp.IsConsulting() {
			status = fmt.Sprintf("consulting: %s", cp.ConsultTopic)
		}
		fmt.Printf("%s\tcycle=%d\t%s\n", k, cp.CycleIndex, status)
	}
	return nil
}

// RenderCmd materializes every cycle's prompts without executing them,
// printing the stable JSON envelope workflow.RenderEnvelope produces.
type RenderCmd struct {
	Workflow string `arg:"" help:"Path to the workflow (.sdq) file." type:"existingfile"`
}

func (c *RenderCmd) Run(cli *CLI) error {
	e, err := newEngine(c.Workflow, cli)
	if err != nil {
		return err
	}
	vars := workflow.BuildTemplateVars(e.workspaceRoot, "", workflowName(e.wf), time.Now())
	env, err := workflow.RenderEnvelope(e.wf, "render", vars, workflow.RenderOptions{
		WorkspaceRoot: e.workspaceRoot,
		Model:         e.wf.Global.Model,
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(env)
}

// ValidateCmd parses a workflow file and reports success or the
// collected diagnostics, without rendering or executing anything.
type ValidateCmd struct {
	Workflow string `arg:"" help:"Path to the workflow (.sdq) file." type:"existingfile"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	workspaceRoot := cli.WorkspaceRoot
	if workspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		workspaceRoot = wd
	}
	_, err := workflow.Parse(c.Workflow, workflow.ParseOptions{
		WorkspaceRoot: workspaceRoot,
		Lenient:       cli.Lenient,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrParse, err)
	}
	fmt.Printf("%s: ok\n", c.Workflow)
	return nil
}
