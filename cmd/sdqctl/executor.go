package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bewest/sdqctl/agent"
	"github.com/bewest/sdqctl/checkpoint"
	"github.com/bewest/sdqctl/engineconfig"
	"github.com/bewest/sdqctl/executor"
	"github.com/bewest/sdqctl/metrics"
	"github.com/bewest/sdqctl/session"
	"github.com/bewest/sdqctl/utils"
	"github.com/bewest/sdqctl/verify"
	"github.com/bewest/sdqctl/workflow"
)

// engine bundles the collaborators one workflow run needs, built once from
// a parsed workflow and the engine's own configuration. RunCmd and
// ResumeCmd both go through this so the wiring — adapter selection,
// verifier registry, checkpoint store, metrics — only happens in one
// place.
type engine struct {
	wf            *workflow.Workflow
	engineCfg     *engineconfig.EngineConfig
	workspaceRoot string

	adapter  agent.Adapter
	registry *verify.Registry
	manager  *checkpoint.Manager
	metrics  *metrics.Metrics
}

// newEngine parses the workflow file and loads the engine config layered
// under it, resolving the .sdqctl state directory the checkpoint store and
// plugin manifest both live under.
func newEngine(workflowPath string, cli *CLI) (*engine, error) {
	workspaceRoot := cli.WorkspaceRoot
	if workspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving workspace root: %w", err)
		}
		workspaceRoot = wd
	}

	wf, err := workflow.Parse(workflowPath, workflow.ParseOptions{
		WorkspaceRoot: workspaceRoot,
		Lenient:       cli.Lenient,
	})
	if err != nil {
		return nil, err
	}

	if _, err := utils.EnsureStateDir(workspaceRoot); err != nil {
		return nil, err
	}

	engineCfg, err := engineconfig.Load(engineconfig.Options{Path: resolveConfigPath(cli.Config, wf)})
	if err != nil {
		return nil, err
	}
	if wf.Global.CheckpointDir != "" {
		engineCfg.CheckpointDir = wf.Global.CheckpointDir
	}
	if wf.Global.PluginManifestPath != "" {
		engineCfg.PluginManifestPath = wf.Global.PluginManifestPath
	}

	registry := verify.NewRegistry()
	manifestPath := engineCfg.PluginManifestPath
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(workspaceRoot, manifestPath)
	}
	if _, statErr := os.Stat(manifestPath); statErr == nil {
		if err := registry.LoadManifest(manifestPath); err != nil {
			return nil, err
		}
	}

	m, err := metrics.New(&metrics.Config{Enabled: cli.Metrics})
	if err != nil {
		return nil, err
	}

	checkpointDir := engineCfg.CheckpointDir
	if !filepath.IsAbs(checkpointDir) {
		checkpointDir = filepath.Join(workspaceRoot, checkpointDir)
	}
	manager := checkpoint.NewManager(&checkpoint.Config{
		CheckpointDir:  checkpointDir,
		ConsultTimeout: wf.Global.ConsultTimeout,
	})

	return &engine{
		wf:            wf,
		engineCfg:     engineCfg,
		workspaceRoot: workspaceRoot,
		adapter:       agent.NewMockAdapter(),
		registry:      registry,
		manager:       manager,
		metrics:       m,
	}, nil
}

// resolveConfigPath prefers an explicit --config flag, then the
// workflow's own CONFIG-PATH directive, then engineconfig.Load's
// missing-file-is-fine default.
func resolveConfigPath(flagPath string, wf *workflow.Workflow) string {
	if flagPath != "" {
		return flagPath
	}
	return wf.Global.ConfigPath
}

// buildExecutorConfig assembles an executor.Config for one Run/Resume
// invocation. The session ID is always chosen here, never left to the
// adapter to generate, so the checkpoint Hooks constructed alongside it
// agree on which session they are describing: a fresh run mints a new
// uuid and resumes "into" it (MockAdapter.ResumeSession creates a session
// under a given ID when one doesn't already exist), while a resumed run
// reuses the checkpoint's own session ID. sessionName becomes the
// checkpoint directory key so a named run's checkpoint and a plain
// session-id run's checkpoint never collide.
func (e *engine) buildExecutorConfig(sessionName, resumeSessionID string, startCycle int, allowShell bool) executor.Config {
	vars := workflow.BuildTemplateVars(e.workspaceRoot, filepath.Join(e.workspaceRoot, ".sdqctl", "STOP"), workflowName(e.wf), time.Now())

	if resumeSessionID == "" {
		resumeSessionID = uuid.NewString()
	}
	hooks := checkpoint.NewHooks(e.manager, resumeSessionID, sessionName, e.wf.Path, string(e.wf.Global.SessionMode))

	model := e.wf.Global.Model
	if model == "" {
		model = e.engineCfg.DefaultModel
	}

	return executor.Config{
		Workflow:      e.wf,
		WorkspaceRoot: e.workspaceRoot,

		Adapter: e.adapter,
		SessionConfig: agent.SessionConfig{
			Model:                         model,
			InfiniteSessions:              e.wf.Global.InfiniteSessions,
			BackgroundCompactionThreshold: e.wf.Global.CompactionThreshold,
			BufferExhaustionThreshold:     e.wf.Global.CompactionMax,
			SessionNameHint:               sessionName,
		},

		VerifyRegistry: e.registry,
		Checkpoint:     hooks,
		Metrics:        e.metrics,

		Vars: vars,
		RenderOpts: workflow.RenderOptions{
			WorkspaceRoot: e.workspaceRoot,
			Model:         model,
		},

		AllowShell: allowShell || e.wf.Global.AllowShell,

		ResetOnCompact: e.wf.Global.SessionMode == workflow.SessionFresh || e.wf.Global.SessionMode == workflow.SessionCompact,
		Summarize:      session.DefaultSummarizer,

		StartCycle:      startCycle,
		ResumeSessionID: resumeSessionID,
	}
}

func workflowName(wf *workflow.Workflow) string {
	base := filepath.Base(wf.Path)
	return base[:len(base)-len(filepath.Ext(base))]
}
