// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command sdqctl drives a directive workflow file: parse it, render its
// per-cycle prompts, or run it end to end against the configured agent
// adapter.
//
// Usage:
//
//	sdqctl run workflow.sdq
//	sdqctl render workflow.sdq
//	sdqctl validate workflow.sdq
//	sdqctl resume workflow.sdq my-session
//	sdqctl sessions workflow.sdq
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/bewest/sdqctl/engineerr"
)

// CLI defines the command tree. Every subcommand is a thin caller into
// the workflow/executor/checkpoint packages — argument plumbing only, no
// behavior of its own.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Execute a workflow to completion or its first halt."`
	Render   RenderCmd   `cmd:"" help:"Render a workflow's per-cycle prompts without executing them."`
	Validate ValidateCmd `cmd:"" help:"Parse a workflow file and report diagnostics."`
	Resume   ResumeCmd   `cmd:"" help:"Resume a halted run from its checkpoint."`
	Sessions SessionsCmd `cmd:"" help:"List sessions with a pending checkpoint."`

	WorkspaceRoot string `name:"workspace" help:"Workspace root anchoring relative paths (workspace.lock.json aliases are not loaded)." type:"path"`
	Config        string `short:"c" help:"Path to the engine config file (overrides the workflow's CONFIG-PATH)." type:"path"`
	Lenient       bool   `help:"Collect every parse diagnostic instead of aborting on the first one."`
	Metrics       bool   `help:"Collect Prometheus metrics for this run."`

	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or custom)."`
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("sdqctl"),
		kong.Description("sdqctl - directive workflow engine"),
		kong.UsageOnError(),
	)

	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(engineerr.ExitCode(err))
	}
}
