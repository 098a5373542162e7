// Package executor implements the cycle executor: the state machine that
// walks a parsed workflow's steps, cycle by cycle, materializing turns,
// running RUN/VERIFY side effects, driving session lifecycle per the
// configured session mode, and handing off to the checkpoint store on every
// terminal condition.
package executor

import "github.com/bewest/sdqctl/session"

// Outcome is the terminal result of one Executor.Run call, whatever stopped
// it: every cycle completing, a PAUSE/CONSULT directive, the loop detector,
// a stop file, or a rate limit. Reason is a short machine-readable label
// ("completed", "paused", "consult", "loop_detected", "rate_limited",
// "run_failed", "verify_failed", "parse_error", "session_error", "stopped",
// "error"); Err is the
// wrapped engineerr sentinel a caller can inspect with errors.Is.
type Outcome struct {
	Reason          string
	Err             error
	ExitCode        int
	CyclesCompleted int
	Stats           session.Snapshot
}
