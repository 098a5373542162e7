// Package engineerr defines the typed error kinds the execution engine can
// raise, as sentinel values usable with errors.Is/errors.As. Call sites wrap
// a sentinel with fmt.Errorf("...: %w", ErrX) to attach context without
// losing the kind.
package engineerr

import "errors"

// Sentinel error kinds, one per row of the error taxonomy. The CLI host
// maps these to process exit codes without string-matching messages.
var (
	// ErrParse covers directive syntax errors, unknown directives, and
	// elide/branch nesting violations. Fatal; reported with line + fix hint.
	ErrParse = errors.New("parse error")

	// ErrMissingContextFiles is raised when a required CONTEXT path does
	// not exist and neither CONTEXT-OPTIONAL nor lenient validation applies.
	ErrMissingContextFiles = errors.New("missing context file")

	// ErrUnknownAlias is raised for an alias reference absent from both the
	// workspace alias table and the user-global table, outside the
	// exclusion set.
	ErrUnknownAlias = errors.New("unknown alias")

	// ErrRunCommandFailed is raised when a RUN step exits non-zero with no
	// attached branch and RUN-ON-ERROR=stop.
	ErrRunCommandFailed = errors.New("run command failed")

	// ErrVerifyFailed is raised when a verifier reports passed=false and
	// VERIFY-ON-ERROR=fail.
	ErrVerifyFailed = errors.New("verification failed")

	// ErrUnknownVerifier is raised when a VERIFY/HYGIENE/TRACE directive
	// names a check absent from both the builtin registry and the loaded
	// plugin manifest. Fatal before execution starts.
	ErrUnknownVerifier = errors.New("unknown verifier")

	// ErrLoopDetected is raised by the loop detector.
	ErrLoopDetected = errors.New("loop detected")

	// ErrRateLimited is raised when the agent backend signals a rate limit.
	ErrRateLimited = errors.New("rate limited")

	// ErrSessionError covers transport/protocol errors from the agent
	// backend that are not rate limits.
	ErrSessionError = errors.New("session error")

	// ErrPauseRequested is raised by PAUSE/CONSULT directives.
	ErrPauseRequested = errors.New("pause requested")

	// ErrStopFile is raised when the stop file appears mid-run.
	ErrStopFile = errors.New("stop file present")

	// ErrConsultTimeout is raised when resuming a stale CONSULT checkpoint.
	ErrConsultTimeout = errors.New("consultation expired")
)

// ExitCode maps an error produced by the engine to the process exit code
// defined in the external interface contract. A nil error maps to 0
// (success); unrecognized errors map to 1 (generic failure).
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrVerifyFailed):
		return 1
	case errors.Is(err, ErrParse), errors.Is(err, ErrUnknownVerifier):
		return 2
	case errors.Is(err, ErrRunCommandFailed):
		return 3
	case errors.Is(err, ErrLoopDetected), errors.Is(err, ErrStopFile):
		return 4
	case errors.Is(err, ErrRateLimited):
		return 5
	case errors.Is(err, ErrPauseRequested):
		return 6
	default:
		return 1
	}
}
