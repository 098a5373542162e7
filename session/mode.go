package session

// ModeAction is what the cycle executor's Prepare state should do to the
// session before sending the cycle's first turn, chosen by session mode.
type ModeAction string

const (
	ModeActionKeep         ModeAction = "keep"          // accumulate: do nothing
	ModeActionForceCompact ModeAction = "force_compact" // compact: compact before first turn, if prior state exists
	ModeActionRecreate     ModeAction = "recreate"      // fresh: destroy then create a new session
)

// Mode mirrors workflow.SessionMode without importing the workflow package,
// keeping this package's dependency graph a leaf the workflow/executor
// packages both sit above.
type Mode string

const (
	ModeAccumulate Mode = "accumulate"
	ModeCompact    Mode = "compact"
	ModeFresh      Mode = "fresh"
)

// PrepareAction returns what the executor's Prepare state must do given the
// configured mode and whether a prior session already exists.
func PrepareAction(mode Mode, hasPriorSession bool) ModeAction {
	switch mode {
	case ModeFresh:
		return ModeActionRecreate
	case ModeCompact:
		if hasPriorSession {
			return ModeActionForceCompact
		}
		return ModeActionKeep
	default:
		return ModeActionKeep
	}
}
