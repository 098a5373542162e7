package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// LoopReason identifies which heuristic fired.
type LoopReason string

const (
	ReasonPatternMatch     LoopReason = "REASONING_PATTERN"
	ReasonIdenticalReplies LoopReason = "IDENTICAL_RESPONSES"
	ReasonMinimalResponse  LoopReason = "MINIMAL_RESPONSE"
	ReasonStopFile         LoopReason = "STOP_FILE"
)

// LoopDetected is the typed abort value the loop detector raises.
type LoopDetected struct {
	Reason LoopReason
	Cycle  int
	Step   int
}

func (e *LoopDetected) Error() string {
	return fmt.Sprintf("loop detected: %s at cycle %d, step %d", e.Reason, e.Cycle, e.Step)
}

// reasoningPatterns is the fixed list of phrases that, found in the agent's
// reasoning text, indicate it has noticed its own repetition.
var reasoningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)in a loop`),
	regexp.MustCompile(`(?i)repeated prompt`),
	regexp.MustCompile(`(?i)going in circles`),
	regexp.MustCompile(`(?i)same (request|question|prompt) again`),
}

// LoopDetectorConfig tunes the heuristics.
type LoopDetectorConfig struct {
	ResponseWindow       int // how many recent responses to retain, default 2
	MinimalResponseBytes int // default 80
	WorkspaceRoot        string
}

// DefaultLoopDetectorConfig matches the defaults named in the spec.
func DefaultLoopDetectorConfig(workspaceRoot string) LoopDetectorConfig {
	return LoopDetectorConfig{
		ResponseWindow:       2,
		MinimalResponseBytes: 80,
		WorkspaceRoot:        workspaceRoot,
	}
}

// LoopDetector inspects a Stats object (and the workspace's stop-file
// presence) after each turn.
type LoopDetector struct {
	cfg LoopDetectorConfig
}

// NewLoopDetector constructs a detector bound to cfg.
func NewLoopDetector(cfg LoopDetectorConfig) *LoopDetector {
	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = 2
	}
	if cfg.MinimalResponseBytes <= 0 {
		cfg.MinimalResponseBytes = 80
	}
	return &LoopDetector{cfg: cfg}
}

// CheckTurn evaluates the heuristics against the just-completed turn. reasoningText
// and hadToolCalls describe that turn specifically; stats carries the
// rolling response window used for the identical-responses check.
func (d *LoopDetector) CheckTurn(stats *Stats, reasoningText, responseText string, hadToolCalls bool, cycle, step int) *LoopDetected {
	if d.stopFilePresent() {
		return &LoopDetected{Reason: ReasonStopFile, Cycle: cycle, Step: step}
	}
	for _, re := range reasoningPatterns {
		if re.MatchString(reasoningText) {
			return &LoopDetected{Reason: ReasonPatternMatch, Cycle: cycle, Step: step}
		}
	}

	recent := stats.RecentResponses()
	if len(recent) >= 2 && recent[len(recent)-1] == recent[len(recent)-2] && recent[len(recent)-1] != "" {
		return &LoopDetected{Reason: ReasonIdenticalReplies, Cycle: cycle, Step: step}
	}

	if len(responseText) < d.cfg.MinimalResponseBytes && !hadToolCalls {
		return &LoopDetected{Reason: ReasonMinimalResponse, Cycle: cycle, Step: step}
	}

	return nil
}

// stopFilePresent reports whether a STOPAUTOMATION-{nonce}.json file exists
// at the workspace root.
func (d *LoopDetector) stopFilePresent() bool {
	if d.cfg.WorkspaceRoot == "" {
		return false
	}
	matches, err := filepath.Glob(filepath.Join(d.cfg.WorkspaceRoot, "STOPAUTOMATION-*.json"))
	if err != nil {
		return false
	}
	return len(matches) > 0
}

// StopFileBody is the fixed JSON shape a stop file carries.
type StopFileBody struct {
	Reason      string `json:"reason"`
	NeedsReview bool   `json:"needs_review"`
	TestID      string `json:"test_id,omitempty"`
}

// WriteStopFile writes a stop file at workspaceRoot with the given nonce,
// used by tests and by an agent's self-abort signal path.
func WriteStopFile(workspaceRoot, nonce string, body StopFileBody) (string, error) {
	path := filepath.Join(workspaceRoot, fmt.Sprintf("STOPAUTOMATION-%s.json", nonce))
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
