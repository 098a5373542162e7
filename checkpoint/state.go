// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package checkpoint serializes and restores executor state so a run can
// pause — on PAUSE, CONSULT, a loop-detector abort, a stop file, or a
// rate limit — and be resumed later from exactly where it left off.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bewest/sdqctl/runner"
	"github.com/bewest/sdqctl/session"
)

// Status records why execution is currently suspended.
type Status string

const (
	// StatusPaused is an ordinary PAUSE or CHECKPOINT-with-pause-flag halt.
	StatusPaused Status = "paused"

	// StatusConsulting is a CONSULT halt: on resume, the executor injects a
	// consultation prompt before the next user turn instead of resuming
	// plain execution.
	StatusConsulting Status = "consulting"
)

// SchemaVersion is the checkpoint JSON's schema_version. Unknown keys are
// ignored on read so older checkpoints remain loadable across minor
// additions.
const SchemaVersion = "1.0"

// Checkpoint is the full resumable state of one executor run, matching
// the fixed key set of the checkpoint JSON contract.
type Checkpoint struct {
	SchemaVersion string `json:"schema_version"`
	SessionID     string `json:"session_id"`
	SessionName   string `json:"session_name,omitempty"`
	WorkflowPath  string `json:"workflow_path"`

	CycleIndex int `json:"cycle_index"`
	StepIndex  int `json:"step_index"`

	SessionMode string `json:"session_mode"`

	StatsSnapshot session.Snapshot  `json:"stats_snapshot"`
	MaskedEnv     map[string]string `json:"masked_env,omitempty"`
	AdapterConfig map[string]string `json:"adapter_config,omitempty"`

	ReasonForPause string `json:"reason_for_pause,omitempty"`

	Status          Status     `json:"status,omitempty"`
	ConsultTopic    string     `json:"consult_topic,omitempty"`
	ConsultDeadline *time.Time `json:"consult_deadline,omitempty"`

	SavedAt time.Time `json:"saved_at"`
}

// New creates a checkpoint for the given executor position, masking any
// env additions via runner.MaskEnv before they are ever serialized.
func New(sessionID, workflowPath string, cycleIndex, stepIndex int, sessionMode string, stats session.Snapshot, env map[string]string) *Checkpoint {
	return &Checkpoint{
		SchemaVersion: SchemaVersion,
		SessionID:     sessionID,
		WorkflowPath:  workflowPath,
		CycleIndex:    cycleIndex,
		StepIndex:     stepIndex,
		SessionMode:   sessionMode,
		StatsSnapshot: stats,
		MaskedEnv:     runner.MaskEnv(env),
		Status:        StatusPaused,
		SavedAt:       time.Now(),
	}
}

// WithSessionName sets the human-chosen session name, used as the
// directory key instead of the raw session id when present.
func (c *Checkpoint) WithSessionName(name string) *Checkpoint {
	c.SessionName = name
	return c
}

// WithReason records why execution paused.
func (c *Checkpoint) WithReason(reason string) *Checkpoint {
	c.ReasonForPause = reason
	return c
}

// WithConsult marks the checkpoint as a CONSULT halt with a topic and an
// optional expiry (CONSULT-TIMEOUT); a zero deadline means no expiry.
func (c *Checkpoint) WithConsult(topic string, timeout time.Duration) *Checkpoint {
	c.Status = StatusConsulting
	c.ConsultTopic = topic
	if timeout > 0 {
		deadline := c.SavedAt.Add(timeout)
		c.ConsultDeadline = &deadline
	}
	return c
}

// WithAdapterConfig attaches the adapter name/model pair (or any other
// small config the resumed session needs) to the checkpoint.
func (c *Checkpoint) WithAdapterConfig(cfg map[string]string) *Checkpoint {
	c.AdapterConfig = cfg
	return c
}

// IsConsulting reports whether this checkpoint is a CONSULT halt.
func (c *Checkpoint) IsConsulting() bool {
	return c.Status == StatusConsulting
}

// ConsultExpired reports whether a CONSULT checkpoint's deadline has
// passed. A checkpoint with no deadline never expires.
func (c *Checkpoint) ConsultExpired() bool {
	return c.ConsultDeadline != nil && time.Now().After(*c.ConsultDeadline)
}

// Serialize converts the checkpoint to JSON bytes.
func (c *Checkpoint) Serialize() ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("checkpoint: cannot serialize nil checkpoint")
	}
	return json.MarshalIndent(c, "", "  ")
}

// Deserialize reconstructs a Checkpoint from JSON bytes. Unknown keys are
// silently ignored by encoding/json's default Unmarshal behavior, per the
// contract.
func Deserialize(data []byte) (*Checkpoint, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("checkpoint: cannot deserialize empty data")
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshaling: %w", err)
	}
	return &c, nil
}

// DirKey is the directory name a checkpoint is stored under: the session
// name when set, otherwise the raw session id.
func (c *Checkpoint) DirKey() string {
	if c.SessionName != "" {
		return c.SessionName
	}
	return c.SessionID
}
