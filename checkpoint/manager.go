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

package checkpoint

import (
	"fmt"
	"log/slog"

	"github.com/bewest/sdqctl/engineerr"
	"github.com/bewest/sdqctl/session"
)

// Manager orchestrates checkpoint writes and resume decisions for the
// cycle executor. It has no opinion on *when* to checkpoint beyond what
// the executor tells it via the hooks below — CHECKPOINT/PAUSE/CONSULT
// are workflow directives, not a polling strategy.
type Manager struct {
	config *Config
	store  *Store
}

// NewManager creates a Manager rooted at cfg.CheckpointDir.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()
	return &Manager{config: cfg, store: NewStore(cfg.CheckpointDir)}
}

// Config returns the manager's configuration.
func (m *Manager) Config() *Config {
	return m.config
}

// Save writes a checkpoint.
func (m *Manager) Save(c *Checkpoint) error {
	return m.store.Save(c)
}

// Resume loads the checkpoint for a session name or id and validates any
// CONSULT expiry. A resume attempt against an expired CONSULT checkpoint
// fails with engineerr.ErrConsultTimeout rather than silently proceeding
// as if it were a plain pause.
func (m *Manager) Resume(dirKey string) (*Checkpoint, error) {
	c, err := m.store.Load(dirKey)
	if err != nil {
		return nil, err
	}
	if c.IsConsulting() && c.ConsultExpired() {
		return c, fmt.Errorf("%w: consult checkpoint for %q expired at %s", engineerr.ErrConsultTimeout, dirKey, c.ConsultDeadline)
	}
	return c, nil
}

// Clear removes a session's checkpoint after a successful run.
func (m *Manager) Clear(dirKey string) error {
	return m.store.Clear(dirKey)
}

// List returns the session keys with a pending checkpoint.
func (m *Manager) List() ([]string, error) {
	return m.store.List()
}

// Hooks is the executor's integration surface: one method per terminal or
// checkpoint-writing step kind (CHECKPOINT, PAUSE, CONSULT) plus the
// non-directive abort paths termination names (loop detector, stop file,
// rate limit) that always write a checkpoint too.
type Hooks struct {
	manager      *Manager
	sessionID    string
	sessionName  string
	workflowPath string
	sessionMode  string
}

// NewHooks binds a Manager to one executor run's identifying fields.
func NewHooks(m *Manager, sessionID, sessionName, workflowPath, sessionMode string) *Hooks {
	return &Hooks{manager: m, sessionID: sessionID, sessionName: sessionName, workflowPath: workflowPath, sessionMode: sessionMode}
}

func (h *Hooks) checkpointAt(cycleIndex, stepIndex int, stats session.Snapshot, env map[string]string) *Checkpoint {
	c := New(h.sessionID, h.workflowPath, cycleIndex, stepIndex, h.sessionMode, stats, env)
	if h.sessionName != "" {
		c.WithSessionName(h.sessionName)
	}
	return c
}

// OnCheckpointDirective handles a CHECKPOINT step: always writes a
// checkpoint; returns true when the step's pause flag is set and the
// executor should halt.
func (h *Hooks) OnCheckpointDirective(cycleIndex, stepIndex int, stats session.Snapshot, env map[string]string, pause bool) (bool, error) {
	c := h.checkpointAt(cycleIndex, stepIndex, stats, env)
	if pause {
		c.WithReason("CHECKPOINT directive with pause flag")
	}
	if err := h.manager.Save(c); err != nil {
		return false, err
	}
	return pause, nil
}

// OnPause handles a PAUSE step: writes a checkpoint with the pause
// message as the reason and always halts.
func (h *Hooks) OnPause(cycleIndex, stepIndex int, stats session.Snapshot, env map[string]string, message string) error {
	c := h.checkpointAt(cycleIndex, stepIndex, stats, env).WithReason(message)
	return h.manager.Save(c)
}

// OnConsult handles a CONSULT step: writes a checkpoint marked
// consulting, with the topic and the configured CONSULT-TIMEOUT, and
// always halts.
func (h *Hooks) OnConsult(cycleIndex, stepIndex int, stats session.Snapshot, env map[string]string, topic string) error {
	c := h.checkpointAt(cycleIndex, stepIndex, stats, env).
		WithReason(fmt.Sprintf("CONSULT: %s", topic)).
		WithConsult(topic, h.manager.config.ConsultTimeout)
	return h.manager.Save(c)
}

// OnAbort handles the non-directive termination paths — loop detector,
// stop file, rate limit — that the spec says must always write a
// checkpoint even though no CHECKPOINT/PAUSE/CONSULT step fired.
func (h *Hooks) OnAbort(cycleIndex, stepIndex int, stats session.Snapshot, env map[string]string, reason string) error {
	c := h.checkpointAt(cycleIndex, stepIndex, stats, env).WithReason(reason)
	if err := h.manager.Save(c); err != nil {
		slog.Warn("checkpoint: failed to save abort checkpoint", "reason", reason, "error", err)
		return err
	}
	return nil
}

// OnComplete clears the checkpoint once a run finishes all cycles
// without pausing.
func (h *Hooks) OnComplete() error {
	dirKey := h.sessionName
	if dirKey == "" {
		dirKey = h.sessionID
	}
	return h.manager.Clear(dirKey)
}
