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

package checkpoint

import (
	"fmt"
	"time"
)

// Config configures where checkpoints live and how long a CONSULT halt
// may sit unresumed before it is considered stale.
type Config struct {
	// CheckpointDir is the root directory checkpoints are written under.
	// Default: ".sdqctl/checkpoints".
	CheckpointDir string

	// ConsultTimeout bounds how long a CONSULT checkpoint stays
	// resumable. Zero means CONSULT checkpoints never expire.
	ConsultTimeout time.Duration
}

// DefaultCheckpointDir is what SetDefaults fills in for an empty
// CheckpointDir. A workflow file without CHECKPOINT-DIR leaves
// workflow.Global.CheckpointDir empty.
const DefaultCheckpointDir = ".sdqctl/checkpoints"

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.CheckpointDir == "" {
		c.CheckpointDir = DefaultCheckpointDir
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.CheckpointDir == "" {
		return fmt.Errorf("checkpoint: checkpoint_dir is required")
	}
	if c.ConsultTimeout < 0 {
		return fmt.Errorf("checkpoint: consult_timeout must be non-negative")
	}
	return nil
}
