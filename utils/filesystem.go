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

package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// StateDirName is the workspace-relative directory sdqctl uses for its own
// state: plugin manifests and checkpoints.
const StateDirName = ".sdqctl"

// EnsureStateDir ensures the .sdqctl directory exists under the given
// workspace root. If workspaceRoot is empty or ".", it creates ./.sdqctl in
// the current directory. Otherwise it creates {workspaceRoot}/.sdqctl.
//
// Used by:
//   - the verify package's external plugin manifest: {root}/.sdqctl/directives.yaml
//   - the checkpoint store: {root}/.sdqctl/checkpoints/{session}/pause.json
//
// Returns the full path to the .sdqctl directory and any error.
func EnsureStateDir(workspaceRoot string) (string, error) {
	var stateDir string
	if workspaceRoot == "" || workspaceRoot == "." {
		stateDir = StateDirName
	} else {
		stateDir = filepath.Join(workspaceRoot, StateDirName)
	}

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s directory at %q: %w", StateDirName, stateDir, err)
	}

	return stateDir, nil
}
