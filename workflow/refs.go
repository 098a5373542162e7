package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/bewest/sdqctl/engineerr"
)

// RefSpec is the common shape `alias:path#Lx-Ly` and `@path#Lx-Ly` both
// normalize into.
type RefSpec struct {
	Raw       string
	Alias     string // empty for @path forms
	Path      string
	LineStart int // 0 = whole file
	LineEnd   int
	Pattern   string // reserved for pattern refs (glob-style), mutually exclusive with line range

	RelativeBefore int // lines of leading context to include
	RelativeAfter  int // lines of trailing context to include
}

var refLineRangeRe = regexp.MustCompile(`^(.*)#L(\d+)(?:-L?(\d+))?$`)

// exclusionPatterns lists reference-shaped tokens that are NOT references:
// URL schemes, email addresses, socket paths, timestamps, placeholders, and
// ellipsis paths.
var exclusionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`),    // URL scheme
	regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`),     // email
	regexp.MustCompile(`^unix:`),                         // unix socket
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}`), // ISO timestamp
	regexp.MustCompile(`^\.\.\.+$`),                      // ellipsis path
	regexp.MustCompile(`^<[A-Z_]+>$`),                    // placeholder token
}

// IsExcluded reports whether a ref-shaped token should be skipped entirely
// rather than treated as a reference (used by the references verifier's
// scan).
func IsExcluded(token string) bool {
	for _, re := range exclusionPatterns {
		if re.MatchString(token) {
			return true
		}
	}
	return false
}

// ParseRefSpec normalizes `alias:path#Lx-Ly` and `@path#Lx-Ly` into a
// RefSpec. It does not touch the filesystem or resolve aliases.
func ParseRefSpec(raw string) (RefSpec, error) {
	if raw == "" {
		return RefSpec{}, fmt.Errorf("%s: empty reference", "refs")
	}
	spec := RefSpec{Raw: raw}

	body := raw
	isAt := strings.HasPrefix(raw, "@")
	if isAt {
		body = raw[1:]
	} else if idx := strings.Index(raw, ":"); idx > 0 && !strings.Contains(raw[:idx], "/") {
		spec.Alias = raw[:idx]
		body = raw[idx+1:]
	}

	if m := refLineRangeRe.FindStringSubmatch(body); m != nil {
		body = m[1]
		start, _ := strconv.Atoi(m[2])
		end := start
		if m[3] != "" {
			end, _ = strconv.Atoi(m[3])
		}
		spec.LineStart, spec.LineEnd = start, end
	}
	spec.Path = body
	if spec.Path == "" {
		return RefSpec{}, fmt.Errorf("reference %q has no path", raw)
	}
	return spec, nil
}

// AliasTable maps an alias name to a filesystem directory, as loaded from an
// explicit dict, workspace.lock.json, or the user-global aliases file.
type AliasTable map[string]string

// WorkspaceLock mirrors the `workspace.lock.json` shape described in the
// external interfaces section.
type WorkspaceLock struct {
	ExternalsDir string `json:"externals_dir"`
	Repos        []struct {
		Alias   string   `json:"alias"`
		Aliases []string `json:"aliases,omitempty"`
		Name    string   `json:"name"`
	} `json:"repos"`
}

// LoadWorkspaceLock walks upward from dir looking for workspace.lock.json
// and parses it. Returns a nil table (not an error) if none is found.
func LoadWorkspaceLock(startDir string) (AliasTable, error) {
	dir := startDir
	for {
		candidate := filepath.Join(dir, "workspace.lock.json")
		if data, err := os.ReadFile(candidate); err == nil {
			var lock WorkspaceLock
			if err := json.Unmarshal(data, &lock); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", candidate, err)
			}
			table := AliasTable{}
			for _, repo := range lock.Repos {
				path := filepath.Join(lock.ExternalsDir, repo.Name)
				if repo.Alias != "" {
					table[repo.Alias] = path
				}
				for _, a := range repo.Aliases {
					table[a] = path
				}
			}
			return table, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Resolve turns a RefSpec's alias (if any) into an absolute directory, then
// joins the spec's path onto it. Resolution order: explicit dict passed in,
// then the workspace lock table, then the user-global alias table. Returns
// engineerr.ErrUnknownAlias-wrapped error for an alias found in none of
// them, unless the raw token matches the exclusion set.
func (r RefSpec) Resolve(explicit, workspaceLock, userGlobal AliasTable) (string, error) {
	if r.Alias == "" {
		return r.Path, nil
	}
	for _, table := range []AliasTable{explicit, workspaceLock, userGlobal} {
		if table == nil {
			continue
		}
		if dir, ok := table[r.Alias]; ok {
			return filepath.Join(dir, r.Path), nil
		}
	}
	if IsExcluded(r.Raw) {
		return r.Raw, nil
	}
	return "", fmt.Errorf("unknown alias %q in reference %q: %w", r.Alias, r.Raw, engineerr.ErrUnknownAlias)
}
