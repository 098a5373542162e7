package verify

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// DefaultExclude mirrors the exclusion set the document-source scanner in
// the wider ecosystem applies to directory walks, extended with the
// entries the spec names explicitly.
var DefaultExclude = []string{
	".git", ".hg", ".svn",
	".venv", "venv", "__pycache__",
	"node_modules", "vendor",
}

// IgnoreFileName is the workspace-root ignore file scanned files respect,
// one glob pattern per line, same shape as a .gitignore.
const IgnoreFileName = ".sdqctlignore"

// ScanOptions configures a directory walk for verifier checks.
type ScanOptions struct {
	Exclude       []string // additional directory/glob names to skip, beyond DefaultExclude
	IncludeHidden bool     // include dotfiles other than the excluded directories themselves
}

// Scan walks root and returns every regular file path (relative to root)
// that is not excluded by DefaultExclude, opts.Exclude, or a
// .sdqctlignore file at root.
func Scan(root string, opts ScanOptions) ([]string, error) {
	ignore := loadIgnoreFile(root)
	excluded := make(map[string]bool, len(DefaultExclude)+len(opts.Exclude))
	for _, e := range DefaultExclude {
		excluded[e] = true
	}
	for _, e := range opts.Exclude {
		excluded[e] = true
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		if rel == "." {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if excluded[name] {
				return filepath.SkipDir
			}
			if !opts.IncludeHidden && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !opts.IncludeHidden && strings.HasPrefix(name, ".") {
			return nil
		}
		if matchesAny(ignore, rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func loadIgnoreFile(root string) []string {
	f, err := os.Open(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

func matchesAny(patterns []string, relPath string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(p, "/*") {
			prefix := strings.TrimSuffix(p, "/*")
			if relPath == prefix || strings.HasPrefix(relPath, prefix+string(filepath.Separator)) {
				return true
			}
			continue
		}
		if ok, _ := filepath.Match(p, relPath); ok {
			return true
		}
		if ok, _ := filepath.Match(p, filepath.Base(relPath)); ok {
			return true
		}
		if strings.HasPrefix(relPath, strings.TrimSuffix(p, "/")+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
