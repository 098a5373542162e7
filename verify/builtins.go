package verify

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bewest/sdqctl/workflow"
)

// RegisterBuiltins installs the five in-process checks: references, links
// and assertions under NamespaceVerify, terminology under NamespaceHygiene,
// and the traceability chain walker ("chain") under NamespaceTrace.
func RegisterBuiltins(r *Registry) {
	r.Register(NamespaceVerify, "references", CheckReferences)
	r.Register(NamespaceVerify, "links", CheckLinks)
	r.Register(NamespaceVerify, "assertions", CheckAssertions)
	r.Register(NamespaceHygiene, "terminology", CheckTerminology)
	r.Register(NamespaceTrace, "chain", CheckTraceChain)
}

var refToken = regexp.MustCompile(`@[A-Za-z0-9_./-]+(#L\d+(-L\d+)?)?`)

// CheckReferences scans every scanned file for @path[#Lx-Ly] reference
// tokens (the same grammar CONTEXT/REFCAT use) and reports any that fail
// to resolve under root.
func CheckReferences(opts Options) (Result, error) {
	files, err := Scan(opts.Root, ScanOptions{})
	if err != nil {
		return Result{}, err
	}

	var errs []Finding
	checked := 0
	for _, rel := range files {
		lines, err := readLines(filepath.Join(opts.Root, rel))
		if err != nil {
			continue
		}
		for lineNum, line := range lines {
			for _, token := range refToken.FindAllString(line, -1) {
				if workflow.IsExcluded(token) {
					continue
				}
				checked++
				spec, err := workflow.ParseRefSpec(token)
				if err != nil {
					errs = append(errs, Finding{File: rel, Line: lineNum + 1, Message: fmt.Sprintf("malformed reference %q: %v", token, err)})
					continue
				}
				target, err := spec.Resolve(nil, nil, nil)
				if err != nil {
					continue // alias-form refs need alias tables the builtin doesn't have; not this check's concern
				}
				if !filepath.IsAbs(target) {
					target = filepath.Join(opts.Root, target)
				}
				if _, err := os.Stat(target); err != nil {
					errs = append(errs, Finding{
						File:    rel,
						Line:    lineNum + 1,
						Message: fmt.Sprintf("reference %q does not resolve", token),
						FixHint: "check the path is relative to the workspace root or an alias is registered",
					})
				}
			}
		}
	}

	return Result{
		Passed:  len(errs) == 0,
		Errors:  errs,
		Summary: fmt.Sprintf("checked %d reference(s) across %d file(s)", checked, len(files)),
	}, nil
}

var markdownLink = regexp.MustCompile(`\[[^\]]*\]\(([^)]+)\)`)

// CheckLinks scans markdown files for relative links and reports any
// whose target file is missing. Links with a scheme (http://, mailto:,
// etc.) are skipped.
func CheckLinks(opts Options) (Result, error) {
	files, err := Scan(opts.Root, ScanOptions{})
	if err != nil {
		return Result{}, err
	}

	var errs []Finding
	checked := 0
	markdownFiles := 0
	for _, rel := range files {
		if !strings.HasSuffix(rel, ".md") {
			continue
		}
		markdownFiles++
		lines, err := readLines(filepath.Join(opts.Root, rel))
		if err != nil {
			continue
		}
		for lineNum, line := range lines {
			for _, m := range markdownLink.FindAllStringSubmatch(line, -1) {
				target := m[1]
				if strings.Contains(target, "://") || strings.HasPrefix(target, "mailto:") || strings.HasPrefix(target, "#") {
					continue
				}
				checked++
				target = strings.SplitN(target, "#", 2)[0]
				abs := target
				if !filepath.IsAbs(abs) {
					abs = filepath.Join(filepath.Dir(filepath.Join(opts.Root, rel)), target)
				}
				if _, err := os.Stat(abs); err != nil {
					errs = append(errs, Finding{
						File:    rel,
						Line:    lineNum + 1,
						Message: fmt.Sprintf("broken link target %q", target),
					})
				}
			}
		}
	}

	return Result{
		Passed:  len(errs) == 0,
		Errors:  errs,
		Summary: fmt.Sprintf("checked %d link(s) across %d markdown file(s)", checked, markdownFiles),
	}, nil
}

var assertionMarker = regexp.MustCompile(`(?i)\b(TODO|FIXME|XXX)\b`)

// CheckAssertions flags leftover TODO/FIXME/XXX markers as warnings — a
// "passed" check with warnings, never a hard failure, since the spec
// treats these as hygiene signals rather than correctness defects.
func CheckAssertions(opts Options) (Result, error) {
	files, err := Scan(opts.Root, ScanOptions{})
	if err != nil {
		return Result{}, err
	}

	var warnings []Finding
	for _, rel := range files {
		lines, err := readLines(filepath.Join(opts.Root, rel))
		if err != nil {
			continue
		}
		for lineNum, line := range lines {
			if assertionMarker.MatchString(line) {
				warnings = append(warnings, Finding{File: rel, Line: lineNum + 1, Message: strings.TrimSpace(line)})
			}
		}
	}

	return Result{
		Passed:   true,
		Warnings: warnings,
		Summary:  fmt.Sprintf("%d outstanding marker(s)", len(warnings)),
	}, nil
}

// CheckTerminology flags occurrences of any forbidden term in opts.Value
// (a comma-separated list) across every scanned file.
func CheckTerminology(opts Options) (Result, error) {
	terms := strings.Split(opts.Value, ",")
	var patterns []*regexp.Regexp
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		patterns = append(patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(t)+`\b`))
	}
	if len(patterns) == 0 {
		return Result{Passed: true, Summary: "no forbidden terms configured"}, nil
	}

	files, err := Scan(opts.Root, ScanOptions{})
	if err != nil {
		return Result{}, err
	}

	var errs []Finding
	for _, rel := range files {
		lines, err := readLines(filepath.Join(opts.Root, rel))
		if err != nil {
			continue
		}
		for lineNum, line := range lines {
			for i, p := range patterns {
				if p.MatchString(line) {
					errs = append(errs, Finding{
						File:    rel,
						Line:    lineNum + 1,
						Message: fmt.Sprintf("forbidden term %q", strings.TrimSpace(terms[i])),
					})
				}
			}
		}
	}

	return Result{
		Passed:  len(errs) == 0,
		Errors:  errs,
		Summary: fmt.Sprintf("scanned %d file(s) for %d forbidden term(s)", len(files), len(patterns)),
	}, nil
}

var traceDefine = regexp.MustCompile(`(?m)^#+\s*(\S+)\s*$`)
var traceRef = regexp.MustCompile(`\bSee\s+(\S+)\b`)

// CheckTraceChain walks a lightweight traceability graph: headers define
// an ID (`# REQ-123`), and `See REQ-123` lines reference one. A reference
// to an ID with no matching header anywhere in the scanned tree is an
// error — the chain is broken.
func CheckTraceChain(opts Options) (Result, error) {
	files, err := Scan(opts.Root, ScanOptions{})
	if err != nil {
		return Result{}, err
	}

	defined := make(map[string]bool)
	type ref struct {
		file string
		line int
		id   string
	}
	var refs []ref

	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(opts.Root, rel))
		if err != nil {
			continue
		}
		for _, m := range traceDefine.FindAllStringSubmatch(string(data), -1) {
			defined[m[1]] = true
		}
		lines, _ := readLines(filepath.Join(opts.Root, rel))
		for lineNum, line := range lines {
			for _, m := range traceRef.FindAllStringSubmatch(line, -1) {
				refs = append(refs, ref{file: rel, line: lineNum + 1, id: m[1]})
			}
		}
	}

	var errs []Finding
	for _, rf := range refs {
		if !defined[rf.id] {
			errs = append(errs, Finding{
				File:    rf.file,
				Line:    rf.line,
				Message: fmt.Sprintf("traceability reference %q has no defining header", rf.id),
			})
		}
	}

	return Result{
		Passed:  len(errs) == 0,
		Errors:  errs,
		Summary: fmt.Sprintf("walked %d reference(s) against %d defined id(s)", len(refs), len(defined)),
	}, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
