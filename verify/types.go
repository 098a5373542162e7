// Package verify implements the verifier registry: builtin, in-process
// checks (references, links, traceability, terminology, assertions) and
// externally-registered plugin commands loaded from a manifest, all
// exposed through one uniform `verify(root, options) -> VerificationResult`
// contract. The executor is the only caller during a workflow run; the CLI
// host can call the same registry independently.
package verify

// Finding is one error or warning surfaced by a verifier.
type Finding struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
	FixHint string `json:"fix_hint,omitempty"`
}

// Result is what every verifier, builtin or plugin, returns.
type Result struct {
	Passed   bool                   `json:"passed"`
	Errors   []Finding              `json:"errors,omitempty"`
	Warnings []Finding              `json:"warnings,omitempty"`
	Summary  string                 `json:"summary"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Options carries the placeholders a builtin or plugin check may consult:
// {root}, {workspace}, {value}, {directive} in the manifest grammar.
type Options struct {
	Root      string
	Workspace string
	Value     string
	Directive string
}

// Func is the signature every builtin verifier registers under.
type Func func(opts Options) (Result, error)
