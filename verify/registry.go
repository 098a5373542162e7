package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/bewest/sdqctl/engineerr"
	"github.com/bewest/sdqctl/runner"
)

// Namespaces the manifest and the VerifyStep.Namespace of a
// VERIFY/HYGIENE/TRACE step agree on.
const (
	NamespaceVerify  = "VERIFY"
	NamespaceHygiene = "HYGIENE"
	NamespaceTrace   = "TRACE"
)

// Registry dispatches a namespaced verifier name to either an in-process
// builtin or an external plugin command, behind one uniform Verify call.
type Registry struct {
	builtins map[string]map[string]Func
	plugins  map[string]map[string]PluginEntry
}

// NewRegistry returns a registry with the builtin checks already
// registered (see RegisterBuiltins for their namespaces).
func NewRegistry() *Registry {
	r := &Registry{
		builtins: make(map[string]map[string]Func),
		plugins:  make(map[string]map[string]PluginEntry),
	}
	RegisterBuiltins(r)
	return r
}

// Register adds an in-process builtin under namespace/name, overwriting
// any existing entry — used both by RegisterBuiltins and by tests that
// need to stub a check.
func (r *Registry) Register(namespace, name string, fn Func) {
	if r.builtins[namespace] == nil {
		r.builtins[namespace] = make(map[string]Func)
	}
	r.builtins[namespace][name] = fn
}

// RegisterPlugin adds an external command-backed verifier.
func (r *Registry) RegisterPlugin(namespace, name string, entry PluginEntry) {
	if r.plugins[namespace] == nil {
		r.plugins[namespace] = make(map[string]PluginEntry)
	}
	r.plugins[namespace][name] = entry
}

// LoadManifest reads a manifest file and registers every entry it
// contains as a plugin, in addition to whatever builtins are already
// present. A plugin entry with the same namespace/name as a builtin is
// registered but not run: Verify dispatches that key to the builtin.
func (r *Registry) LoadManifest(path string) error {
	m, err := LoadManifest(path)
	if err != nil {
		return err
	}
	entries, err := m.Entries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		r.RegisterPlugin(e.Namespace, e.Name, e.Entry)
	}
	return nil
}

// Has reports whether namespace.name resolves to a builtin or a loaded
// plugin, without running it — used for a preflight pass over a workflow's
// VERIFY/HYGIENE/TRACE steps so an unknown verifier fails before any cycle
// starts, rather than partway through a run.
func (r *Registry) Has(namespace, name string) bool {
	if _, ok := r.builtins[namespace][name]; ok {
		return true
	}
	_, ok := r.plugins[namespace][name]
	return ok
}

// Verify dispatches namespace.name, preferring a builtin over a plugin
// when both are registered under the same key.
func (r *Registry) Verify(ctx context.Context, namespace, name string, opts Options) (Result, error) {
	if fn, ok := r.builtins[namespace][name]; ok {
		return fn(opts)
	}
	if entry, ok := r.plugins[namespace][name]; ok {
		return r.runPlugin(ctx, entry, opts)
	}
	return Result{}, fmt.Errorf("%w: %s.%s", engineerr.ErrUnknownVerifier, namespace, name)
}

// runPlugin substitutes the manifest's {root}/{workspace}/{value}/
// {directive} placeholders into the handler command and runs it through
// the shared subprocess runner rather than re-implementing exec.Command
// plumbing here. Exit code 0 is pass; stdout becomes the summary, stderr
// becomes the sole error's message on failure.
func (r *Registry) runPlugin(ctx context.Context, entry PluginEntry, opts Options) (Result, error) {
	command := substitutePlaceholders(entry.Handler, opts)
	res, err := runner.Run(ctx, runner.Options{
		Command:       command,
		AllowShell:    true,
		WorkspaceRoot: opts.Root,
		Timeout:       entry.Timeout,
	})
	if err != nil {
		return Result{}, fmt.Errorf("verify: running plugin %q: %w", entry.Handler, err)
	}

	passed := res.ExitCode == 0
	result := Result{
		Passed:  passed,
		Summary: strings.TrimRight(res.Stdout, "\n"),
		Details: map[string]interface{}{"exit_code": res.ExitCode},
	}
	if !passed {
		result.Errors = []Finding{{Message: strings.TrimRight(res.Stderr, "\n")}}
	}
	return result, nil
}

func substitutePlaceholders(handler string, opts Options) string {
	replacer := strings.NewReplacer(
		"{root}", opts.Root,
		"{workspace}", opts.Workspace,
		"{value}", opts.Value,
		"{directive}", opts.Directive,
	)
	return replacer.Replace(handler)
}
