package verify_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bewest/sdqctl/engineerr"
	"github.com/bewest/sdqctl/verify"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestScanRespectsExclusionsAndIgnoreFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.md", "hi")
	writeFile(t, root, "node_modules/dep/index.js", "ignored")
	writeFile(t, root, ".git/HEAD", "ignored")
	writeFile(t, root, "generated/out.txt", "ignored via .sdqctlignore")
	writeFile(t, root, verify.IgnoreFileName, "generated/*\n")

	files, err := verify.Scan(root, verify.ScanOptions{})
	require.NoError(t, err)
	assert.Contains(t, files, "keep.md")
	for _, f := range files {
		assert.NotContains(t, f, "node_modules")
		assert.NotContains(t, f, ".git")
		assert.NotContains(t, f, "generated")
	}
}

func TestCheckReferencesFindsBrokenRef(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "doc.md", "See @missing.go#L1-L2 for details.\n")

	result, err := verify.CheckReferences(verify.Options{Root: root})
	require.NoError(t, err)
	assert.False(t, result.Passed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "doc.md", result.Errors[0].File)
}

func TestCheckReferencesPassesOnResolvedRef(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "doc.md", "See @main.go for details.\n")

	result, err := verify.CheckReferences(verify.Options{Root: root})
	require.NoError(t, err)
	assert.True(t, result.Passed)
}

func TestCheckLinksFindsBrokenLink(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "index.md", "[missing](./nope.md)\n[ok](https://example.com)\n")

	result, err := verify.CheckLinks(verify.Options{Root: root})
	require.NoError(t, err)
	assert.False(t, result.Passed)
	require.Len(t, result.Errors, 1)
}

func TestCheckAssertionsNeverFails(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "// TODO: fix this\npackage main\n")

	result, err := verify.CheckAssertions(verify.Options{Root: root})
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Len(t, result.Warnings, 1)
}

func TestCheckTerminologyFlagsForbiddenTerm(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "doc.md", "Please whitelist this entry.\n")

	result, err := verify.CheckTerminology(verify.Options{Root: root, Value: "whitelist, blacklist"})
	require.NoError(t, err)
	assert.False(t, result.Passed)
	require.Len(t, result.Errors, 1)
}

func TestCheckTraceChainFindsDanglingReference(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "req.md", "# REQ-100\nSee REQ-200 for the follow-up.\n")

	result, err := verify.CheckTraceChain(verify.Options{Root: root})
	require.NoError(t, err)
	assert.False(t, result.Passed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "REQ-200")
}

func TestRegistryUnknownVerifierErrors(t *testing.T) {
	r := verify.NewRegistry()
	_, err := r.Verify(context.Background(), verify.NamespaceVerify, "does-not-exist", verify.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrUnknownVerifier)
}

func TestRegistryBuiltinDispatch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")

	r := verify.NewRegistry()
	result, err := r.Verify(context.Background(), verify.NamespaceVerify, "references", verify.Options{Root: root})
	require.NoError(t, err)
	assert.True(t, result.Passed)
}

func TestRegistryPluginDispatch(t *testing.T) {
	root := t.TempDir()
	r := verify.NewRegistry()
	r.RegisterPlugin(verify.NamespaceVerify, "always-pass", verify.PluginEntry{Handler: "echo all good"})

	result, err := r.Verify(context.Background(), verify.NamespaceVerify, "always-pass", verify.Options{Root: root})
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Equal(t, "all good", result.Summary)
}

func TestRegistryPluginFailureCapturesStderr(t *testing.T) {
	root := t.TempDir()
	r := verify.NewRegistry()
	r.RegisterPlugin(verify.NamespaceVerify, "always-fail", verify.PluginEntry{Handler: "echo boom 1>&2; exit 1"})

	result, err := r.Verify(context.Background(), verify.NamespaceVerify, "always-fail", verify.Options{Root: root})
	require.NoError(t, err)
	assert.False(t, result.Passed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "boom", result.Errors[0].Message)
}

func TestLoadManifestAndDispatch(t *testing.T) {
	root := t.TempDir()
	manifestPath := filepath.Join(root, "directives.yaml")
	writeFile(t, root, "directives.yaml", `version: 1
directives:
  HYGIENE:
    no-trailing-whitespace:
      handler: "echo clean"
      description: "checks for trailing whitespace"
      timeout: 5s
`)

	r := verify.NewRegistry()
	require.NoError(t, r.LoadManifest(manifestPath))

	result, err := r.Verify(context.Background(), verify.NamespaceHygiene, "no-trailing-whitespace", verify.Options{Root: root})
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Equal(t, "clean", result.Summary)
}
