package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnswift/contentbridge/internal/archive"
)

const seed = `[
	{"path": "/content", "primaryType": "content:folder"},
	{"path": "/content/documents", "primaryType": "content:folder"},
	{"path": "/content/documents/news", "primaryType": "content:handle"},
	{"path": "/content/documents/news/news", "primaryType": "ns:news", "properties": {"state": "published"}},
	{"path": "/content/documents/about", "primaryType": "content:handle"},
	{"path": "/content/documents/about/about", "primaryType": "ns:page"}
]`

func setup(t *testing.T) (dir, cfgPath string) {
	t.Helper()
	dir = t.TempDir()
	seedPath := filepath.Join(dir, "seed.json")
	require.NoError(t, os.WriteFile(seedPath, []byte(seed), 0o600))
	cfgPath = filepath.Join(dir, "contentbridge.yaml")
	body := "repository:\n  driver: memory\n  seed_file: " + seedPath + "\nmigration:\n  throttle_ms: 0\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return dir, cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExportThenImport(t *testing.T) {
	dir, cfg := setup(t)
	pkg := filepath.Join(dir, "out.zip")

	out, err := execute(t, "--config", cfg, "export",
		"--document", "/content/documents/news",
		"--document-query", "/content/documents//element(*, ns:page)",
		"-o", pkg)
	require.NoError(t, err)
	assert.Contains(t, out, "Processed: 2, Succeeded: 2, Failed: 0")

	r, err := archive.OpenReader(pkg)
	require.NoError(t, err)
	assert.True(t, r.Has("documents/content/documents/news.json"))
	assert.True(t, r.Has("_manifest.json"))
	require.NoError(t, r.Close())

	out, err = execute(t, "--config", cfg, "import", "--in", pkg, "--publish", "live")
	require.NoError(t, err)
	assert.Contains(t, out, "Processed: 2, Succeeded: 2, Failed: 0")
}

func TestExportRequiresSelection(t *testing.T) {
	dir, cfg := setup(t)
	_, err := execute(t, "--config", cfg, "export", "-o", filepath.Join(dir, "x.zip"))
	assert.ErrorContains(t, err, "nothing selected")
}

func TestImportRejectsBadPolicy(t *testing.T) {
	dir, cfg := setup(t)
	_, err := execute(t, "--config", cfg, "import", "--in", filepath.Join(dir, "x.zip"), "--publish", "sometimes")
	assert.Error(t, err)
}

func TestBadProperty(t *testing.T) {
	_, cfg := setup(t)
	_, err := execute(t, "--config", cfg, "-D", "novalue", "export", "-o", "x.zip", "--document", "/content/documents/news")
	assert.ErrorContains(t, err, "expected key=value")
}

func TestServeNeedsSomethingToServe(t *testing.T) {
	_, cfg := setup(t)
	_, err := execute(t, "--config", cfg, "serve", "--addr", "")
	assert.ErrorContains(t, err, "nothing to serve")
}
