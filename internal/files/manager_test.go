package files

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) string { return "" }

func newManager(t *testing.T, now func() time.Time) *Manager {
	t.Helper()
	m, err := New(Options{StorageDir: t.TempDir(), Getenv: noEnv, Now: now})
	require.NoError(t, err)
	return m
}

func TestResolveStorageBasePriority(t *testing.T) {
	env := func(v string) func(string) string {
		return func(k string) string {
			if k == EnvStorageDir {
				return v
			}
			return ""
		}
	}
	props := map[string]string{PropStorageDir: "/from/property"}

	assert.Equal(t, "/from/env", ResolveStorageBase(Options{Getenv: env("/from/env"), StorageDir: "/from/config", Properties: props}))
	assert.Equal(t, "/from/config", ResolveStorageBase(Options{Getenv: env(""), StorageDir: "/from/config", Properties: props}))
	assert.Equal(t, "/from/property", ResolveStorageBase(Options{Getenv: env(""), Properties: props}))
	assert.Equal(t, filepath.Join(os.TempDir(), DefaultDirName), ResolveStorageBase(Options{Getenv: env("")}))
}

func TestNewCreatesSubareas(t *testing.T) {
	m := newManager(t, nil)
	for _, dir := range []string{m.ExportsDir(), m.ImportsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, DefaultTTL, m.TTL())
}

func TestNewFailsWhenBaseIsAFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	m, err := New(Options{StorageDir: f, Getenv: noEnv})
	assert.Error(t, err)
	assert.Nil(t, m)
}

func TestCreateAndGetFiles(t *testing.T) {
	m := newManager(t, nil)

	p1, err := m.CreateExportFile("proc-1")
	require.NoError(t, err)
	p2, err := m.CreateExportFile("proc-1")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, m.ExportsDir(), filepath.Dir(p1))
	assert.True(t, strings.HasPrefix(filepath.Base(p1), "export-proc-1-"))
	assert.Equal(t, ".zip", filepath.Ext(p1))

	mf, err := m.GetExportFile(p1)
	require.NoError(t, err)
	assert.Equal(t, p1, mf.Path)
	assert.Equal(t, KindExport, mf.Kind)

	// Relative names resolve inside the subarea.
	mf, err = m.GetExportFile(filepath.Base(p2))
	require.NoError(t, err)
	assert.Equal(t, p2, mf.Path)

	ip, err := m.CreateImportFile("../../weird/id")
	require.NoError(t, err)
	assert.Equal(t, m.ImportsDir(), filepath.Dir(ip))
	assert.NotContains(t, filepath.Base(ip), "/")

	// An import file is not reachable through the export area.
	_, err = m.GetExportFile(ip)
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestTraversalIsRejected(t *testing.T) {
	m := newManager(t, nil)

	for _, p := range []string{
		"../../etc/passwd",
		filepath.Join(m.ExportsDir(), "..", "..", "etc", "passwd"),
		"/etc/passwd",
		m.ExportsDir(),
		"..",
		"",
		"a\x00b",
	} {
		_, err := m.GetExportFile(p)
		assert.ErrorIs(t, err, ErrInvalidPath, p)
		assert.ErrorIs(t, m.DeleteExportFile(p), ErrInvalidPath, p)
	}
}

func TestSymlinksOutOfTheAreaAreRejected(t *testing.T) {
	m := newManager(t, nil)
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.zip")
	require.NoError(t, os.WriteFile(secret, []byte("PK"), 0o600))

	link := filepath.Join(m.ExportsDir(), "export-link.zip")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	require.NoError(t, os.Symlink(outside, filepath.Join(m.ExportsDir(), "nested")))

	for _, p := range []string{link, filepath.Join("nested", "secret.zip")} {
		_, err := m.GetExportFile(p)
		assert.ErrorIs(t, err, ErrInvalidPath, p)
	}
	_, err := os.Stat(secret)
	assert.NoError(t, err)
}

func TestGetMissingFile(t *testing.T) {
	m := newManager(t, nil)
	_, err := m.GetImportFile("import-nothing.zip")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestExpiredFileIsRemovedOnAccess(t *testing.T) {
	now := time.Now()
	m := newManager(t, func() time.Time { return now })

	p, err := m.CreateExportFile("old")
	require.NoError(t, err)
	old := now.Add(-25 * time.Hour)
	require.NoError(t, os.Chtimes(p, old, old))

	_, err = m.GetExportFile(p)
	assert.ErrorIs(t, err, ErrFileExpired)
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))

	_, err = m.GetExportFile(p)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	m := newManager(t, nil)
	p, err := m.CreateImportFile("x")
	require.NoError(t, err)

	require.NoError(t, m.DeleteImportFile(p))
	require.NoError(t, m.DeleteImportFile(p))
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupExpiredFiles(t *testing.T) {
	now := time.Now()
	m := newManager(t, func() time.Time { return now })

	stale, err := m.CreateExportFile("stale")
	require.NoError(t, err)
	staleImport, err := m.CreateImportFile("stale")
	require.NoError(t, err)
	fresh, err := m.CreateExportFile("fresh")
	require.NoError(t, err)
	old := now.Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(staleImport, old, old))

	deleted, err := m.CleanupExpiredFiles()
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestShutdownRemovesBase(t *testing.T) {
	m := newManager(t, nil)
	_, err := m.CreateExportFile("p")
	require.NoError(t, err)

	m.Shutdown()
	_, err = os.Stat(m.BaseDir())
	assert.True(t, os.IsNotExist(err))

	_, err = m.CreateExportFile("p")
	assert.ErrorIs(t, err, ErrClosed)
	m.Shutdown()
}

func TestSanitizeID(t *testing.T) {
	assert.Equal(t, "abc-123_X", sanitizeID("abc-123_X"))
	assert.Equal(t, "______etc_passwd", sanitizeID("../../etc/passwd"))
	assert.Equal(t, "process", sanitizeID(""))
	assert.Len(t, sanitizeID(strings.Repeat("a", 200)), 64)
}
