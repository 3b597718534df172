package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnswift/contentbridge/internal/files"
	"github.com/johnswift/contentbridge/internal/jobs"
	"github.com/johnswift/contentbridge/internal/migrate"
	"github.com/johnswift/contentbridge/internal/transfer"
)

type fakeRunner struct {
	exportErr error
	importErr error
	imported  []string
	params    migrate.Parameters
}

func report(n int) *transfer.Report {
	res := migrate.NewResult()
	for i := 0; i < n; i++ {
		res.AddItem(migrate.Item{HandlePath: "/content/documents/x", Kind: migrate.KindDocument})
	}
	res.SucceededDocumentCount = n
	return &transfer.Report{Result: res}
}

func (f *fakeRunner) Export(_ context.Context, params migrate.Parameters, path string, progress migrate.ProgressFunc) (*transfer.Report, error) {
	f.params = params
	if err := os.WriteFile(path, []byte("PK"), 0o640); err != nil {
		return nil, err
	}
	progress(1, 2)
	if f.exportErr != nil {
		return report(1), f.exportErr
	}
	return report(2), nil
}

func (f *fakeRunner) Import(_ context.Context, params migrate.Parameters, path string, _ migrate.ProgressFunc) (*transfer.Report, error) {
	f.params = params
	f.imported = append(f.imported, path)
	if f.importErr != nil {
		return nil, f.importErr
	}
	return report(1), nil
}

func newLauncher(t *testing.T, runner Runner) (*Launcher, *files.Manager) {
	t.Helper()
	fm, err := files.New(files.Options{StorageDir: t.TempDir(), Getenv: func(string) string { return "" }})
	require.NoError(t, err)
	tr := jobs.NewTracker(nil, nil)
	t.Cleanup(func() {
		_ = tr.Close()
		fm.Shutdown()
	})
	return NewLauncher(tr, fm, runner, migrate.Parameters{BatchSize: 7}, nil), fm
}

func wait(t *testing.T, l *Launcher, id string) jobs.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := l.tracker.Wait(ctx, id)
	require.NoError(t, err)
	return st
}

func TestStartExport(t *testing.T) {
	runner := &fakeRunner{}
	l, fm := newLauncher(t, runner)

	id, err := l.StartExport(l.Defaults())
	require.NoError(t, err)
	st := wait(t, l, id)
	assert.Equal(t, jobs.StateSucceeded, st.State)
	assert.Equal(t, "Processed: 2, Succeeded: 2, Failed: 0", st.Message)
	assert.Equal(t, 7, runner.params.BatchSize)
	assert.Equal(t, migrate.PublishNone, runner.params.PublishOnImport)

	mf, err := l.Artifact(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, fm.ExportsDir(), filepath.Dir(mf.Path))
	assert.Equal(t, int64(2), mf.Size)
}

func TestStartExportFailureRemovesArtifact(t *testing.T) {
	l, fm := newLauncher(t, &fakeRunner{exportErr: errors.New("collect: store down")})

	id, err := l.StartExport(l.Defaults())
	require.NoError(t, err)
	st := wait(t, l, id)
	assert.Equal(t, jobs.StateFailed, st.State)
	assert.Equal(t, "collect: store down", st.Message)
	require.NotNil(t, st.Result)
	assert.Equal(t, 1, st.Result.TotalDocumentCount)

	_, err = l.Artifact(context.Background(), id)
	assert.ErrorIs(t, err, ErrNoArtifact)

	entries, err := os.ReadDir(fm.ExportsDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStartExportRejectsBadParameters(t *testing.T) {
	l, _ := newLauncher(t, &fakeRunner{})
	_, err := l.StartExport(migrate.Parameters{PublishOnImport: "sometimes"})
	assert.Error(t, err)
}

func TestStartImport(t *testing.T) {
	runner := &fakeRunner{}
	l, _ := newLauncher(t, runner)

	path, err := l.StageImport(strings.NewReader("PK"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PK", string(data))

	id, err := l.StartImport(migrate.Parameters{PublishOnImport: migrate.PublishAll}, path)
	require.NoError(t, err)
	st := wait(t, l, id)
	assert.Equal(t, jobs.StateSucceeded, st.State)
	assert.Empty(t, st.ArtifactPath)
	assert.Equal(t, []string{path}, runner.imported)
	assert.Equal(t, migrate.PublishAll, runner.params.PublishOnImport)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "uploaded package is removed after the run")

	_, err = l.Artifact(context.Background(), id)
	assert.ErrorIs(t, err, ErrNoArtifact)
}

func TestStartImportRequiresManagedFile(t *testing.T) {
	l, _ := newLauncher(t, &fakeRunner{})
	_, err := l.StartImport(migrate.Parameters{}, "../../etc/passwd")
	assert.ErrorIs(t, err, files.ErrInvalidPath)

	_, err = l.StartImport(migrate.Parameters{}, "missing.zip")
	assert.ErrorIs(t, err, files.ErrFileNotFound)
}

func TestStatusAndCancelUnknown(t *testing.T) {
	l, _ := newLauncher(t, &fakeRunner{})
	_, err := l.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, jobs.ErrProcessNotFound)
	assert.ErrorIs(t, l.Cancel(context.Background(), "nope"), jobs.ErrProcessNotFound)
}
