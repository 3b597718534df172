// Package process starts exports and imports as tracked background processes.
// The HTTP and tool surfaces both go through a Launcher.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/johnswift/contentbridge/internal/files"
	"github.com/johnswift/contentbridge/internal/jobs"
	"github.com/johnswift/contentbridge/internal/migrate"
	"github.com/johnswift/contentbridge/internal/transfer"
)

const (
	KindExport = "export"
	KindImport = "import"
)

// ErrNoArtifact is returned when a process has no downloadable artifact (yet).
var ErrNoArtifact = errors.New("process has no artifact")

// Runner executes one export or import to completion.
type Runner interface {
	Export(ctx context.Context, params migrate.Parameters, artifactPath string, progress migrate.ProgressFunc) (*transfer.Report, error)
	Import(ctx context.Context, params migrate.Parameters, packagePath string, progress migrate.ProgressFunc) (*transfer.Report, error)
}

// Launcher binds the runner to the tracker and the managed file area.
type Launcher struct {
	tracker  *jobs.Tracker
	files    *files.Manager
	runner   Runner
	defaults migrate.Parameters
	log      *zap.Logger
}

// NewLauncher creates a launcher. defaults seed every request's parameters.
func NewLauncher(tracker *jobs.Tracker, fm *files.Manager, runner Runner, defaults migrate.Parameters, log *zap.Logger) *Launcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Launcher{
		tracker:  tracker,
		files:    fm,
		runner:   runner,
		defaults: defaults.Clone(),
		log:      log.Named("process"),
	}
}

// Defaults returns a private copy of the parameters requests start from.
func (l *Launcher) Defaults() migrate.Parameters { return l.defaults.Clone() }

// StartExport submits an export. The package is written to a fresh file in the
// export area named after the process id.
func (l *Launcher) StartExport(params migrate.Parameters) (string, error) {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return "", err
	}
	return l.tracker.Submit(KindExport, func(ctx context.Context, job *jobs.Job) (jobs.Outcome, error) {
		path, err := l.files.CreateExportFile(job.ID)
		if err != nil {
			return jobs.Outcome{}, err
		}
		report, err := l.runner.Export(ctx, params, path, job.Progress)
		if err != nil {
			if derr := l.files.DeleteExportFile(path); derr != nil {
				l.log.Warn("remove partial export", zap.String("path", path), zap.Error(derr))
			}
			return jobs.Outcome{Result: resultOf(report)}, err
		}
		return jobs.Outcome{ArtifactPath: path, Message: summary(report), Result: report.Result}, nil
	})
}

// StageImport copies a package into a fresh file in the import area and
// returns its path.
func (l *Launcher) StageImport(src io.Reader) (string, error) {
	path, err := l.files.CreateImportFile(uuid.NewString())
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		l.DiscardImportFile(path)
		return "", fmt.Errorf("open import file: %w", err)
	}
	_, err = io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		l.DiscardImportFile(path)
		return "", fmt.Errorf("stage import package: %w", err)
	}
	return path, nil
}

// DiscardImportFile removes an uploaded package that was never submitted.
func (l *Launcher) DiscardImportFile(path string) {
	if err := l.files.DeleteImportFile(path); err != nil {
		l.log.Warn("remove import file", zap.String("path", path), zap.Error(err))
	}
}

// StartImport submits an import of a package already placed in the import
// area. The package is removed once the run ends.
func (l *Launcher) StartImport(params migrate.Parameters, packagePath string) (string, error) {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return "", err
	}
	if _, err := l.files.GetImportFile(packagePath); err != nil {
		return "", err
	}
	return l.tracker.Submit(KindImport, func(ctx context.Context, job *jobs.Job) (jobs.Outcome, error) {
		defer l.DiscardImportFile(packagePath)
		report, err := l.runner.Import(ctx, params, packagePath, job.Progress)
		if err != nil {
			return jobs.Outcome{Result: resultOf(report)}, err
		}
		return jobs.Outcome{Message: summary(report), Result: report.Result}, nil
	})
}

// Status polls a process.
func (l *Launcher) Status(ctx context.Context, id string) (jobs.Status, error) {
	return l.tracker.Poll(ctx, id)
}

// Cancel requests cancellation of a running process.
func (l *Launcher) Cancel(ctx context.Context, id string) error {
	return l.tracker.Cancel(ctx, id)
}

// Artifact returns the export package of a succeeded process. Expired
// artifacts yield files.ErrFileExpired.
func (l *Launcher) Artifact(ctx context.Context, id string) (*files.ManagedFile, error) {
	st, err := l.tracker.Poll(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.State != jobs.StateSucceeded || st.ArtifactPath == "" {
		return nil, ErrNoArtifact
	}
	return l.files.GetExportFile(st.ArtifactPath)
}

func resultOf(r *transfer.Report) *migrate.Result {
	if r == nil {
		return nil
	}
	return r.Result
}

func summary(r *transfer.Report) string {
	if r == nil || r.Result == nil {
		return ""
	}
	res := r.Result
	return fmt.Sprintf("Processed: %d, Succeeded: %d, Failed: %d",
		res.TotalCount(), res.SucceededCount(), res.TotalCount()-res.SucceededCount())
}
