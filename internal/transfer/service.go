package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/johnswift/contentbridge/internal/archive"
	"github.com/johnswift/contentbridge/internal/collect"
	"github.com/johnswift/contentbridge/internal/migrate"
	"github.com/johnswift/contentbridge/internal/repo"
)

// Service runs complete exports and imports against one repository.
type Service struct {
	store repo.ContentWriter
	exec  *migrate.Executor
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates a service. Executor options (sleeper, clock) are passed
// through to the batch executor.
func NewService(store repo.ContentWriter, log *zap.Logger, opts ...migrate.ExecutorOption) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store: store,
		exec:  migrate.NewExecutor(log, opts...),
		log:   log.Named("transfer"),
		now:   time.Now,
	}
}

// Export collects the selected items and writes them to a package at
// artifactPath. Per-item failures are reported in the Result; the returned
// error is reserved for collection failures, package I/O and cancellation,
// in which case the partial report is still returned when available.
func (s *Service) Export(ctx context.Context, params migrate.Parameters, artifactPath string, progress migrate.ProgressFunc) (*Report, error) {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	result, err := collect.New(s.store, s.log).Collect(ctx, params)
	if err != nil {
		return &Report{Result: result}, err
	}

	w, err := archive.Create(artifactPath)
	if err != nil {
		return &Report{Result: result}, err
	}

	exporter := NewExporter(s.store, w, params, s.log)
	ledger, runErr := s.exec.Run(ctx, result.Items, params, exporter.ExportItem, progress)
	result.ApplyLedger(ledger)
	report := &Report{Result: result, Ledger: ledger}

	if err := s.writeTrailer(w, report); err != nil {
		_ = w.Close()
		return report, err
	}
	if err := w.Close(); err != nil {
		return report, err
	}

	s.log.Info("export finished",
		zap.String("artifact", artifactPath),
		zap.Int("items", result.TotalCount()),
		zap.Int("succeeded", result.SucceededCount()),
		zap.Error(runErr))
	return report, runErr
}

func (s *Service) writeTrailer(w *archive.Writer, report *Report) error {
	logData, err := json.MarshalIndent(RunLog{
		StartedAt: report.Ledger.StartedAt,
		StoppedAt: report.Ledger.StoppedAt,
		Summary:   report.Ledger.Summary(),
		Records:   report.Ledger.Records(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run log: %w", err)
	}
	if err := w.Add(LogEntry, logData); err != nil {
		return err
	}

	manifest, err := json.MarshalIndent(Manifest{
		Version:    FormatVersion,
		ExportedAt: s.now().UTC(),
		Result:     report.Result,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return w.Add(ManifestEntry, manifest)
}

// Import reads the package at packagePath and writes every item into the
// repository, binaries first.
func (s *Service) Import(ctx context.Context, params migrate.Parameters, packagePath string, progress migrate.ProgressFunc) (*Report, error) {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	r, err := archive.OpenReader(packagePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	items, err := PackageItems(r)
	if err != nil {
		return nil, &migrate.Error{Op: "read package", Err: err}
	}
	if len(items) == 0 {
		return nil, &migrate.Error{Op: "read package", Err: errors.New("package contains no content items")}
	}

	result := migrate.NewResult()
	for _, it := range items {
		result.AddItem(it)
	}

	importer := NewImporter(s.store, r, params, s.log)
	ledger, runErr := s.exec.Run(ctx, items, params, importer.ImportItem, progress)
	result.ApplyLedger(ledger)

	s.log.Info("import finished",
		zap.String("package", packagePath),
		zap.Int("items", result.TotalCount()),
		zap.Int("succeeded", result.SucceededCount()),
		zap.Error(runErr))
	return &Report{Result: result, Ledger: ledger}, runErr
}
