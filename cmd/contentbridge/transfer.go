package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/johnswift/contentbridge/internal/migrate"
	"github.com/johnswift/contentbridge/internal/transfer"
)

// selectorFlags are the command-line item selectors shared by export.
type selectorFlags struct {
	paramsFile      string
	documentPaths   []string
	documentQueries []string
	binaryPaths     []string
	binaryQueries   []string
	includes        []string
	excludes        []string
}

func (s *selectorFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&s.paramsFile, "params", "", "JSON file with execution parameters")
	f.StringSliceVar(&s.documentPaths, "document", nil, "document handle path to export (repeatable)")
	f.StringSliceVar(&s.documentQueries, "document-query", nil, "query selecting documents (repeatable)")
	f.StringSliceVar(&s.binaryPaths, "binary", nil, "binary handle path to export (repeatable)")
	f.StringSliceVar(&s.binaryQueries, "binary-query", nil, "query selecting binaries (repeatable)")
	f.StringSliceVar(&s.includes, "include", nil, "glob a collected path must match")
	f.StringSliceVar(&s.excludes, "exclude", nil, "glob that drops a collected path")
}

// parameters overlays the params file and the selector flags on base.
func (s *selectorFlags) parameters(base migrate.Parameters) (migrate.Parameters, error) {
	params, err := readParams(s.paramsFile, base)
	if err != nil {
		return params, err
	}
	if len(s.documentPaths) > 0 || len(s.documentQueries) > 0 {
		params.Documents = migrate.NewQueriesAndPaths(s.documentQueries, s.documentPaths, s.includes, s.excludes)
	}
	if len(s.binaryPaths) > 0 || len(s.binaryQueries) > 0 {
		params.Binaries = migrate.NewQueriesAndPaths(s.binaryQueries, s.binaryPaths, s.includes, s.excludes)
	}
	return params, nil
}

func readParams(path string, base migrate.Parameters) (migrate.Parameters, error) {
	if path == "" {
		return base, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return base, fmt.Errorf("open params: %w", err)
	}
	defer f.Close()
	params := base
	if err := json.NewDecoder(f).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("decode params %s: %w", path, err)
	}
	return params, nil
}

func progressLogger(log *zap.Logger) migrate.ProgressFunc {
	return func(done, total int) {
		log.Debug("progress", zap.Int("done", done), zap.Int("total", total))
	}
}

func printReport(cmd *cobra.Command, report *transfer.Report) {
	if report == nil {
		return
	}
	fmt.Fprint(cmd.OutOrStdout(), report.Summary())
}

func newExportCmd(g *globalFlags) *cobra.Command {
	var (
		sel selectorFlags
		out string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export selected content into a ZIP package",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			params, err := sel.parameters(cfg.Parameters())
			if err != nil {
				return err
			}
			if params.Binaries.IsEmpty() && params.Documents.IsEmpty() {
				return errors.New("nothing selected: pass --document, --binary, their -query variants or --params")
			}

			svc := transfer.NewService(a.store, a.log)
			report, err := svc.Export(cmd.Context(), params, out, progressLogger(a.log))
			printReport(cmd, report)
			return err
		},
	}
	sel.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "", "package file to write")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newImportCmd(g *globalFlags) *cobra.Command {
	var (
		in         string
		paramsFile string
		publish    string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a ZIP package into the repository",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			params, err := readParams(paramsFile, cfg.Parameters())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("publish") {
				policy, err := migrate.ParsePublishPolicy(publish)
				if err != nil {
					return err
				}
				params.PublishOnImport = policy
			}

			svc := transfer.NewService(a.store, a.log)
			report, err := svc.Import(cmd.Context(), params, in, progressLogger(a.log))
			printReport(cmd, report)
			return err
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "package file to read")
	cmd.Flags().StringVar(&paramsFile, "params", "", "JSON file with execution parameters")
	cmd.Flags().StringVar(&publish, "publish", "", "publish policy for imported variants: none, all or live")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}
