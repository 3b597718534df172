// Command contentbridge exports and imports repository content as portable
// ZIP packages, either directly or as a long-running job server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/johnswift/contentbridge/internal/config"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "contentbridge: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	properties []string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "contentbridge",
		Short:         "Bulk content export and import between a repository and ZIP packages",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringArrayVarP(&g.properties, "define", "D", nil, "set a property (key=value), e.g. -D contentbridge.storage.dir=/data")

	root.AddCommand(newServeCmd(g), newExportCmd(g), newImportCmd(g))
	return root
}

// load reads the configuration and applies -D properties.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath, nil)
	if err != nil {
		return nil, err
	}
	for _, kv := range g.properties {
		if err := cfg.SetProperty(kv); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
