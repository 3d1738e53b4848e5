package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ziadkadry99/fixflow/internal/graph"
	"github.com/ziadkadry99/fixflow/internal/issues"
	"github.com/ziadkadry99/fixflow/internal/progress"
)

const defaultStartText = "What do you need help with?"

// seedFile is the YAML layout accepted by `fixflow seed`. Issues use the
// same shape as the admin export endpoint.
type seedFile struct {
	StartText string         `yaml:"start_text"`
	Issues    []graph.Export `yaml:"issues"`
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.yml>",
	Short: "Load troubleshooting categories from a YAML file",
	Long: `Creates the global start node if needed and imports every issue in the
file. Categories that already exist are skipped. Imported categories are
live immediately; any question left without answers is reported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, err := loadSeed(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		a, err := newApp(cfg, logger, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		return runSeed(cmd.Context(), a.graph, a.issues, seed, progress.NewReporter("Seeding"))
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func loadSeed(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file %s: %w", path, err)
	}
	if seed.StartText == "" {
		seed.StartText = defaultStartText
	}
	if len(seed.Issues) == 0 {
		return nil, errors.New("seed file contains no issues")
	}
	return &seed, nil
}

func runSeed(ctx context.Context, g *graph.Store, svc *issues.Service, seed *seedFile, rep progress.Reporter) error {
	if _, err := g.EnsureGlobalStart(ctx, seed.StartText); err != nil {
		return fmt.Errorf("creating global start node: %w", err)
	}

	var (
		imported []graph.ImportSuccess
		failed   []graph.ImportFailure
	)
	rep.Start(len(seed.Issues))
	for i, e := range seed.Issues {
		res, err := svc.Import(ctx, "seed", []graph.Export{e})
		if err != nil {
			rep.Finish()
			return err
		}
		imported = append(imported, res.Success...)
		failed = append(failed, res.Errors...)
		rep.Update(i+1, e.Issue.Category)
	}
	rep.Finish()

	for _, f := range failed {
		fmt.Printf("  skipped %s: %s\n", f.Category, f.Error)
	}
	for _, s := range imported {
		fmt.Printf("  imported %s (%d nodes, %d connections)\n", s.Category, s.NodesCount, s.ConnectionsCount)
		incomplete, err := svc.Incomplete(ctx, s.Category)
		if err != nil {
			return err
		}
		for _, n := range incomplete {
			fmt.Printf("    warning: %q has no answers\n", n.Text)
		}
	}
	fmt.Printf("Seeded %d of %d issue(s).\n", len(imported), len(seed.Issues))
	return nil
}
