package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/churnwatch/internal/format"
	"github.com/opensource-finance/churnwatch/internal/pipeline"
	"github.com/opensource-finance/churnwatch/internal/repository"
	"github.com/opensource-finance/churnwatch/internal/scoring"
	"github.com/opensource-finance/churnwatch/internal/source"
)

var trainFlags struct {
	threshold float64
	out       string
	top       int
	persist   bool
	markdown  bool
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a churn model on the batch and export high-risk customers",
	RunE:  runTrain,
}

func init() {
	f := trainCmd.Flags()
	f.Float64Var(&trainFlags.threshold, "threshold", 0, "alert threshold in [0.1, 0.9] (default from config)")
	f.StringVarP(&trainFlags.out, "out", "o", scoring.ExportFilename, "CSV export of high-risk customers (empty to skip)")
	f.IntVar(&trainFlags.top, "top", 10, "number of high-risk customers to print")
	f.BoolVar(&trainFlags.persist, "persist", false, "save the run to the configured repository")
	f.BoolVar(&trainFlags.markdown, "markdown", false, "render tables as Markdown")
}

func runTrain(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging, cmd.ErrOrStderr())

	var deps pipeline.Deps
	if trainFlags.persist {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("initialize repository: %w", err)
		}
		defer repo.Close()
		deps.Repo = repo
	}

	p, err := pipeline.New(cfg, source.FromConfig(cfg.Source), deps)
	if err != nil {
		return err
	}

	threshold := trainFlags.threshold
	if threshold == 0 {
		threshold = p.Threshold()
	}
	res, err := p.Train(cmd.Context(), threshold)
	if err != nil {
		return err
	}

	mode := outputMode(trainFlags.markdown)
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, format.Run(mode, res.Run))
	fmt.Fprintln(out, format.Section(mode, "Holdout confusion matrix", format.Confusion(mode, res.Run.Confusion)))
	if mdl, err := p.Model(); err == nil {
		fmt.Fprintln(out, format.Section(mode, "Feature importance", format.Importances(mode, mdl.Importances(), trainFlags.top)))
	}
	if res.Run.HighRiskCount > 0 && trainFlags.top > 0 {
		fmt.Fprintln(out, format.Section(mode, "Highest risk", format.HighRisk(mode, topRisk(res), trainFlags.top)))
	}

	if trainFlags.out == "" {
		return nil
	}
	f, err := os.Create(trainFlags.out)
	if err != nil {
		return fmt.Errorf("create export: %w", err)
	}
	if err := scoring.ExportHighRisk(f, res.Scores); err != nil {
		f.Close()
		return fmt.Errorf("write export: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(out, "Exported %d high-risk customers to %s\n", res.Run.HighRiskCount, trainFlags.out)
	return nil
}
