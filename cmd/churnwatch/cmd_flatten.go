package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/churnwatch/internal/flatten"
	"github.com/opensource-finance/churnwatch/internal/format"
	"github.com/opensource-finance/churnwatch/internal/schema"
	"github.com/opensource-finance/churnwatch/internal/source"
)

var flattenFlags struct {
	limit     int
	canonical bool
	markdown  bool
}

var flattenCmd = &cobra.Command{
	Use:   "flatten",
	Short: "Flatten the raw batch and print the resulting columns",
	RunE:  runFlatten,
}

func init() {
	f := flattenCmd.Flags()
	f.IntVar(&flattenFlags.limit, "limit", 0, "flatten only the first n records (0 for all)")
	f.BoolVar(&flattenFlags.canonical, "canonical", false, "also map the columns to the canonical schema")
	f.BoolVar(&flattenFlags.markdown, "markdown", false, "render tables as Markdown")
}

func runFlatten(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging, cmd.ErrOrStderr())

	src := source.FromConfig(cfg.Source)
	raw, err := src.Fetch(cmd.Context())
	if err != nil {
		return err
	}
	records, err := source.Decode(raw)
	if err != nil {
		return err
	}
	if flattenFlags.limit > 0 && flattenFlags.limit < len(records) {
		records = records[:flattenFlags.limit]
	}

	flat, stats, err := flatten.New(cfg.Flatten).Flatten(flatten.FromRecords(records))
	if err != nil {
		return err
	}

	tbl := flat
	if flattenFlags.canonical {
		mapper, err := schema.New(cfg.Schema)
		if err != nil {
			return err
		}
		if tbl, err = mapper.Map(flat); err != nil {
			return err
		}
	}

	mode := outputMode(flattenFlags.markdown)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Source:  %s\n", src)
	fmt.Fprintf(out, "Records: %d -> rows: %d, columns: %d\n", len(records), tbl.Len(), len(tbl.Columns))
	fmt.Fprintf(out, "Passes:  %d (%d explosions, %d expansions)\n\n", stats.Passes, stats.Explosions, stats.Expansions)
	fmt.Fprintln(out, format.Columns(mode, tbl))
	return nil
}
