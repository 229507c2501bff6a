package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/format"
	"github.com/opensource-finance/churnwatch/internal/pipeline"
	"github.com/opensource-finance/churnwatch/internal/segment"
	"github.com/opensource-finance/churnwatch/internal/source"
)

var reportFlags struct {
	by       string
	markdown bool
	gender   []string
	contract []string
	internet []string
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the descriptive churn report",
	Long: "Print headline KPIs, a churn crosstab, demographic distributions, tenure\n" +
		"buckets and the monthly charge comparison of the critical segment.",
	RunE: runReport,
}

func init() {
	f := reportCmd.Flags()
	f.StringVar(&reportFlags.by, "by", domain.ColContract, "crosstab column: "+strings.Join(domain.GroupingColumns, ", "))
	f.BoolVar(&reportFlags.markdown, "markdown", false, "render tables as Markdown")
	f.StringSliceVar(&reportFlags.gender, "gender", nil, "keep only these genders")
	f.StringSliceVar(&reportFlags.contract, "contract", nil, "keep only these contract types")
	f.StringSliceVar(&reportFlags.internet, "internet", nil, "keep only these internet services")
}

func runReport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging, cmd.ErrOrStderr())

	p, err := pipeline.New(cfg, source.FromConfig(cfg.Source), pipeline.Deps{})
	if err != nil {
		return err
	}

	filter := segment.Filter{}
	if len(reportFlags.gender) > 0 {
		filter[domain.ColGender] = reportFlags.gender
	}
	if len(reportFlags.contract) > 0 {
		filter[domain.ColContract] = reportFlags.contract
	}
	if len(reportFlags.internet) > 0 {
		filter[domain.ColInternetService] = reportFlags.internet
	}

	rep, err := p.Report(cmd.Context(), filter, strings.ToUpper(reportFlags.by))
	if err != nil {
		return err
	}

	mode := outputMode(reportFlags.markdown)
	out := cmd.OutOrStdout()
	if mode == format.Markdown {
		fmt.Fprintln(out, "## Churn report")
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out, format.Section(mode, "KPIs", format.KPIs(mode, rep.KPIs)))
	fmt.Fprintln(out, format.Section(mode, "Churn by "+rep.GroupBy, format.Crosstab(mode, rep.GroupBy, rep.Crosstab)))
	for _, col := range domain.DistributionColumns {
		if bars, ok := rep.Distributions[col]; ok {
			fmt.Fprintln(out, format.Section(mode, "Churn by "+col, format.Distribution(mode, col, bars)))
		}
	}
	fmt.Fprintln(out, format.Section(mode, "Tenure", format.Tenure(mode, rep.Tenure)))
	fmt.Fprintln(out, format.Section(mode, "Monthly charges by group", format.Charges(mode, rep.Charges)))
	return nil
}
