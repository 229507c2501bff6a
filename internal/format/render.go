package format

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/model"
	"github.com/opensource-finance/churnwatch/internal/report"
	"github.com/opensource-finance/churnwatch/internal/segment"
)

// Rate formats an optional ratio as a percentage; nil renders as "n/a".
func Rate(r *float64) string {
	if r == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *r*100)
}

// Money formats an optional amount in dollars.
func Money(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}

// KPIs renders the headline numbers.
func KPIs(m Mode, k report.KPIs) string {
	t := NewTable(m)
	t.Header("Customers", "Churned", "Churn rate", "ARPU (US$)")
	t.Row(k.Customers, k.Churned, Rate(k.ChurnRate), Money(k.ARPU))
	t.Columns(
		ColumnConfig{Number: 1, Align: AlignRight},
		ColumnConfig{Number: 2, Align: AlignRight},
		ColumnConfig{Number: 3, Align: AlignRight},
		ColumnConfig{Number: 4, Align: AlignRight},
	)
	return t.String()
}

// Crosstab renders churn counts per category of column.
func Crosstab(m Mode, column string, rows []segment.CrosstabRow) string {
	t := NewTable(m)
	t.Header(column, "Active", "Churned", "Total", "Churn %")
	var active, churned int
	for _, r := range rows {
		t.Row(r.Category, r.Active, r.Churned, r.Total, Rate(r.ChurnRate))
		active += r.Active
		churned += r.Churned
	}
	var overall *float64
	if active+churned > 0 {
		rate := float64(churned) / float64(active+churned)
		overall = &rate
	}
	t.Footer("Total", active, churned, active+churned, Rate(overall))
	t.Columns(
		ColumnConfig{Number: 1, Align: AlignLeft, MaxWidth: 40},
		ColumnConfig{Number: 2, Align: AlignRight},
		ColumnConfig{Number: 3, Align: AlignRight},
		ColumnConfig{Number: 4, Align: AlignRight},
		ColumnConfig{Number: 5, Align: AlignRight},
	)
	return t.String()
}

// Tenure renders the tenure buckets.
func Tenure(m Mode, buckets []report.TenureBucket) string {
	t := NewTable(m)
	t.Header("Tenure", "Active", "Churned")
	for _, b := range buckets {
		t.Row(b.Label, b.Active, b.Churned)
	}
	return t.String()
}

// Distribution renders the stacked churn bars of a demographic column.
func Distribution(m Mode, column string, bars []report.Bar) string {
	t := NewTable(m)
	t.Header(column, "Active", "Churned")
	for _, b := range bars {
		t.Row(b.Category, b.Active, b.Churned)
	}
	return t.String()
}

// Charges renders the monthly charge comparison of the partition groups.
func Charges(m Mode, groups []report.GroupCharges) string {
	t := NewTable(m)
	t.Header("Group", "N", "Min", "Q1", "Median", "Q3", "Max", "Mean")
	for _, g := range groups {
		s := g.Stats
		if s == nil {
			t.Row(g.Group, 0, "-", "-", "-", "-", "-", "-")
			continue
		}
		t.Row(g.Group, s.Count,
			fmt.Sprintf("%.2f", s.Min), fmt.Sprintf("%.2f", s.Q1), fmt.Sprintf("%.2f", s.Median),
			fmt.Sprintf("%.2f", s.Q3), fmt.Sprintf("%.2f", s.Max), fmt.Sprintf("%.2f", s.Mean))
	}
	return t.String()
}

// Run renders the metrics of a model run.
func Run(m Mode, run *domain.ModelRun) string {
	t := NewTable(m)
	t.Title("Run " + run.ID)
	t.Header("Metric", "Value")
	t.Row("Snapshot", Truncate(run.SnapshotID, 16))
	t.Row("Threshold", fmt.Sprintf("%.2f", run.Threshold))
	t.Row("ROC-AUC (holdout)", fmt.Sprintf("%.3f", run.AUC))
	t.Row("Train / test rows", fmt.Sprintf("%d / %d", run.TrainRows, run.TestRows))
	t.Row("Scored", run.ScoredRows)
	t.Row("High risk", run.HighRiskCount)
	t.Row("Duration", fmt.Sprintf("%d ms", run.Metadata.TotalMs))
	return t.String()
}

// Importances renders up to limit features with their share of total gain.
func Importances(m Mode, imps []model.Importance, limit int) string {
	total := 0.0
	for _, imp := range imps {
		total += imp.Gain
	}
	t := NewTable(m)
	t.Header("Feature", "Gain", "Share")
	for i, imp := range imps {
		if limit > 0 && i == limit {
			break
		}
		share := 0.0
		if total > 0 {
			share = imp.Gain / total
		}
		t.Row(imp.Feature, fmt.Sprintf("%.2f", imp.Gain), Rate(&share))
	}
	return t.String()
}

// Confusion renders the holdout confusion matrix.
func Confusion(m Mode, c domain.Confusion) string {
	t := NewTable(m)
	t.Header("", "Predicted 0", "Predicted 1")
	t.Row("Actual 0", c.TN, c.FP)
	t.Row("Actual 1", c.FN, c.TP)
	return t.String()
}

// HighRisk renders up to limit flagged entities.
func HighRisk(m Mode, entities []domain.ScoredEntity, limit int) string {
	t := NewTable(m)
	t.Header("Customer", "Probability", "In training")
	shown := 0
	for _, e := range entities {
		if !e.HighRisk {
			continue
		}
		if limit > 0 && shown == limit {
			break
		}
		t.Row(e.CustomerID, fmt.Sprintf("%.3f", e.Probability), BoolMark(e.InTraining))
		shown++
	}
	return t.String()
}

// Columns renders the column list of a table with a sample value each.
func Columns(m Mode, tbl *domain.Table) string {
	t := NewTable(m)
	t.Header("#", "Column", "Sample")
	for i, c := range tbl.Columns {
		sample := ""
		for _, r := range tbl.Rows {
			if v := r.Get(c); !v.IsNull() {
				sample = v.Text()
				break
			}
		}
		t.Row(i+1, c, Truncate(sample, 40))
	}
	return t.String()
}

// Truncate shortens s to maxLen characters, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// BoolMark returns "✓" for true and "✗" for false.
func BoolMark(v bool) string {
	if v {
		return "✓"
	}
	return "✗"
}

// Section prefixes a rendered table with a heading.
func Section(m Mode, title, body string) string {
	if m == Markdown {
		return "### " + title + "\n\n" + body + "\n"
	}
	return strings.ToUpper(title) + "\n" + body + "\n"
}
