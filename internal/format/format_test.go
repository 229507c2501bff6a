package format

import (
	"strings"
	"testing"

	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/model"
	"github.com/opensource-finance/churnwatch/internal/report"
	"github.com/opensource-finance/churnwatch/internal/segment"
)

func TestTableModes(t *testing.T) {
	build := func(m Mode) string {
		tb := NewTable(m)
		tb.Header("Name", "Value")
		tb.Row("alpha", 1)
		tb.Row("beta", 2)
		return tb.String()
	}

	t.Run("ASCII", func(t *testing.T) {
		out := build(ASCII)
		if !strings.Contains(out, "alpha") || !strings.Contains(out, "┌") {
			t.Errorf("expected light box table, got:\n%s", out)
		}
	})

	t.Run("Markdown", func(t *testing.T) {
		out := build(Markdown)
		if !strings.HasPrefix(out, "| Name") || !strings.Contains(out, "| --- |") {
			t.Errorf("expected markdown table, got:\n%s", out)
		}
	})
}

func TestRate(t *testing.T) {
	r := 0.2654
	tests := []struct {
		name string
		in   *float64
		want string
	}{
		{"Defined", &r, "26.5%"},
		{"Undefined", nil, "n/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Rate(tt.in); got != tt.want {
				t.Errorf("Rate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCrosstabFooter(t *testing.T) {
	half := 0.5
	rows := []segment.CrosstabRow{
		{Category: "Month-to-month", Active: 1, Churned: 1, Total: 2, ChurnRate: &half},
		{Category: "One year"},
	}
	out := Crosstab(Markdown, domain.ColContract, rows)
	if !strings.Contains(out, "Month-to-month") || !strings.Contains(out, "n/a") {
		t.Errorf("missing rows in:\n%s", out)
	}
	if !strings.Contains(out, "50.0%") {
		t.Errorf("expected overall rate in footer:\n%s", out)
	}
}

func TestHighRiskLimit(t *testing.T) {
	entities := []domain.ScoredEntity{
		{CustomerID: "a", Probability: 0.9, HighRisk: true},
		{CustomerID: "b", Probability: 0.1},
		{CustomerID: "c", Probability: 0.8, HighRisk: true},
		{CustomerID: "d", Probability: 0.7, HighRisk: true},
	}
	out := HighRisk(Markdown, entities, 2)
	if !strings.Contains(out, "| a ") || !strings.Contains(out, "| c ") {
		t.Errorf("expected first two flagged entities:\n%s", out)
	}
	if strings.Contains(out, "| b ") || strings.Contains(out, "| d ") {
		t.Errorf("unexpected entity in:\n%s", out)
	}
}

func TestImportances(t *testing.T) {
	imps := []model.Importance{
		{Feature: domain.ColContract, Gain: 6},
		{Feature: domain.ColTenureMonths, Gain: 2},
		{Feature: domain.ColGender, Gain: 0},
	}
	out := Importances(Markdown, imps, 2)
	if !strings.Contains(out, "| "+domain.ColContract+" | 6.00 | 75.0% |") {
		t.Errorf("expected contract share of 75%%:\n%s", out)
	}
	if strings.Contains(out, domain.ColGender) {
		t.Errorf("expected limit to drop the last feature:\n%s", out)
	}
	if out := Importances(Markdown, []model.Importance{{Feature: "X"}}, 0); !strings.Contains(out, "| X | 0.00 | 0.0% |") {
		t.Errorf("expected zero share without gain:\n%s", out)
	}
}

func TestRenderers(t *testing.T) {
	run := &domain.ModelRun{
		ID:         "run-1",
		SnapshotID: "0123456789abcdef0123",
		Threshold:  0.4,
		AUC:        0.8421,
		Confusion:  domain.Confusion{TN: 10, FP: 2, FN: 3, TP: 5},
	}
	if out := Run(ASCII, run); !strings.Contains(out, "0.842") || !strings.Contains(out, "0123456789abc...") {
		t.Errorf("unexpected run table:\n%s", out)
	}
	if out := Confusion(Markdown, run.Confusion); !strings.Contains(out, "| Actual 1 | 3 | 5 |") {
		t.Errorf("unexpected confusion table:\n%s", out)
	}
	if out := Tenure(Markdown, report.TenureBuckets(&domain.Table{})); !strings.Contains(out, "13-24 m") {
		t.Errorf("unexpected tenure table:\n%s", out)
	}
	if out := Charges(Markdown, []report.GroupCharges{{Group: domain.GroupCritical}}); !strings.Contains(out, domain.GroupCritical) {
		t.Errorf("unexpected charges table:\n%s", out)
	}
	bars := []report.Bar{{Category: "Female", Active: 7, Churned: 3}}
	if out := Distribution(Markdown, domain.ColGender, bars); !strings.Contains(out, "| Female | 7 | 3 |") {
		t.Errorf("unexpected distribution table:\n%s", out)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
