package main

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/churnwatch/internal/synth"
)

func writeBatch(t *testing.T, opts synth.Options) string {
	t.Helper()
	data, err := synth.JSON(opts)
	if err != nil {
		t.Fatalf("synth: %v", err)
	}
	path := filepath.Join(t.TempDir(), "batch.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestFlattenCommand(t *testing.T) {
	batch := writeBatch(t, synth.Options{Customers: 40, Seed: 3, SplitPhoneEvery: 4})

	out, err := execute(t, "flatten", "--source", batch, "--limit", "20", "--canonical=false", "--markdown")
	if err != nil {
		t.Fatalf("flatten: %v\n%s", err, out)
	}
	// Every 4th record carries a two-element phone list and becomes two rows.
	if !strings.Contains(out, "Records: 20 -> rows: 25") {
		t.Errorf("unexpected row count in:\n%s", out)
	}
	if !strings.Contains(out, "account_Charges_Monthly") {
		t.Errorf("expected flattened column names in:\n%s", out)
	}

	out, err = execute(t, "flatten", "--source", batch, "--limit", "0", "--canonical", "--markdown=false")
	if err != nil {
		t.Fatalf("flatten --canonical: %v\n%s", err, out)
	}
	if !strings.Contains(out, "MONTHLY_CHARGES") {
		t.Errorf("expected canonical column names in:\n%s", out)
	}
}

func TestReportCommand(t *testing.T) {
	batch := writeBatch(t, synth.Options{Customers: 120, Seed: 5})

	out, err := execute(t, "report", "--source", batch, "--by", "payment_method", "--markdown", "--contract", "Month-to-month")
	if err != nil {
		t.Fatalf("report: %v\n%s", err, out)
	}
	for _, want := range []string{"## Churn report", "### Churn by PAYMENT_METHOD", "### Tenure", "critical-segment"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in:\n%s", want, out)
		}
	}

	if _, err := execute(t, "report", "--source", batch, "--by", "GENDER"); err == nil {
		t.Error("expected an error for a non-grouping column")
	}
}

func TestTrainCommand(t *testing.T) {
	batch := writeBatch(t, synth.Options{Customers: 300, Seed: 9})
	export := filepath.Join(t.TempDir(), "alto_riesgo.csv")

	out, err := execute(t, "train", "--source", batch, "--threshold", "0.4", "--out", export, "--top", "5", "--persist=false", "--markdown=false")
	if err != nil {
		t.Fatalf("train: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ROC-AUC (holdout)") {
		t.Errorf("expected run metrics in:\n%s", out)
	}

	f, err := os.Open(export)
	if err != nil {
		t.Fatalf("export not written: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if len(records) == 0 || strings.Join(records[0], ",") != "customer_id,churn_probability" {
		t.Errorf("unexpected export header %v", records)
	}

	if _, err := execute(t, "train", "--source", batch, "--threshold", "0.95", "--out", ""); err == nil {
		t.Error("expected an error for an out-of-range threshold")
	}
}
