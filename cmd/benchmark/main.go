// Benchmark tool for measuring churnwatch on synthetic customer exports.
//
// Usage:
//
//	go run ./cmd/benchmark -customers 7000 -thresholds 0.3,0.4,0.5,0.6
//	go run ./cmd/benchmark -url http://localhost:8080 -requests 2000 -workers 10
//
// In-process mode:
//  1. Generates a nested TelecomX-shaped batch with a known churn signal
//  2. Runs refresh, training and scoring through the pipeline
//  3. Sweeps alert thresholds over the holdout without refitting
//  4. Reports precision, recall, F1 and stage timings
//
// With -url the same sweep runs against a live server, followed by a
// concurrent load test of the report endpoints.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/pipeline"
	"github.com/opensource-finance/churnwatch/internal/synth"
)

// Metrics tracks the confusion matrix of one threshold.
type Metrics struct {
	Threshold      float64
	TruePositives  int64 // churner flagged
	FalsePositives int64 // retained customer flagged
	TrueNegatives  int64 // retained customer not flagged
	FalseNegatives int64 // churner missed
	Flagged        int
}

// LoadMetrics tracks the report load test.
type LoadMetrics struct {
	TotalProcessed   int64
	TotalErrors      int64
	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	customers := flag.Int("customers", 7000, "Synthetic customers to generate")
	seed := flag.Int64("seed", 42, "Generator seed")
	thresholds := flag.String("thresholds", "0.3,0.4,0.5,0.6,0.7", "Comma-separated alert thresholds to sweep")
	baseURL := flag.String("url", "", "churnwatch base URL (empty runs in-process)")
	requests := flag.Int("requests", 1000, "Report requests for the load test (-url only)")
	workers := flag.Int("workers", 10, "Number of concurrent workers (-url only)")
	flag.Parse()

	sweep, err := parseThresholds(*thresholds)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          CHURNWATCH BENCHMARK - Synthetic Churn Data          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCustomers:   %d\n", *customers)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Printf("Thresholds:  %s\n", *thresholds)
	if *baseURL != "" {
		fmt.Printf("Server URL:  %s\n", *baseURL)
		fmt.Printf("Workers:     %d\n", *workers)
	}
	fmt.Println()

	if *baseURL != "" {
		runRemote(*baseURL, sweep, *requests, *workers)
		return
	}
	runLocal(*customers, *seed, sweep)
}

func parseThresholds(s string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold %q: %w", part, err)
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no thresholds given")
	}
	return out, nil
}

func runLocal(customers int, seed int64, sweep []float64) {
	ctx := context.Background()

	data, err := synth.JSON(synth.Options{
		Customers:       customers,
		Seed:            seed,
		BlankChurnEvery: 32,
		BlankTotalEvery: 600,
		SplitPhoneEvery: 50,
	})
	if err != nil {
		fmt.Printf("ERROR: failed to generate data: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Generated %d customers (%.1f MB)\n", customers, float64(len(data))/1e6)

	p, err := pipeline.New(domain.DefaultConfig(), synth.NewSource(data), pipeline.Deps{})
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	if _, err := p.Refresh(ctx); err != nil {
		fmt.Printf("ERROR: refresh failed: %v\n", err)
		os.Exit(1)
	}
	refreshDuration := time.Since(start)
	info, _ := p.Snapshot()
	fmt.Printf("✓ Snapshot loaded: %d rows, %d columns, %d flatten passes\n", info.Rows, info.Columns, info.Flatten.Passes)

	fmt.Printf("\nTraining at threshold %.2f...\n", sweep[0])
	res, err := p.Train(ctx, sweep[0])
	if err != nil {
		fmt.Printf("ERROR: training failed: %v\n", err)
		os.Exit(1)
	}
	first := res.Run

	results := []*Metrics{fromRun(first)}
	for _, thr := range sweep[1:] {
		r, err := p.Rescore(ctx, thr)
		if err != nil {
			fmt.Printf("ERROR: threshold %.2f: %v\n", thr, err)
			continue
		}
		results = append(results, fromRun(r.Run))
	}

	reportStart := time.Now()
	if _, err := p.Report(ctx, nil, domain.ColContract); err != nil {
		fmt.Printf("ERROR: report failed: %v\n", err)
	}
	reportDuration := time.Since(reportStart)

	printResults(first.AUC, results)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Refresh:          %v\n", refreshDuration.Round(time.Millisecond))
	fmt.Printf("   Features:         %d ms\n", first.Metadata.FeatureMs)
	fmt.Printf("   Training:         %d ms (%d trees)\n", first.Metadata.TrainMs, first.Metadata.Trees)
	fmt.Printf("   Scoring:          %d ms (%d customers)\n", first.Metadata.ScoreMs, first.ScoredRows)
	fmt.Printf("   Report:           %v\n", reportDuration.Round(time.Millisecond))
	fmt.Println()
}

func fromRun(run *domain.ModelRun) *Metrics {
	c := run.Confusion
	return &Metrics{
		Threshold:      run.Threshold,
		TruePositives:  int64(c.TP),
		FalsePositives: int64(c.FP),
		TrueNegatives:  int64(c.TN),
		FalseNegatives: int64(c.FN),
		Flagged:        run.HighRiskCount,
	}
}

func runRemote(baseURL string, sweep []float64, requests, workers int) {
	client := &http.Client{Timeout: 5 * time.Minute}

	// Check churnwatch is running
	if err := checkHealth(client, baseURL); err != nil {
		fmt.Printf("ERROR: churnwatch not reachable at %s: %v\n", baseURL, err)
		fmt.Println("\nMake sure churnwatch is running:")
		fmt.Println("  go run ./cmd/churnwatch serve")
		os.Exit(1)
	}
	fmt.Println("✓ churnwatch is healthy")

	var summary domain.RunSummary
	if err := postJSON(client, baseURL+"/runs", map[string]float64{"threshold": sweep[0]}, &summary); err != nil {
		fmt.Printf("ERROR: training failed: %v\n", err)
		os.Exit(1)
	}
	auc := summary.AUC
	results := []*Metrics{fromSummary(&summary)}
	for _, thr := range sweep[1:] {
		var s domain.RunSummary
		if err := postJSON(client, baseURL+"/runs/current/threshold", map[string]float64{"threshold": thr}, &s); err != nil {
			fmt.Printf("ERROR: threshold %.2f: %v\n", thr, err)
			continue
		}
		results = append(results, fromSummary(&s))
	}
	printResults(auc, results)

	fmt.Printf("\nRunning report load test with %d workers...\n", workers)
	start := time.Now()
	m := runLoad(baseURL, requests, workers)
	duration := time.Since(start)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	fmt.Printf("   Requests:         %d (%d errors)\n", m.TotalProcessed, m.TotalErrors)
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f req/sec\n", rps)
	}
	fmt.Println()
}

func fromSummary(s *domain.RunSummary) *Metrics {
	c := s.Confusion
	return &Metrics{
		Threshold:      s.Threshold,
		TrueNegatives:  int64(c[0][0]),
		FalsePositives: int64(c[0][1]),
		FalseNegatives: int64(c[1][0]),
		TruePositives:  int64(c[1][1]),
		Flagged:        s.HighRiskCount,
	}
}

// reportPaths are cycled through by the load test.
var reportPaths = []string{
	"/report",
	"/report/kpis?contract=Month-to-month",
	"/report/crosstab?by=PAYMENT_METHOD",
	"/report/tenure",
	"/report/charges",
	"/report/distribution?by=SENIOR_CITIZEN",
}

func runLoad(baseURL string, requests, numWorkers int) *LoadMetrics {
	metrics := &LoadMetrics{}

	// Create work channel
	work := make(chan string, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for path := range work {
				start := time.Now()
				err := get(client, baseURL+path)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)
				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
				}
			}
		}()
	}

	// Send work
	for i := 0; i < requests; i++ {
		work <- reportPaths[i%len(reportPaths)]
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func checkHealth(client *http.Client, baseURL string) error {
	return get(client, baseURL+"/health")
}

func get(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func postJSON(client *http.Client, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printResults(auc float64, results []*Metrics) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 HOLDOUT ROC-AUC: %.4f\n", auc)

	for _, m := range results {
		fmt.Printf("\n📈 THRESHOLD %.2f (%d customers flagged)\n", m.Threshold, m.Flagged)
		fmt.Println("                        Predicted")
		fmt.Println("                   CHURN      STAY")
		fmt.Println("              ┌──────────┬──────────┐")
		fmt.Printf("   Actual  C  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
		fmt.Println("              ├──────────┼──────────┤")
		fmt.Printf("           S  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
		fmt.Println("              └──────────┴──────────┘")

		precision, recall, f1, accuracy := scores(m)
		fmt.Printf("   Precision:  %.4f  (of alerts, how many churned)\n", precision)
		fmt.Printf("   Recall:     %.4f  (of churners, how many were flagged)\n", recall)
		fmt.Printf("   F1-Score:   %.4f\n", f1)
		fmt.Printf("   Accuracy:   %.4f\n", accuracy)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if auc >= 0.8 {
		fmt.Println("   ✅ Strong ranking - churners score clearly above retained customers")
	} else if auc >= 0.7 {
		fmt.Println("   ⚠️  Usable ranking - expect overlap between churners and retained customers")
	} else {
		fmt.Println("   ❌ Weak ranking - the model barely separates the classes")
	}
}

func scores(m *Metrics) (precision, recall, f1, accuracy float64) {
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return precision, recall, f1, accuracy
}
