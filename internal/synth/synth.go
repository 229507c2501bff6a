// Package synth generates synthetic customer exports in the nested
// TelecomX layout. Churn follows a fixed, learnable pattern: short tenure
// on month-to-month contracts with fiber internet churns most.
package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
)

// Options shape a generated batch.
type Options struct {
	Customers int
	Seed      int64

	// BlankChurnEvery leaves the churn label blank on every n-th record (0 = never).
	BlankChurnEvery int

	// BlankTotalEvery writes a whitespace-only total charge on every n-th record (0 = never).
	BlankTotalEvery int

	// SplitPhoneEvery turns the phone block of every n-th record into a
	// two-element list, so that customer flattens into two rows (0 = never).
	SplitPhoneEvery int
}

var (
	contracts = []string{"Month-to-month", "One year", "Two year"}
	internets = []string{"DSL", "Fiber optic", "No"}
	payments  = []string{"Electronic check", "Mailed check", "Bank transfer (automatic)", "Credit card (automatic)"}
	genders   = []string{"Female", "Male"}
	yesNo     = []string{"Yes", "No"}
)

// Records generates opts.Customers nested records.
func Records(opts Options) []map[string]any {
	rng := rand.New(rand.NewSource(opts.Seed))
	out := make([]map[string]any, opts.Customers)

	for i := range out {
		contract := contracts[rng.Intn(len(contracts))]
		internet := internets[rng.Intn(len(internets))]
		payment := payments[rng.Intn(len(payments))]
		tenure := rng.Intn(72) + 1
		monthly := math.Round((20+rng.Float64()*90)*100) / 100

		p := 0.08
		if contract == "Month-to-month" {
			p += 0.35
		}
		if tenure <= 12 {
			p += 0.2
		}
		if internet == "Fiber optic" {
			p += 0.15
		}
		if payment == "Electronic check" {
			p += 0.1
		}
		churn := "No"
		if rng.Float64() < p {
			churn = "Yes"
		}
		if opts.BlankChurnEvery > 0 && i%opts.BlankChurnEvery == opts.BlankChurnEvery-1 {
			churn = ""
		}

		total := strconv.FormatFloat(math.Round(monthly*float64(tenure)*100)/100, 'f', 2, 64)
		if opts.BlankTotalEvery > 0 && i%opts.BlankTotalEvery == opts.BlankTotalEvery-1 {
			total = " "
		}

		var phone any = map[string]any{
			"PhoneService":  pick(rng, yesNo),
			"MultipleLines": pick(rng, []string{"Yes", "No", "No phone service"}),
		}
		if opts.SplitPhoneEvery > 0 && i%opts.SplitPhoneEvery == opts.SplitPhoneEvery-1 {
			phone = []any{
				map[string]any{"PhoneService": "Yes", "MultipleLines": "No"},
				map[string]any{"PhoneService": "Yes", "MultipleLines": "Yes"},
			}
		}

		out[i] = map[string]any{
			"customerID": fmt.Sprintf("%04d-SYN%d", i, opts.Seed),
			"Churn":      churn,
			"customer": map[string]any{
				"gender":        pick(rng, genders),
				"SeniorCitizen": rng.Intn(2),
				"Partner":       pick(rng, yesNo),
				"Dependents":    pick(rng, yesNo),
				"tenure":        tenure,
			},
			"phone": phone,
			"internet": map[string]any{
				"InternetService":  internet,
				"OnlineSecurity":   addon(rng, internet),
				"OnlineBackup":     addon(rng, internet),
				"DeviceProtection": addon(rng, internet),
				"TechSupport":      addon(rng, internet),
				"StreamingTV":      addon(rng, internet),
				"StreamingMovies":  addon(rng, internet),
			},
			"account": map[string]any{
				"Contract":         contract,
				"PaperlessBilling": pick(rng, yesNo),
				"PaymentMethod":    payment,
				"Charges": map[string]any{
					"Monthly": monthly,
					"Total":   total,
				},
			},
		}
	}
	return out
}

// JSON generates a batch encoded as a JSON array.
func JSON(opts Options) ([]byte, error) {
	return json.Marshal(Records(opts))
}

func pick(rng *rand.Rand, from []string) string {
	return from[rng.Intn(len(from))]
}

func addon(rng *rand.Rand, internet string) string {
	if internet == "No" {
		return "No internet service"
	}
	return pick(rng, yesNo)
}

// Source serves an in-memory batch. Set replaces the batch between fetches.
type Source struct {
	mu   sync.Mutex
	data []byte
	err  error
	hits int
}

// NewSource returns a source serving data.
func NewSource(data []byte) *Source {
	return &Source{data: data}
}

// Fetch returns the current batch, or the configured error.
func (s *Source) Fetch(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

func (s *Source) String() string { return "synthetic" }

// Set replaces the batch.
func (s *Source) Set(data []byte) {
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
}

// Fail makes subsequent fetches return err; nil restores normal behavior.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Hits returns how many fetches were made.
func (s *Source) Hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}
