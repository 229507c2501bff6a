package segment

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opensource-finance/churnwatch/internal/domain"
)

var (
	contracts = []string{"Month-to-month", "One year", "Two year"}
	internets = []string{"DSL", "Fiber optic", "No"}
	payments  = []string{"Electronic check", "Mailed check", "Bank transfer (automatic)", "Credit card (automatic)"}
)

// randomTable builds n canonical rows; every seventh row has no target.
func randomTable(n int, seed int64) *domain.Table {
	rng := rand.New(rand.NewSource(seed))
	t := &domain.Table{Columns: []string{
		domain.ColCustomerID, domain.ColChurn, domain.ColTenureMonths,
		domain.ColContract, domain.ColInternetService, domain.ColPaymentMethod,
	}}
	for i := 0; i < n; i++ {
		churn := domain.Number(float64(rng.Intn(2)))
		if i%7 == 0 {
			churn = domain.Null()
		}
		t.Rows = append(t.Rows, domain.Row{ID: fmt.Sprintf("r%d", i), Cells: map[string]domain.Value{
			domain.ColCustomerID:      domain.String(fmt.Sprintf("c%d", i)),
			domain.ColChurn:           churn,
			domain.ColTenureMonths:    domain.Number(float64(rng.Intn(72))),
			domain.ColContract:        domain.String(contracts[rng.Intn(len(contracts))]),
			domain.ColInternetService: domain.String(internets[rng.Intn(len(internets))]),
			domain.ColPaymentMethod:   domain.String(payments[rng.Intn(len(payments))]),
		}})
	}
	return t
}

func criticalPredicate(t *testing.T) Predicate {
	t.Helper()
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := engine.Load(Critical(domain.DefaultConfig().Segments)); err != nil {
		t.Fatalf("failed to load critical segment: %v", err)
	}
	pred, err := engine.Predicate(domain.SegmentCritical)
	if err != nil {
		t.Fatalf("Predicate failed: %v", err)
	}
	return pred
}

func TestCrosstabBounds(t *testing.T) {
	table := randomTable(500, 1)
	defined := table.Where(domain.HasTarget)

	for _, col := range domain.GroupingColumns {
		t.Run(col, func(t *testing.T) {
			rows, err := Crosstab(table, col)
			if err != nil {
				t.Fatalf("Crosstab failed: %v", err)
			}

			sum := 0
			for _, r := range rows {
				want := 0
				for _, dr := range defined.Rows {
					if dr.Get(col).Text() == r.Category {
						want++
					}
				}
				if r.Active+r.Churned != r.Total || r.Total != want {
					t.Errorf("category %s: active %d + churned %d, total %d, expected %d", r.Category, r.Active, r.Churned, r.Total, want)
				}
				if r.ChurnRate == nil || *r.ChurnRate < 0 || *r.ChurnRate > 1 {
					t.Errorf("category %s: churn rate out of bounds: %v", r.Category, r.ChurnRate)
				}
				sum += r.Total
			}
			if sum != defined.Len() {
				t.Errorf("crosstab covers %d rows, expected %d", sum, defined.Len())
			}
		})
	}
}

func TestCrosstabExactRate(t *testing.T) {
	table := &domain.Table{Columns: []string{domain.ColContract, domain.ColChurn}}
	add := func(contract string, churn domain.Value) {
		table.Rows = append(table.Rows, domain.Row{ID: fmt.Sprint(len(table.Rows)), Cells: map[string]domain.Value{
			domain.ColContract: domain.String(contract),
			domain.ColChurn:    churn,
		}})
	}
	add("Month-to-month", domain.Number(1))
	add("Month-to-month", domain.Number(0))
	add("Month-to-month", domain.Number(1))
	add("Month-to-month", domain.Null())
	add("Two year", domain.Number(0))

	rows, err := Crosstab(table, domain.ColContract, "One year")
	if err != nil {
		t.Fatalf("Crosstab failed: %v", err)
	}

	rate := 2.0 / 3.0
	zero := 0.0
	want := []CrosstabRow{
		{Category: "Month-to-month", Active: 1, Churned: 2, Total: 3, ChurnRate: &rate},
		{Category: "One year"},
		{Category: "Two year", Active: 1, Total: 1, ChurnRate: &zero},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("crosstab mismatch (-want +got):\n%s", diff)
	}
}

func TestCrosstabUnknownColumn(t *testing.T) {
	_, err := Crosstab(randomTable(10, 2), "NOT_A_COLUMN")
	if !errors.Is(err, domain.ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn, got %v", err)
	}
	if err := ValidateGrouping(domain.ColGender); !errors.Is(err, domain.ErrUnknownColumn) {
		t.Errorf("GENDER is not a grouping column, got %v", err)
	}
}

func TestCrosstabEmptyTable(t *testing.T) {
	rows, err := Crosstab(&domain.Table{Columns: []string{domain.ColContract}}, domain.ColContract)
	if err != nil {
		t.Fatalf("Crosstab failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
}

func TestPartitionExhaustive(t *testing.T) {
	table := randomTable(6000, 3)
	groups := Partition(table, criticalPredicate(t))

	defined := table.Where(domain.HasTarget).Len()
	total := groups.Retained.Len() + groups.OtherChurned.Len() + groups.Critical.Len()
	if total != defined {
		t.Fatalf("partition covers %d rows, expected %d", total, defined)
	}

	seen := map[string]string{}
	for name, g := range map[string]*domain.Table{
		domain.GroupRetained:     groups.Retained,
		domain.GroupOtherChurned: groups.OtherChurned,
		domain.GroupCritical:     groups.Critical,
	} {
		for _, r := range g.Rows {
			if prev, dup := seen[r.ID]; dup {
				t.Fatalf("row %s in both %s and %s", r.ID, prev, name)
			}
			seen[r.ID] = name
		}
	}

	for _, r := range groups.Retained.Rows {
		if l, _ := domain.ChurnLabel(r); l != 0 {
			t.Fatalf("retained row %s has churn %d", r.ID, l)
		}
	}
	if groups.Critical.Len() == 0 {
		t.Error("expected some critical-segment rows in a random population")
	}
}

func TestFilterApply(t *testing.T) {
	table := randomTable(300, 4)

	t.Run("EmptyMeansNoFilter", func(t *testing.T) {
		out := Filter{domain.ColContract: nil}.Apply(table)
		if out.Len() != table.Len() {
			t.Errorf("expected %d rows, got %d", table.Len(), out.Len())
		}
	})

	t.Run("Selection", func(t *testing.T) {
		f := Filter{
			domain.ColContract:        {"Two year"},
			domain.ColInternetService: {"DSL", "No"},
		}
		out := f.Apply(table)
		if out.Len() == 0 {
			t.Fatal("expected some rows")
		}
		for _, r := range out.Rows {
			c := r.Get(domain.ColContract).Text()
			i := r.Get(domain.ColInternetService).Text()
			if c != "Two year" || (i != "DSL" && i != "No") {
				t.Fatalf("row %s escaped the filter: %s, %s", r.ID, c, i)
			}
		}
	})

	t.Run("Validate", func(t *testing.T) {
		if err := (Filter{domain.ColPaymentMethod: {"x"}}).Validate(domain.FilterColumns); !errors.Is(err, domain.ErrUnknownColumn) {
			t.Errorf("expected ErrUnknownColumn, got %v", err)
		}
	})
}
