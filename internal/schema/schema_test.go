package schema

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opensource-finance/churnwatch/internal/domain"
)

func flatTable(rows ...map[string]domain.Value) *domain.Table {
	t := &domain.Table{}
	seen := map[string]bool{}
	for i, cells := range rows {
		for c := range cells {
			if !seen[c] {
				seen[c] = true
				t.Columns = append(t.Columns, c)
			}
		}
		t.Rows = append(t.Rows, domain.Row{ID: "r" + string(rune('0'+i)), Cells: cells})
	}
	return t
}

func TestNewRejectsNonInjectiveRename(t *testing.T) {
	_, err := New(domain.SchemaConfig{Rename: map[string]string{
		"a": "X",
		"b": "X",
	}})
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestMapRenames(t *testing.T) {
	flat := flatTable(map[string]domain.Value{
		"customerID":       domain.String("0001-A"),
		"account_Contract": domain.String("Month-to-month"),
		"extra_field":      domain.String("kept"),
	})

	out, err := Default().Map(flat)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	for _, c := range []string{domain.ColCustomerID, domain.ColContract, "extra_field"} {
		if !out.HasColumn(c) {
			t.Errorf("expected column %s in %v", c, out.Columns)
		}
	}
	if out.HasColumn("customerID") {
		t.Error("source column should be renamed away")
	}
	if s, _ := out.Rows[0].Get(domain.ColContract).Str(); s != "Month-to-month" {
		t.Errorf("unexpected contract %v", out.Rows[0].Get(domain.ColContract))
	}
}

func TestMapMoneyCoercion(t *testing.T) {
	tests := []struct {
		name string
		in   domain.Value
		want domain.Value
	}{
		{"Blank", domain.String(""), domain.Null()},
		{"Whitespace", domain.String("   "), domain.Null()},
		{"Numeric", domain.String("29.85"), domain.Number(29.85)},
		{"PaddedNumeric", domain.String(" 1889.5 "), domain.Number(1889.5)},
		{"AlreadyNumber", domain.Number(42), domain.Number(42)},
		{"Null", domain.Null(), domain.Null()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flat := flatTable(map[string]domain.Value{"account_Charges_Total": tt.in})
			out, err := Default().Map(flat)
			if err != nil {
				t.Fatalf("Map failed: %v", err)
			}
			got := out.Rows[0].Get(domain.ColTotalCharges)
			if !got.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestMapMoneyRejectsText(t *testing.T) {
	flat := flatTable(map[string]domain.Value{"account_Charges_Monthly": domain.String("twenty")})

	_, err := Default().Map(flat)
	if !errors.Is(err, domain.ErrNonNumeric) {
		t.Fatalf("expected ErrNonNumeric, got %v", err)
	}
	if !errors.Is(err, domain.ErrData) {
		t.Errorf("expected data error class, got %v", err)
	}
}

func TestMapTarget(t *testing.T) {
	tests := []struct {
		name    string
		in      domain.Value
		want    int
		defined bool
	}{
		{"Yes", domain.String("Yes"), 1, true},
		{"No", domain.String("No"), 0, true},
		{"Blank", domain.String(""), 0, false},
		{"Other", domain.String("Maybe"), 0, false},
		{"Missing", domain.Null(), 0, false},
		{"CoercedOne", domain.Number(1), 1, true},
		{"OutOfDomainNumber", domain.Number(2), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flat := flatTable(map[string]domain.Value{"Churn": tt.in})
			out, err := Default().Map(flat)
			if err != nil {
				t.Fatalf("Map failed: %v", err)
			}
			got, ok := domain.ChurnLabel(out.Rows[0])
			if ok != tt.defined || got != tt.want {
				t.Errorf("expected (%d, %v), got (%d, %v)", tt.want, tt.defined, got, ok)
			}
		})
	}
}

func TestTrainableKeepsRawTotals(t *testing.T) {
	flat := flatTable(
		map[string]domain.Value{"customerID": domain.String("a"), "Churn": domain.String("Yes")},
		map[string]domain.Value{"customerID": domain.String("b"), "Churn": domain.String("")},
		map[string]domain.Value{"customerID": domain.String("c"), "Churn": domain.String("No")},
	)

	out, err := Default().Map(flat)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if out.Len() != 3 {
		t.Errorf("expected canonical table to keep 3 rows, got %d", out.Len())
	}
	if n := Trainable(out).Len(); n != 2 {
		t.Errorf("expected 2 trainable rows, got %d", n)
	}
}

func TestMapIsIdempotent(t *testing.T) {
	flat := flatTable(
		map[string]domain.Value{
			"customerID":              domain.String("a"),
			"Churn":                   domain.String("Yes"),
			"account_Charges_Monthly": domain.Number(70.7),
			"account_Charges_Total":   domain.String(" "),
			"customer_tenure":         domain.Number(2),
		},
		map[string]domain.Value{
			"customerID":              domain.String("b"),
			"Churn":                   domain.String("No"),
			"account_Charges_Monthly": domain.String("20.1"),
			"account_Charges_Total":   domain.String("151.65"),
			"customer_tenure":         domain.Number(8),
		},
	)

	m := Default()
	once, err := m.Map(flat)
	if err != nil {
		t.Fatalf("first Map failed: %v", err)
	}
	twice, err := m.Map(once)
	if err != nil {
		t.Fatalf("second Map failed: %v", err)
	}
	if !once.Equal(twice) {
		t.Errorf("mapping is not idempotent:\n%s", cmp.Diff(once.Columns, twice.Columns))
	}
}

func TestMapRenameCollision(t *testing.T) {
	flat := flatTable(map[string]domain.Value{
		"customerID":  domain.String("a"),
		"CUSTOMER_ID": domain.String("b"),
	})

	_, err := Default().Map(flat)
	if !errors.Is(err, domain.ErrColumnCollision) {
		t.Fatalf("expected ErrColumnCollision, got %v", err)
	}
}
