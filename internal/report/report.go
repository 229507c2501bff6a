// Package report computes the descriptive churn views: headline KPIs,
// grouped distributions, tenure buckets and the charge comparison of the
// critical segment.
package report

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/segment"
	"golang.org/x/sync/errgroup"
)

// KPIs are the headline numbers of a view. Rates are nil when undefined.
type KPIs struct {
	Customers    int      `json:"customers"`
	RawCustomers int      `json:"rawCustomers"`
	Churned      int      `json:"churned"`
	ChurnRate    *float64 `json:"churnRate"`
	ARPU         *float64 `json:"arpu"`
}

// ComputeKPIs counts customers with a defined target, their churn rate and
// average monthly charge. RawCustomers counts every row.
func ComputeKPIs(t *domain.Table) KPIs {
	k := KPIs{RawCustomers: t.Len()}
	var sum float64
	var charged int
	for _, r := range t.Rows {
		label, ok := domain.ChurnLabel(r)
		if !ok {
			continue
		}
		k.Customers++
		k.Churned += label
		if f, ok := r.Get(domain.ColMonthlyCharges).Num(); ok {
			sum += f
			charged++
		}
	}
	if k.Customers > 0 {
		k.ChurnRate = ptr(float64(k.Churned) / float64(k.Customers))
	}
	if charged > 0 {
		k.ARPU = ptr(sum / float64(charged))
	}
	return k
}

// Bar is one category of a stacked churn bar chart.
type Bar struct {
	Category string `json:"category"`
	Active   int    `json:"active"`
	Churned  int    `json:"churned"`
}

// Distribution returns churn counts per value of column.
func Distribution(t *domain.Table, column string) ([]Bar, error) {
	rows, err := segment.Crosstab(t, column)
	if err != nil {
		return nil, err
	}
	bars := make([]Bar, len(rows))
	for i, r := range rows {
		bars[i] = Bar{Category: r.Category, Active: r.Active, Churned: r.Churned}
	}
	return bars, nil
}

// TenureBucket counts customers whose tenure lies in [Min, Max]. Max is
// -1 for the open last bucket.
type TenureBucket struct {
	Label   string `json:"label"`
	Min     int    `json:"min"`
	Max     int    `json:"max"`
	Active  int    `json:"active"`
	Churned int    `json:"churned"`
}

// Total returns the bucket size.
func (b TenureBucket) Total() int { return b.Active + b.Churned }

// TenureBuckets groups defined-target rows into ≤12, 13-24, 25-48 and ≥49
// months. Rows without tenure are skipped.
func TenureBuckets(t *domain.Table) []TenureBucket {
	buckets := []TenureBucket{
		{Label: "≤12 m", Min: 0, Max: 12},
		{Label: "13-24 m", Min: 13, Max: 24},
		{Label: "25-48 m", Min: 25, Max: 48},
		{Label: "≥49 m", Min: 49, Max: -1},
	}
	for _, r := range t.Rows {
		label, ok := domain.ChurnLabel(r)
		if !ok {
			continue
		}
		tenure, ok := r.Get(domain.ColTenureMonths).Num()
		if !ok {
			continue
		}
		b := &buckets[bucketOf(tenure)]
		if label == 1 {
			b.Churned++
		} else {
			b.Active++
		}
	}
	return buckets
}

func bucketOf(tenure float64) int {
	switch {
	case tenure <= 12:
		return 0
	case tenure <= 24:
		return 1
	case tenure <= 48:
		return 2
	default:
		return 3
	}
}

// BoxStats summarizes a numeric sample. Quartiles use linear interpolation.
type BoxStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Q1     float64 `json:"q1"`
	Median float64 `json:"median"`
	Q3     float64 `json:"q3"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
}

// GroupCharges is the monthly charge distribution of one partition group.
type GroupCharges struct {
	Group string    `json:"group"`
	Stats *BoxStats `json:"stats"`
}

// ChargeComparison compares MONTHLY_CHARGES across the retained,
// other-churned and critical-segment groups.
func ChargeComparison(t *domain.Table, critical segment.Predicate) []GroupCharges {
	return chargesOf(segment.Partition(t, critical))
}

func chargesOf(groups segment.Groups) []GroupCharges {
	return []GroupCharges{
		{Group: domain.GroupRetained, Stats: Box(groups.Retained.Column(domain.ColMonthlyCharges))},
		{Group: domain.GroupOtherChurned, Stats: Box(groups.OtherChurned.Column(domain.ColMonthlyCharges))},
		{Group: domain.GroupCritical, Stats: Box(groups.Critical.Column(domain.ColMonthlyCharges))},
	}
}

// Box computes box statistics over the numeric values, nil when there are none.
func Box(values []domain.Value) *BoxStats {
	xs := make([]float64, 0, len(values))
	var sum float64
	for _, v := range values {
		if f, ok := v.Num(); ok {
			xs = append(xs, f)
			sum += f
		}
	}
	if len(xs) == 0 {
		return nil
	}
	sort.Float64s(xs)
	return &BoxStats{
		Count:  len(xs),
		Min:    xs[0],
		Q1:     quantile(xs, 0.25),
		Median: quantile(xs, 0.5),
		Q3:     quantile(xs, 0.75),
		Max:    xs[len(xs)-1],
		Mean:   sum / float64(len(xs)),
	}
}

func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Options select the view and the crosstab grouping.
type Options struct {
	Filter   segment.Filter
	GroupBy  string
	Critical segment.Predicate
}

// Report bundles every section of the descriptive view.
type Report struct {
	Filter        segment.Filter        `json:"filter,omitempty"`
	KPIs          KPIs                  `json:"kpis"`
	GroupBy       string                `json:"groupBy"`
	Crosstab      []segment.CrosstabRow `json:"crosstab"`
	Distributions map[string][]Bar      `json:"distributions"`
	Tenure        []TenureBucket        `json:"tenure"`
	Charges       []GroupCharges        `json:"charges"`
	Groups        map[string]int        `json:"groups"`
}

// Build computes every section concurrently. The filter narrows KPIs,
// crosstab, distributions and tenure; the charge comparison and group
// sizes always cover the whole table. t is only read.
func Build(ctx context.Context, t *domain.Table, opts Options) (*Report, error) {
	if opts.Critical == nil {
		return nil, fmt.Errorf("%w: critical segment predicate is required", domain.ErrConfig)
	}
	if opts.GroupBy == "" {
		opts.GroupBy = domain.ColContract
	}
	if err := segment.ValidateGrouping(opts.GroupBy); err != nil {
		return nil, err
	}
	if err := opts.Filter.Validate(domain.FilterColumns); err != nil {
		return nil, err
	}

	view := opts.Filter.Apply(t)
	rep := &Report{
		Filter:        opts.Filter,
		GroupBy:       opts.GroupBy,
		Distributions: make(map[string][]Bar, len(domain.DistributionColumns)),
	}
	dists := make([][]Bar, len(domain.DistributionColumns))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rep.KPIs = ComputeKPIs(view)
		return nil
	})

	g.Go(func() error {
		rows, err := segment.Crosstab(view, opts.GroupBy)
		if err != nil {
			return err
		}
		rep.Crosstab = rows
		return nil
	})

	for i, col := range domain.DistributionColumns {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !view.HasColumn(col) {
				return nil
			}
			bars, err := Distribution(view, col)
			if err != nil {
				return err
			}
			dists[i] = bars
			return nil
		})
	}

	g.Go(func() error {
		rep.Tenure = TenureBuckets(view)
		return nil
	})

	g.Go(func() error {
		groups := segment.Partition(t, opts.Critical)
		rep.Charges = chargesOf(groups)
		rep.Groups = groups.Counts()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, col := range domain.DistributionColumns {
		if dists[i] != nil {
			rep.Distributions[col] = dists[i]
		}
	}
	return rep, nil
}

// ValidateDistribution checks column against the distribution set.
func ValidateDistribution(column string) error {
	if !slices.Contains(domain.DistributionColumns, column) {
		return fmt.Errorf("%w: no distribution for %q", domain.ErrUnknownColumn, column)
	}
	return nil
}

func ptr(f float64) *float64 { return &f }
