package analyzer

import (
	"github.com/shopspring/decimal"
)

// Bucket counts the values in [Min, Max). The first bucket has no Min and the last no Max.
type Bucket struct {
	Label string           `json:"label"`
	Min   *decimal.Decimal `json:"min,omitempty"`
	Max   *decimal.Decimal `json:"max,omitempty"`
	Count int              `json:"count"`
	// Percent of all the values, two decimals.
	Percent decimal.Decimal `json:"percent"`
}

// Distribution counts values into the len(edges)+1 buckets delimited by the ascending edges.
func Distribution(values []decimal.Decimal, edges []decimal.Decimal) []Bucket {
	buckets := make([]Bucket, len(edges)+1)
	for i := range buckets {
		var lo, hi *decimal.Decimal
		if i > 0 {
			lo = &edges[i-1]
		}
		if i < len(edges) {
			hi = &edges[i]
		}
		buckets[i] = Bucket{Label: label(lo, hi), Min: lo, Max: hi}
	}

	for _, v := range values {
		i := 0
		for i < len(edges) && v.GreaterThanOrEqual(edges[i]) {
			i++
		}
		buckets[i].Count++
	}

	if n := len(values); n > 0 {
		total := decimal.NewFromInt(int64(n))
		for i := range buckets {
			buckets[i].Percent = decimal.NewFromInt(int64(buckets[i].Count)).Mul(decimal.NewFromInt(100)).
				Div(total).Round(2)
		}
	}
	return buckets
}

func label(lo, hi *decimal.Decimal) string {
	switch {
	case lo == nil && hi == nil:
		return "all"
	case lo == nil:
		return "<" + hi.String()
	case hi == nil:
		return ">=" + lo.String()
	}
	return lo.String() + "-" + hi.String()
}
