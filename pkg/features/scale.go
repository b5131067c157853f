package features

import "github.com/gregtusar/liqtrader/pkg/models"

// MinMaxScale rescales every column of table to [0, 1] in place using the table's own range.
// A constant column becomes all zeros.
func MinMaxScale(table *models.FeatureTable) {
	if table.Len() == 0 {
		return
	}
	for c := range table.Columns {
		lo, hi := table.Rows[0].Values[c], table.Rows[0].Values[c]
		for _, r := range table.Rows[1:] {
			v := r.Values[c]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		span := hi - lo
		for _, r := range table.Rows {
			if span == 0 {
				r.Values[c] = 0
				continue
			}
			r.Values[c] = (r.Values[c] - lo) / span
		}
	}
}
