// Package window slices feature tables into fixed-length policy inputs.
package window

import (
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/liqtrader/pkg/models"
)

var (
	// ErrInsufficientData means the table has fewer rows than the window size.
	ErrInsufficientData = errors.New("insufficient data for window")
	// ErrNonContiguous means the latest window spans a missing bucket.
	ErrNonContiguous = errors.New("window spans a bucket gap")
)

type Builder struct {
	Size int
	// RequireContiguous rejects windows whose buckets are not exactly Step apart.
	RequireContiguous bool
	Step              time.Duration
}

func NewBuilder(size int, requireContiguous bool) Builder {
	return Builder{Size: size, RequireContiguous: requireContiguous, Step: time.Minute}
}

// Latest returns the last Size rows of table.
func (b Builder) Latest(table *models.FeatureTable) (models.Window, error) {
	if b.Size < 1 {
		return models.Window{}, fmt.Errorf("invalid window size %d", b.Size)
	}
	n := table.Len()
	if n < b.Size {
		return models.Window{}, fmt.Errorf("%w: have %d rows, need %d", ErrInsufficientData, n, b.Size)
	}
	w := b.slice(table, n-b.Size)
	if b.RequireContiguous && !b.contiguous(w) {
		return models.Window{}, fmt.Errorf("%w: %s to %s", ErrNonContiguous, w.Start(), w.End())
	}
	return w, nil
}

// All returns every stride-1 window that starts before the final one, max(0, rows-Size) in total.
// With RequireContiguous, windows spanning a gap are left out.
func (b Builder) All(table *models.FeatureTable) []models.Window {
	if b.Size < 1 {
		return nil
	}
	n := table.Len()
	if n <= b.Size {
		return nil
	}
	out := make([]models.Window, 0, n-b.Size)
	for i := 0; i < n-b.Size; i++ {
		w := b.slice(table, i)
		if b.RequireContiguous && !b.contiguous(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (b Builder) slice(table *models.FeatureTable, from int) models.Window {
	return models.Window{
		Columns: table.Columns,
		Rows:    table.Rows[from : from+b.Size],
	}
}

func (b Builder) contiguous(w models.Window) bool {
	step := b.Step
	if step <= 0 {
		step = time.Minute
	}
	for i := 1; i < len(w.Rows); i++ {
		if w.Rows[i].Start.Sub(w.Rows[i-1].Start) != step {
			return false
		}
	}
	return true
}
