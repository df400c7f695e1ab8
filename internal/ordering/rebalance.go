package ordering

import (
	"cmp"
	"slices"
)

// Item is one issue of a column with its current key.
type Item struct {
	ID       string
	Position float64
}

// Assignment is the key an issue receives from a rebalance.
type Assignment struct {
	ID       string
	Position float64
}

// NeedsRebalancing reports whether any two keys of a column are closer than
// RebalanceThreshold. The input order does not matter and keys is not modified.
func NeedsRebalancing(keys []float64) bool {
	if len(keys) < 2 {
		return false
	}
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i]-sorted[i-1] < RebalanceThreshold {
			return true
		}
	}
	return false
}

// RebalancePositions assigns 1, 2, 3... to items in ascending key order. Items with
// equal keys keep their relative input order.
func RebalancePositions(items []Item) []Assignment {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b Item) int {
		return cmp.Compare(a.Position, b.Position)
	})

	assignments := make([]Assignment, 0, len(sorted))
	for i, item := range sorted {
		assignments = append(assignments, Assignment{
			ID:       item.ID,
			Position: FirstPosition + float64(i),
		})
	}
	return assignments
}
