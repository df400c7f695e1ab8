// Package ordering computes fractional order keys for issues inside a kanban column.
package ordering

import (
	"errors"
	"fmt"
	"math"
)

// RebalanceThreshold is the smallest gap between two adjacent keys that is still
// considered healthy.
const RebalanceThreshold = 1e-6

// FirstPosition is the key given to the first issue of an empty column. Rebalanced
// columns restart from it in steps of 1.
const FirstPosition = 1.0

var (
	ErrPositionExhausted = errors.New("position exhausted")
	ErrInvalidNeighbors  = errors.New("invalid neighbor positions")
)

// PositionExhaustedError reports that no float64 exists strictly between two
// neighbors. Callers recover by rebalancing the column and retrying.
type PositionExhaustedError struct {
	Prev *float64
	Next *float64
}

func (e *PositionExhaustedError) Error() string {
	return fmt.Sprintf("%s: no key between %s and %s", ErrPositionExhausted, describe(e.Prev), describe(e.Next))
}

func (e *PositionExhaustedError) Is(target error) bool {
	return target == ErrPositionExhausted
}

// CalculatePosition returns a key that sorts between prev and next. A nil neighbor
// means the insertion point is at that end of the column.
func CalculatePosition(prev, next *float64) (float64, error) {
	if err := validate(prev, next); err != nil {
		return 0, err
	}

	var position float64
	switch {
	case prev == nil && next == nil:
		return FirstPosition, nil
	case prev == nil:
		if *next <= 0 {
			// halving stops moving down once keys are no longer positive
			position = *next - 1.0
			break
		}
		position = *next / 2
		if position <= 0 {
			return 0, &PositionExhaustedError{Next: next}
		}
	case next == nil:
		position = *prev + 1.0
	default:
		// halve first so neighbors near the top of the range cannot overflow
		position = *prev/2 + *next/2
	}

	if (prev != nil && position <= *prev) || (next != nil && position >= *next) {
		return 0, &PositionExhaustedError{Prev: prev, Next: next}
	}
	return position, nil
}

// Neighbors returns the keys on either side of index in an ascending key list.
// index is clamped to [0, len(keys)].
func Neighbors(keys []float64, index int) (prev, next *float64) {
	if index < 0 {
		index = 0
	}
	if index > len(keys) {
		index = len(keys)
	}
	if index > 0 {
		value := keys[index-1]
		prev = &value
	}
	if index < len(keys) {
		value := keys[index]
		next = &value
	}
	return prev, next
}

func validate(prev, next *float64) error {
	if prev != nil && !isFinite(*prev) {
		return fmt.Errorf("%w: prev is %v", ErrInvalidNeighbors, *prev)
	}
	if next != nil && !isFinite(*next) {
		return fmt.Errorf("%w: next is %v", ErrInvalidNeighbors, *next)
	}
	if prev != nil && next != nil && *prev >= *next {
		return fmt.Errorf("%w: prev %v is not below next %v", ErrInvalidNeighbors, *prev, *next)
	}
	return nil
}

func isFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

func describe(value *float64) string {
	if value == nil {
		return "<none>"
	}
	return fmt.Sprintf("%v", *value)
}
