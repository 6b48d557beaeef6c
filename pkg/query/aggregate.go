package query

import (
	"fmt"
	"strings"

	"github.com/orneryd/embergraph/pkg/value"
)

// AggregateFunc names an aggregate.
type AggregateFunc uint8

const (
	AggCount AggregateFunc = iota + 1
	AggSum
	AggAvg
	AggMin
	AggMax
)

func (f AggregateFunc) String() string {
	switch f {
	case AggCount:
		return "count"
	case AggSum:
		return "sum"
	case AggAvg:
		return "avg"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	}
	return "unknown"
}

// ParseAggregate maps a function name, case-insensitively, to an aggregate.
func ParseAggregate(name string) (AggregateFunc, bool) {
	switch strings.ToLower(name) {
	case "count":
		return AggCount, true
	case "sum":
		return AggSum, true
	case "avg":
		return AggAvg, true
	case "min":
		return AggMin, true
	case "max":
		return AggMax, true
	}
	return 0, false
}

// Aggregator folds values into one result.
//
//	count  counts every non-null value
//	sum    adds numbers; stays Int until a Float is seen; 0 when empty
//	avg    Float mean of numbers; Null when empty
//	min    smallest non-null value by value.SortCompare; Null when empty
//	max    largest non-null value by value.SortCompare; Null when empty
//
// Non-numeric values are ignored by sum and avg.
type Aggregator struct {
	fn AggregateFunc

	count   int64
	isFloat bool
	sumInt  int64
	sumF    float64
	numbers int64
	best    value.Value
}

// NewAggregator creates an empty aggregator.
func NewAggregator(fn AggregateFunc) *Aggregator {
	return &Aggregator{fn: fn}
}

// Add folds v in.
func (a *Aggregator) Add(v value.Value) {
	if v.IsNull() {
		return
	}
	a.count++
	switch a.fn {
	case AggSum, AggAvg:
		if i, ok := v.AsInt(); ok {
			a.sumInt += i
			a.sumF += float64(i)
			a.numbers++
		} else if f, ok := v.AsFloat(); ok {
			a.isFloat = true
			a.sumF += f
			a.numbers++
		}
	case AggMin:
		if a.best.IsNull() || value.SortCompare(v, a.best) < 0 {
			a.best = v
		}
	case AggMax:
		if a.best.IsNull() || value.SortCompare(v, a.best) > 0 {
			a.best = v
		}
	}
}

// Result returns the aggregate of everything added.
func (a *Aggregator) Result() value.Value {
	switch a.fn {
	case AggCount:
		return value.Int(a.count)
	case AggSum:
		if a.isFloat {
			return value.Float(a.sumF)
		}
		return value.Int(a.sumInt)
	case AggAvg:
		if a.numbers == 0 {
			return value.Null()
		}
		return value.Float(a.sumF / float64(a.numbers))
	case AggMin, AggMax:
		return a.best
	}
	panic(fmt.Sprintf("query: unknown aggregate %d", a.fn))
}
