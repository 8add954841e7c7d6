package partitions

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidPlan means a partition input was not positive
	ErrInvalidPlan = errors.New("invalid partition request")
	// ErrDegeneratePlan means the request is smaller than one group of work
	// and would dispatch nothing
	ErrDegeneratePlan = errors.New("degenerate partition: zero groups")
	// ErrTruncatedPlan means a strict plan would discard part of the request
	ErrTruncatedPlan = errors.New("partition truncates requested work")
)

// Plan is the decomposition of a problem into equally sized work groups.
//
// Each work item performs Multiplier units of work, so one group covers
// GroupSize*Multiplier units. GroupCount is the requested total divided by
// that span with truncation, and EffectiveTotal is the work actually done.
// EffectiveTotal never exceeds RequestedTotal; the remainder is discarded.
type Plan struct {
	GroupSize      int
	GroupCount     int
	Multiplier     int
	EffectiveTotal int
	RequestedTotal int
}

// NewPlan partitions requestedTotal units of work for a device whose preferred
// group size is groupSize, each work item performing multiplier units. A plan
// with zero groups is returned together with ErrDegeneratePlan.
func NewPlan(requestedTotal, groupSize, multiplier int) (Plan, error) {
	if requestedTotal <= 0 || groupSize <= 0 || multiplier <= 0 {
		return Plan{}, errors.Wrapf(ErrInvalidPlan,
			"requested=%d groupSize=%d multiplier=%d", requestedTotal, groupSize, multiplier)
	}
	span := groupSize * multiplier
	if span/multiplier != groupSize {
		return Plan{}, errors.Wrapf(ErrInvalidPlan, "group span %d*%d overflows", groupSize, multiplier)
	}
	groupCount := requestedTotal / span
	p := Plan{
		GroupSize:      groupSize,
		GroupCount:     groupCount,
		Multiplier:     multiplier,
		EffectiveTotal: span * groupCount,
		RequestedTotal: requestedTotal,
	}
	if groupCount == 0 {
		return p, errors.Wrapf(ErrDegeneratePlan,
			"requested %d units is less than one group of %d (group size %d x %d per item)",
			requestedTotal, span, groupSize, multiplier)
	}
	return p, nil
}

// Elementwise plans a map with one unit of work per work item
func Elementwise(requestedTotal, groupSize int) (Plan, error) {
	return NewPlan(requestedTotal, groupSize, 1)
}

// Integration plans a reduction over the unit interval with requestedSteps
// steps, each work item integrating iterations consecutive steps
func Integration(requestedSteps, groupSize, iterations int) (Plan, error) {
	return NewPlan(requestedSteps, groupSize, iterations)
}

// Strict rejects plans that discard any of the requested work
func Strict(p Plan, err error) (Plan, error) {
	if err != nil {
		return p, err
	}
	if p.Truncated() {
		return p, errors.Wrapf(ErrTruncatedPlan, "%s", p)
	}
	return p, nil
}

// GlobalSize is the number of work items launched
func (p Plan) GlobalSize() int {
	return p.GroupSize * p.GroupCount
}

// Discarded is the amount of requested work the plan does not cover
func (p Plan) Discarded() int {
	return p.RequestedTotal - p.EffectiveTotal
}

// Truncated reports whether the plan covers less than the request
func (p Plan) Truncated() bool {
	return p.Discarded() > 0
}

// StepWidth is the width of one integration step over the unit interval
func (p Plan) StepWidth() float64 {
	if p.EffectiveTotal == 0 {
		return 0
	}
	return 1.0 / float64(p.EffectiveTotal)
}

func (p Plan) String() string {
	return fmt.Sprintf("%d groups x %d items x %d = %d of %d requested (%d discarded)",
		p.GroupCount, p.GroupSize, p.Multiplier, p.EffectiveTotal, p.RequestedTotal, p.Discarded())
}
