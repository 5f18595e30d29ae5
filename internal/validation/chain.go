package validation

import (
	"context"
	"sort"

	"odsflow/internal/batch"
	"odsflow/internal/schema"
	apperrors "odsflow/pkg/errors"
)

// Chain runs the checks in fixed order: null, type/digit, duplication.
type Chain struct {
	checks []Check
	policy schema.Policy
}

// NewChain builds the standard chain for the given violation policy.
func NewChain(policy schema.Policy) *Chain {
	if policy == "" {
		policy = schema.PolicyAbort
	}
	return &Chain{
		checks: []Check{NullCheck{}, TypeCheck{}, DuplicateCheck{}},
		policy: policy,
	}
}

// Outcome is what the chain reports back to the run.
type Outcome struct {
	Violations []Result
	// Clean is the batch to load. Under the abort policy it is only set
	// when there were no violations.
	Clean *batch.Batch
}

// ViolatingRows returns the distinct row ids in the violations, sorted.
func (o *Outcome) ViolatingRows() []int {
	return violatingRows(o.Violations)
}

func violatingRows(results []Result) []int {
	seen := make(map[int]bool, len(results))
	rows := make([]int, 0, len(results))
	for _, r := range results {
		if !seen[r.RowID] {
			seen[r.RowID] = true
			rows = append(rows, r.RowID)
		}
	}
	sort.Ints(rows)
	return rows
}

// Run validates the batch. With the abort policy the first check that
// reports violations stops the chain and a ValidationFailed error is
// returned together with the outcome. With the filter policy every check
// runs over the full batch and violating rows are dropped from Clean.
func (c *Chain) Run(ctx context.Context, d *schema.Descriptor, b *batch.Batch) (*Outcome, error) {
	out := &Outcome{}

	for _, check := range c.checks {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		results := check.Check(d, b)
		if len(results) == 0 {
			continue
		}
		out.Violations = append(out.Violations, results...)

		if c.policy == schema.PolicyAbort {
			return out, apperrors.ValidationFailed(string(check.Kind()), violatingRows(results))
		}
	}

	if len(out.Violations) == 0 {
		out.Clean = b
		return out, nil
	}

	drop := make(map[int]bool, len(out.Violations))
	for _, r := range out.Violations {
		drop[r.RowID] = true
	}
	out.Clean = b.Without(drop)
	return out, nil
}
