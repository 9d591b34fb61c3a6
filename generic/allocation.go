/*
allocation.go - FIFO distribution of stored credit across a need

PURPOSE:
  A student can hold several unapplied overpayment records, one per source
  term. When a target term needs N of credit, the records are drained
  oldest source term first:

    records: 2024-2025/1 → 1500, 2024-2025/2 → 3000
    need 2000:
      - 1500 from 2024-2025/1 (full)
      - 500  from 2024-2025/2 (partial, 2500 left)

  A full allocation consumes the record; a partial one splits it into a
  reduced remainder plus an applied record for exactly the allocated
  amount. The caller performs those writes; this file only decides them.

ORDERING:
  Sources are ordered by term ascending. Sources of the same term keep
  the order the caller supplied (typically creation time).

SEE ALSO:
  - billing/credits.go: Persists the allocations inside one transaction
*/
package generic

import "sort"

// CreditSource is an unapplied credit available for allocation.
type CreditSource struct {
	ID     string
	Term   Term
	Amount Money
}

// Allocation is the portion taken from one source.
type Allocation struct {
	Source CreditSource
	Amount Money
}

// Full reports whether the allocation consumes the whole source.
func (a Allocation) Full() bool {
	return a.Amount.Equal(a.Source.Amount)
}

// Remainder is what stays on the source after the allocation.
func (a Allocation) Remainder() Money {
	return a.Source.Amount.Sub(a.Amount)
}

// AllocationResult describes how a need was covered.
type AllocationResult struct {
	Allocations []Allocation
	Allocated   Money
	Unmet       Money // Part of the need no source could cover
}

// AllocateFIFO covers need from sources, oldest term first. Sources with a
// non-positive amount are skipped. A non-positive need allocates nothing.
func AllocateFIFO(sources []CreditSource, need Money) AllocationResult {
	result := AllocationResult{Allocated: ZeroMoney(), Unmet: need.ClampZero()}
	if !need.IsPositive() {
		return result
	}

	ordered := make([]CreditSource, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Term.Before(ordered[j].Term)
	})

	remaining := need
	for _, src := range ordered {
		if !remaining.IsPositive() {
			break
		}
		if !src.Amount.IsPositive() {
			continue
		}
		take := src.Amount.Min(remaining)
		result.Allocations = append(result.Allocations, Allocation{Source: src, Amount: take})
		result.Allocated = result.Allocated.Add(take)
		remaining = remaining.Sub(take)
	}
	result.Unmet = remaining
	return result
}
