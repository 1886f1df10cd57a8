package score

import (
	"errors"
	"fmt"
)

const (
	MinScore = 0
	MaxScore = 100
)

// Tier is a band of scores that maps to a loan rate reduction.
type Tier struct {
	Name     string `json:"name"`
	MinScore int    `json:"minScore"`
	MaxScore int    `json:"maxScore"`
	Color    string `json:"color"`
	// RateReduction is expressed in percentage points off the loan APR.
	RateReduction float64 `json:"rateReduction"`
}

// Contains returns true if score falls inside the tier's inclusive band.
func (t Tier) Contains(score int) bool {
	return score >= t.MinScore && score <= t.MaxScore
}

// Table is an ordered list of tiers, lowest band first.
type Table []Tier

// DefaultTiers is the tier table used by [ComputeGreenScore].
var DefaultTiers = Table{
	{Name: "Standard", MinScore: 0, MaxScore: 39, Color: "#9E9E9E", RateReduction: 0},
	{Name: "Bronze Green", MinScore: 40, MaxScore: 54, Color: "#CD7F32", RateReduction: 0.10},
	{Name: "Silver Green", MinScore: 55, MaxScore: 69, Color: "#C0C0C0", RateReduction: 0.25},
	{Name: "Gold Green", MinScore: 70, MaxScore: 84, Color: "#FFD700", RateReduction: 0.40},
	{Name: "Platinum Green", MinScore: 85, MaxScore: 100, Color: "#00C853", RateReduction: 0.50},
}

var ErrEmptyTable = errors.New("tier table is empty")

func init() {
	if err := DefaultTiers.Validate(); err != nil {
		panic(fmt.Sprintf("invalid default tier table: %s", err))
	}
}

// Validate checks that the bands are contiguous, cover exactly [MinScore, MaxScore], and that rate
// reductions never decrease from one tier to the next.
func (t Table) Validate() error {
	if len(t) == 0 {
		return ErrEmptyTable
	}
	if t[0].MinScore != MinScore {
		return fmt.Errorf("tier %q starts at %d instead of %d", t[0].Name, t[0].MinScore, MinScore)
	}
	for i, tier := range t {
		if tier.MinScore > tier.MaxScore {
			return fmt.Errorf("tier %q has an empty band [%d, %d]", tier.Name, tier.MinScore, tier.MaxScore)
		}
		if i == 0 {
			continue
		}
		prev := t[i-1]
		if tier.MinScore != prev.MaxScore+1 {
			return fmt.Errorf("tiers %q and %q are not contiguous", prev.Name, tier.Name)
		}
		if tier.RateReduction < prev.RateReduction {
			return fmt.Errorf("tier %q has a lower rate reduction than %q", tier.Name, prev.Name)
		}
	}
	if last := t[len(t)-1]; last.MaxScore != MaxScore {
		return fmt.Errorf("tier %q ends at %d instead of %d", last.Name, last.MaxScore, MaxScore)
	}
	return nil
}

// Lookup returns the tier whose band contains score, or the lowest tier if none does.
func (t Table) Lookup(score int) Tier {
	for _, tier := range t {
		if tier.Contains(score) {
			return tier
		}
	}
	if len(t) == 0 {
		return Tier{}
	}
	return t[0]
}

// Lookup returns the tier in [DefaultTiers] containing score.
func Lookup(score int) Tier {
	return DefaultTiers.Lookup(score)
}
