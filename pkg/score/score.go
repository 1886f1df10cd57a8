// Package score computes the GreenDrive Score of a vehicle snapshot.
//
// The score is the sum of six independent category scores with fixed weights adding up to 100.
// The total selects a finance [Tier] from [DefaultTiers]. Scoring never fails: missing or
// malformed telemetry yields conservative category scores instead of errors.
package score

import (
	"time"

	"github.com/greendrive/vehicle-score/pkg/vehicle"
)

// CategoryScore is one entry of a [Breakdown].
type CategoryScore struct {
	Score  int    `json:"score"`
	Max    int    `json:"max"`
	Detail string `json:"detail"`
}

// Breakdown maps each [Category] to its score.
type Breakdown map[Category]CategoryScore

// Total returns the sum of all category scores.
func (b Breakdown) Total() int {
	total := 0
	for _, c := range b {
		total += c.Score
	}
	return total
}

// Suggestion is an action the owner can take to raise their score.
type Suggestion struct {
	Action          string `json:"action"`
	PotentialPoints int    `json:"potentialPoints"`
}

// GreenScore is the result of scoring a single snapshot.
type GreenScore struct {
	VIN           string       `json:"vin"`
	Model         string       `json:"model"`
	TotalScore    int          `json:"totalScore"`
	MaxPossible   int          `json:"maxPossible"`
	Tier          string       `json:"tier"`
	TierColor     string       `json:"tierColor"`
	RateReduction float64      `json:"rateReduction"`
	Breakdown     Breakdown    `json:"breakdown"`
	Suggestions   []Suggestion `json:"suggestions"`
	ComputedAt    time.Time    `json:"computedAt"`
}

// ComputeGreenScore scores s at the current time.
func ComputeGreenScore(s *vehicle.Snapshot) *GreenScore {
	return ComputeAt(s, time.Now())
}

// ComputeAt scores s and stamps the result with now. Aside from ComputedAt, the result depends only
// on s. A nil snapshot is scored as an empty one.
func ComputeAt(s *vehicle.Snapshot, now time.Time) *GreenScore {
	if s == nil {
		s = &vehicle.Snapshot{}
	}
	breakdown := make(Breakdown, len(categories))
	for _, c := range categories {
		r := c.score(s)
		breakdown[c.name] = CategoryScore{
			Score:  clamp(r.score, 0, c.max),
			Max:    c.max,
			Detail: r.detail,
		}
	}
	total := breakdown.Total()
	tier := Lookup(total)
	return &GreenScore{
		VIN:           s.VIN,
		Model:         s.Model().String(),
		TotalScore:    total,
		MaxPossible:   MaxScore,
		Tier:          tier.Name,
		TierColor:     tier.Color,
		RateReduction: tier.RateReduction,
		Breakdown:     breakdown,
		Suggestions:   suggest(breakdown),
		ComputedAt:    now,
	}
}

func suggest(b Breakdown) []Suggestion {
	suggestions := []Suggestion{}
	if b[ChargingBehavior].Score < 20 {
		suggestions = append(suggestions, Suggestion{"Increase your home charging ratio", 5})
	}
	if b[RenewableEnergy].Score == 0 {
		suggestions = append(suggestions, Suggestion{"Connect your utility data to verify renewable energy use", 10})
	}
	if b[VehicleCondition].Score < 8 {
		suggestions = append(suggestions, Suggestion{"Update your vehicle software", 3})
	}
	if b[BatteryHealth].Score < 16 {
		suggestions = append(suggestions, Suggestion{"Keep your battery between 20% and 80%", 4})
	}
	if e := b[Efficiency]; e.Score < e.Max {
		suggestions = append(suggestions, Suggestion{"Target 15,000-20,000 km of driving per year", e.Max - e.Score})
	}
	return suggestions
}

func clamp(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
