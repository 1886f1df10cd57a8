package score

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/greendrive/vehicle-score/pkg/vehicle"
)

// Category names a component of the breakdown.
type Category string

const (
	BatteryHealth    Category = "batteryHealth"
	ChargingBehavior Category = "chargingBehavior"
	Efficiency       Category = "efficiency"
	EVOwnership      Category = "evOwnership"
	VehicleCondition Category = "vehicleCondition"
	RenewableEnergy  Category = "renewableEnergy"
)

// result is what a single scorer reports, before the engine attaches the category maximum.
type result struct {
	score  int
	detail string
}

type scorer func(s *vehicle.Snapshot) result

// categories lists every scorer with its fixed weight. The weights sum to MaxScore.
var categories = []struct {
	name  Category
	max   int
	score scorer
}{
	{BatteryHealth, 20, scoreBatteryHealth},
	{ChargingBehavior, 25, scoreChargingBehavior},
	{Efficiency, 20, scoreEfficiency},
	{EVOwnership, 15, scoreEVOwnership},
	{VehicleCondition, 10, scoreVehicleCondition},
	{RenewableEnergy, 10, scoreRenewableEnergy},
}

// Categories returns the breakdown keys in display order.
func Categories() []Category {
	names := make([]Category, len(categories))
	for i, c := range categories {
		names[i] = c.name
	}
	return names
}

// MaxFor returns the weight of category c, or zero if c is unknown.
func MaxFor(c Category) int {
	for _, cat := range categories {
		if cat.name == c {
			return cat.max
		}
	}
	return 0
}

// EPA rated range in miles at 100% charge, by model.
var epaRange = map[vehicle.Model]float64{
	vehicle.ModelS:          405,
	vehicle.Model3:          358,
	vehicle.ModelX:          348,
	vehicle.ModelY:          330,
	vehicle.ModelRoadster:   310,
	vehicle.ModelCybertruck: 340,
}

const defaultEPARange = 330

// Returned when the vehicle doesn't report enough to estimate degradation.
const batteryFallbackScore = 10

func scoreBatteryHealth(s *vehicle.Snapshot) result {
	level, rangeMiles := s.Battery.Level, s.Battery.Range
	if !(level > 0) || !(rangeMiles > 0) {
		return result{batteryFallbackScore, "Insufficient battery data"}
	}
	reference, ok := epaRange[s.Model()]
	if !ok {
		reference = defaultEPARange
	}
	// Evaluated left to right as range/level*100. A Cybertruck at 100% with 255 mi rounds to just
	// under 75% retention and scores 14, not 15.
	estimate := rangeMiles / level * 100
	retention := math.Min(estimate/reference*100, 100)
	points := int(math.Floor(retention / 100 * 20))
	return result{
		score:  points,
		detail: fmt.Sprintf("Estimated %.0f%% capacity retention (%.0f of %.0f mi rated)", retention, estimate, reference),
	}
}

func scoreChargingBehavior(s *vehicle.Snapshot) result {
	chargerType := s.Battery.FastChargerType
	switch {
	case s.Battery.ChargingState == "Disconnected" && chargerType == "":
		return result{15, "Not currently charging"}
	case chargerType == "" || chargerType == "<invalid>":
		return result{22, "Home charging detected"}
	case chargerType == "MCSingleWireCAN":
		return result{20, "Mobile connector charging"}
	case chargerType == "CCS" || chargerType == "CHAdeMO":
		return result{12, "Public DC fast charging"}
	case chargerType == "Tesla":
		return result{10, "Supercharger charging"}
	default:
		return result{15, fmt.Sprintf("Unrecognized charger type %q", chargerType)}
	}
}

const kilometersPerMile = 1.60934

func scoreEfficiency(s *vehicle.Snapshot) result {
	km := s.Odometer * kilometersPerMile
	var points int
	switch {
	case km < 5000:
		points = 10
	case km < 10000:
		points = 13
	case km < 15000:
		points = 15
	case km <= 20000:
		points = 20
	case km <= 30000:
		points = 13
	default:
		points = 8
	}
	return result{points, fmt.Sprintf("%.0f km driven", km)}
}

func scoreEVOwnership(s *vehicle.Snapshot) result {
	if m := s.Model(); m.Known() {
		return result{15, fmt.Sprintf("Full battery-electric %s", m)}
	}
	return result{10, "Electric vehicle of unrecognized model"}
}

var versionYearRE = regexp.MustCompile(`^(\d{4})\.`)

// softwareYear returns the release year encoded in a car_version string, or zero.
func softwareYear(version string) int {
	m := versionYearRE.FindStringSubmatch(version)
	if m == nil {
		return 0
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return year
}

func scoreVehicleCondition(s *vehicle.Snapshot) result {
	year := softwareYear(s.SoftwareVersion)
	var points int
	switch {
	case year >= 2026:
		points = 10
	case year >= 2025:
		points = 8
	case year >= 2024:
		points = 6
	default:
		points = 4
	}
	if year == 0 {
		return result{points, "Unknown software version"}
	}
	return result{points, fmt.Sprintf("Software release year %d", year)}
}

// Verifying the energy source requires utility account data, which isn't integrated.
func scoreRenewableEnergy(_ *vehicle.Snapshot) result {
	return result{0, "Connect your utility provider to verify renewable charging"}
}
