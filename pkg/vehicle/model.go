package vehicle

import "strings"

// Model is a one-character Tesla model code, matching the fourth character of the VIN.
type Model string

const (
	ModelUnknown    Model = ""
	ModelS          Model = "S"
	Model3          Model = "3"
	ModelX          Model = "X"
	ModelY          Model = "Y"
	ModelRoadster   Model = "R"
	ModelCybertruck Model = "C"
)

var modelNames = map[Model]string{
	ModelS:          "Model S",
	Model3:          "Model 3",
	ModelX:          "Model X",
	ModelY:          "Model Y",
	ModelRoadster:   "Roadster",
	ModelCybertruck: "Cybertruck",
}

// vehicle_config.car_type prefixes, e.g. "models2" or "modely".
var carTypePrefixes = []struct {
	prefix string
	model  Model
}{
	{"models", ModelS},
	{"model3", Model3},
	{"modelx", ModelX},
	{"modely", ModelY},
	{"cybertruck", ModelCybertruck},
	{"roadster", ModelRoadster},
}

// Known returns true for the six battery-electric models Tesla builds.
func (m Model) Known() bool {
	_, ok := modelNames[m]
	return ok
}

func (m Model) String() string {
	if name, ok := modelNames[m]; ok {
		return name
	}
	return "Unknown"
}

// DecodeModel determines the model from vehicle_config.car_type, falling back to the VIN's model
// character when the car type is missing or unrecognized.
func DecodeModel(vin, carType string) Model {
	carType = strings.ToLower(strings.TrimSpace(carType))
	for _, p := range carTypePrefixes {
		if carType != "" && strings.HasPrefix(carType, p.prefix) {
			return p.model
		}
	}
	if len(vin) < 4 {
		return ModelUnknown
	}
	m := Model(strings.ToUpper(vin[3:4]))
	if m.Known() {
		return m
	}
	return ModelUnknown
}
