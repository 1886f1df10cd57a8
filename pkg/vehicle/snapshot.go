package vehicle

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrEmptyResponse indicates the Fleet API returned a vehicle_data envelope without a payload.
var ErrEmptyResponse = errors.New("vehicle data response did not contain a vehicle")

var vinRE = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)

// ValidVIN returns true if vin is a syntactically valid 17-character VIN.
func ValidVIN(vin string) bool {
	return vinRE.MatchString(vin)
}

// Battery contains charge_state fields.
type Battery struct {
	Level           float64 `json:"level"` // Percent
	Range           float64 `json:"range"` // Rated miles
	ChargingState   string  `json:"chargingState"`
	FastChargerType string  `json:"fastChargerType"`
	EnergyAdded     float64 `json:"energyAdded"` // kWh
	ChargeLimit     int     `json:"chargeLimit"` // Percent
	// ScheduledCharging is true if the vehicle is waiting for a scheduled charging window.
	ScheduledCharging bool `json:"scheduledCharging"`
	// ScheduledChargingStart is the Unix time of the next scheduled charge, or zero.
	ScheduledChargingStart int64 `json:"scheduledChargingStart,omitempty"`
}

// Security contains lock, sentry and software-update state.
type Security struct {
	Locked               bool   `json:"locked"`
	SentryMode           bool   `json:"sentryMode"`
	SoftwareUpdateStatus string `json:"softwareUpdateStatus"`
}

// Location is the GPS position of the vehicle.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Heading   int     `json:"heading"`
}

// Climate contains cabin and ambient temperatures in Celsius.
type Climate struct {
	InsideTemp  float64 `json:"insideTemp"`
	OutsideTemp float64 `json:"outsideTemp"`
	IsClimateOn bool    `json:"isClimateOn"`
}

// Snapshot is the state of one vehicle at one instant, as reported by the Fleet API. Snapshots
// are created by [ParseVehicleData] and must not be modified afterwards.
type Snapshot struct {
	VIN             string    `json:"vin"`
	DisplayName     string    `json:"displayName"`
	State           string    `json:"state"`
	CarType         string    `json:"carType"`
	Battery         Battery   `json:"battery"`
	Odometer        float64   `json:"odometer"` // Miles
	SoftwareVersion string    `json:"softwareVersion"`
	Security        Security  `json:"security"`
	Location        Location  `json:"location"`
	Climate         Climate   `json:"climate"`
	FetchedAt       time.Time `json:"fetchedAt"`
}

// Model returns the decoded model of the vehicle.
func (s *Snapshot) Model() Model {
	if s == nil {
		return ModelUnknown
	}
	return DecodeModel(s.VIN, s.CarType)
}

// vehicleData mirrors the subset of the Fleet API vehicle_data payload that we consume.
type vehicleData struct {
	VIN           string `json:"vin"`
	DisplayName   string `json:"display_name"`
	State         string `json:"state"`
	VehicleConfig struct {
		CarType string `json:"car_type"`
	} `json:"vehicle_config"`
	ChargeState struct {
		BatteryLevel               float64 `json:"battery_level"`
		BatteryRange               float64 `json:"battery_range"`
		ChargingState              string  `json:"charging_state"`
		FastChargerType            string  `json:"fast_charger_type"`
		ChargeEnergyAdded          float64 `json:"charge_energy_added"`
		ChargeLimitSOC             int     `json:"charge_limit_soc"`
		ScheduledChargingPending   bool    `json:"scheduled_charging_pending"`
		ScheduledChargingStartTime *int64  `json:"scheduled_charging_start_time"`
	} `json:"charge_state"`
	VehicleState struct {
		Odometer       float64 `json:"odometer"`
		CarVersion     string  `json:"car_version"`
		Locked         bool    `json:"locked"`
		SentryMode     bool    `json:"sentry_mode"`
		SoftwareUpdate struct {
			Status string `json:"status"`
		} `json:"software_update"`
	} `json:"vehicle_state"`
	DriveState struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Heading   int     `json:"heading"`
	} `json:"drive_state"`
	ClimateState struct {
		InsideTemp  float64 `json:"inside_temp"`
		OutsideTemp float64 `json:"outside_temp"`
		IsClimateOn bool    `json:"is_climate_on"`
	} `json:"climate_state"`
}

// ParseVehicleData decodes the body of a vehicle_data response ({"response": {...}}).
func ParseVehicleData(body []byte, fetchedAt time.Time) (*Snapshot, error) {
	var envelope struct {
		Response *vehicleData `json:"response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("unable to parse vehicle data: %w", err)
	}
	d := envelope.Response
	if d == nil {
		return nil, ErrEmptyResponse
	}
	snapshot := &Snapshot{
		VIN:         strings.ToUpper(d.VIN),
		DisplayName: d.DisplayName,
		State:       d.State,
		CarType:     d.VehicleConfig.CarType,
		Battery: Battery{
			Level:             d.ChargeState.BatteryLevel,
			Range:             d.ChargeState.BatteryRange,
			ChargingState:     d.ChargeState.ChargingState,
			FastChargerType:   d.ChargeState.FastChargerType,
			EnergyAdded:       d.ChargeState.ChargeEnergyAdded,
			ChargeLimit:       d.ChargeState.ChargeLimitSOC,
			ScheduledCharging: d.ChargeState.ScheduledChargingPending,
		},
		Odometer:        d.VehicleState.Odometer,
		SoftwareVersion: d.VehicleState.CarVersion,
		Security: Security{
			Locked:               d.VehicleState.Locked,
			SentryMode:           d.VehicleState.SentryMode,
			SoftwareUpdateStatus: d.VehicleState.SoftwareUpdate.Status,
		},
		Location: Location{
			Latitude:  d.DriveState.Latitude,
			Longitude: d.DriveState.Longitude,
			Heading:   d.DriveState.Heading,
		},
		Climate: Climate{
			InsideTemp:  d.ClimateState.InsideTemp,
			OutsideTemp: d.ClimateState.OutsideTemp,
			IsClimateOn: d.ClimateState.IsClimateOn,
		},
		FetchedAt: fetchedAt,
	}
	if start := d.ChargeState.ScheduledChargingStartTime; start != nil {
		snapshot.Battery.ScheduledChargingStart = *start
	}
	return snapshot, nil
}

// DemoSnapshot returns a fixed, plausible Model 3 snapshot. It is served in place of live data
// when the Fleet API cannot be reached.
func DemoSnapshot(vin string, now time.Time) *Snapshot {
	return &Snapshot{
		VIN:         vin,
		DisplayName: "Demo Vehicle",
		State:       "online",
		CarType:     "model3",
		Battery: Battery{
			Level:         78,
			Range:         265,
			ChargingState: "Disconnected",
			ChargeLimit:   80,
		},
		Odometer:        11250,
		SoftwareVersion: "2025.14.3 4f3b2a1c9e0d",
		Security: Security{
			Locked: true,
		},
		Location: Location{
			Latitude:  52.5200,
			Longitude: 13.4050,
			Heading:   90,
		},
		Climate: Climate{
			InsideTemp:  21.5,
			OutsideTemp: 14.0,
		},
		FetchedAt: now,
	}
}
