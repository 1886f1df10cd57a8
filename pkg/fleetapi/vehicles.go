package fleetapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/greendrive/vehicle-score/pkg/vehicle"
)

// VehicleDataEndpoints lists the vehicle_data sections a snapshot is built from.
const VehicleDataEndpoints = "charge_state;climate_state;drive_state;location_data;vehicle_config;vehicle_state"

// VehicleSummary is an entry of the account's vehicle list.
type VehicleSummary struct {
	ID          int64  `json:"id"`
	VehicleID   int64  `json:"vehicle_id"`
	VIN         string `json:"vin"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`
	AccessType  string `json:"access_type,omitempty"`
}

// Vehicles lists the vehicles on the account.
func (c *Client) Vehicles(ctx context.Context) ([]VehicleSummary, error) {
	var rsp struct {
		Response []VehicleSummary `json:"response"`
	}
	if err := c.GetJSON(ctx, "api/1/vehicles", &rsp); err != nil {
		return nil, err
	}
	return rsp.Response, nil
}

// VehicleSummary fetches the summary of a single vehicle. Unlike [Client.VehicleData], this
// succeeds while the vehicle is asleep.
func (c *Client) VehicleSummary(ctx context.Context, vin string) (*VehicleSummary, error) {
	var rsp struct {
		Response *VehicleSummary `json:"response"`
	}
	if err := c.GetJSON(ctx, "api/1/vehicles/"+vin, &rsp); err != nil {
		return nil, err
	}
	if rsp.Response == nil {
		return nil, fmt.Errorf("no summary returned for %s", vin)
	}
	return rsp.Response, nil
}

// VehicleData fetches live state of a vehicle, waking it if necessary.
func (c *Client) VehicleData(ctx context.Context, vin string) (*vehicle.Snapshot, error) {
	path := fmt.Sprintf("api/1/vehicles/%s/vehicle_data?endpoints=%s", vin, url.QueryEscape(VehicleDataEndpoints))
	body, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return vehicle.ParseVehicleData(body, c.clock.Now())
}

// ChargeHistory returns the raw charging history response for a vehicle.
func (c *Client) ChargeHistory(ctx context.Context, vin string) (json.RawMessage, error) {
	body, err := c.Get(ctx, "api/1/dx/charging/history?vin="+url.QueryEscape(vin))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("charge history for %s is not valid JSON", vin)
	}
	return json.RawMessage(body), nil
}
