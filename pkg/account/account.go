// Package account combines the Fleet API client, the response caches and the scoring engine.
//
// A read first consults the cache for the VIN; on a miss, the client fetches live data (handling
// token refresh and vehicle wake-up internally), the result is scored if requested, and both are
// written back to the cache.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/greendrive/vehicle-score/internal/log"
	"github.com/greendrive/vehicle-score/internal/metrics"
	"github.com/greendrive/vehicle-score/pkg/cache"
	"github.com/greendrive/vehicle-score/pkg/fleetapi"
	"github.com/greendrive/vehicle-score/pkg/score"
	"github.com/greendrive/vehicle-score/pkg/vehicle"
)

// ErrInvalidVIN is returned for VINs that are not 17 characters of A-Z (excluding I, O and Q) and
// 0-9. No request is sent for an invalid VIN.
var ErrInvalidVIN = errors.New("invalid VIN")

// Account provides cached, scored access to the vehicles of one Fleet API account.
type Account struct {
	client        *fleetapi.Client
	snapshots     *cache.Cache[*vehicle.Snapshot]
	scores        *cache.Cache[*score.GreenScore]
	chargeHistory *cache.Cache[json.RawMessage]
}

// Option configures an Account.
type Option func(*Account)

// WithSnapshotCache makes the Account use snapshots instead of an empty cache, e.g. one restored
// with [cache.ImportFromFile].
func WithSnapshotCache(snapshots *cache.Cache[*vehicle.Snapshot]) Option {
	return func(a *Account) {
		a.snapshots = snapshots
	}
}

// New returns an Account that reads through client. Cached entries stay fresh for ttl, or
// [cache.DefaultTTL] if ttl is not positive.
func New(client *fleetapi.Client, ttl time.Duration, options ...Option) *Account {
	clk := client.Clock()
	a := &Account{
		client:        client,
		scores:        cache.NewWithClock[*score.GreenScore]("scores", ttl, clk),
		chargeHistory: cache.NewWithClock[json.RawMessage]("charge-history", ttl, clk),
	}
	for _, option := range options {
		option(a)
	}
	if a.snapshots == nil {
		a.snapshots = cache.NewWithClock[*vehicle.Snapshot]("snapshots", ttl, clk)
	}
	return a
}

// Client returns the underlying Fleet API client.
func (a *Account) Client() *fleetapi.Client {
	return a.client
}

// Snapshots returns the snapshot cache, so that callers can persist it.
func (a *Account) Snapshots() *cache.Cache[*vehicle.Snapshot] {
	return a.snapshots
}

// Vehicles lists the vehicles on the account. The list is not cached.
func (a *Account) Vehicles(ctx context.Context) ([]fleetapi.VehicleSummary, error) {
	return a.client.Vehicles(ctx)
}

// VehicleSnapshot returns the latest state of the vehicle with the provided vin.
func (a *Account) VehicleSnapshot(ctx context.Context, vin string) (*vehicle.Snapshot, error) {
	if !vehicle.ValidVIN(vin) {
		return nil, ErrInvalidVIN
	}
	key := "dashboard-" + vin
	if s, ok := a.snapshots.Get(key); ok {
		log.Debug("[%s] Serving cached snapshot", vin)
		return s, nil
	}
	s, err := a.client.VehicleData(ctx, vin)
	if err != nil {
		return nil, err
	}
	a.snapshots.Set(key, s)
	return s, nil
}

// GreenScore returns the GreenDrive Score of the vehicle with the provided vin. Scores are
// computed from the snapshot returned by [Account.VehicleSnapshot].
//
// fresh is false when the score was served from the cache, i.e. it was already returned by an
// earlier call.
func (a *Account) GreenScore(ctx context.Context, vin string) (gs *score.GreenScore, fresh bool, err error) {
	if !vehicle.ValidVIN(vin) {
		return nil, false, ErrInvalidVIN
	}
	key := "score-" + vin
	if gs, ok := a.scores.Get(key); ok {
		log.Debug("[%s] Serving cached score", vin)
		return gs, false, nil
	}
	s, err := a.VehicleSnapshot(ctx, vin)
	if err != nil {
		return nil, false, err
	}
	gs = score.ComputeAt(s, a.client.Clock().Now())
	metrics.ScoresComputed.WithLabelValues(gs.Tier).Inc()
	log.Info("[%s] Computed score %d (%s)", vin, gs.TotalScore, gs.Tier)
	a.scores.Set(key, gs)
	return gs, true, nil
}

// ChargeHistory returns the raw charging history of the vehicle with the provided vin.
func (a *Account) ChargeHistory(ctx context.Context, vin string) (json.RawMessage, error) {
	if !vehicle.ValidVIN(vin) {
		return nil, ErrInvalidVIN
	}
	key := "charge-history-" + vin
	if h, ok := a.chargeHistory.Get(key); ok {
		return h, nil
	}
	h, err := a.client.ChargeHistory(ctx, vin)
	if err != nil {
		return nil, err
	}
	a.chargeHistory.Set(key, h)
	return h, nil
}

// Wake wakes the vehicle with the provided vin and waits for it to come online.
func (a *Account) Wake(ctx context.Context, vin string) error {
	if !vehicle.ValidVIN(vin) {
		return ErrInvalidVIN
	}
	return a.client.Wake(ctx, vin)
}

// Get sends an authenticated GET request to endpoint, bypassing the caches.
//
// The endpoint should contain only the path (e.g., "api/1/vehicles"); the domain is determined by
// the client's region.
func (a *Account) Get(ctx context.Context, endpoint string) ([]byte, error) {
	return a.client.Get(ctx, endpoint)
}

// ClearCache discards every cached snapshot, score and charge history.
func (a *Account) ClearCache() {
	a.snapshots.Clear()
	a.scores.Clear()
	a.chargeHistory.Clear()
}
