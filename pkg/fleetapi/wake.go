package fleetapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/looplab/fsm"

	"github.com/greendrive/vehicle-score/internal/log"
	"github.com/greendrive/vehicle-score/internal/metrics"
)

// Wake cycle states.
const (
	StateIdle      = "idle"
	StateWaking    = "waking"
	StatePolling   = "polling"
	StateSucceeded = "succeeded"
	StateTimedOut  = "timed_out"
)

const (
	eventWake    = "wake"
	eventSent    = "sent"
	eventOnline  = "online"
	eventTimeout = "timeout"
)

// errCeiling is returned by requests that were cancelled because the wake budget ran out.
var errCeiling = errors.New("wake ceiling reached")

// Wake sends a wake_up command to the vehicle and polls its summary until it reports "online".
// Polls happen every wake interval (default 5s) and the whole cycle gives up with
// [ErrVehicleUnreachable] once the wake timeout (default 30s) has elapsed, even if a poll request
// is still in flight.
//
// Concurrent calls for the same VIN share a single cycle. A caller whose ctx is cancelled stops
// waiting but does not cancel the cycle for other callers.
func (c *Client) Wake(ctx context.Context, vin string) error {
	ch := c.wakes.DoChan(vin, func() (interface{}, error) {
		cycle := newWakeCycle(c, vin)
		err := cycle.run(context.WithoutCancel(ctx))
		return cycle.State(), err
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-ch:
		if result.Shared {
			log.Debug("[%s] Joined in-progress wake cycle", vin)
		}
		return result.Err
	}
}

type wakeCycle struct {
	client   *Client
	vin      string
	started  time.Time
	deadline time.Time
	machine  *fsm.FSM
}

func newWakeCycle(c *Client, vin string) *wakeCycle {
	w := &wakeCycle{client: c, vin: vin}
	w.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventWake, Src: []string{StateIdle}, Dst: StateWaking},
			{Name: eventSent, Src: []string{StateWaking}, Dst: StatePolling},
			{Name: eventOnline, Src: []string{StateWaking, StatePolling}, Dst: StateSucceeded},
			{Name: eventTimeout, Src: []string{StateWaking, StatePolling}, Dst: StateTimedOut},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug("[%s] Wake cycle %s -> %s", w.vin, e.Src, e.Dst)
			},
			"enter_" + StateSucceeded: func(_ context.Context, _ *fsm.Event) {
				log.Info("[%s] Vehicle online after %s", w.vin, w.elapsed())
				w.record(StateSucceeded)
			},
			"enter_" + StateTimedOut: func(_ context.Context, _ *fsm.Event) {
				log.Warning("[%s] Vehicle did not wake within %s", w.vin, w.client.wakeTimeout)
				w.record(StateTimedOut)
			},
		},
	)
	return w
}

// State returns the current state of the cycle.
func (w *wakeCycle) State() string {
	return w.machine.Current()
}

func (w *wakeCycle) elapsed() time.Duration {
	return w.client.clock.Since(w.started)
}

func (w *wakeCycle) record(result string) {
	metrics.WakeCycles.WithLabelValues(result).Inc()
	metrics.WakeDuration.Observe(w.elapsed().Seconds())
}

func (w *wakeCycle) transition(ctx context.Context, event string) error {
	if err := w.machine.Event(ctx, event); err != nil {
		return fmt.Errorf("wake cycle: %w", err)
	}
	return nil
}

// fail ends a cycle that was aborted by something other than the ceiling.
func (w *wakeCycle) fail(err error) error {
	metrics.WakeCycles.WithLabelValues("failed").Inc()
	log.Warning("[%s] Wake cycle aborted in state %s: %s", w.vin, w.State(), err)
	return err
}

func (w *wakeCycle) timeout(ctx context.Context) error {
	if err := w.transition(ctx, eventTimeout); err != nil {
		return err
	}
	return ErrVehicleUnreachable
}

func (w *wakeCycle) run(ctx context.Context) error {
	c := w.client
	w.started = c.clock.Now()
	w.deadline = w.started.Add(c.wakeTimeout)
	if err := w.transition(ctx, eventWake); err != nil {
		return err
	}

	online, err := w.request(ctx, http.MethodPost, fmt.Sprintf("api/1/vehicles/%s/wake_up", w.vin))
	if errors.Is(err, errCeiling) {
		return w.timeout(ctx)
	}
	if err != nil {
		return w.fail(err)
	}
	if online {
		return w.transition(ctx, eventOnline)
	}
	if err := w.transition(ctx, eventSent); err != nil {
		return err
	}

	summary := fmt.Sprintf("api/1/vehicles/%s", w.vin)
	for {
		remaining := w.deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return w.timeout(ctx)
		}
		timer := c.clock.NewTimer(min(c.wakeInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return w.fail(ctx.Err())
		case <-timer.C():
		}
		if !c.clock.Now().Before(w.deadline) {
			return w.timeout(ctx)
		}

		online, err := w.request(ctx, http.MethodGet, summary)
		if errors.Is(err, errCeiling) {
			return w.timeout(ctx)
		}
		if err != nil {
			return w.fail(err)
		}
		if online {
			return w.transition(ctx, eventOnline)
		}
	}
}

// request sends a wake_up command or a summary poll and reports whether the vehicle is online.
// Transient failures report offline so the cycle keeps polling; authorization failures and rate
// limiting abort the cycle.
func (w *wakeCycle) request(ctx context.Context, method, path string) (bool, error) {
	c := w.client
	bounded, cancel := context.WithTimeout(ctx, w.deadline.Sub(c.clock.Now()))
	defer cancel()

	rsp, err := c.send(bounded, method, path, nil)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if bounded.Err() != nil {
			return false, errCeiling
		}
		log.Debug("[%s] %s failed: %s", w.vin, path, err)
		return false, nil
	}

	switch rsp.code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests:
		return false, c.statusError(rsp)
	}
	if !rsp.ok() {
		log.Debug("[%s] %s returned %d", w.vin, path, rsp.code)
		return false, nil
	}

	var summary struct {
		Response struct {
			State string `json:"state"`
		} `json:"response"`
	}
	if err := json.Unmarshal(rsp.body, &summary); err != nil {
		log.Debug("[%s] Invalid response from %s: %s", w.vin, path, err)
		return false, nil
	}
	log.Debug("[%s] Vehicle state: %s", w.vin, summary.Response.State)
	return summary.Response.State == "online", nil
}
