// Package server exposes vehicle dashboards and GreenDrive Scores over HTTP.
//
// Read failures never reach the end user as hard errors on the dashboard and score routes: the
// server answers with demonstration data instead, marked with "source": "demo" and the error
// text, so that the UI always has something to render.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/greendrive/vehicle-score/internal/log"
	"github.com/greendrive/vehicle-score/internal/metrics"
	"github.com/greendrive/vehicle-score/pkg/fleetapi"
	"github.com/greendrive/vehicle-score/pkg/history"
	"github.com/greendrive/vehicle-score/pkg/score"
	"github.com/greendrive/vehicle-score/pkg/vehicle"
)

// DefaultTimeout bounds each request. It leaves room for a full vehicle wake cycle.
const DefaultTimeout = 40 * time.Second

const (
	SourceLive = "live"
	SourceDemo = "demo"
)

// DemoVIN is listed in place of the account's vehicles when they cannot be fetched.
const DemoVIN = "5YJ3E1EA7KF000001"

// Account is the subset of [account.Account] used by the server.
type Account interface {
	Vehicles(ctx context.Context) ([]fleetapi.VehicleSummary, error)
	VehicleSnapshot(ctx context.Context, vin string) (*vehicle.Snapshot, error)
	GreenScore(ctx context.Context, vin string) (gs *score.GreenScore, fresh bool, err error)
	ChargeHistory(ctx context.Context, vin string) (json.RawMessage, error)
}

// Recorder persists live scores. See [history.Store].
type Recorder interface {
	Append(ctx context.Context, gs *score.GreenScore) (*history.Record, error)
	List(ctx context.Context, vin string, limit int) ([]history.Record, error)
}

// Response is the envelope of every JSON reply.
type Response struct {
	Response interface{} `json:"response"`
	Source   string      `json:"source,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Server routes HTTP requests to an [Account].
type Server struct {
	Timeout time.Duration

	account  Account
	recorder Recorder
	clock    clock.PassiveClock
	router   *mux.Router
}

// New returns a Server. The recorder may be nil, in which case scores are not persisted and the
// history route is disabled. Metrics are served from gatherer, or the default Prometheus gatherer
// if nil.
func New(acct Account, recorder Recorder, gatherer prometheus.Gatherer, clk clock.PassiveClock) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &Server{
		Timeout:  DefaultTimeout,
		account:  acct,
		recorder: recorder,
		clock:    clk,
		router:   mux.NewRouter(),
	}
	r := s.router
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/api/tiers", s.handleTiers).Methods("GET")
	r.HandleFunc("/api/vehicles", s.handleVehicles).Methods("GET")
	r.HandleFunc("/api/vehicles/{vin}/dashboard", s.withVIN(s.handleDashboard)).Methods("GET")
	r.HandleFunc("/api/vehicles/{vin}/green-score", s.withVIN(s.handleGreenScore)).Methods("GET")
	r.HandleFunc("/api/vehicles/{vin}/green-score/history", s.withVIN(s.handleHistory)).Methods("GET")
	r.HandleFunc("/api/vehicles/{vin}/charge-history", s.withVIN(s.handleChargeHistory)).Methods("GET")
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSONError(w, http.StatusNotFound, nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, nil)
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.Info("Received %s request for %s", req.Method, req.URL.Path)
	ctx, cancel := context.WithTimeout(req.Context(), s.Timeout)
	defer cancel()
	s.router.ServeHTTP(w, req.WithContext(ctx))
}

func writeJSON(w http.ResponseWriter, code int, reply interface{}) {
	jsonBytes, err := json.Marshal(reply)
	if err != nil {
		log.Error("Error serializing reply %+v: %s", reply, err)
		code = http.StatusInternalServerError
		jsonBytes = []byte("{\"error\": \"internal server error\"}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	jsonBytes = append(jsonBytes, '\n')
	w.Write(jsonBytes)
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	reply := Response{}
	if err == nil {
		reply.Error = http.StatusText(code)
	} else {
		reply.Error = err.Error()
	}
	log.Error("Returning error %s: %s", http.StatusText(code), reply.Error)
	writeJSON(w, code, &reply)
}

// errorStatus maps a failed upstream read to the status returned to the client.
func errorStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	if code := fleetapi.StatusCode(err); code != 0 {
		return code
	}
	return http.StatusBadGateway
}

type vinHandler func(w http.ResponseWriter, req *http.Request, vin string)

// withVIN rejects requests whose {vin} path variable is not a valid VIN.
func (s *Server) withVIN(handler vinHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		vin := mux.Vars(req)["vin"]
		if !vehicle.ValidVIN(vin) {
			writeJSONError(w, http.StatusNotFound, errors.New("expected 17-character VIN in path (do not use Fleet API ID)"))
			return
		}
		handler(w, req, vin)
	}
}

func (s *Server) demo(w http.ResponseWriter, route string, reply interface{}, err error) {
	log.Warning("Serving demonstration data for %s: %s", route, err)
	metrics.DemoFallbacks.WithLabelValues(route).Inc()
	writeJSON(w, http.StatusOK, &Response{Response: reply, Source: SourceDemo, Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &Response{Response: "ok"})
}

func (s *Server) handleTiers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &Response{Response: score.DefaultTiers})
}

func (s *Server) handleVehicles(w http.ResponseWriter, req *http.Request) {
	vehicles, err := s.account.Vehicles(req.Context())
	if err != nil {
		demo := vehicle.DemoSnapshot(DemoVIN, s.clock.Now())
		s.demo(w, "vehicles", []fleetapi.VehicleSummary{{VIN: demo.VIN, DisplayName: demo.DisplayName, State: demo.State}}, err)
		return
	}
	writeJSON(w, http.StatusOK, &Response{Response: vehicles, Source: SourceLive})
}

func (s *Server) handleDashboard(w http.ResponseWriter, req *http.Request, vin string) {
	snapshot, err := s.account.VehicleSnapshot(req.Context(), vin)
	if err != nil {
		s.demo(w, "dashboard", vehicle.DemoSnapshot(vin, s.clock.Now()), err)
		return
	}
	writeJSON(w, http.StatusOK, &Response{Response: snapshot, Source: SourceLive})
}

func (s *Server) handleGreenScore(w http.ResponseWriter, req *http.Request, vin string) {
	gs, fresh, err := s.account.GreenScore(req.Context(), vin)
	if err != nil {
		now := s.clock.Now()
		s.demo(w, "green-score", score.ComputeAt(vehicle.DemoSnapshot(vin, now), now), err)
		return
	}
	if fresh && s.recorder != nil {
		if _, err := s.recorder.Append(req.Context(), gs); err != nil {
			log.Warning("[%s] Failed to record score: %s", vin, err)
		}
	}
	writeJSON(w, http.StatusOK, &Response{Response: gs, Source: SourceLive})
}

func (s *Server) handleHistory(w http.ResponseWriter, req *http.Request, vin string) {
	if s.recorder == nil {
		writeJSONError(w, http.StatusNotImplemented, errors.New("score history is not enabled"))
		return
	}
	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid limit '%s'", v))
			return
		}
		limit = n
	}
	records, err := s.recorder.List(req.Context(), vin, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, &Response{Response: records})
}

func (s *Server) handleChargeHistory(w http.ResponseWriter, req *http.Request, vin string) {
	h, err := s.account.ChargeHistory(req.Context(), vin)
	if err != nil {
		writeJSONError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, &Response{Response: h, Source: SourceLive})
}
