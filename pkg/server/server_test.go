package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"time"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/mock/gomock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/greendrive/vehicle-score/internal/metrics"
	"github.com/greendrive/vehicle-score/mocks"
	"github.com/greendrive/vehicle-score/pkg/account"
	"github.com/greendrive/vehicle-score/pkg/credential"
	"github.com/greendrive/vehicle-score/pkg/fleetapi"
	"github.com/greendrive/vehicle-score/pkg/history"
	"github.com/greendrive/vehicle-score/pkg/score"
	"github.com/greendrive/vehicle-score/pkg/server"
	"github.com/greendrive/vehicle-score/pkg/vehicle"
)

const vin = "5YJ3E1EA7KF317000"

var epoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type envelope struct {
	Response json.RawMessage `json:"response"`
	Source   string          `json:"source"`
	Error    string          `json:"error"`
}

var _ = Describe("Server", func() {
	var (
		ctrl         *gomock.Controller
		mockAccount  *mocks.ServerAccount
		mockRecorder *mocks.ServerRecorder
		registry     *prometheus.Registry
		s            *server.Server
	)

	sendRequest := func(method, path string) (*httptest.ResponseRecorder, envelope) {
		req := httptest.NewRequest(method, path, nil)
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
		var reply envelope
		if rr.Header().Get("Content-Type") == "application/json" {
			Expect(json.Unmarshal(rr.Body.Bytes(), &reply)).To(Succeed())
		}
		return rr, reply
	}

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		mockAccount = mocks.NewServerAccount(ctrl)
		mockRecorder = mocks.NewServerRecorder(ctrl)
		registry = prometheus.NewRegistry()
		Expect(metrics.Register(registry)).To(Succeed())
		s = server.New(mockAccount, mockRecorder, registry, clocktesting.NewFakePassiveClock(epoch))
		DeferCleanup(func() {
			ctrl.Finish()
		})
	})

	Context("vehicle routes", func() {
		It("rejects invalid VINs", func() {
			for _, path := range []string{
				"/api/vehicles/ABC/dashboard",
				"/api/vehicles/5YJ3E1EA7KF31700O/green-score",
				"/api/vehicles/12345/charge-history",
			} {
				rr, reply := sendRequest(http.MethodGet, path)
				Expect(rr.Code).To(Equal(http.StatusNotFound))
				Expect(reply.Error).To(ContainSubstring("VIN"))
			}
		})

		It("returns 404 for unknown routes", func() {
			rr, reply := sendRequest(http.MethodGet, "/api/unknown")
			Expect(rr.Code).To(Equal(http.StatusNotFound))
			Expect(reply.Error).To(Equal("Not Found"))
		})

		It("rejects other methods", func() {
			rr, _ := sendRequest(http.MethodPost, "/api/tiers")
			Expect(rr.Code).To(Equal(http.StatusMethodNotAllowed))
		})

		It("serves live dashboards", func() {
			snapshot := vehicle.DemoSnapshot(vin, epoch)
			snapshot.DisplayName = "Sparky"
			mockAccount.EXPECT().VehicleSnapshot(gomock.Any(), vin).Return(snapshot, nil)

			rr, reply := sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/dashboard")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(reply.Source).To(Equal(server.SourceLive))
			Expect(reply.Error).To(BeEmpty())

			var got vehicle.Snapshot
			Expect(json.Unmarshal(reply.Response, &got)).To(Succeed())
			Expect(got.VIN).To(Equal(vin))
			Expect(got.DisplayName).To(Equal("Sparky"))
		})

		It("falls back to demonstration dashboards", func() {
			mockAccount.EXPECT().VehicleSnapshot(gomock.Any(), vin).Return(nil, fleetapi.ErrNotAuthenticated)

			rr, reply := sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/dashboard")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(reply.Source).To(Equal(server.SourceDemo))
			Expect(reply.Error).To(Equal(fleetapi.ErrNotAuthenticated.Error()))

			var got vehicle.Snapshot
			Expect(json.Unmarshal(reply.Response, &got)).To(Succeed())
			Expect(got.VIN).To(Equal(vin))
			Expect(got.DisplayName).To(Equal("Demo Vehicle"))
		})

		It("records live scores", func() {
			gs := score.ComputeAt(vehicle.DemoSnapshot(vin, epoch), epoch)
			mockAccount.EXPECT().GreenScore(gomock.Any(), vin).Return(gs, true, nil)
			mockRecorder.EXPECT().Append(gomock.Any(), gs).Return(&history.Record{ID: "1"}, nil)

			rr, reply := sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/green-score")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(reply.Source).To(Equal(server.SourceLive))

			var got score.GreenScore
			Expect(json.Unmarshal(reply.Response, &got)).To(Succeed())
			Expect(got.TotalScore).To(Equal(gs.TotalScore))
			Expect(got.Tier).To(Equal(gs.Tier))
			Expect(got.Breakdown).To(HaveLen(len(score.Categories())))
		})

		It("serves scores when recording fails", func() {
			gs := score.ComputeAt(vehicle.DemoSnapshot(vin, epoch), epoch)
			mockAccount.EXPECT().GreenScore(gomock.Any(), vin).Return(gs, true, nil)
			mockRecorder.EXPECT().Append(gomock.Any(), gs).Return(nil, errors.New("disk full"))

			rr, reply := sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/green-score")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(reply.Source).To(Equal(server.SourceLive))
			Expect(reply.Error).To(BeEmpty())
		})

		It("does not record cached scores", func() {
			gs := score.ComputeAt(vehicle.DemoSnapshot(vin, epoch), epoch)
			gomock.InOrder(
				mockAccount.EXPECT().GreenScore(gomock.Any(), vin).Return(gs, true, nil),
				mockAccount.EXPECT().GreenScore(gomock.Any(), vin).Return(gs, false, nil),
			)
			mockRecorder.EXPECT().Append(gomock.Any(), gs).Return(&history.Record{ID: "1"}, nil).Times(1)

			for i := 0; i < 2; i++ {
				rr, reply := sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/green-score")
				Expect(rr.Code).To(Equal(http.StatusOK))
				Expect(reply.Source).To(Equal(server.SourceLive))
			}
		})

		It("records one row per computed score within the cache lifetime", func() {
			transport := httpmock.NewMockTransport()
			transport.RegisterRegexpResponder(http.MethodGet, regexp.MustCompile(`/api/1/vehicles/`+vin+`/vehicle_data`),
				httpmock.NewStringResponder(http.StatusOK, `{"response":{"vin":"`+vin+`","vehicle_config":{"car_type":"model3"},`+
					`"charge_state":{"battery_level":50,"battery_range":179,"charging_state":"Charging","fast_charger_type":"<invalid>"},`+
					`"vehicle_state":{"odometer":10000,"car_version":"2023.12.1 abc"}}}`))
			fc := clocktesting.NewFakeClock(epoch)
			store := credential.NewStore(fc)
			store.Set("access", "refresh", 24*time.Hour)
			client, err := fleetapi.NewClient(fleetapi.DefaultConfig(), store, &http.Client{Transport: transport}, fc)
			Expect(err).NotTo(HaveOccurred())
			s = server.New(account.New(client, time.Minute), mockRecorder, registry, fc)

			mockRecorder.EXPECT().Append(gomock.Any(), gomock.Any()).Return(&history.Record{ID: "1"}, nil).Times(1)
			for i := 0; i < 3; i++ {
				rr, reply := sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/green-score")
				Expect(rr.Code).To(Equal(http.StatusOK))
				Expect(reply.Source).To(Equal(server.SourceLive))
				fc.Step(10 * time.Second)
			}
			Expect(transport.GetTotalCallCount()).To(Equal(1))

			// A stale score is recomputed and recorded again.
			fc.Step(time.Minute)
			mockRecorder.EXPECT().Append(gomock.Any(), gomock.Any()).Return(&history.Record{ID: "2"}, nil).Times(1)
			rr, _ := sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/green-score")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(transport.GetTotalCallCount()).To(Equal(2))
		})

		It("falls back to demonstration scores without recording them", func() {
			mockAccount.EXPECT().GreenScore(gomock.Any(), vin).Return(nil, false, fleetapi.ErrVehicleUnreachable)

			rr, reply := sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/green-score")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(reply.Source).To(Equal(server.SourceDemo))
			Expect(reply.Error).To(Equal(fleetapi.ErrVehicleUnreachable.Error()))

			want := score.ComputeAt(vehicle.DemoSnapshot(vin, epoch), epoch)
			var got score.GreenScore
			Expect(json.Unmarshal(reply.Response, &got)).To(Succeed())
			Expect(got.VIN).To(Equal(vin))
			Expect(got.TotalScore).To(Equal(want.TotalScore))
			Expect(got.ComputedAt.Equal(epoch)).To(BeTrue())
		})

		It("lists vehicles", func() {
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return([]fleetapi.VehicleSummary{{VIN: vin, DisplayName: "Sparky", State: "asleep"}}, nil)

			rr, reply := sendRequest(http.MethodGet, "/api/vehicles")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(reply.Source).To(Equal(server.SourceLive))
			Expect(reply.Response).To(MatchJSON(`[{"id":0,"vehicle_id":0,"vin":"5YJ3E1EA7KF317000","display_name":"Sparky","state":"asleep"}]`))
		})

		It("lists a demonstration vehicle when the account is unavailable", func() {
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return(nil, fleetapi.ErrAuthExpired)

			rr, reply := sendRequest(http.MethodGet, "/api/vehicles")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(reply.Source).To(Equal(server.SourceDemo))

			var got []fleetapi.VehicleSummary
			Expect(json.Unmarshal(reply.Response, &got)).To(Succeed())
			Expect(got).To(HaveLen(1))
			Expect(got[0].VIN).To(Equal(server.DemoVIN))
		})
	})

	Context("charge history", func() {
		It("passes through upstream data", func() {
			mockAccount.EXPECT().ChargeHistory(gomock.Any(), vin).Return(json.RawMessage(`{"data":[]}`), nil)

			rr, reply := sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/charge-history")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(reply.Response).To(MatchJSON(`{"data":[]}`))
		})

		DescribeTable("maps errors to status codes",
			func(err error, code int) {
				mockAccount.EXPECT().ChargeHistory(gomock.Any(), vin).Return(nil, err)
				rr, reply := sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/charge-history")
				Expect(rr.Code).To(Equal(code))
				Expect(reply.Error).To(Equal(err.Error()))
				Expect(reply.Source).To(BeEmpty())
			},
			Entry("rate limited", fleetapi.ErrRateLimited, http.StatusTooManyRequests),
			Entry("expired tokens", fleetapi.ErrAuthExpired, http.StatusUnauthorized),
			Entry("no tokens", fleetapi.ErrNotAuthenticated, http.StatusUnauthorized),
			Entry("offline vehicle", fleetapi.ErrVehicleUnreachable, http.StatusRequestTimeout),
			Entry("upstream error", &fleetapi.HttpError{Code: http.StatusServiceUnavailable, Message: "down"}, http.StatusServiceUnavailable),
			Entry("deadline", context.DeadlineExceeded, http.StatusGatewayTimeout),
			Entry("transport failure", errors.New("connection reset"), http.StatusBadGateway),
		)
	})

	Context("score history", func() {
		It("lists records with a limit", func() {
			records := []history.Record{{ID: "b", VIN: vin, TotalScore: 70}, {ID: "a", VIN: vin, TotalScore: 65}}
			mockRecorder.EXPECT().List(gomock.Any(), vin, 2).Return(records, nil)

			rr, reply := sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/green-score/history?limit=2")
			Expect(rr.Code).To(Equal(http.StatusOK))
			var got []history.Record
			Expect(json.Unmarshal(reply.Response, &got)).To(Succeed())
			Expect(got).To(HaveLen(2))
			Expect(got[0].ID).To(Equal("b"))
		})

		It("uses the default limit", func() {
			mockRecorder.EXPECT().List(gomock.Any(), vin, 0).Return([]history.Record{}, nil)

			rr, reply := sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/green-score/history")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(reply.Response).To(MatchJSON(`[]`))
		})

		It("rejects invalid limits", func() {
			rr, _ := sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/green-score/history?limit=ten")
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("is disabled without a recorder", func() {
			s = server.New(mockAccount, nil, registry, clocktesting.NewFakePassiveClock(epoch))
			gs := score.ComputeAt(vehicle.DemoSnapshot(vin, epoch), epoch)
			mockAccount.EXPECT().GreenScore(gomock.Any(), vin).Return(gs, true, nil)

			rr, _ := sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/green-score")
			Expect(rr.Code).To(Equal(http.StatusOK))

			rr, _ = sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/green-score/history")
			Expect(rr.Code).To(Equal(http.StatusNotImplemented))
		})
	})

	Context("static routes", func() {
		It("lists tiers", func() {
			rr, reply := sendRequest(http.MethodGet, "/api/tiers")
			Expect(rr.Code).To(Equal(http.StatusOK))
			var tiers score.Table
			Expect(json.Unmarshal(reply.Response, &tiers)).To(Succeed())
			Expect(tiers).To(Equal(score.DefaultTiers))
		})

		It("reports health", func() {
			rr, reply := sendRequest(http.MethodGet, "/healthz")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(reply.Response).To(MatchJSON(`"ok"`))
		})

		It("exposes metrics", func() {
			mockAccount.EXPECT().VehicleSnapshot(gomock.Any(), vin).Return(nil, fleetapi.ErrNotAuthenticated)
			sendRequest(http.MethodGet, "/api/vehicles/"+vin+"/dashboard")

			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			rr := httptest.NewRecorder()
			s.ServeHTTP(rr, req)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(ContainSubstring(`greendrive_demo_fallbacks_total{route="dashboard"}`))
		})
	})
})
