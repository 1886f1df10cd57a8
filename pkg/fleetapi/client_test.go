package fleetapi_test

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/greendrive/vehicle-score/pkg/credential"
	"github.com/greendrive/vehicle-score/pkg/fleetapi"
)

const (
	vin          = "5YJ3E1EA7KF317000"
	apiBase      = "https://fleet-api.prd.eu.vn.cloud.tesla.com/"
	tokenURL     = "https://fleet-auth.prd.vn.cloud.tesla.com/oauth2/v3/token"
	dataURL      = apiBase + "api/1/vehicles/" + vin + "/vehicle_data"
	summaryURL   = apiBase + "api/1/vehicles/" + vin
	wakeURL      = apiBase + "api/1/vehicles/" + vin + "/wake_up"
	tokenPayload = `{"access_token":"access-2","refresh_token":"refresh-2","expires_in":28800,"token_type":"Bearer"}`
)

var epoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// sequence replies with each responder in turn, repeating the last one once exhausted.
func sequence(calls *atomic.Int32, responders ...httpmock.Responder) httpmock.Responder {
	return func(r *http.Request) (*http.Response, error) {
		i := int(calls.Add(1)) - 1
		if i >= len(responders) {
			i = len(responders) - 1
		}
		return responders[i](r)
	}
}

func vehicleState(state string) httpmock.Responder {
	return httpmock.NewStringResponder(http.StatusOK, `{"response":{"vin":"`+vin+`","state":"`+state+`"}}`)
}

var _ = Describe("Client", func() {
	var (
		transport *httpmock.MockTransport
		fc        *clocktesting.FakeClock
		store     *credential.Store
		config    fleetapi.Config
		client    *fleetapi.Client

		dataCalls, tokenCalls, wakeCalls, summaryCalls atomic.Int32
	)

	newClient := func() *fleetapi.Client {
		c, err := fleetapi.NewClient(config, store, &http.Client{Transport: transport}, fc)
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	// drive advances the fake clock one wake interval at a time until the call under test
	// finishes.
	drive := func(call func() error) error {
		done := make(chan error, 1)
		go func() {
			done <- call()
		}()
		for {
			select {
			case err := <-done:
				return err
			default:
			}
			if fc.HasWaiters() {
				fc.Step(fleetapi.DefaultWakeInterval)
			} else {
				time.Sleep(time.Millisecond)
			}
		}
	}

	BeforeEach(func() {
		dataCalls.Store(0)
		tokenCalls.Store(0)
		wakeCalls.Store(0)
		summaryCalls.Store(0)
		transport = httpmock.NewMockTransport()
		fc = clocktesting.NewFakeClock(epoch)
		store = credential.NewStore(fc)
		store.Set("access-1", "refresh-1", time.Hour)
		config = fleetapi.DefaultConfig()
		config.ClientID = "client-id"
		client = newClient()
		transport.RegisterResponder(http.MethodPost, tokenURL,
			sequence(&tokenCalls, httpmock.NewStringResponder(http.StatusOK, tokenPayload)))
	})

	Context("healthy responses", func() {
		It("sends the bearer token and returns the body", func() {
			transport.RegisterResponder(http.MethodGet, dataURL, func(r *http.Request) (*http.Response, error) {
				Expect(r.Header.Get("Authorization")).To(Equal("Bearer access-1"))
				Expect(r.Header.Get("User-Agent")).To(ContainSubstring("greendrive-sdk/"))
				return httpmock.NewStringResponse(http.StatusOK, `{"response":{}}`), nil
			})
			body, err := client.Get(context.Background(), "api/1/vehicles/"+vin+"/vehicle_data")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal(`{"response":{}}`))
			Expect(tokenCalls.Load()).To(BeZero())
		})

		It("decodes vehicle data into a snapshot", func() {
			transport.RegisterRegexpResponder(http.MethodGet, regexp.MustCompile(`/vehicle_data\?endpoints=`),
				httpmock.NewStringResponder(http.StatusOK, `{"response":{"vin":"`+vin+`","charge_state":{"battery_level":64,"battery_range":229.1}}}`))
			snapshot, err := client.VehicleData(context.Background(), vin)
			Expect(err).NotTo(HaveOccurred())
			Expect(snapshot.VIN).To(Equal(vin))
			Expect(snapshot.Battery.Level).To(BeNumerically("==", 64))
			Expect(snapshot.FetchedAt).To(Equal(epoch))
		})

		It("lists vehicles", func() {
			transport.RegisterResponder(http.MethodGet, apiBase+"api/1/vehicles",
				httpmock.NewStringResponder(http.StatusOK, `{"response":[{"id":1,"vin":"`+vin+`","display_name":"Sparky","state":"asleep"}],"count":1}`))
			vehicles, err := client.Vehicles(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(vehicles).To(HaveLen(1))
			Expect(vehicles[0].DisplayName).To(Equal("Sparky"))
			Expect(vehicles[0].State).To(Equal("asleep"))
		})

		It("passes charge history through", func() {
			transport.RegisterResponder(http.MethodGet, apiBase+"api/1/dx/charging/history?vin="+vin,
				httpmock.NewStringResponder(http.StatusOK, `{"response":{"data":[]}}`))
			history, err := client.ChargeHistory(context.Background(), vin)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(history)).To(MatchJSON(`{"response":{"data":[]}}`))
		})
	})

	Context("credentials", func() {
		It("fails without tokens", func() {
			store.Clear()
			_, err := client.Get(context.Background(), "api/1/vehicles")
			Expect(err).To(MatchError(fleetapi.ErrNotAuthenticated))
			Expect(fleetapi.IsAuthError(err)).To(BeTrue())
			Expect(transport.GetTotalCallCount()).To(BeZero())
		})

		It("refreshes before a token expires", func() {
			var refreshed []credential.Credential
			client.OnRefresh = func(c credential.Credential) {
				refreshed = append(refreshed, c)
			}
			store.Set("access-1", "refresh-1", 30*time.Second)
			transport.RegisterResponder(http.MethodGet, dataURL, func(r *http.Request) (*http.Response, error) {
				Expect(r.Header.Get("Authorization")).To(Equal("Bearer access-2"))
				return httpmock.NewStringResponse(http.StatusOK, `{}`), nil
			})
			transport.RegisterResponder(http.MethodPost, tokenURL, func(r *http.Request) (*http.Response, error) {
				tokenCalls.Add(1)
				Expect(r.ParseForm()).To(Succeed())
				Expect(r.PostForm.Get("grant_type")).To(Equal("refresh_token"))
				Expect(r.PostForm.Get("client_id")).To(Equal("client-id"))
				Expect(r.PostForm.Get("refresh_token")).To(Equal("refresh-1"))
				return httpmock.NewStringResponse(http.StatusOK, tokenPayload), nil
			})

			_, err := client.Get(context.Background(), "api/1/vehicles/"+vin+"/vehicle_data")
			Expect(err).NotTo(HaveOccurred())
			Expect(tokenCalls.Load()).To(BeEquivalentTo(1))
			Expect(store.Get().RefreshToken).To(Equal("refresh-2"))
			Expect(store.Get().ExpiresAt).To(Equal(epoch.Add(8 * time.Hour)))
			Expect(refreshed).To(HaveLen(1))
			Expect(refreshed[0].AccessToken).To(Equal("access-2"))
		})

		It("clears the store when refresh fails", func() {
			store.Set("access-1", "refresh-1", 0)
			transport.RegisterResponder(http.MethodPost, tokenURL, sequence(&tokenCalls,
				httpmock.NewStringResponder(http.StatusBadRequest, `{"error":"invalid_grant"}`)))
			transport.RegisterResponder(http.MethodGet, dataURL, sequence(&dataCalls,
				httpmock.NewStringResponder(http.StatusOK, `{}`)))

			_, err := client.Get(context.Background(), "api/1/vehicles/"+vin+"/vehicle_data")
			Expect(err).To(MatchError(fleetapi.ErrAuthExpired))
			Expect(store.Get().Empty()).To(BeTrue())
			Expect(tokenCalls.Load()).To(BeEquivalentTo(1))
			Expect(dataCalls.Load()).To(BeZero())
		})

		It("refreshes once and replays after a 401", func() {
			transport.RegisterResponder(http.MethodGet, dataURL, sequence(&dataCalls,
				httpmock.NewStringResponder(http.StatusUnauthorized, `{"error":"token expired"}`),
				httpmock.NewStringResponder(http.StatusOK, `{"response":{}}`)))

			_, err := client.Get(context.Background(), "api/1/vehicles/"+vin+"/vehicle_data")
			Expect(err).NotTo(HaveOccurred())
			Expect(dataCalls.Load()).To(BeEquivalentTo(2))
			Expect(tokenCalls.Load()).To(BeEquivalentTo(1))
			Expect(store.Get().AccessToken).To(Equal("access-2"))
		})

		It("gives up after a second 401", func() {
			transport.RegisterResponder(http.MethodGet, dataURL, sequence(&dataCalls,
				httpmock.NewStringResponder(http.StatusUnauthorized, `{"error":"token expired"}`)))

			_, err := client.Get(context.Background(), "api/1/vehicles/"+vin+"/vehicle_data")
			Expect(err).To(MatchError(fleetapi.ErrAuthExpired))
			Expect(dataCalls.Load()).To(BeEquivalentTo(2))
			Expect(tokenCalls.Load()).To(BeEquivalentTo(1))
			Expect(store.Get().Empty()).To(BeTrue())
		})
	})

	Context("upstream errors", func() {
		It("surfaces rate limiting without retrying", func() {
			transport.RegisterResponder(http.MethodGet, dataURL, sequence(&dataCalls,
				httpmock.NewStringResponder(http.StatusTooManyRequests, ``)))
			_, err := client.Get(context.Background(), "api/1/vehicles/"+vin+"/vehicle_data")
			Expect(err).To(MatchError(fleetapi.ErrRateLimited))
			Expect(fleetapi.Temporary(err)).To(BeTrue())
			Expect(fleetapi.StatusCode(err)).To(Equal(http.StatusTooManyRequests))
			Expect(dataCalls.Load()).To(BeEquivalentTo(1))
		})

		It("reports other statuses with their body", func() {
			transport.RegisterResponder(http.MethodGet, dataURL,
				httpmock.NewStringResponder(http.StatusInternalServerError, `upstream exploded`))
			_, err := client.Get(context.Background(), "api/1/vehicles/"+vin+"/vehicle_data")
			var httpErr *fleetapi.HttpError
			Expect(errors.As(err, &httpErr)).To(BeTrue())
			Expect(httpErr.Code).To(Equal(http.StatusInternalServerError))
			Expect(httpErr.Message).To(Equal("upstream exploded"))
			Expect(fleetapi.StatusCode(err)).To(Equal(http.StatusInternalServerError))
		})

		It("follows the base URL of a 421 response", func() {
			transport.RegisterResponder(http.MethodGet, apiBase+"api/1/vehicles",
				httpmock.NewStringResponder(http.StatusMisdirectedRequest,
					`{"response":null,"error":"user out of region, use base URL: https://fleet-api.prd.na.vn.cloud.tesla.com, see https://developer.tesla.com"}`))
			_, err := client.Get(context.Background(), "api/1/vehicles")
			Expect(fleetapi.StatusCode(err)).To(Equal(http.StatusMisdirectedRequest))
			Expect(client.Host()).To(Equal("fleet-api.prd.na.vn.cloud.tesla.com"))
		})

		It("ignores base URLs outside Tesla's domains", func() {
			transport.RegisterResponder(http.MethodGet, apiBase+"api/1/vehicles",
				httpmock.NewStringResponder(http.StatusMisdirectedRequest, `use base URL: https://evil.example.com`))
			_, err := client.Get(context.Background(), "api/1/vehicles")
			Expect(err).To(HaveOccurred())
			Expect(client.Host()).To(Equal("fleet-api.prd.eu.vn.cloud.tesla.com"))
		})

		It("rejects oversized responses", func() {
			transport.RegisterResponder(http.MethodGet, apiBase+"api/1/vehicles",
				httpmock.NewStringResponder(http.StatusOK, strings.Repeat("x", fleetapi.MaxResponseLength+1)))
			_, err := client.Get(context.Background(), "api/1/vehicles")
			Expect(err).To(MatchError(ContainSubstring("maximum length")))
		})
	})

	Context("sleeping vehicles", func() {
		BeforeEach(func() {
			transport.RegisterResponder(http.MethodPost, wakeURL, sequence(&wakeCalls, vehicleState("asleep")))
		})

		It("wakes the vehicle and replays the request", func() {
			transport.RegisterResponder(http.MethodGet, dataURL, sequence(&dataCalls,
				httpmock.NewStringResponder(http.StatusRequestTimeout, `{"error":"vehicle unavailable: vehicle is offline or asleep"}`),
				httpmock.NewStringResponder(http.StatusOK, `{"response":{}}`)))
			transport.RegisterResponder(http.MethodGet, summaryURL, sequence(&summaryCalls,
				vehicleState("asleep"), vehicleState("asleep"), vehicleState("online")))

			err := drive(func() error {
				_, err := client.Get(context.Background(), "api/1/vehicles/"+vin+"/vehicle_data")
				return err
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(wakeCalls.Load()).To(BeEquivalentTo(1))
			Expect(summaryCalls.Load()).To(BeEquivalentTo(3))
			Expect(dataCalls.Load()).To(BeEquivalentTo(2))
			Expect(fc.Since(epoch)).To(Equal(15 * time.Second))
		})

		It("polls every 5 seconds and gives up after 30 seconds", func() {
			transport.RegisterResponder(http.MethodGet, dataURL, sequence(&dataCalls,
				httpmock.NewStringResponder(http.StatusRequestTimeout, ``)))
			transport.RegisterResponder(http.MethodGet, summaryURL, sequence(&summaryCalls, vehicleState("asleep")))

			err := drive(func() error {
				_, err := client.Get(context.Background(), "api/1/vehicles/"+vin+"/vehicle_data")
				return err
			})
			Expect(err).To(MatchError(fleetapi.ErrVehicleUnreachable))
			Expect(wakeCalls.Load()).To(BeEquivalentTo(1))
			Expect(summaryCalls.Load()).To(BeEquivalentTo(5))
			Expect(dataCalls.Load()).To(BeEquivalentTo(1))
			Expect(fc.Since(epoch)).To(Equal(fleetapi.DefaultWakeTimeout))
		})

		It("ends the cycle at the ceiling while a poll is still in flight", func() {
			config.WakeInterval = 50 * time.Millisecond
			config.WakeTimeout = 400 * time.Millisecond
			c, err := fleetapi.NewClient(config, store, &http.Client{Transport: transport}, nil)
			Expect(err).NotTo(HaveOccurred())
			transport.RegisterResponder(http.MethodGet, summaryURL, func(r *http.Request) (*http.Response, error) {
				summaryCalls.Add(1)
				<-r.Context().Done()
				return nil, r.Context().Err()
			})

			start := time.Now()
			err = c.Wake(context.Background(), vin)
			elapsed := time.Since(start)
			Expect(err).To(MatchError(fleetapi.ErrVehicleUnreachable))
			Expect(summaryCalls.Load()).To(BeEquivalentTo(1))
			Expect(elapsed).To(BeNumerically(">=", 350*time.Millisecond))
			Expect(elapsed).To(BeNumerically("<", 2*time.Second))
		})

		It("wakes the vehicle named in a vin query parameter", func() {
			historyURL := apiBase + "api/1/dx/charging/history?vin=" + vin
			var historyCalls atomic.Int32
			transport.RegisterResponder(http.MethodGet, historyURL, sequence(&historyCalls,
				httpmock.NewStringResponder(http.StatusRequestTimeout, ``),
				httpmock.NewStringResponder(http.StatusOK, `{"data":[]}`)))
			transport.RegisterResponder(http.MethodGet, summaryURL, sequence(&summaryCalls, vehicleState("online")))

			var history []byte
			err := drive(func() error {
				var err error
				history, err = client.ChargeHistory(context.Background(), vin)
				return err
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(MatchJSON(`{"data":[]}`))
			Expect(wakeCalls.Load()).To(BeEquivalentTo(1))
			Expect(historyCalls.Load()).To(BeEquivalentTo(2))
		})

		It("skips polling when the wake command reports online", func() {
			transport.RegisterResponder(http.MethodPost, wakeURL, sequence(&wakeCalls, vehicleState("online")))
			transport.RegisterResponder(http.MethodGet, dataURL, sequence(&dataCalls,
				httpmock.NewStringResponder(http.StatusRequestTimeout, ``),
				httpmock.NewStringResponder(http.StatusOK, `{}`)))

			_, err := client.Get(context.Background(), "api/1/vehicles/"+vin+"/vehicle_data")
			Expect(err).NotTo(HaveOccurred())
			Expect(summaryCalls.Load()).To(BeZero())
			Expect(dataCalls.Load()).To(BeEquivalentTo(2))
		})

		It("keeps polling through transient poll failures", func() {
			transport.RegisterResponder(http.MethodGet, summaryURL, sequence(&summaryCalls,
				httpmock.NewStringResponder(http.StatusServiceUnavailable, ``),
				httpmock.NewErrorResponder(errors.New("connection reset")),
				vehicleState("online")))

			err := drive(func() error {
				return client.Wake(context.Background(), vin)
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(summaryCalls.Load()).To(BeEquivalentTo(3))
		})

		It("aborts the cycle when polling is rate limited", func() {
			transport.RegisterResponder(http.MethodGet, summaryURL, sequence(&summaryCalls,
				httpmock.NewStringResponder(http.StatusTooManyRequests, ``)))

			err := drive(func() error {
				return client.Wake(context.Background(), vin)
			})
			Expect(err).To(MatchError(fleetapi.ErrRateLimited))
			Expect(summaryCalls.Load()).To(BeEquivalentTo(1))
		})

		It("does not wake when wake-on-timeout is disabled", func() {
			config.WakeOnTimeout = false
			client = newClient()
			transport.RegisterResponder(http.MethodGet, dataURL, sequence(&dataCalls,
				httpmock.NewStringResponder(http.StatusRequestTimeout, ``)))

			_, err := client.Get(context.Background(), "api/1/vehicles/"+vin+"/vehicle_data")
			Expect(err).To(MatchError(fleetapi.ErrVehicleUnreachable))
			Expect(wakeCalls.Load()).To(BeZero())
		})

		It("does not wake for paths without a VIN", func() {
			transport.RegisterResponder(http.MethodGet, apiBase+"api/1/vehicles",
				httpmock.NewStringResponder(http.StatusRequestTimeout, ``))

			_, err := client.Get(context.Background(), "api/1/vehicles")
			Expect(err).To(MatchError(fleetapi.ErrVehicleUnreachable))
			Expect(wakeCalls.Load()).To(BeZero())
		})

		It("shares one wake cycle between concurrent callers", func() {
			transport.RegisterResponder(http.MethodGet, summaryURL, sequence(&summaryCalls, vehicleState("online")))

			first := make(chan error, 1)
			second := make(chan error, 1)
			go func() {
				first <- client.Wake(context.Background(), vin)
			}()
			Eventually(fc.HasWaiters).Should(BeTrue())
			go func() {
				second <- client.Wake(context.Background(), vin)
			}()
			// Give the second caller time to join the cycle before it completes.
			time.Sleep(50 * time.Millisecond)
			fc.Step(fleetapi.DefaultWakeInterval)

			Eventually(first).Should(Receive(BeNil()))
			Eventually(second).Should(Receive(BeNil()))
			Expect(wakeCalls.Load()).To(BeEquivalentTo(1))
			Expect(summaryCalls.Load()).To(BeEquivalentTo(1))
		})

		It("stops waiting when the caller's context is cancelled", func() {
			transport.RegisterResponder(http.MethodGet, summaryURL, sequence(&summaryCalls, vehicleState("asleep")))
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() {
				done <- client.Wake(ctx, vin)
			}()
			Eventually(fc.HasWaiters).Should(BeTrue())
			cancel()
			Eventually(done).Should(Receive(MatchError(context.Canceled)))
		})
	})
})
