// Package fleetapi implements a read-only Tesla Fleet API client that recovers from the API's
// common failure modes.
//
// Every logical read performs at most one recovery per failure class: an expired or rejected
// access token is refreshed once, and a sleeping vehicle (HTTP 408) is woken once, with a fixed
// polling budget. Rate limiting (HTTP 429) is never retried. Callers distinguish failures with
// errors.Is against [ErrNotAuthenticated], [ErrAuthExpired], [ErrRateLimited] and
// [ErrVehicleUnreachable]; any other non-2xx response is reported as an [*HttpError].
package fleetapi

import (
	"bytes"
	"context"
	_ "embed" // Used to embed version for use with user agent
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/greendrive/vehicle-score/internal/log"
	"github.com/greendrive/vehicle-score/internal/metrics"
	"github.com/greendrive/vehicle-score/pkg/credential"
)

var (
	//go:embed version.txt
	libraryVersion string
)

const (
	// MaxResponseLength caps the size of response bodies read from the Fleet API.
	MaxResponseLength = 1 << 20

	DefaultRequestTimeout = 10 * time.Second
	DefaultWakeInterval   = 5 * time.Second
	DefaultWakeTimeout    = 30 * time.Second

	// Access tokens expiring sooner than this are refreshed before a request is attempted.
	refreshMargin = 60 * time.Second
)

/*
The regular expression below extracts domains from HTTP bodies:

	{
	  "response": null,
	  "error": "user out of region, use base URL: https://fleet-api.prd.na.vn.cloud.tesla.com, see https://...",
	  "error_description": ""
	}
*/
var baseDomainRE = regexp.MustCompile(`use base URL: https://([-a-z0-9.]*)`)

var (
	vehiclePathRE = regexp.MustCompile(`^api/1/vehicles/([A-HJ-NPR-Z0-9]{17})(?:[/?]|$)`)
	vinRE         = regexp.MustCompile(`[A-HJ-NPR-Z0-9]{17}`)
)

// vehicleOf returns the VIN a request path is scoped to, either as a path segment
// (api/1/vehicles/{vin}/...) or as a vin query parameter (api/1/dx/charging/history?vin=...).
func vehicleOf(path string) (string, bool) {
	if matches := vehiclePathRE.FindStringSubmatch(path); matches != nil {
		return matches[1], true
	}
	_, query, ok := strings.Cut(path, "?")
	if !ok {
		return "", false
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", false
	}
	vin := values.Get("vin")
	if len(vin) != 17 || !vinRE.MatchString(vin) {
		return "", false
	}
	return vin, true
}

func buildUserAgent(app string) string {
	library := strings.TrimSpace("greendrive-sdk/" + libraryVersion)
	if app != "" {
		return fmt.Sprintf("%s %s", app, library)
	}
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return library
	}
	path := strings.Split(build.Path, "/")
	if len(path) == 0 || path[len(path)-1] == "" {
		return library
	}
	app = path[len(path)-1]
	var version string
	if build.Main.Version != "(devel)" && build.Main.Version != "" {
		version = build.Main.Version
	} else {
		for _, info := range build.Settings {
			if info.Key == "vcs.revision" {
				if len(info.Value) > 8 {
					version = info.Value[0:8]
				}
				break
			}
		}
	}
	if version != "" {
		app = fmt.Sprintf("%s/%s", app, version)
	}
	return fmt.Sprintf("%s %s", app, library)
}

// Config controls a [Client]. Zero durations are replaced by their defaults; use [DefaultConfig]
// to start from a configuration with wake-on-timeout enabled.
type Config struct {
	Region Region
	// Host overrides the region's Fleet API domain.
	Host string
	// TokenURL overrides the region's OAuth token endpoint.
	TokenURL string
	// ClientID identifies the application in refresh_token grants.
	ClientID string
	// UserAgent prefixes the library's User-Agent. If empty, it's derived from the build info.
	UserAgent string
	// WakeOnTimeout enables waking vehicles that respond with HTTP 408.
	WakeOnTimeout  bool
	RequestTimeout time.Duration
	WakeInterval   time.Duration
	WakeTimeout    time.Duration
}

// DefaultConfig returns the configuration used when no settings are provided.
func DefaultConfig() Config {
	return Config{
		Region:         DefaultRegion,
		WakeOnTimeout:  true,
		RequestTimeout: DefaultRequestTimeout,
		WakeInterval:   DefaultWakeInterval,
		WakeTimeout:    DefaultWakeTimeout,
	}
}

// Client issues authenticated reads against the Fleet API.
type Client struct {
	UserAgent string
	// OnRefresh, if set, is called with the new credential after every successful refresh. It is
	// called synchronously from the request path.
	OnRefresh func(credential.Credential)

	store          *credential.Store
	client         *http.Client
	clock          clock.Clock
	tokenURL       string
	clientID       string
	wakeOnTimeout  bool
	requestTimeout time.Duration
	wakeInterval   time.Duration
	wakeTimeout    time.Duration

	hostLock sync.Mutex
	host     string

	wakes singleflight.Group
}

// NewClient returns a Client that reads tokens from store. A nil httpClient uses a new
// http.Client and a nil clk uses the system clock.
func NewClient(config Config, store *credential.Store, httpClient *http.Client, clk clock.Clock) (*Client, error) {
	if store == nil {
		return nil, errors.New("fleet client requires a credential store")
	}
	region, err := ParseRegion(string(config.Region))
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	c := &Client{
		UserAgent:      buildUserAgent(config.UserAgent),
		store:          store,
		client:         httpClient,
		clock:          clk,
		host:           region.APIHost(),
		tokenURL:       region.TokenURL(),
		clientID:       config.ClientID,
		wakeOnTimeout:  config.WakeOnTimeout,
		requestTimeout: orDefault(config.RequestTimeout, DefaultRequestTimeout),
		wakeInterval:   orDefault(config.WakeInterval, DefaultWakeInterval),
		wakeTimeout:    orDefault(config.WakeTimeout, DefaultWakeTimeout),
	}
	if config.Host != "" {
		c.host = config.Host
	}
	if config.TokenURL != "" {
		c.tokenURL = config.TokenURL
	}
	return c, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Host returns the Fleet API domain requests are currently sent to.
func (c *Client) Host() string {
	c.hostLock.Lock()
	defer c.hostLock.Unlock()
	return c.host
}

// Store returns the credential store used by c.
func (c *Client) Store() *credential.Store {
	return c.store
}

// Clock returns the clock used by c.
func (c *Client) Clock() clock.Clock {
	return c.clock
}

// Get performs an authenticated GET of path, which should contain only the path (e.g.,
// "api/1/vehicles"); the domain is determined by the client's region. Returns the response body.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.fetch(ctx, path)
}

// GetJSON is like Get but unmarshals the response body into v.
func (c *Client) GetJSON(ctx context.Context, path string, v interface{}) error {
	body, err := c.fetch(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		log.Debug("Invalid server response (%d bytes): %s", len(body), body)
		return fmt.Errorf("unable to parse response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, path string) ([]byte, error) {
	path = strings.TrimPrefix(path, "/")
	if c.store.Get().Empty() {
		return nil, ErrNotAuthenticated
	}
	if c.store.ExpiresWithin(refreshMargin) {
		log.Info("Access token expires soon, refreshing")
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
	}

	rsp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	if rsp.code == http.StatusUnauthorized {
		log.Info("Fleet API rejected access token, refreshing")
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
		if rsp, err = c.send(ctx, http.MethodGet, path, nil); err != nil {
			return nil, err
		}
	}

	if rsp.code == http.StatusRequestTimeout {
		vin, ok := vehicleOf(path)
		if !c.wakeOnTimeout || !ok {
			return nil, ErrVehicleUnreachable
		}
		if err := c.Wake(ctx, vin); err != nil {
			return nil, err
		}
		if rsp, err = c.send(ctx, http.MethodGet, path, nil); err != nil {
			return nil, err
		}
	}

	if err := c.statusError(rsp); err != nil {
		return nil, err
	}
	return rsp.body, nil
}

type response struct {
	code int
	body []byte
}

func (r *response) ok() bool {
	return r.code >= 200 && r.code < 300
}

// statusError maps a response that could not be recovered to an error. It returns nil for 2xx
// responses.
func (c *Client) statusError(rsp *response) error {
	switch {
	case rsp.ok():
		return nil
	case rsp.code == http.StatusUnauthorized:
		c.store.Clear()
		return ErrAuthExpired
	case rsp.code == http.StatusRequestTimeout:
		return ErrVehicleUnreachable
	case rsp.code == http.StatusTooManyRequests:
		return ErrRateLimited
	case rsp.code == http.StatusMisdirectedRequest:
		c.updateHost(rsp.body)
	}
	return &HttpError{Code: rsp.code, Message: string(rsp.body)}
}

func (c *Client) updateHost(body []byte) {
	matches := baseDomainRE.FindSubmatch(body)
	if len(matches) != 2 || !ValidTeslaDomainSuffix(string(matches[1])) {
		return
	}
	log.Info("Received HTTP Status 421. Updating server URL to %s.", matches[1])
	c.hostLock.Lock()
	c.host = string(matches[1])
	c.hostLock.Unlock()
}

// send issues a single authenticated request. Transport failures are returned as errors;
// non-2xx responses are not.
func (c *Client) send(ctx context.Context, method, path string, body []byte) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	target := fmt.Sprintf("https://%s/%s", c.Host(), path)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("error constructing request to %s: %w", path, err)
	}
	request.Header.Set("User-Agent", c.UserAgent)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.store.Get().AccessToken)

	log.Debug("Requesting %s %s...", method, target)
	endpoint := endpointLabel(path)
	result, err := c.client.Do(request)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, &ClientError{Err: fmt.Errorf("error fetching %s: %w", path, err), PossibleTemporary: true}
	}
	defer result.Body.Close()
	metrics.UpstreamRequests.WithLabelValues(endpoint, strconv.Itoa(result.StatusCode)).Inc()

	payload, err := readBody(result.Body)
	if err != nil {
		return nil, err
	}
	log.Debug("Server returned %d: %s: %s", result.StatusCode, http.StatusText(result.StatusCode), payload)
	return &response{code: result.StatusCode, body: payload}, nil
}

func readBody(r io.Reader) ([]byte, error) {
	reader := io.LimitedReader{R: r, N: MaxResponseLength + 1}
	body, err := io.ReadAll(&reader)
	if err != nil {
		return nil, &ClientError{Err: fmt.Errorf("error reading response: %w", err), PossibleTemporary: true}
	}
	if len(body) > MaxResponseLength {
		return nil, NewError("response exceeds maximum length", false)
	}
	return body, nil
}

// endpointLabel removes VINs and query strings so that metrics have bounded cardinality.
func endpointLabel(path string) string {
	path, _, _ = strings.Cut(path, "?")
	return vinRE.ReplaceAllString(path, "{vin}")
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresh exchanges the stored refresh token for a new token pair. Any failure clears the store,
// and refresh is never retried.
func (c *Client) Refresh(ctx context.Context) error {
	current := c.store.Get()
	if current.Empty() {
		return ErrNotAuthenticated
	}
	if current.RefreshToken == "" {
		return c.refreshFailed("no refresh token available")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.clientID},
		"refresh_token": {current.RefreshToken},
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return c.refreshFailed(err.Error())
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", c.UserAgent)

	result, err := c.client.Do(request)
	if err != nil {
		return c.refreshFailed(err.Error())
	}
	defer result.Body.Close()
	body, err := readBody(result.Body)
	if err != nil {
		return c.refreshFailed(err.Error())
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return c.refreshFailed(fmt.Sprintf("token endpoint returned %d: %s", result.StatusCode, body))
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return c.refreshFailed(fmt.Sprintf("unable to parse token response: %s", err))
	}
	if token.AccessToken == "" {
		return c.refreshFailed("token response did not include an access token")
	}
	if token.RefreshToken == "" {
		token.RefreshToken = current.RefreshToken
	}
	c.store.Set(token.AccessToken, token.RefreshToken, time.Duration(token.ExpiresIn)*time.Second)
	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	log.Info("Refreshed access token (expires in %ds)", token.ExpiresIn)
	if c.OnRefresh != nil {
		c.OnRefresh(c.store.Get())
	}
	return nil
}

func (c *Client) refreshFailed(reason string) error {
	c.store.Clear()
	metrics.TokenRefreshes.WithLabelValues("failed").Inc()
	log.Warning("Token refresh failed: %s", reason)
	return ErrAuthExpired
}
