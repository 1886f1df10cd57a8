/*
Package cli facilitates building command-line applications that read vehicle data and scores. It
defines a [Config] type that can be used to register common command-line flags (using the Golang
flag package), environment variable equivalents and an optional YAML configuration file.

The package uses [keyring]'s platform-agnostic interface for storing OAuth tokens in an
OS-dependent credential store.

# Examples

	import flag

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for OAuth, caching, etc.
	flag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	config.ReadFromFile()             // Fills in remaining fields from -config
	config.LoadCredentials()          // Prompt for Keyring password if needed

	acct, err := config.Account()
	if err != nil {
		panic(err)
	}
	defer config.UpdateCachedSnapshots()

Explicit command-line flags take precedence over the environment, which takes precedence over the
configuration file.
*/
package cli

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"

	"github.com/greendrive/vehicle-score/internal/log"
	"github.com/greendrive/vehicle-score/pkg/account"
	"github.com/greendrive/vehicle-score/pkg/cache"
	"github.com/greendrive/vehicle-score/pkg/credential"
	"github.com/greendrive/vehicle-score/pkg/fleetapi"
	"github.com/greendrive/vehicle-score/pkg/history"
	"github.com/greendrive/vehicle-score/pkg/vehicle"
)

// Environment variable names used are used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvConfigFile     = "GREENDRIVE_CONFIG"
	EnvRegion         = "GREENDRIVE_REGION"
	EnvClientID       = "GREENDRIVE_CLIENT_ID"
	EnvTokenName      = "GREENDRIVE_TOKEN_NAME"
	EnvTokenFile      = "GREENDRIVE_TOKEN_FILE"
	EnvCacheFile      = "GREENDRIVE_CACHE_FILE"
	EnvCacheTTL       = "GREENDRIVE_CACHE_TTL"
	EnvNoWake         = "GREENDRIVE_NO_WAKE"
	EnvRequestTimeout = "GREENDRIVE_REQUEST_TIMEOUT"
	EnvHistoryDB      = "GREENDRIVE_HISTORY_DB"
	EnvHost           = "GREENDRIVE_HOST"
	EnvPort           = "GREENDRIVE_PORT"
	EnvKeyringType    = "GREENDRIVE_KEYRING_TYPE"
	EnvKeyringPass    = "GREENDRIVE_KEYRING_PASSWORD"
	EnvKeyringPath    = "GREENDRIVE_KEYRING_PATH"
	EnvKeyringDebug   = "GREENDRIVE_KEYRING_DEBUG"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagOAuth   Flag = 1 // Enable OAuth and Fleet API options.
	FlagCache   Flag = 2 // Enable response cache options.
	FlagHistory Flag = 4 // Enable score history options.
	FlagServer  Flag = 8 // Enable listen address options.
	FlagAll     Flag = FlagOAuth | FlagCache | FlagHistory | FlagServer
)

const (
	DefaultHost = "localhost"
	DefaultPort = 8080
)

var (
	ErrNoTokenSpecified = errors.New("OAuth token location not provided")
	ErrTokenNotFound    = keyring.ErrKeyNotFound
)

// Config fields determine how a client authenticates to Tesla's backend and where it keeps state.
type Config struct {
	Flags            Flag   // Controls which set of environment variables/CLI flags to use.
	ConfigFilename   string // YAML configuration file
	Region           string
	ClientID         string
	KeyringTokenName string // Username for OAuth token in system keyring
	TokenFilename    string
	CacheFilename    string
	CacheTTL         time.Duration
	NoWake           bool // Disable waking vehicles that respond with HTTP 408
	RequestTimeout   time.Duration
	HistoryDB        string
	Host             string
	Port             int
	Backend          keyring.Config
	BackendType      backendType
	Debug            bool // Enable keyring debug messages

	password  *string
	store     *credential.Store
	snapshots *cache.Cache[*vehicle.Snapshot]
	acct      *account.Account
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword

	return &c, nil
}

// RegisterCommandLineFlags adds c's options to the default flag set.
func (c *Config) RegisterCommandLineFlags() {
	c.RegisterFlags(flag.CommandLine)
}

// RegisterFlags adds c's options to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFilename, "config", "", "Load settings from YAML `file`. Defaults to $GREENDRIVE_CONFIG.")
	if c.Flags.isSet(FlagOAuth) {
		fs.StringVar(&c.Region, "region", "", "Fleet API `region` (na|eu|cn). Defaults to $GREENDRIVE_REGION or the token's region.")
		fs.StringVar(&c.ClientID, "client-id", "", "OAuth client `ID` used to refresh tokens. Defaults to $GREENDRIVE_CLIENT_ID.")
		fs.StringVar(&c.KeyringTokenName, "token-name", "", "System keyring `name` for OAuth token. Defaults to $GREENDRIVE_TOKEN_NAME.")
		fs.StringVar(&c.TokenFilename, "token-file", "", "`File` containing OAuth token. Defaults to $GREENDRIVE_TOKEN_FILE.")
		fs.BoolVar(&c.NoWake, "no-wake", false, "Do not wake vehicles that are asleep")
		fs.DurationVar(&c.RequestTimeout, "request-timeout", 0, "Timeout for each Fleet API request. Defaults to $GREENDRIVE_REQUEST_TIMEOUT or 10s.")

		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		fs.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $GREENDRIVE_KEYRING_TYPE.")
		fs.StringVar(&c.Backend.FileDir, "keyring-file-dir", "", "keyring `directory` for file-backed keyring types. Defaults to "+keyringDirectory+".")
		fs.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
		c.registerFlagsOsSpecific(fs)
	}
	if c.Flags.isSet(FlagCache) {
		fs.StringVar(&c.CacheFilename, "cache-file", "", "Load vehicle data cache from `file`. Defaults to $GREENDRIVE_CACHE_FILE.")
		fs.DurationVar(&c.CacheTTL, "cache-ttl", 0, "How long vehicle data is reused. Defaults to $GREENDRIVE_CACHE_TTL or 5m.")
	}
	if c.Flags.isSet(FlagHistory) {
		fs.StringVar(&c.HistoryDB, "history-db", "", "SQLite `file` in which scores are recorded. Defaults to $GREENDRIVE_HISTORY_DB.")
	}
	if c.Flags.isSet(FlagServer) {
		fs.StringVar(&c.Host, "host", "", "Listen on `host`. Defaults to $GREENDRIVE_HOST or "+DefaultHost+".")
		fs.IntVar(&c.Port, "port", 0, "Listen on `port`. Defaults to $GREENDRIVE_PORT or "+strconv.Itoa(DefaultPort)+".")
	}
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() {
	setString(&c.ConfigFilename, EnvConfigFile)
	if c.Flags.isSet(FlagOAuth) {
		setString(&c.Region, EnvRegion)
		setString(&c.ClientID, EnvClientID)
		if c.KeyringTokenName == "" && c.TokenFilename == "" {
			c.KeyringTokenName = os.Getenv(EnvTokenName)
			log.Debug("Set OAuth token name to '%s'", c.KeyringTokenName)

			c.TokenFilename = os.Getenv(EnvTokenFile)
			log.Debug("Set OAuth token file to '%s'", c.TokenFilename)
		}
		if !c.NoWake {
			_, c.NoWake = os.LookupEnv(EnvNoWake)
		}
		setDuration(&c.RequestTimeout, EnvRequestTimeout)

		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		setString(&c.Backend.FileDir, EnvKeyringPath)
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
	}
	if c.Flags.isSet(FlagCache) {
		setString(&c.CacheFilename, EnvCacheFile)
		setDuration(&c.CacheTTL, EnvCacheTTL)
	}
	if c.Flags.isSet(FlagHistory) {
		setString(&c.HistoryDB, EnvHistoryDB)
	}
	if c.Flags.isSet(FlagServer) {
		setString(&c.Host, EnvHost)
		if c.Port == 0 {
			if port, err := strconv.Atoi(os.Getenv(EnvPort)); err == nil {
				c.Port = port
			}
		}
	}
}

func setString(field *string, env string) {
	if *field == "" {
		*field = os.Getenv(env)
		if *field != "" {
			log.Debug("Set %s to '%s'", env, *field)
		}
	}
}

func setDuration(field *time.Duration, env string) {
	if *field != 0 {
		return
	}
	value := os.Getenv(env)
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warning("Ignoring invalid %s '%s': %s", env, value, err)
		return
	}
	*field = d
}

// FileConfig is the layout of the YAML file named by -config. Environment variables in the file
// are expanded before parsing.
type FileConfig struct {
	Region         string        `yaml:"region"`
	ClientID       string        `yaml:"client_id"`
	TokenName      string        `yaml:"token_name"`
	TokenFile      string        `yaml:"token_file"`
	WakeOnTimeout  *bool         `yaml:"wake_on_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CacheFile      string        `yaml:"cache_file"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	HistoryDB      string        `yaml:"history_db"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Keyring        struct {
		Type  string `yaml:"type"`
		Dir   string `yaml:"dir"`
		Debug bool   `yaml:"debug"`
	} `yaml:"keyring"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &fc, nil
}

// ReadFromFile populates fields of c that are still empty from c.ConfigFilename. It does nothing
// if no configuration file was specified.
func (c *Config) ReadFromFile() error {
	if c.ConfigFilename == "" {
		return nil
	}
	fc, err := LoadFile(c.ConfigFilename)
	if err != nil {
		return err
	}
	c.Apply(fc)
	return nil
}

// Apply copies settings from fc into fields of c that are still empty.
func (c *Config) Apply(fc *FileConfig) {
	fill := func(field *string, value string) {
		if *field == "" {
			*field = value
		}
	}
	fillDuration := func(field *time.Duration, value time.Duration) {
		if *field == 0 {
			*field = value
		}
	}
	if c.Flags.isSet(FlagOAuth) {
		fill(&c.Region, fc.Region)
		fill(&c.ClientID, fc.ClientID)
		if c.KeyringTokenName == "" && c.TokenFilename == "" {
			c.KeyringTokenName = fc.TokenName
			c.TokenFilename = fc.TokenFile
		}
		if !c.NoWake && fc.WakeOnTimeout != nil {
			c.NoWake = !*fc.WakeOnTimeout
		}
		fillDuration(&c.RequestTimeout, fc.RequestTimeout)
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(fc.Keyring.Type); err != nil {
				log.Warning("Ignoring keyring type '%s': %s", fc.Keyring.Type, err)
			}
		}
		fill(&c.Backend.FileDir, fc.Keyring.Dir)
		c.Debug = c.Debug || fc.Keyring.Debug
	}
	if c.Flags.isSet(FlagCache) {
		fill(&c.CacheFilename, fc.CacheFile)
		fillDuration(&c.CacheTTL, fc.CacheTTL)
	}
	if c.Flags.isSet(FlagHistory) {
		fill(&c.HistoryDB, fc.HistoryDB)
	}
	if c.Flags.isSet(FlagServer) {
		fill(&c.Host, fc.Host)
		if c.Port == 0 {
			c.Port = fc.Port
		}
	}
}

// ListenAddress returns host:port, applying defaults.
func (c *Config) ListenAddress() string {
	host := c.Host
	if host == "" {
		host = DefaultHost
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// LoadCredentials attempts to load OAuth tokens, prompting for a keyring password if needed. Call
// this method before [Config.Account] to prevent interactive prompts from counting against
// timeouts.
func (c *Config) LoadCredentials() error {
	if c.Flags.isSet(FlagOAuth) {
		if _, err := c.Credentials(); err != nil {
			return err
		}
	}
	return nil
}

// Token is the serialized form of an OAuth token pair, as found in token files and the keyring.
// The lifetime can be given either as ExpiresIn seconds (as returned by the token endpoint) or as
// an absolute ExpiresAt. If neither is present, the access token's exp claim is used.
type Token struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresIn    int64      `json:"expires_in,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// ParseToken decodes a token file. A file that does not contain a JSON object is taken to be a
// bare access token.
func ParseToken(data []byte) (*Token, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, credential.ErrNoTokens
	}
	if !strings.HasPrefix(trimmed, "{") {
		return &Token{AccessToken: trimmed}, nil
	}
	var t Token
	if err := json.Unmarshal([]byte(trimmed), &t); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if t.AccessToken == "" && t.RefreshToken == "" {
		return nil, credential.ErrNoTokens
	}
	return &t, nil
}

// Load writes t into store.
func (t *Token) Load(store *credential.Store) error {
	switch {
	case t.ExpiresAt != nil:
		store.Restore(credential.Credential{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken, ExpiresAt: *t.ExpiresAt})
	case t.ExpiresIn > 0:
		store.Set(t.AccessToken, t.RefreshToken, time.Duration(t.ExpiresIn)*time.Second)
	default:
		return store.Bootstrap(t.AccessToken, t.RefreshToken)
	}
	return nil
}

// TokenFromCredential converts a credential for storage.
func TokenFromCredential(cred credential.Credential) *Token {
	expiresAt := cred.ExpiresAt.UTC()
	return &Token{AccessToken: cred.AccessToken, RefreshToken: cred.RefreshToken, ExpiresAt: &expiresAt}
}

func (c *Config) readToken() ([]byte, error) {
	if c.TokenFilename != "" {
		data, err := os.ReadFile(c.TokenFilename)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) || c.KeyringTokenName == "" {
			return nil, err
		}
		// If the token file doesn't exist, fall through to trying to load from the system keyring.
	}
	if c.KeyringTokenName == "" {
		return nil, ErrNoTokenSpecified
	}
	return c.LoadTokenFromKeyring()
}

// Credentials returns the credential store populated from the configured token file or keyring
// entry. Tokens are loaded once; later calls return the same store.
func (c *Config) Credentials() (*credential.Store, error) {
	if c.store != nil {
		return c.store, nil
	}
	data, err := c.readToken()
	if err != nil {
		return nil, err
	}
	token, err := ParseToken(data)
	if err != nil {
		return nil, err
	}
	store := credential.NewStore(nil)
	if err := token.Load(store); err != nil {
		return nil, err
	}
	c.store = store
	return store, nil
}

// SaveCredentials writes cred to the system keyring or token file, depending on what options are
// configured. The method prefers the keyring if both options are available.
func (c *Config) SaveCredentials(cred credential.Credential) error {
	data, err := json.Marshal(TokenFromCredential(cred))
	if err != nil {
		return err
	}
	if c.KeyringTokenName != "" {
		return c.SaveTokenToKeyring(data)
	}
	if c.TokenFilename != "" {
		return os.WriteFile(c.TokenFilename, data, 0600)
	}
	return ErrNoTokenSpecified
}

// ClientConfig returns Fleet API client settings. If no region was configured, it's inferred from
// the access token where possible.
func (c *Config) ClientConfig(store *credential.Store) (fleetapi.Config, error) {
	config := fleetapi.DefaultConfig()
	region, err := fleetapi.ParseRegion(c.Region)
	if err != nil {
		return config, err
	}
	if c.Region == "" && store != nil {
		if inferred, ok := fleetapi.RegionFromToken(store.Get().AccessToken); ok {
			log.Debug("Using region '%s' from OAuth token", inferred)
			region = inferred
		}
	}
	config.Region = region
	config.ClientID = c.ClientID
	config.WakeOnTimeout = !c.NoWake
	if c.RequestTimeout > 0 {
		config.RequestTimeout = c.RequestTimeout
	}
	return config, nil
}

// Account logs into and returns the configured account. Refreshed tokens are written back to
// wherever they were loaded from.
func (c *Config) Account() (*account.Account, error) {
	if c.acct != nil {
		return c.acct, nil
	}
	store, err := c.Credentials()
	if err != nil {
		return nil, err
	}
	config, err := c.ClientConfig(store)
	if err != nil {
		return nil, err
	}
	client, err := fleetapi.NewClient(config, store, nil, nil)
	if err != nil {
		return nil, err
	}
	client.OnRefresh = func(cred credential.Credential) {
		if err := c.SaveCredentials(cred); err != nil {
			log.Warning("Failed to save refreshed OAuth token: %s", err)
		}
	}

	var options []account.Option
	if c.Flags.isSet(FlagCache) {
		if err := c.loadCache(client.Clock()); err != nil {
			return nil, err
		}
		if c.snapshots != nil {
			options = append(options, account.WithSnapshotCache(c.snapshots))
		}
	}
	c.acct = account.New(client, c.CacheTTL, options...)
	return c.acct, nil
}

func (c *Config) loadCache(clk clock.PassiveClock) error {
	if c.CacheFilename == "" {
		return nil
	}
	log.Debug("Loading cache from %s...", c.CacheFilename)
	var err error
	c.snapshots, err = cache.ImportFromFile[*vehicle.Snapshot](c.CacheFilename, "snapshots", c.CacheTTL, clk)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load vehicle data cache: %s", err)
		}
		// Create a new cache if one couldn't be loaded from the file
		c.snapshots = cache.NewWithClock[*vehicle.Snapshot]("snapshots", c.CacheTTL, clk)
	}
	return nil
}

// UpdateCachedSnapshots writes the vehicle data cache to c.CacheFilename.
//
// If c.CacheFilename is not set or no account has been created, then this method does nothing.
func (c *Config) UpdateCachedSnapshots() {
	if c.CacheFilename != "" && c.acct != nil {
		if err := c.acct.Snapshots().ExportToFile(c.CacheFilename); err != nil {
			log.Error("Error updating cache: %s", err)
		}
	}
}

// History opens the configured score history, or returns nil if none is configured.
func (c *Config) History() (*history.Store, error) {
	if c.HistoryDB == "" {
		return nil, nil
	}
	return history.New(c.HistoryDB)
}
