// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig configures the redis client shared by the kv store and the signal bridge.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	PoolSize     int           `yaml:"poolSize"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN           string `yaml:"dsn"`
	MaxConns      int32  `yaml:"maxConns"`
	RunMigrations bool   `yaml:"runMigrations"`
	// MigrationsDir overrides the embedded migrations when set.
	MigrationsDir string `yaml:"migrationsDir"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/storefront"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	return nil
}

// StorageConfig selects where the cart blob lives.
type StorageConfig struct {
	Backend  StorageBackend `yaml:"backend"`
	CartKey  string         `yaml:"cartKey"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

const defaultFanoutWorkers = 4

// FanoutWorkerSetting accepts a positive integer, "auto" (one per CPU) or "default".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// FanoutWorkers returns an explicit worker setting.
func FanoutWorkers(n int) FanoutWorkerSetting {
	if n <= 0 {
		return FanoutWorkerSetting{kind: fanoutWorkerDefault}
	}
	return FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

// Count returns the effective worker count.
func (s FanoutWorkerSetting) Count() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return defaultFanoutWorkers
	default:
		return defaultFanoutWorkers
	}
}

// SignalsConfig configures the signal bus and its remote relays.
type SignalsConfig struct {
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
	// BufferSize is the per-client frame buffer of the websocket relay.
	BufferSize int `yaml:"bufferSize"`
	// RedisBridge relays signals between processes over redis pub/sub.
	RedisBridge  bool   `yaml:"redisBridge"`
	RedisChannel string `yaml:"redisChannel"`
	// RelayAddr serves the websocket relay and health routes. Empty disables serving.
	RelayAddr      string   `yaml:"relayAddr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// LoadingConfig holds orchestrator defaults.
type LoadingConfig struct {
	MinLoadingTime time.Duration `yaml:"minLoadingTime"`
	Linger         time.Duration `yaml:"linger"`
}

// NavigationConfig holds the page-transition floor.
type NavigationConfig struct {
	MinLoadingTime time.Duration `yaml:"minLoadingTime"`
}

// FirebaseConfig configures Firebase Admin.
type FirebaseConfig struct {
	ProjectID       string `yaml:"projectId"`
	CredentialsFile string `yaml:"credentialsFile"`
}

// OIDCConfig configures a generic OpenID Connect issuer.
type OIDCConfig struct {
	IssuerURL string `yaml:"issuerUrl"`
	ClientID  string `yaml:"clientId"`
}

// FirestoreConfig configures the profile collection.
type FirestoreConfig struct {
	ProjectID       string `yaml:"projectId"`
	CredentialsFile string `yaml:"credentialsFile"`
	Collection      string `yaml:"collection"`
}

// IdentityConfig configures identity hydration.
type IdentityConfig struct {
	Provider     IdentityProvider `yaml:"provider"`
	ProfileStore ProfileBackend   `yaml:"profileStore"`
	MaxAttempts  int              `yaml:"maxAttempts"`
	RetryDelay   time.Duration    `yaml:"retryDelay"`
	ReadyCeiling time.Duration    `yaml:"readyCeiling"`
	Firebase     FirebaseConfig   `yaml:"firebase"`
	OIDC         OIDCConfig       `yaml:"oidc"`
	Firestore    FirestoreConfig  `yaml:"firestore"`
}

// ImagesConfig configures image checks.
type ImagesConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
	Workers           int     `yaml:"workers"`
	GCSEnabled        bool    `yaml:"gcsEnabled"`
	CredentialsFile   string  `yaml:"credentialsFile"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified storefront configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Logging     LoggingConfig    `yaml:"logging"`
	Storage     StorageConfig    `yaml:"storage"`
	Signals     SignalsConfig    `yaml:"signals"`
	Loading     LoadingConfig    `yaml:"loading"`
	Navigation  NavigationConfig `yaml:"navigation"`
	Identity    IdentityConfig   `yaml:"identity"`
	Images      ImagesConfig     `yaml:"images"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

// DefaultAppConfig returns a configuration that runs fully in memory.
func DefaultAppConfig() AppConfig {
	var cfg AppConfig
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return parse(bytes)
}

// LoadOrDefault behaves like Load but returns DefaultAppConfig when the path is
// empty or the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return DefaultAppConfig(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultAppConfig(), nil
	}
	return cfg, err
}

func parse(bytes []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(lowerTrim(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Logging.Level = lowerTrim(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = lowerTrim(c.Logging.Format)
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	c.Storage.Backend = StorageBackend(lowerTrim(string(c.Storage.Backend)))
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
	}
	c.Storage.CartKey = strings.TrimSpace(c.Storage.CartKey)
	if c.Storage.CartKey == "" {
		c.Storage.CartKey = "cart"
	}
	c.Storage.Redis.URL = strings.TrimSpace(c.Storage.Redis.URL)
	c.Storage.Redis.KeyPrefix = strings.TrimSpace(c.Storage.Redis.KeyPrefix)
	c.Storage.Database.applyDefaults()

	if c.Signals.BufferSize <= 0 {
		c.Signals.BufferSize = 16
	}
	c.Signals.RedisChannel = strings.TrimSpace(c.Signals.RedisChannel)
	if c.Signals.RedisChannel == "" {
		c.Signals.RedisChannel = "storefront:signals"
	}
	c.Signals.RelayAddr = strings.TrimSpace(c.Signals.RelayAddr)
	origins := make([]string, 0, len(c.Signals.AllowedOrigins))
	for _, origin := range c.Signals.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.Signals.AllowedOrigins = origins

	if c.Loading.MinLoadingTime <= 0 {
		c.Loading.MinLoadingTime = 500 * time.Millisecond
	}
	if c.Loading.Linger <= 0 {
		c.Loading.Linger = 200 * time.Millisecond
	}
	if c.Navigation.MinLoadingTime <= 0 {
		c.Navigation.MinLoadingTime = 300 * time.Millisecond
	}

	id := &c.Identity
	id.Provider = IdentityProvider(lowerTrim(string(id.Provider)))
	if id.Provider == "" {
		id.Provider = IdentityMemory
	}
	id.ProfileStore = ProfileBackend(lowerTrim(string(id.ProfileStore)))
	if id.ProfileStore == "" {
		id.ProfileStore = ProfileMemory
	}
	if id.MaxAttempts <= 0 {
		id.MaxAttempts = 5
	}
	if id.RetryDelay <= 0 {
		id.RetryDelay = 500 * time.Millisecond
	}
	if id.ReadyCeiling <= 0 {
		id.ReadyCeiling = 5 * time.Second
	}
	id.Firebase.ProjectID = strings.TrimSpace(id.Firebase.ProjectID)
	id.Firebase.CredentialsFile = strings.TrimSpace(id.Firebase.CredentialsFile)
	id.OIDC.IssuerURL = strings.TrimSpace(id.OIDC.IssuerURL)
	id.OIDC.ClientID = strings.TrimSpace(id.OIDC.ClientID)
	id.Firestore.ProjectID = strings.TrimSpace(id.Firestore.ProjectID)
	if id.Firestore.ProjectID == "" {
		id.Firestore.ProjectID = id.Firebase.ProjectID
	}
	id.Firestore.CredentialsFile = strings.TrimSpace(id.Firestore.CredentialsFile)
	if id.Firestore.CredentialsFile == "" {
		id.Firestore.CredentialsFile = id.Firebase.CredentialsFile
	}
	id.Firestore.Collection = strings.TrimSpace(id.Firestore.Collection)
	if id.Firestore.Collection == "" {
		id.Firestore.Collection = "users"
	}

	if c.Images.Burst <= 0 {
		c.Images.Burst = 1
	}
	c.Images.CredentialsFile = strings.TrimSpace(c.Images.CredentialsFile)

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "storefront"
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging format must be text or json")
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageRedis:
		if c.Storage.Redis.URL == "" {
			return fmt.Errorf("storage redis url required for redis backend")
		}
	case StoragePostgres:
		if err := c.Storage.Database.validate(); err != nil {
			return fmt.Errorf("storage database: %w", err)
		}
	default:
		return fmt.Errorf("storage backend must be one of memory, redis, postgres")
	}
	if c.Storage.CartKey == "" {
		return fmt.Errorf("storage cartKey required")
	}

	if c.Signals.FanoutWorkers.Count() <= 0 {
		return fmt.Errorf("signals fanoutWorkers must be >0")
	}
	if c.Signals.BufferSize <= 0 {
		return fmt.Errorf("signals bufferSize must be >0")
	}
	if c.Signals.RedisBridge && c.Storage.Redis.URL == "" {
		return fmt.Errorf("signals redisBridge requires storage redis url")
	}

	if c.Loading.MinLoadingTime < 0 || c.Loading.Linger < 0 || c.Navigation.MinLoadingTime < 0 {
		return fmt.Errorf("loading durations must be >=0")
	}

	switch c.Identity.Provider {
	case IdentityMemory:
	case IdentityFirebase:
		if c.Identity.Firebase.ProjectID == "" {
			return fmt.Errorf("identity firebase projectId required")
		}
	case IdentityOIDC:
		if c.Identity.OIDC.IssuerURL == "" || c.Identity.OIDC.ClientID == "" {
			return fmt.Errorf("identity oidc issuerUrl and clientId required")
		}
	default:
		return fmt.Errorf("identity provider must be one of memory, firebase, oidc")
	}
	switch c.Identity.ProfileStore {
	case ProfileMemory:
	case ProfileFirestore:
		if c.Identity.Firestore.ProjectID == "" {
			return fmt.Errorf("identity firestore projectId required")
		}
	default:
		return fmt.Errorf("identity profileStore must be memory or firestore")
	}
	if c.Identity.MaxAttempts <= 0 {
		return fmt.Errorf("identity maxAttempts must be >0")
	}
	if c.Identity.ReadyCeiling <= 0 {
		return fmt.Errorf("identity readyCeiling must be >0")
	}

	if c.Images.RequestsPerSecond < 0 {
		return fmt.Errorf("images requestsPerSecond must be >=0")
	}
	if c.Images.Workers < 0 {
		return fmt.Errorf("images workers must be >=0")
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
