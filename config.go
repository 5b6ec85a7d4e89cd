package saver

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SAVER_"

// Config is the process configuration, read from SAVER_* environment variables.
type Config struct {
	WorkDir            string
	MaxFileSize        int64
	TorControlAddr     string
	TorControlPassword string
	MusicToken         string

	// RedisURL selects the shared store; otherwise StatePath (a bbolt file) is used, otherwise memory.
	RedisURL  string
	StatePath string
	// DatabasePath selects the SQLite delivery cache instead of the store.
	DatabasePath string

	ProxyHost        string
	ProxyPorts       string
	RotationCooldown time.Duration
	FetchTimeout     time.Duration
	FetchAttempts    int

	Backends *BackendsFile
}

// BackendsFile overrides the match order and claims of backends.
type BackendsFile struct {
	Order  []string            `yaml:"order"`
	Claims map[string][]string `yaml:"claims"`
}

// Apply replaces claims and then reorders. The order is checked before anything changes, and the claims are replaced
// all together, so a bad file leaves the registry as it was.
func (b *BackendsFile) Apply(r *Registry) error {
	if err := r.checkKnown(b.Order); err != nil {
		return fmt.Errorf("backend order: %w", err)
	}
	if len(b.Claims) > 0 {
		if err := r.ReplaceClaims(b.Claims); err != nil {
			return fmt.Errorf("backend claims: %w", err)
		}
	}
	if len(b.Order) > 0 {
		if err := r.Reorder(b.Order); err != nil {
			return fmt.Errorf("backend order: %w", err)
		}
	}
	return nil
}

func LoadBackendsFile(path string) (*BackendsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b BackendsFile
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse %v: %w", path, err)
	}
	return &b, nil
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(os.LookupEnv)
}

// LoadConfigFrom reads the configuration through lookup. Every missing or invalid value is reported, not just the
// first.
func LoadConfigFrom(lookup func(key string) (string, bool)) (*Config, error) {
	var errs *multierror.Error
	get := func(key string) (string, bool) {
		value, ok := lookup(envPrefix + key)
		return value, ok && value != ""
	}
	required := func(key string) string {
		value, ok := get(key)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("%v%v is required", envPrefix, key))
		}
		return value
	}
	duration := func(key string, def time.Duration) time.Duration {
		value, ok := get(key)
		if !ok {
			return def
		}
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			errs = multierror.Append(errs, fmt.Errorf("%v%v: invalid duration %q", envPrefix, key, value))
		}
		return d
	}
	integer := func(key string, value string) int64 {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("%v%v: invalid positive integer %q", envPrefix, key, value))
		}
		return n
	}

	c := &Config{
		WorkDir:            required("WORK_DIR"),
		TorControlPassword: required("TOR_CONTROL_PASSWORD"),
		MusicToken:         required("MUSIC_TOKEN"),
		ProxyHost:          "127.0.0.1",
		ProxyPorts:         "9050-9061",
		RotationCooldown:   duration("ROTATION_COOLDOWN", 10*time.Second),
		FetchTimeout:       duration("FETCH_TIMEOUT", 5*time.Minute),
		FetchAttempts:      2,
	}
	if value := required("MAX_FILE_SIZE"); value != "" {
		c.MaxFileSize = integer("MAX_FILE_SIZE", value)
	}
	host, port := required("TOR_CONTROL_HOST"), required("TOR_CONTROL_PORT")
	if port != "" {
		integer("TOR_CONTROL_PORT", port)
	}
	c.TorControlAddr = net.JoinHostPort(host, port)

	c.RedisURL, _ = get("REDIS_URL")
	c.StatePath, _ = get("STATE_PATH")
	c.DatabasePath, _ = get("DATABASE_PATH")
	if value, ok := get("PROXY_HOST"); ok {
		c.ProxyHost = value
	}
	if value, ok := get("PROXY_PORTS"); ok {
		c.ProxyPorts = value
	}
	if value, ok := get("FETCH_ATTEMPTS"); ok {
		c.FetchAttempts = int(integer("FETCH_ATTEMPTS", value))
	}
	if path, ok := get("BACKENDS_FILE"); ok {
		backends, err := LoadBackendsFile(path)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%vBACKENDS_FILE: %w", envPrefix, err))
		}
		c.Backends = backends
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// RetryConfig is the retry policy for fetches.
func (c *Config) RetryConfig() RetryConfig {
	retry := DefaultRetryConfig()
	if c.FetchAttempts > 0 {
		retry.MaxAttempts = c.FetchAttempts
	}
	return retry
}
