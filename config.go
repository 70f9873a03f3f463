package shellcache

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/manifest"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Application namespace, the first part of every store name.
	Namespace string `yaml:"namespace"`
	// Version tag of the running build. Changes on every deploy.
	Version string `yaml:"version"`
	// Absolute URL the application lives under.
	// Relative manifest entries and the shell are resolved against it.
	Scope string `yaml:"scope"`
	// Application shell document served to HTML requests when offline.
	// Defaults to index.html under the scope.
	Shell string `yaml:"shell"`
	// Assets fetched into the store on install, in order.
	Manifest manifest.Manifest `yaml:"manifest"`
	// Host substrings that are never intercepted, e.g. the auth and datastore backends.
	ExcludedOrigins []string `yaml:"excludedOrigins"`
	// Request headers that take part in the request key.
	KeyHeaders []string `yaml:"keyHeaders"`
	// File locked while installing, shared by every process using the same storage.
	LockFile string `yaml:"lockFile"`

	Storage      StorageConfig      `yaml:"storage"`
	Server       ServerConfig       `yaml:"server"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Push         PushConfig         `yaml:"push"`
	Revalidation RevalidationConfig `yaml:"revalidation"`
	WarmUp       WarmUpConfig       `yaml:"warmup"`

	// Storage for the stores. An in-memory provider is used if nil.
	// The worker takes ownership and closes it.
	Cache cache.Provider `yaml:"-"`
	// Network used for every fetch. http.DefaultTransport is used if nil.
	Transport http.RoundTripper `yaml:"-"`
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger `yaml:"-"`
	// Renders notifications. Broadcasts to connected clients if nil.
	Notifier Notifier `yaml:"-"`
	// Opens or focuses windows on notification click. Broadcasts to connected clients if nil.
	Opener WindowOpener `yaml:"-"`
	// Called for the sync-data background sync tag.
	SyncPending func(context.Context) error `yaml:"-"`
}

type StorageConfig struct {
	// sqlite, leveldb or memory
	Provider string `yaml:"provider"`
	Path     string `yaml:"path"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type ConnectivityConfig struct {
	// URL probed to detect online/offline transitions. Disabled if empty.
	Probe    string   `yaml:"probe"`
	Interval Duration `yaml:"interval"`
}

type PushConfig struct {
	DefaultTitle string `yaml:"defaultTitle"`
	DefaultBody  string `yaml:"defaultBody"`
	Icon         string `yaml:"icon"`
	Badge        string `yaml:"badge"`
	Vibrate      []int  `yaml:"vibrate"`
}

type RevalidationConfig struct {
	// Upper bound of concurrent background revalidations.
	MaxInFlight int `yaml:"maxInFlight"`
}

type WarmUpConfig struct {
	// Number of manifest assets fetched concurrently.
	Concurrency int `yaml:"concurrency"`
}

// Duration is a time.Duration that reads "30s"-style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// StoreName is the name of the store owned by this version.
func (c Config) StoreName() string {
	return c.Namespace + "-" + c.Version
}

// LoadConfig reads a YAML config file and applies defaults.
func LoadConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, errors.Wrapf(err, errors.CodeInvalidConfig, "could not read config %s", filename)
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, errors.Wrapf(err, errors.CodeInvalidConfig, "could not parse config %s", filename)
	}
	config, err = config.withDefaults()
	return config, err
}

// withDefaults validates the config and fills in defaults.
// The receiver is left untouched.
func (c Config) withDefaults() (Config, error) {
	if strings.TrimSpace(c.Namespace) == "" {
		return c, errors.New(errors.CodeInvalidConfig, "namespace is required")
	}
	if strings.TrimSpace(c.Version) == "" {
		return c, errors.New(errors.CodeInvalidConfig, "version is required")
	}
	scope, err := url.Parse(c.Scope)
	if err != nil || (scope.Scheme != "http" && scope.Scheme != "https") || scope.Host == "" {
		return c, errors.WithContext(
			errors.New(errors.CodeInvalidConfig, "scope must be an absolute http(s) URL"), "scope", c.Scope)
	}
	if !strings.HasSuffix(scope.Path, "/") {
		scope.Path += "/"
	}
	c.Scope = scope.String()
	if c.Shell == "" {
		c.Shell = "index.html"
	}
	if c.Storage.Provider == "" {
		c.Storage.Provider = "memory"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Connectivity.Interval <= 0 {
		c.Connectivity.Interval = Duration(30 * time.Second)
	}
	if c.Revalidation.MaxInFlight <= 0 {
		c.Revalidation.MaxInFlight = 32
	}
	if c.WarmUp.Concurrency <= 0 {
		c.WarmUp.Concurrency = 4
	}
	if c.Push.DefaultTitle == "" {
		c.Push.DefaultTitle = c.Namespace
	}
	if c.Push.DefaultBody == "" {
		c.Push.DefaultBody = "New notification from " + c.Push.DefaultTitle
	}
	if c.Push.Icon == "" {
		c.Push.Icon = "favicon.ico"
	}
	if c.Push.Badge == "" {
		c.Push.Badge = c.Push.Icon
	}
	if c.Push.Vibrate == nil {
		c.Push.Vibrate = []int{200, 100, 200}
	}
	excluded := make([]string, 0, len(c.ExcludedOrigins))
	for _, o := range c.ExcludedOrigins {
		if o = strings.ToLower(strings.TrimSpace(o)); o != "" {
			excluded = append(excluded, o)
		}
	}
	c.ExcludedOrigins = excluded
	return c, nil
}
