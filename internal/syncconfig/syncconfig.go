// Package syncconfig reads client settings from ~/.config/pt/config.json with
// PT_* environment overrides. Every getter resolves env > file > default.
package syncconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "PT"
	configDirEnv   = "PT_CONFIG_DIR"
	configFileName = "config.json"

	defaultServerURL  = "http://localhost:8080"
	defaultLocale     = "en"
	defaultDaemonAddr = "127.0.0.1:7878"
)

// Keys understood by `pt config`. Nested keys use dots in the file and
// underscores in the environment (sync.max_attempts -> PT_SYNC_MAX_ATTEMPTS).
const (
	KeyServerURL          = "server_url"
	KeyAPIToken           = "api_token"
	KeyUserID             = "user_id"
	KeyLocale             = "locale"
	KeyDataDir            = "data_dir"
	KeyProbeInterval      = "probe.interval"
	KeyProbeTimeout       = "probe.timeout"
	KeyProbeGoodThreshold = "probe.good_threshold"
	KeyMaxAttempts        = "sync.max_attempts"
	KeyBackoffBase        = "sync.backoff_base"
	KeyBackoffMax         = "sync.backoff_max"
	KeyRequestTimeout     = "sync.request_timeout"
	KeySyncInterval       = "sync.interval"
	KeyAutoSync           = "sync.auto"
	KeyDaemonAddr         = "daemon.addr"
	KeyLogLevel           = "log.level"
	KeyLogFormat          = "log.format"
)

type kind int

const (
	kindString kind = iota
	kindDuration
	kindInt
	kindBool
)

var defaults = map[string]struct {
	kind  kind
	value string
}{
	KeyServerURL:          {kindString, defaultServerURL},
	KeyAPIToken:           {kindString, ""},
	KeyUserID:             {kindString, ""},
	KeyLocale:             {kindString, defaultLocale},
	KeyDataDir:            {kindString, ""},
	KeyProbeInterval:      {kindDuration, "30s"},
	KeyProbeTimeout:       {kindDuration, "3s"},
	KeyProbeGoodThreshold: {kindDuration, "1s"},
	KeyMaxAttempts:        {kindInt, "3"},
	KeyBackoffBase:        {kindDuration, "5s"},
	KeyBackoffMax:         {kindDuration, "15m"},
	KeyRequestTimeout:     {kindDuration, "10s"},
	KeySyncInterval:       {kindDuration, "5m"},
	KeyAutoSync:           {kindBool, "true"},
	KeyDaemonAddr:         {kindString, defaultDaemonAddr},
	KeyLogLevel:           {kindString, "info"},
	KeyLogFormat:          {kindString, "json"},
}

// UnknownKeyError is returned by Set for a key not in Keys()
type UnknownKeyError struct {
	Key string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("unknown config key %q", e.Key)
}

// InvalidValueError is returned by Set when a value does not parse as the
// key's type
type InvalidValueError struct {
	Key   string
	Value string
	Err   error
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value %q for %s: %v", e.Value, e.Key, e.Err)
}

func (e *InvalidValueError) Unwrap() error { return e.Err }

// Keys lists every supported key, sorted
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnvName is the environment variable that overrides key
func EnvName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// ConfigDir returns $PT_CONFIG_DIR or ~/.config/pt, creating it if necessary.
func ConfigDir() (string, error) {
	dir := os.Getenv(configDirEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "pt")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// ConfigPath returns the config file location
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// readFile loads only what is in config.json: no env, no defaults.
func readFile() (*viper.Viper, string, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, "", err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	return v, path, nil
}

// load layers env and defaults over the file. A broken file is ignored so
// getters still return env values and defaults.
func load() *viper.Viper {
	v, _, err := readFile()
	if err != nil || v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d.value)
	}
	return v
}

// Settings is a resolved snapshot of every key
type Settings struct {
	ServerURL          string
	APIToken           string
	UserID             string
	Locale             string
	DataDir            string
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	ProbeGoodThreshold time.Duration
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	RequestTimeout     time.Duration
	SyncInterval       time.Duration
	AutoSync           bool
	DaemonAddr         string
	LogLevel           string
	LogFormat          string
}

// Load resolves all keys at once
func Load() Settings {
	v := load()
	return Settings{
		ServerURL:          str(v, KeyServerURL),
		APIToken:           str(v, KeyAPIToken),
		UserID:             userID(v),
		Locale:             str(v, KeyLocale),
		DataDir:            str(v, KeyDataDir),
		ProbeInterval:      duration(v, KeyProbeInterval),
		ProbeTimeout:       duration(v, KeyProbeTimeout),
		ProbeGoodThreshold: duration(v, KeyProbeGoodThreshold),
		MaxAttempts:        positiveInt(v, KeyMaxAttempts),
		BackoffBase:        duration(v, KeyBackoffBase),
		BackoffMax:         duration(v, KeyBackoffMax),
		RequestTimeout:     duration(v, KeyRequestTimeout),
		SyncInterval:       duration(v, KeySyncInterval),
		AutoSync:           boolean(v, KeyAutoSync),
		DaemonAddr:         str(v, KeyDaemonAddr),
		LogLevel:           str(v, KeyLogLevel),
		LogFormat:          str(v, KeyLogFormat),
	}
}

// GetServerURL returns the price API base URL.
// Priority: PT_SERVER_URL env > config.json > http://localhost:8080.
func GetServerURL() string {
	return str(load(), KeyServerURL)
}

// GetAPIToken returns the bearer token, empty when unset
func GetAPIToken() string {
	return str(load(), KeyAPIToken)
}

// GetUserID returns the configured user, falling back to $USER
func GetUserID() string {
	return userID(load())
}

// GetLocale returns the locale stamped on new mutations
func GetLocale() string {
	return str(load(), KeyLocale)
}

// GetDataDir returns the configured data directory, or "" for the platform
// default.
func GetDataDir() string {
	return str(load(), KeyDataDir)
}

// GetProbeInterval returns how often the daemon probes latency.
// Priority: PT_PROBE_INTERVAL env > config.json probe.interval > 30s
func GetProbeInterval() time.Duration {
	return duration(load(), KeyProbeInterval)
}

// GetMaxAttempts returns the retry bound for new queue items.
// Priority: PT_SYNC_MAX_ATTEMPTS env > config.json sync.max_attempts > 3
func GetMaxAttempts() int {
	return positiveInt(load(), KeyMaxAttempts)
}

// GetSyncInterval returns the daemon's periodic pass interval
func GetSyncInterval() time.Duration {
	return duration(load(), KeySyncInterval)
}

// GetAutoSync reports whether the daemon runs periodic passes.
// Priority: PT_SYNC_AUTO env > config.json sync.auto > true
func GetAutoSync() bool {
	return boolean(load(), KeyAutoSync)
}

// GetDaemonAddr returns the daemon's listen address for /ws and /metrics
func GetDaemonAddr() string {
	return str(load(), KeyDaemonAddr)
}

// Setting is one row of `pt config list`
type Setting struct {
	Key    string `json:"key" yaml:"key"`
	Value  string `json:"value" yaml:"value"`
	Source string `json:"source" yaml:"source"` // env, file or default
}

// List reports every key with its effective value and where it came from
func List() ([]Setting, error) {
	fv, _, err := readFile()
	if err != nil {
		return nil, err
	}
	v := load()
	out := make([]Setting, 0, len(defaults))
	for _, k := range Keys() {
		s := Setting{Key: k, Value: v.GetString(k), Source: "default"}
		switch {
		case os.Getenv(EnvName(k)) != "":
			s.Source = "env"
		case fv.IsSet(k):
			s.Source = "file"
		}
		if k == KeyAPIToken && s.Value != "" {
			s.Value = mask(s.Value)
		}
		out = append(out, s)
	}
	return out, nil
}

// Get returns the effective value of key as a string
func Get(key string) (string, error) {
	if _, ok := defaults[key]; !ok {
		return "", &UnknownKeyError{Key: key}
	}
	return load().GetString(key), nil
}

// Set validates value against key's type and writes it to config.json
func Set(key, value string) error {
	d, ok := defaults[key]
	if !ok {
		return &UnknownKeyError{Key: key}
	}
	if err := check(d.kind, value); err != nil {
		return &InvalidValueError{Key: key, Value: value, Err: err}
	}
	fv, path, err := readFile()
	if err != nil {
		return err
	}
	fv.Set(key, value)
	if err := fv.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Unset removes key from config.json so the env or default applies again
func Unset(key string) error {
	if _, ok := defaults[key]; !ok {
		return &UnknownKeyError{Key: key}
	}
	fv, path, err := readFile()
	if err != nil {
		return err
	}
	// viper cannot delete keys; rebuild from the remaining settings
	nv := viper.New()
	nv.SetConfigType("json")
	for _, k := range fv.AllKeys() {
		if k != key {
			nv.Set(k, fv.Get(k))
		}
	}
	if err := nv.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func check(k kind, value string) error {
	switch k {
	case kindDuration:
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		if d <= 0 {
			return errors.New("must be positive")
		}
	case kindInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		if n <= 0 {
			return errors.New("must be positive")
		}
	case kindBool:
		if _, ok := parseBool(value); !ok {
			return errors.New("want true or false")
		}
	}
	return nil
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func userID(v *viper.Viper) string {
	if id := str(v, KeyUserID); id != "" {
		return id
	}
	return os.Getenv("USER")
}

// duration falls back to the default for unparseable or non-positive values
func duration(v *viper.Viper, key string) time.Duration {
	if d, err := time.ParseDuration(v.GetString(key)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(defaults[key].value)
	return d
}

func positiveInt(v *viper.Viper, key string) int {
	if n, err := strconv.Atoi(v.GetString(key)); err == nil && n > 0 {
		return n
	}
	n, _ := strconv.Atoi(defaults[key].value)
	return n
}

func boolean(v *viper.Viper, key string) bool {
	if b, ok := parseBool(v.GetString(key)); ok {
		return b
	}
	b, _ := parseBool(defaults[key].value)
	return b
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}
