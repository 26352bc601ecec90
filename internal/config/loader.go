// Package config resolves launchr configuration from defaults, an optional
// YAML file, LAUNCHR_* environment variables and runtime overrides.
//
// Precedence, highest first: runtime overrides, environment, config file,
// defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/launchr/launchr/pkg/worker"
)

const (
	AppName   = "launchr"
	EnvPrefix = "LAUNCHR"
)

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// envAliases are short environment names accepted in addition to the
// canonical LAUNCHR_<SECTION>_<KEY> form.
var envAliases = map[string][]string{
	"aggregator.socket": {"LAUNCHR_SOCKET"},
	"logging.level":     {"LAUNCHR_LOG_LEVEL"},
	"http.host":         {"LAUNCHR_HOST"},
	"http.port":         {"LAUNCHR_PORT"},
	"http.read_timeout": {"LAUNCHR_READ_TIMEOUT"},
	"worker.binary":     {"LAUNCHR_YTDLP"},
}

// envSpec maps one environment variable to a config path.
type envSpec struct {
	Name string
	Path string
}

// SetConfigFile pins the config file read by Load. An empty path restores
// the default search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load resolves the configuration and makes it available through GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	for _, spec := range groupEnvSpecs(getEnvSpecs()) {
		if err := v.BindEnv(append([]string{spec.path}, spec.names...)...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", spec.path, err)
		}
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := normalize(&cfg); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil before Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("aggregator.socket", DefaultSocketPath())
	v.SetDefault("aggregator.dial_timeout", "2s")
	v.SetDefault("aggregator.request_timeout", "5s")
	v.SetDefault("aggregator.max_message_bytes", 4<<20)

	v.SetDefault("worker.binary", worker.DefaultBinary)
	v.SetDefault("worker.format", string(worker.DefaultFormat))
	v.SetDefault("worker.output_dir", ".")
	v.SetDefault("worker.output_template", worker.DefaultOutputTemplate)
	v.SetDefault("worker.update_rate", float64(worker.DefaultUpdateRate))
	v.SetDefault("worker.extra_args", []string{})

	v.SetDefault("jobs.log_dir", DefaultLogDir())

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", 8787)
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.idle_timeout", "120s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
}

// DefaultSocketPath is the per-user aggregator socket.
func DefaultSocketPath() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		return filepath.Join(dir, AppName, "aggregator.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", AppName, os.Getuid()), "aggregator.sock")
}

// DefaultLogDir is where background launches keep their records.
func DefaultLogDir() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); dir != "" {
		return filepath.Join(dir, AppName, "launches")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "state", AppName, "launches")
	}
	return filepath.Join(os.TempDir(), AppName+"-launches")
}

// getEnvSpecs lists every accepted environment variable, canonical names
// first, sorted by config path.
func getEnvSpecs() []envSpec {
	v := viper.New()
	setDefaults(v)
	keys := v.AllKeys()
	sort.Strings(keys)

	specs := make([]envSpec, 0, len(keys)+len(envAliases))
	for _, key := range keys {
		name := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		specs = append(specs, envSpec{Name: name, Path: key})
		for _, alias := range envAliases[key] {
			specs = append(specs, envSpec{Name: alias, Path: key})
		}
	}
	return specs
}

type envBinding struct {
	path  string
	names []string
}

func groupEnvSpecs(specs []envSpec) []envBinding {
	var out []envBinding
	index := map[string]int{}
	for _, s := range specs {
		i, ok := index[s.Path]
		if !ok {
			i = len(out)
			index[s.Path] = i
			out = append(out, envBinding{path: s.Path})
		}
		out[i].names = append(out[i].names, s.Name)
	}
	return out
}

// getUserConfigPaths returns candidate config files, most specific first.
func getUserConfigPaths() []string {
	var paths []string
	seen := map[string]bool{}
	add := func(dir string) {
		if dir == "" {
			return
		}
		p := filepath.Join(dir, AppName, "config.yaml")
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	add(strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")))
	if dir, err := os.UserConfigDir(); err == nil {
		add(dir)
	}
	return paths
}

func readConfigFile(v *viper.Viper) error {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	for _, p := range getUserConfigPaths() {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", p, err)
		}
		return nil
	}
	return nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func normalize(cfg *Config) error {
	var errs []error

	cfg.Aggregator.Socket = strings.TrimSpace(cfg.Aggregator.Socket)
	if cfg.Aggregator.Socket == "" {
		errs = append(errs, errors.New("aggregator.socket must not be empty"))
	}
	if cfg.Aggregator.DialTimeout <= 0 {
		errs = append(errs, errors.New("aggregator.dial_timeout must be positive"))
	}
	if cfg.Aggregator.RequestTimeout <= 0 {
		errs = append(errs, errors.New("aggregator.request_timeout must be positive"))
	}
	if cfg.Aggregator.MaxMessageBytes < 1024 {
		errs = append(errs, fmt.Errorf("aggregator.max_message_bytes must be at least 1024, got %d", cfg.Aggregator.MaxMessageBytes))
	}

	if f, err := worker.ParseFormat(cfg.Worker.Format); err != nil {
		errs = append(errs, fmt.Errorf("worker.format: %w", err))
	} else {
		cfg.Worker.Format = string(f)
	}
	if cfg.Worker.UpdateRate <= 0 {
		errs = append(errs, errors.New("worker.update_rate must be positive"))
	}

	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port out of range: %d", cfg.HTTP.Port))
	}

	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level))
	}
	cfg.Logging.Profile = strings.ToLower(strings.TrimSpace(cfg.Logging.Profile))
	if cfg.Logging.Profile != "structured" && cfg.Logging.Profile != "console" {
		errs = append(errs, fmt.Errorf("logging.profile %q must be structured or console", cfg.Logging.Profile))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
