// Package config loads and hot-reloads the proxy's YAML configuration:
// listeners, authenticator selection, router targets, and filter chain
// setup. Grounded on the teacher's internal/config/config.go — the
// ${VAR} environment substitution and fsnotify-based debounced watcher
// are kept verbatim in spirit, generalized from a tenant-pool schema to
// the listener/authenticator/filter schema this proxy needs.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	Listeners []ListenerConfig `yaml:"listeners"`
	Router    RouterConfig     `yaml:"router"`
	Filters   FiltersConfig    `yaml:"filters"`
	Workers   WorkerConfig     `yaml:"workers"`
	Admin     AdminConfig      `yaml:"admin"`
	Users     []UserConfig     `yaml:"users"`
}

// UserConfig seeds the in-process user store consumed by authn.Mechanism
// implementations. Real deployments sync this table from backend servers
// (the out-of-scope "authenticator user-table synchronization"
// collaborator); this field exists so the proxy is runnable standalone.
type UserConfig struct {
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	DefaultSchema string `yaml:"default_schema"`
}

// ListenerConfig describes one bind address accepting client connections.
type ListenerConfig struct {
	Name          string `yaml:"name"`
	Address       string `yaml:"address"` // host:port, or a unix socket path when Socket is true
	Socket        bool   `yaml:"socket"`
	Authenticator string `yaml:"authenticator"` // plugin name registered in authn.Registry

	AuthenticatorOptions map[string]string `yaml:"authenticator_options"`

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// TLSEnabled reports whether this listener terminates TLS.
func (l ListenerConfig) TLSEnabled() bool { return l.TLSCert != "" && l.TLSKey != "" }

// RouterTargetConfig is one backend server entry.
type RouterTargetConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Role    string `yaml:"role"` // "master" or "slave"
}

// RouterConfig configures the static router.
type RouterConfig struct {
	Targets []RouterTargetConfig `yaml:"targets"`
}

// NamedServerRuleConfig mirrors namedserver.Rule before regex compilation.
type NamedServerRuleConfig struct {
	Match         string `yaml:"match"`
	Target        string `yaml:"target"`
	SourcePattern string `yaml:"source_pattern"`
	User          string `yaml:"user"`
}

// S3LoadConfig configures the S3 bulk-load filter.
type S3LoadConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
}

// FiltersConfig groups every filter's configuration surface.
type FiltersConfig struct {
	NamedServer []NamedServerRuleConfig `yaml:"named_server"`
	S3Load      S3LoadConfig            `yaml:"s3_load"`
}

// WorkerConfig sizes the workerpool.
type WorkerConfig struct {
	Count      int `yaml:"count"`
	QueueDepth int `yaml:"queue_depth"`
}

// AdminConfig configures the metrics/health HTTP surface.
type AdminConfig struct {
	Bind string `yaml:"bind"`
}

func applyDefaults(cfg *Config) {
	if cfg.Workers.Count == 0 {
		cfg.Workers.Count = 4
	}
	if cfg.Workers.QueueDepth == 0 {
		cfg.Workers.QueueDepth = 256
	}
	if cfg.Admin.Bind == "" {
		cfg.Admin.Bind = "127.0.0.1:9090"
	}
}

func validate(cfg *Config) error {
	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("at least one listener must be configured")
	}
	seen := make(map[string]bool)
	for _, l := range cfg.Listeners {
		if l.Name == "" {
			return fmt.Errorf("listener missing name")
		}
		if seen[l.Name] {
			return fmt.Errorf("duplicate listener name %q", l.Name)
		}
		seen[l.Name] = true
		if l.Address == "" {
			return fmt.Errorf("listener %q: address is required", l.Name)
		}
		if l.Authenticator == "" {
			return fmt.Errorf("listener %q: authenticator is required", l.Name)
		}
	}
	if len(cfg.Filters.NamedServer) > 25 {
		return fmt.Errorf("filters.named_server: %d rules exceeds max of 25", len(cfg.Filters.NamedServer))
	}
	masters := 0
	for _, t := range cfg.Router.Targets {
		if t.Name == "" || t.Address == "" {
			return fmt.Errorf("router target missing name or address")
		}
		if t.Role == "master" {
			masters++
		}
	}
	if len(cfg.Router.Targets) > 0 && masters != 1 {
		return fmt.Errorf("router: exactly one target must have role \"master\", found %d", masters)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with ${VAR} env substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Watcher watches a config file for changes and invokes callback with the
// freshly reloaded config, debounced against rapid successive writes.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher starts watching path for changes.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "error", err)
		return
	}
	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
