// Package config provides configuration management for the remote runner.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backends the server can run sessions on.
const (
	BackendMemory     = "memory"
	BackendLocal      = "local"
	BackendDocker     = "docker"
	BackendKubernetes = "kubernetes"
)

// Backends lists every supported backend name.
var Backends = []string{BackendMemory, BackendLocal, BackendDocker, BackendKubernetes}

// Config holds all configuration for the remote runner server.
type Config struct {
	// Addr is the address the HTTP server listens on (e.g., ":7080").
	Addr string `yaml:"addr"`

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string `yaml:"data_dir"`

	// DatabasePath is the SQLite snapshot database. Empty disables
	// snapshot persistence.
	DatabasePath string `yaml:"database"`

	// PublicURL is the externally reachable base URL of this server. When
	// set, preview URLs go through the server's preview proxy.
	PublicURL string `yaml:"public_url"`

	Sandbox    Sandbox    `yaml:"sandbox"`
	Kubernetes Kubernetes `yaml:"kubernetes"`
	Session    Session    `yaml:"session"`
	Limits     Limits     `yaml:"limits"`
	Log        Log        `yaml:"log"`
	Telemetry  Telemetry  `yaml:"telemetry"`
}

// Sandbox configures the execution backend.
type Sandbox struct {
	// Backend is one of memory, local, docker or kubernetes.
	Backend string `yaml:"backend"`
	Image   string `yaml:"image"`
	// Network is the Docker network for sandbox containers.
	Network      string  `yaml:"network"`
	Port         int     `yaml:"port"`
	StartCommand string  `yaml:"start_command"`
	Workdir      string  `yaml:"workdir"`
	MemoryMB     int     `yaml:"memory_mb"`
	CPUs         float64 `yaml:"cpus"`
	// LocalRoot is where the local backend creates sandbox directories.
	LocalRoot        string        `yaml:"local_root"`
	ExposeTimeout    time.Duration `yaml:"expose_timeout"`
	ProvisionTimeout time.Duration `yaml:"provision_timeout"`
	// StripFlags are package.json script flags removed before writing, on
	// top of those the backend declares unsupported.
	StripFlags []string `yaml:"strip_flags"`
}

// Kubernetes configures the kubernetes backend.
type Kubernetes struct {
	Namespace  string `yaml:"namespace"`
	DaemonPort int    `yaml:"daemon_port"`
	// Kubeconfig is empty for in-cluster configuration.
	Kubeconfig string `yaml:"kubeconfig"`
}

// Session configures lifecycle policy.
type Session struct {
	ReapInterval    time.Duration `yaml:"reap_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	DegradedTimeout time.Duration `yaml:"degraded_timeout"`
	Retention       time.Duration `yaml:"retention"`
	HealthTimeout   time.Duration `yaml:"health_timeout"`
	FailedProbes    int           `yaml:"failed_probes"`
}

// Limits bound accepted template trees.
type Limits struct {
	MaxFileSize  int `yaml:"max_file_size"`
	MaxTreeDepth int `yaml:"max_tree_depth"`
	MaxTreeNodes int `yaml:"max_tree_nodes"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Telemetry configures tracing. With no endpoint, spans go to TraceFile.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	TraceFile    string `yaml:"trace_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Addr:         ":7080",
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "remoterunner.db"),
		Sandbox: Sandbox{
			Backend:          BackendDocker,
			Image:            "node:22-bookworm-slim",
			Network:          "remoterunner-net",
			Port:             3000,
			StartCommand:     "npm install && npm run dev",
			Workdir:          "/workspace",
			MemoryMB:         2048,
			CPUs:             2,
			LocalRoot:        filepath.Join(dataDir, "sandboxes"),
			ExposeTimeout:    30 * time.Second,
			ProvisionTimeout: 2 * time.Minute,
		},
		Kubernetes: Kubernetes{
			Namespace:  "remoterunner",
			DaemonPort: 8080,
		},
		Session: Session{
			ReapInterval:    15 * time.Second,
			IdleTimeout:     30 * time.Minute,
			DegradedTimeout: 60 * time.Second,
			Retention:       5 * time.Minute,
			HealthTimeout:   5 * time.Second,
			FailedProbes:    2,
		},
		Limits: Limits{
			MaxFileSize:  1 << 20,
			MaxTreeDepth: 64,
			MaxTreeNodes: 20000,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load builds a Config. Values are resolved in order: environment variable >
// config.env file > YAML file > default. path names the YAML file; when
// empty, RUNNER_CONFIG or <data dir>/config.yaml is used if present.
func Load(path string) (*Config, error) {
	dataDir := envOr("RUNNER_DATA_DIR", defaultDataDir())

	// Existing env vars take precedence; godotenv.Load never overrides them.
	loadEnvFiles(filepath.Join(dataDir, "config.env"), ".env")

	cfg := Default()
	cfg.DataDir = dataDir
	cfg.DatabasePath = filepath.Join(cfg.DataDir, "remoterunner.db")
	cfg.Sandbox.LocalRoot = filepath.Join(cfg.DataDir, "sandboxes")

	if path == "" {
		path = os.Getenv("RUNNER_CONFIG")
	}
	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.DataDir, "config.yaml")
	}
	if err := loadYAML(path, cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	// Paths derived from the data dir follow a data_dir set in YAML.
	if cfg.DataDir != dataDir {
		if cfg.DatabasePath == filepath.Join(dataDir, "remoterunner.db") {
			cfg.DatabasePath = filepath.Join(cfg.DataDir, "remoterunner.db")
		}
		if cfg.Sandbox.LocalRoot == filepath.Join(dataDir, "sandboxes") {
			cfg.Sandbox.LocalRoot = filepath.Join(cfg.DataDir, "sandboxes")
		}
	}

	cfg.applyEnv()

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	return cfg, nil
}

func loadEnvFiles(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			slog.Warn("ignoring unreadable env file", "path", p, "error", err)
		}
	}
}

func loadYAML(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Addr = envOr("RUNNER_ADDR", c.Addr)
	if v, ok := os.LookupEnv("RUNNER_DATABASE"); ok {
		c.DatabasePath = v
	}
	if strings.EqualFold(c.DatabasePath, "off") {
		c.DatabasePath = ""
	}
	c.PublicURL = envOr("RUNNER_PUBLIC_URL", c.PublicURL)

	s := &c.Sandbox
	s.Backend = strings.ToLower(envOr("RUNNER_BACKEND", s.Backend))
	s.Image = envOr("RUNNER_IMAGE", s.Image)
	s.Network = envOr("RUNNER_DOCKER_NETWORK", s.Network)
	s.Port = envOrInt("RUNNER_PORT", s.Port)
	s.StartCommand = envOr("RUNNER_START_COMMAND", s.StartCommand)
	s.Workdir = envOr("RUNNER_WORKDIR", s.Workdir)
	s.MemoryMB = envOrInt("RUNNER_MEMORY_MB", s.MemoryMB)
	s.CPUs = envOrFloat("RUNNER_CPUS", s.CPUs)
	s.LocalRoot = envOr("RUNNER_LOCAL_ROOT", s.LocalRoot)
	s.ExposeTimeout = envOrDuration("RUNNER_EXPOSE_TIMEOUT", s.ExposeTimeout)
	s.ProvisionTimeout = envOrDuration("RUNNER_PROVISION_TIMEOUT", s.ProvisionTimeout)
	s.StripFlags = envOrList("RUNNER_STRIP_FLAGS", s.StripFlags)

	k := &c.Kubernetes
	k.Namespace = envOr("RUNNER_K8S_NAMESPACE", k.Namespace)
	k.DaemonPort = envOrInt("RUNNER_K8S_DAEMON_PORT", k.DaemonPort)
	k.Kubeconfig = envOr("RUNNER_KUBECONFIG", k.Kubeconfig)

	ss := &c.Session
	ss.ReapInterval = envOrDuration("RUNNER_REAP_INTERVAL", ss.ReapInterval)
	ss.IdleTimeout = envOrDuration("RUNNER_IDLE_TIMEOUT", ss.IdleTimeout)
	ss.DegradedTimeout = envOrDuration("RUNNER_DEGRADED_TIMEOUT", ss.DegradedTimeout)
	ss.Retention = envOrDuration("RUNNER_RETENTION", ss.Retention)
	ss.HealthTimeout = envOrDuration("RUNNER_HEALTH_TIMEOUT", ss.HealthTimeout)
	ss.FailedProbes = envOrInt("RUNNER_FAILED_PROBES", ss.FailedProbes)

	l := &c.Limits
	l.MaxFileSize = envOrInt("RUNNER_MAX_FILE_SIZE", l.MaxFileSize)
	l.MaxTreeDepth = envOrInt("RUNNER_MAX_TREE_DEPTH", l.MaxTreeDepth)
	l.MaxTreeNodes = envOrInt("RUNNER_MAX_TREE_NODES", l.MaxTreeNodes)

	c.Log.Level = envOr("RUNNER_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("RUNNER_LOG_FORMAT", c.Log.Format)

	c.Telemetry.OTLPEndpoint = envOr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.TraceFile = envOr("RUNNER_TRACE_FILE", c.Telemetry.TraceFile)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(Backends, c.Sandbox.Backend) {
		errs = append(errs, fmt.Errorf("unknown backend %q (want one of %s)", c.Sandbox.Backend, strings.Join(Backends, ", ")))
	}
	if c.Sandbox.Port <= 0 || c.Sandbox.Port > 65535 {
		errs = append(errs, fmt.Errorf("sandbox port %d out of range", c.Sandbox.Port))
	}
	if strings.TrimSpace(c.Sandbox.StartCommand) == "" {
		errs = append(errs, errors.New("start command is required"))
	}
	durations := map[string]time.Duration{
		"expose_timeout":    c.Sandbox.ExposeTimeout,
		"provision_timeout": c.Sandbox.ProvisionTimeout,
		"reap_interval":     c.Session.ReapInterval,
		"idle_timeout":      c.Session.IdleTimeout,
		"degraded_timeout":  c.Session.DegradedTimeout,
		"retention":         c.Session.Retention,
		"health_timeout":    c.Session.HealthTimeout,
	}
	for _, name := range slices.Sorted(maps.Keys(durations)) {
		if durations[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Session.FailedProbes < 1 {
		errs = append(errs, errors.New("failed_probes must be at least 1"))
	}
	if c.Limits.MaxFileSize <= 0 || c.Limits.MaxTreeDepth <= 0 || c.Limits.MaxTreeNodes <= 0 {
		errs = append(errs, errors.New("tree limits must be positive"))
	}
	if c.Sandbox.Backend == BackendKubernetes && (c.Kubernetes.DaemonPort <= 0 || c.Kubernetes.DaemonPort > 65535) {
		errs = append(errs, fmt.Errorf("kubernetes daemon port %d out of range", c.Kubernetes.DaemonPort))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log format %q must be text or json", f))
	}
	return errors.Join(errs...)
}

// SlogLevel parses the configured log level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// SnapshotsEnabled reports whether project snapshots are persisted.
func (c *Config) SnapshotsEnabled() bool {
	return c.DatabasePath != ""
}

// SandboxEnv returns environment variables to pass to sandboxes. PORT is
// set per session by the runtime.
func (c *Config) SandboxEnv() []string {
	return []string{"HOST=0.0.0.0", "NODE_ENV=development"}
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envOrList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, f := range strings.Split(v, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".remoterunner"
	}
	return filepath.Join(home, ".remoterunner")
}
