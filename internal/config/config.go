// Package config handles procmon configuration loading and saving.
// Configuration is stored as JSON or TOML with restricted permissions (0600)
// and may be overlaid from the environment or a .env file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/slimrmm/slimrmm-procmon/internal/remote"
)

const (
	configFileName = "procmon.json"
	envFileName    = ".env"
	configFileMode = 0600

	defaultPort              = 22
	defaultRefreshInterval   = 5
	defaultHeartbeatInterval = 30
)

// Environment keys applied on top of the file contents.
const (
	EnvHost      = "PROCMON_HOST"
	EnvPort      = "PROCMON_PORT"
	EnvUser      = "PROCMON_USER"
	EnvKeyFile   = "PROCMON_KEY_FILE"
	EnvPassword  = "PROCMON_PASSWORD"
	EnvServer    = "PROCMON_SERVER"
	EnvReportURL = "PROCMON_REPORT_URL"
)

// Config holds the procmon configuration.
type Config struct {
	Host                  string `json:"host" toml:"host" validate:"required_unless=Local true"`
	Port                  int    `json:"port" toml:"port" validate:"min=1,max=65535"`
	User                  string `json:"user" toml:"user"`
	KeyFile               string `json:"key_file,omitempty" toml:"key_file,omitempty"`
	KeyPassphrase         string `json:"key_passphrase,omitempty" toml:"key_passphrase,omitempty"`
	Password              string `json:"password,omitempty" toml:"password,omitempty"`
	KnownHostsFile        string `json:"known_hosts_file,omitempty" toml:"known_hosts_file,omitempty"`
	InsecureIgnoreHostKey bool   `json:"insecure_ignore_host_key,omitempty" toml:"insecure_ignore_host_key,omitempty"`
	Local                 bool   `json:"local,omitempty" toml:"local,omitempty"`

	Server            string `json:"server,omitempty" toml:"server,omitempty" validate:"omitempty,url"`
	ReportURL         string `json:"report_url,omitempty" toml:"report_url,omitempty" validate:"omitempty,url"`
	AgentID           string `json:"agent_id,omitempty" toml:"agent_id,omitempty"`
	RefreshInterval   int    `json:"refresh_interval" toml:"refresh_interval" validate:"min=1,max=3600"`
	HeartbeatInterval int    `json:"heartbeat_interval" toml:"heartbeat_interval" validate:"min=1,max=3600"`

	mu       sync.RWMutex
	filePath string
}

// Paths holds the various paths used by procmon.
type Paths struct {
	BaseDir    string
	ConfigFile string
	EnvFile    string
	LogDir     string
}

var (
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultPaths returns the default paths for the current OS.
func DefaultPaths() Paths {
	var baseDir, logDir string

	switch runtime.GOOS {
	case "darwin":
		baseDir = "/Library/Application Support/SlimRMM/procmon"
		logDir = "/var/log/slimrmm"
	case "windows":
		baseDir = filepath.Join(os.Getenv("ProgramFiles"), "SlimRMM", "procmon")
		logDir = filepath.Join(baseDir, "log")
	default: // linux
		baseDir = "/etc/slimrmm/procmon"
		logDir = "/var/log/slimrmm"
	}

	return Paths{
		BaseDir:    baseDir,
		ConfigFile: filepath.Join(baseDir, configFileName),
		EnvFile:    filepath.Join(baseDir, envFileName),
		LogDir:     logDir,
	}
}

// Default returns a configuration with every default applied and no target.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadOption adjusts how Load resolves the configuration.
type LoadOption func(*loadOptions)

type loadOptions struct {
	envFiles     []string
	allowMissing bool
	overrides    []func(*Config)
}

// WithEnvFiles overlays the given .env files. Files that do not exist are
// ignored; the process environment wins over them.
func WithEnvFiles(files ...string) LoadOption {
	return func(o *loadOptions) {
		o.envFiles = append(o.envFiles, files...)
	}
}

// AllowMissing makes a missing file resolve to Default plus the environment
// instead of ErrConfigNotFound.
func AllowMissing() LoadOption {
	return func(o *loadOptions) {
		o.allowMissing = true
	}
}

// WithOverride applies fn after the file and environment layers and before
// validation.
func WithOverride(fn func(*Config)) LoadOption {
	return func(o *loadOptions) {
		o.overrides = append(o.overrides, fn)
	}
}

// Load reads the configuration from path, overlays the environment, applies
// defaults and overrides, and validates the result.
func Load(path string, opts ...LoadOption) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := Read(path, o.envFiles...)
	switch {
	case errors.Is(err, ErrConfigNotFound) && o.allowMissing:
		cfg = Default()
		if err := cfg.ApplyEnv(o.envFiles...); err != nil {
			return nil, err
		}
		cfg.SetPath(path)
	case err != nil:
		return nil, err
	}

	for _, fn := range o.overrides {
		fn(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read decodes path and overlays the environment without validating.
func Read(path string, envFiles ...string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.ApplyEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	cfg.filePath = path
	return cfg, nil
}

// ApplyEnv overlays PROCMON_* values. Process environment wins over values
// read from envFiles; env files that do not exist are ignored.
func (c *Config) ApplyEnv(envFiles ...string) error {
	values := make(map[string]string)

	for _, f := range envFiles {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		fileValues, err := godotenv.Read(f)
		if err != nil {
			return fmt.Errorf("reading env file %s: %w", f, err)
		}
		for k, v := range fileValues {
			values[k] = v
		}
	}

	for _, k := range []string{EnvHost, EnvPort, EnvUser, EnvKeyFile, EnvPassword, EnvServer, EnvReportURL} {
		if v, ok := os.LookupEnv(k); ok {
			values[k] = v
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := values[EnvPort]; ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, EnvPort, v)
		}
		c.Port = port
	}

	for key, dst := range map[string]*string{
		EnvHost:      &c.Host,
		EnvUser:      &c.User,
		EnvKeyFile:   &c.KeyFile,
		EnvPassword:  &c.Password,
		EnvServer:    &c.Server,
		EnvReportURL: &c.ReportURL,
	} {
		if v, ok := values[key]; ok && v != "" {
			*dst = v
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
}

// Validate checks the configuration against its field constraints.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Save writes the configuration to disk with restricted permissions, in the
// format implied by the file extension.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.filePath == "" {
		return errors.New("config file path not set")
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var data []byte
	if isTOML(c.filePath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
	}

	if err := os.WriteFile(c.filePath, data, configFileMode); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// SetPath sets the file Save writes to.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// GetServer returns the websocket server URL.
func (c *Config) GetServer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// GetReportURL returns the REST report base URL.
func (c *Config) GetReportURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ReportURL
}

// GetHost returns the monitored host, or "localhost" in local mode.
func (c *Config) GetHost() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Local && c.Host == "" {
		return "localhost"
	}
	return c.Host
}

// SetHost overrides the monitored host.
func (c *Config) SetHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Host = host
}

// IsLocal reports whether commands run on the agent host itself.
func (c *Config) IsLocal() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Local
}

// SetLocal switches local mode.
func (c *Config) SetLocal(local bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Local = local
}

// GetAgentID returns the agent id.
func (c *Config) GetAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AgentID
}

// SetAgentID updates the agent id.
func (c *Config) SetAgentID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AgentID = id
}

// GetRefreshInterval returns the snapshot refresh interval.
func (c *Config) GetRefreshInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.RefreshInterval) * time.Second
}

// GetHeartbeatInterval returns the agent heartbeat interval.
func (c *Config) GetHeartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// DialConfig returns the SSH connection settings.
func (c *Config) DialConfig() remote.DialConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return remote.DialConfig{
		Host:                  c.Host,
		Port:                  c.Port,
		User:                  c.User,
		KeyFile:               c.KeyFile,
		KeyPassphrase:         c.KeyPassphrase,
		Password:              c.Password,
		KnownHostsFile:        c.KnownHostsFile,
		InsecureIgnoreHostKey: c.InsecureIgnoreHostKey,
	}
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
