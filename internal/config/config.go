package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/appdeployd/internal/appdir"
)

// Default filesystem paths, matching the fixed layout of a Home Assistant
// installation with the AppDaemon add-on. A run with no config file uses
// exactly these.
const (
	DefaultSourceDir = "/config/appdaemon"
	DefaultDestDir   = "/addon_configs/a0d7b954_appdaemon"
)

// Config represents the complete appdeployd configuration
type Config struct {
	Paths  PathsConfig  `yaml:"paths"`
	Deploy DeployConfig `yaml:"deploy"`
	Repo   RepoConfig   `yaml:"repo"`
	Auth   AuthConfig   `yaml:"auth"`
	Notify NotifyConfig `yaml:"notify"`
	Serve  ServeConfig  `yaml:"serve"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	SourceDir string `yaml:"source_dir"`
	DestDir   string `yaml:"dest_dir"`
	CacheDir  string `yaml:"cache_dir"`
}

// DeployConfig configures deploy behavior
type DeployConfig struct {
	ScriptExtensions []string `yaml:"script_extensions"`
}

// RepoConfig optionally sources the configuration tree from a Git
// repository instead of a local directory
type RepoConfig struct {
	URL    string `yaml:"url"`
	Ref    string `yaml:"ref"`
	Subdir string `yaml:"subdir"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile string `yaml:"ssh_key_file"`
}

// NotifyConfig configures the MQTT deploy announcement
type NotifyConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled           bool     `yaml:"enabled"`
	ListenAddr        string   `yaml:"listen_addr"`
	WebhookSecretFile string   `yaml:"webhook_secret_file"`
	AllowedEventTypes []string `yaml:"allowed_event_types"`
	AllowedRefs       []string `yaml:"allowed_refs"`
}

// Default returns the configuration used when no config file exists:
// the fixed add-on paths, Python scripts, no git source, no notifications.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.SourceDir = os.ExpandEnv(c.Paths.SourceDir)
	c.Paths.DestDir = os.ExpandEnv(c.Paths.DestDir)
	c.Paths.CacheDir = os.ExpandEnv(c.Paths.CacheDir)
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Ref = os.ExpandEnv(c.Repo.Ref)
	c.Repo.Subdir = os.ExpandEnv(c.Repo.Subdir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Notify.Broker = os.ExpandEnv(c.Notify.Broker)
	c.Notify.Username = os.ExpandEnv(c.Notify.Username)
	c.Notify.Password = os.ExpandEnv(c.Notify.Password)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.SourceDir == "" {
		c.Paths.SourceDir = DefaultSourceDir
	}
	if c.Paths.DestDir == "" {
		c.Paths.DestDir = DefaultDestDir
	}
	if c.Paths.CacheDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Paths.CacheDir = filepath.Join(home, ".cache", "appdeployd")
		} else {
			c.Paths.CacheDir = filepath.Join(os.TempDir(), "appdeployd")
		}
	}
	if len(c.Deploy.ScriptExtensions) == 0 {
		c.Deploy.ScriptExtensions = appdir.DefaultScriptExtensions
	}
	if c.Notify.Broker != "" {
		if c.Notify.Topic == "" {
			c.Notify.Topic = "appdeployd/deploy"
		}
		if c.Notify.ClientID == "" {
			c.Notify.ClientID = "appdeployd"
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate paths
	if c.Paths.SourceDir == "" {
		return fmt.Errorf("paths.source_dir is required")
	}
	if c.Paths.DestDir == "" {
		return fmt.Errorf("paths.dest_dir is required")
	}

	// Ensure paths are absolute
	if !filepath.IsAbs(c.Paths.SourceDir) {
		return fmt.Errorf("paths.source_dir must be an absolute path: %s", c.Paths.SourceDir)
	}
	if !filepath.IsAbs(c.Paths.DestDir) {
		return fmt.Errorf("paths.dest_dir must be an absolute path: %s", c.Paths.DestDir)
	}
	if !filepath.IsAbs(c.Paths.CacheDir) {
		return fmt.Errorf("paths.cache_dir must be an absolute path: %s", c.Paths.CacheDir)
	}

	// Validate script extensions
	for _, ext := range c.Deploy.ScriptExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("deploy.script_extensions entries must start with a dot: %s", ext)
		}
	}

	// Validate repo config when a git source is configured
	if c.Repo.URL != "" && c.Repo.Ref == "" {
		return fmt.Errorf("repo.ref is required when repo.url is set")
	}

	// Validate auth: when an SSH key is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" {
		if c.Repo.URL == "" {
			return fmt.Errorf("auth.ssh_key_file is set but no repo.url is configured")
		}
		if !c.IsSSH() {
			return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
		}
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.WebhookSecretFile == "" {
			return fmt.Errorf("serve.webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// UsesGit returns true if the source tree comes from a Git repository
func (c *Config) UsesGit() bool {
	return c.Repo.URL != ""
}

// RepoDir returns the path where the git repository is checked out
func (c *Config) RepoDir() string {
	return filepath.Join(c.Paths.CacheDir, "repo")
}

// SourceRoot returns the root of the configuration tree to deploy from.
// With a git source this is inside the checkout, otherwise it is the
// configured local source directory.
func (c *Config) SourceRoot() string {
	if !c.UsesGit() {
		return c.Paths.SourceDir
	}
	if c.Repo.Subdir == "" {
		return c.RepoDir()
	}
	return filepath.Join(c.RepoDir(), c.Repo.Subdir)
}

// AppsSourceDir returns the apps directory inside the source tree
func (c *Config) AppsSourceDir() string {
	return filepath.Join(c.SourceRoot(), appdir.AppsDirName)
}

// AppsDestDir returns the apps directory inside the deployment target
func (c *Config) AppsDestDir() string {
	return filepath.Join(c.Paths.DestDir, appdir.AppsDirName)
}

// ConfigSourcePath returns the appdaemon.yaml inside the source tree
func (c *Config) ConfigSourcePath() string {
	return filepath.Join(c.SourceRoot(), appdir.ConfigFileName)
}

// ConfigDestPath returns the appdaemon.yaml inside the deployment target
func (c *Config) ConfigDestPath() string {
	return filepath.Join(c.Paths.DestDir, appdir.ConfigFileName)
}

// NotifyEnabled returns true if an MQTT deploy announcement is configured
func (c *Config) NotifyEnabled() bool {
	return c.Notify.Broker != ""
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}
