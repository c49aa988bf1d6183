package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/uploadtopi/uploadtopi/internal/deploy"
	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keyring service secrets are stored under.
const KeyringService = "uploadtopi"

// SecretKey is never printed by Show.
const SecretKey = "host.secret"

// Config represents the uploadtopi preferences
type Config struct {
	Host      Host      `mapstructure:"host"`
	SSH       SSH       `mapstructure:"ssh"`
	Autostart Autostart `mapstructure:"autostart"`
	Export    Export    `mapstructure:"export"`
	Timeouts  Timeouts  `mapstructure:"timeouts"`

	v    *viper.Viper
	path string
}

// Host contains the target host and deployment switches
type Host struct {
	Hostname     string `mapstructure:"hostname"`
	Username     string `mapstructure:"username"`
	Secret       string `mapstructure:"secret"`
	Port         int    `mapstructure:"port"`
	Persistent   bool   `mapstructure:"persistent"`
	Autostart    bool   `mapstructure:"autostart"`
	Logging      bool   `mapstructure:"logging"`
	StreamOutput bool   `mapstructure:"stream_output"`
	Display      string `mapstructure:"display"`
}

// SSH contains transport settings
type SSH struct {
	KnownHosts     string        `mapstructure:"known_hosts"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	KeepAlive      time.Duration `mapstructure:"keepalive"`
}

// Autostart contains the remote autostart locations
type Autostart struct {
	File   string `mapstructure:"file"`
	Script string `mapstructure:"script"`
}

// Export describes where the exported artifact lives inside a project
type Export struct {
	Dir     string `mapstructure:"dir"`
	Command string `mapstructure:"command"`
}

// Timeouts bound the remote maintenance steps
type Timeouts struct {
	Stop      time.Duration `mapstructure:"stop"`
	Remove    time.Duration `mapstructure:"remove"`
	Autostart time.Duration `mapstructure:"autostart"`
	Sync      time.Duration `mapstructure:"sync"`
}

// Load reads the preferences at path, or ~/.uploadtopi/config.yaml when path
// is empty. Missing keys take their defaults and the merged result is written
// back so the file always holds every preference.
func Load(path string) (*Config, error) {
	if path == "" {
		dir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	// Try to read config file, but don't fail if it doesn't exist
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{v: v, path: path}
	if err := cfg.decode(); err != nil {
		return nil, err
	}
	if err := cfg.save(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaults holds every preference key with its default value. The type of
// the default decides how Set parses new values.
var defaults = map[string]any{
	"host.hostname":      deploy.DefaultHostname,
	"host.username":      deploy.DefaultUsername,
	"host.secret":        deploy.DefaultSecret,
	"host.port":          deploy.DefaultPort,
	"host.persistent":    true,
	"host.autostart":     true,
	"host.logging":       true,
	"host.stream_output": true,
	"host.display":       deploy.DefaultDisplay,

	"ssh.known_hosts":     "~/.ssh/known_hosts",
	"ssh.connect_timeout": 5 * time.Second,
	"ssh.keepalive":       60 * time.Second,

	"autostart.file":   deploy.DefaultAutostartFile,
	"autostart.script": deploy.DefaultAutostartScript,

	"export.dir":     "application.linux-armv6hf",
	"export.command": "",

	"timeouts.stop":      deploy.DefaultBounds().Stop,
	"timeouts.remove":    deploy.DefaultBounds().Remove,
	"timeouts.autostart": deploy.DefaultBounds().Autostart,
	"timeouts.sync":      deploy.DefaultBounds().Sync,
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func (c *Config) decode() error {
	if err := c.v.Unmarshal(c); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	if expanded, err := homedir.Expand(c.SSH.KnownHosts); err == nil {
		c.SSH.KnownHosts = expanded
	}
	return nil
}

func (c *Config) save() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := c.v.WriteConfigAs(c.path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Path returns the file the preferences are stored in
func (c *Config) Path() string {
	return c.path
}

// Keys returns every known preference key, sorted
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(defaults))
	for key := range defaults {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the stored value of key
func (c *Config) Get(key string) (any, bool) {
	if _, ok := defaults[key]; !ok {
		return nil, false
	}
	return c.v.Get(key), true
}

// Set parses value according to the type of key's default, stores it and
// writes the file.
func (c *Config) Set(key, value string) error {
	def, ok := defaults[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}

	var parsed any
	var err error
	switch def.(type) {
	case bool:
		parsed, err = strconv.ParseBool(value)
	case int:
		parsed, err = strconv.Atoi(value)
	case time.Duration:
		parsed, err = time.ParseDuration(value)
	default:
		parsed = value
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	c.v.Set(key, parsed)
	if err := c.decode(); err != nil {
		return err
	}
	return c.save()
}

func keyringUser(username, hostname string) string {
	return username + "@" + hostname
}

// Secret returns the password for the configured host. An OS keyring entry
// wins over the config file.
func (c *Config) Secret() string {
	return c.SecretFor(c.Host.Username, c.Host.Hostname)
}

// SecretFor returns the password for username at hostname, which may differ
// from the configured host when overridden on the command line.
func (c *Config) SecretFor(username, hostname string) string {
	secret, err := keyring.Get(KeyringService, keyringUser(username, hostname))
	if err == nil && secret != "" {
		return secret
	}
	return c.Host.Secret
}

// SetSecret stores the password for the configured host in the OS keyring.
func (c *Config) SetSecret(secret string) error {
	if err := keyring.Set(KeyringService, keyringUser(c.Host.Username, c.Host.Hostname), secret); err != nil {
		return fmt.Errorf("failed to store secret in keyring: %w", err)
	}
	return nil
}

// HostConfig resolves the preferences into a deployment HostConfig.
func (c *Config) HostConfig() deploy.HostConfig {
	return deploy.HostConfig{
		Hostname:        c.Host.Hostname,
		Port:            c.Host.Port,
		Username:        c.Host.Username,
		Secret:          c.Secret(),
		Persistent:      c.Host.Persistent,
		Autostart:       c.Host.Autostart,
		Logging:         c.Host.Logging,
		StreamOutput:    c.Host.StreamOutput,
		Display:         c.Host.Display,
		AutostartFile:   c.Autostart.File,
		AutostartScript: c.Autostart.Script,
	}
}

// Bounds returns the configured remote step timeouts.
func (c *Config) Bounds() deploy.Bounds {
	return deploy.Bounds{
		Stop:      c.Timeouts.Stop,
		Remove:    c.Timeouts.Remove,
		Autostart: c.Timeouts.Autostart,
		Sync:      c.Timeouts.Sync,
	}
}

// ConfigDir returns the uploadtopi configuration directory path
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".uploadtopi"), nil
}
