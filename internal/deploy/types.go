package deploy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ManagedMarker is appended to every launch so stop-managed-processes can find
// our processes without matching on the artifact name.
const ManagedMarker = "--uploadtopi-managed"

// Documented HostConfig defaults.
const (
	DefaultHostname = "raspberrypi.local"
	DefaultUsername = "pi"
	DefaultSecret   = "raspberry"
	DefaultPort     = 22
	DefaultDisplay  = ":0"
)

// Remote autostart locations for the LXDE session on Raspberry Pi OS.
const (
	DefaultAutostartFile   = ".config/lxsession/LXDE-pi/autostart"
	DefaultAutostartScript = ".config/lxsession/LXDE-pi/uploadtopi.sh"
)

// HostConfig describes the target host and how a deployment behaves there.
// It is immutable for the lifetime of one deployment attempt.
type HostConfig struct {
	Hostname     string
	Port         int
	Username     string
	Secret       string
	Persistent   bool // deploy under the home directory instead of /tmp
	Autostart    bool // register the artifact with the session autostart
	Logging      bool // autostart launches write their output to a log file
	StreamOutput bool // relay stdout/stderr of the launched process
	Display      string

	// AcceptedFingerprint is a SHA256 host key fingerprint the caller has
	// already agreed to trust for this host.
	AcceptedFingerprint string

	AutostartFile   string
	AutostartScript string
}

// DefaultHostConfig returns a HostConfig populated with the documented defaults.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Hostname:        DefaultHostname,
		Port:            DefaultPort,
		Username:        DefaultUsername,
		Secret:          DefaultSecret,
		Persistent:      true,
		Autostart:       true,
		Logging:         true,
		StreamOutput:    true,
		Display:         DefaultDisplay,
		AutostartFile:   DefaultAutostartFile,
		AutostartScript: DefaultAutostartScript,
	}
}

// Validate checks the fields a connection cannot do without.
func (c HostConfig) Validate() error {
	if strings.TrimSpace(c.Hostname) == "" {
		return errors.New("hostname is required")
	}
	if strings.TrimSpace(c.Username) == "" {
		return errors.New("username is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Address returns host:port for dialing.
func (c HostConfig) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", c.Hostname, port)
}

func (c HostConfig) display() string {
	if c.Display == "" {
		return DefaultDisplay
	}
	return c.Display
}

func (c HostConfig) autostartFile() string {
	if c.AutostartFile == "" {
		return DefaultAutostartFile
	}
	return c.AutostartFile
}

func (c HostConfig) autostartScript() string {
	if c.AutostartScript == "" {
		return DefaultAutostartScript
	}
	return c.AutostartScript
}

// Artifact is an exported, host-architecture build ready for upload.
type Artifact struct {
	LocalPath string // directory holding the exported tree
	Name      string // logical name, also the name of the entry executable
}

// Validate checks that the artifact can be placed under a remote path.
func (a Artifact) Validate() error {
	if strings.TrimSpace(a.LocalPath) == "" {
		return errors.New("artifact path is required")
	}
	name := strings.TrimSpace(a.Name)
	if name == "" {
		return errors.New("artifact name is required")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid artifact name %q", a.Name)
	}
	return nil
}

// Target is the remote placement of an artifact. It is derived for every run
// and never cached, since Persistent may change between invocations.
type Target struct {
	Root string
	Name string
}

// TargetFor derives the remote placement of artifact under cfg.
func TargetFor(cfg HostConfig, artifact Artifact) Target {
	root := "/tmp"
	if cfg.Persistent {
		// sftp and shell sessions both start in the home directory; "~" is
		// not expanded by sftp.
		root = "."
	}
	return Target{Root: root, Name: artifact.Name}
}

// RemotePath is the directory the artifact tree is uploaded to.
func (t Target) RemotePath() string {
	return t.Root + "/" + t.Name
}

// Executable is the entry point inside the uploaded tree.
func (t Target) Executable() string {
	return t.RemotePath() + "/" + t.Name
}

// LogFile receives autostart output when logging is enabled.
func (t Target) LogFile() string {
	return t.Executable() + ".log"
}

// Bounds caps each bounded remote operation.
type Bounds struct {
	Stop      time.Duration
	Remove    time.Duration
	Autostart time.Duration
	Sync      time.Duration
}

// DefaultBounds returns the stock per-operation timeouts.
func DefaultBounds() Bounds {
	return Bounds{
		Stop:      3 * time.Second,
		Remove:    10 * time.Second,
		Autostart: 3 * time.Second,
		Sync:      30 * time.Second,
	}
}

func (b Bounds) withDefaults() Bounds {
	d := DefaultBounds()
	if b.Stop <= 0 {
		b.Stop = d.Stop
	}
	if b.Remove <= 0 {
		b.Remove = d.Remove
	}
	if b.Autostart <= 0 {
		b.Autostart = d.Autostart
	}
	if b.Sync <= 0 {
		b.Sync = d.Sync
	}
	return b
}
