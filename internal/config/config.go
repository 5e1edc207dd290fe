// Package config provides configuration types for the SVMP proxy.
//
// Configuration is file based (YAML) with environment overrides. Durations
// are written as Go duration strings ("5m", "6h") and parsed when the
// server is wired together.
package config

import (
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// ProxyConfig is the top-level configuration for the proxy.
type ProxyConfig struct {
	// Server configures the client listener and the VM-facing connections.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// TLS configures transport security for the client listener.
	TLS TLSConfig `yaml:"tls" mapstructure:"tls"`

	// Auth selects how clients are authenticated.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Sessions configures session lifetime.
	Sessions SessionsConfig `yaml:"sessions" mapstructure:"sessions"`

	// VMs configures the VM provider, provisioning defaults and reclamation.
	VMs VMsConfig `yaml:"vms" mapstructure:"vms"`

	// Storage configures where users and sessions are persisted.
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// WebRTC is the video configuration handed to clients and VMs.
	WebRTC WebRTCConfig `yaml:"webrtc" mapstructure:"webrtc"`

	// Admin configures the operator HTTP API.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables development features (debug logging, in-memory VMs).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the client listener.
type ServerConfig struct {
	// Listen is the interface to bind. Empty binds all interfaces.
	Listen string `yaml:"listen" mapstructure:"listen" validate:"omitempty,ip|hostname"`

	// Port is the external TCP port clients connect to.
	// Defaults to 8002.
	Port int `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`

	// VMPort is the port dialed on each VM.
	// Defaults to 8001.
	VMPort int `yaml:"vm_port" mapstructure:"vm_port" validate:"min=1,max=65535"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error". DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// VMSocketTimeout closes a VM connection idle in both directions for this long.
	// "0" disables the timeout.
	VMSocketTimeout string `yaml:"vm_socket_timeout" mapstructure:"vm_socket_timeout" validate:"omitempty,duration"`

	// VMDialTimeout bounds connecting to a VM. Defaults to "10s".
	VMDialTimeout string `yaml:"vm_dial_timeout" mapstructure:"vm_dial_timeout" validate:"omitempty,duration"`

	// LogRequestFilter lists request types left out of debug request logging.
	// Defaults to SENSOREVENT and TOUCHEVENT.
	LogRequestFilter []string `yaml:"log_request_filter" mapstructure:"log_request_filter" validate:"omitempty,dive,request_type"`

	// WebSocket configures the optional WebSocket listener.
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`

	// PIDFile is where "start" records its process ID for "stop".
	// Defaults to ~/.svmp-proxy/svmp-proxy.pid.
	PIDFile string `yaml:"pid_file" mapstructure:"pid_file"`
}

// WebSocketConfig configures the WebSocket client transport.
type WebSocketConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Addr is the listen address. Defaults to ":8003".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	// Path is the upgrade path. Defaults to "/ws".
	Path string `yaml:"path" mapstructure:"path" validate:"omitempty,startswith=/"`
}

// TLSConfig configures the TLS client listener.
type TLSConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Certificate and PrivateKey are PEM file paths. Required when enabled.
	Certificate string `yaml:"certificate" mapstructure:"certificate" validate:"required_if=Enabled true"`
	PrivateKey  string `yaml:"private_key" mapstructure:"private_key" validate:"required_if=Enabled true"`

	// PrivateKeyPass decrypts an encrypted PEM private key.
	PrivateKeyPass string `yaml:"private_key_pass" mapstructure:"private_key_pass"`

	// CACert verifies client certificates. Required for certificate authentication.
	CACert string `yaml:"ca_cert" mapstructure:"ca_cert"`
}

// AuthConfig selects the authentication mode.
type AuthConfig struct {
	// Mode is "password", "external" or "certificate". Defaults to "password".
	Mode string `yaml:"mode" mapstructure:"mode" validate:"oneof=password external certificate"`

	// External configures the external credential checker.
	External ExternalAuthConfig `yaml:"external" mapstructure:"external"`

	// CertField selects the certificate attribute used as username.
	// "common_name" (default) or "email".
	CertField string `yaml:"cert_field" mapstructure:"cert_field" validate:"omitempty,oneof=common_name email"`

	// RateLimit bounds authentication attempts per remote host.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ExternalAuthConfig configures a command that checks credentials.
// The command receives the username and password on stdin, one per line,
// and exits 0 when they are valid.
type ExternalAuthConfig struct {
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args" mapstructure:"args"`
	// Timeout bounds one check. Defaults to "10s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// RateLimitConfig configures authentication rate limiting.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Rate is the attempts allowed per Period. Defaults to 10.
	Rate int `yaml:"rate" mapstructure:"rate" validate:"omitempty,min=1"`

	// Burst is the attempts allowed at once. Defaults to 5.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=1"`

	// Period is the rate window. Defaults to "1m".
	Period string `yaml:"period" mapstructure:"period" validate:"omitempty,duration"`

	// CleanupInterval is how often idle limiter entries are dropped. Defaults to "5m".
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`

	// MaxTTL is the age after which an idle entry is dropped. Defaults to "1h".
	MaxTTL string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty,duration"`
}

// SessionsConfig configures session lifetime.
type SessionsConfig struct {
	// MaxLength is the fixed lifetime of a session. Defaults to "6h".
	MaxLength string `yaml:"max_length" mapstructure:"max_length" validate:"omitempty,duration"`

	// TokenTTL is how long a disconnected session's token can resume it. Defaults to "5m".
	TokenTTL string `yaml:"token_ttl" mapstructure:"token_ttl" validate:"omitempty,duration"`

	// CheckInterval is how often live connections check session expiry. Defaults to "1m".
	CheckInterval string `yaml:"check_interval" mapstructure:"check_interval" validate:"omitempty,duration"`
}

// VMsConfig configures VM provisioning and reclamation.
type VMsConfig struct {
	// Provider is "memory" or "docker". Defaults to "memory".
	Provider string `yaml:"provider" mapstructure:"provider" validate:"oneof=memory docker"`

	// Defaults are applied to every new VM.
	Defaults VMDefaultsConfig `yaml:"defaults" mapstructure:"defaults"`

	// IdleTTL is how long a VM survives after its session disconnects. Defaults to "1h".
	IdleTTL string `yaml:"idle_ttl" mapstructure:"idle_ttl" validate:"omitempty,duration"`

	// CheckInterval is how often idle VMs are reclaimed. Defaults to "5m".
	CheckInterval string `yaml:"check_interval" mapstructure:"check_interval" validate:"omitempty,duration"`

	// Docker configures the docker provider.
	Docker DockerConfig `yaml:"docker" mapstructure:"docker"`

	// Memory configures the in-memory provider.
	Memory MemoryProviderConfig `yaml:"memory" mapstructure:"memory"`
}

// VMDefaultsConfig holds the parameters of new VMs and volumes.
type VMDefaultsConfig struct {
	// Images maps a device type to the image its VMs boot from.
	// The "default" entry covers users without a device type.
	Images map[string]string `yaml:"images" mapstructure:"images"`

	// Flavor is the hardware profile of new VMs.
	Flavor string `yaml:"flavor" mapstructure:"flavor"`

	// GoldSnapshotID seeds new volumes. Empty creates blank volumes.
	GoldSnapshotID string `yaml:"gold_snapshot_id" mapstructure:"gold_snapshot_id"`

	// GoldSnapshotSize is the volume size in GB. Defaults to 6.
	GoldSnapshotSize int `yaml:"gold_snapshot_size" mapstructure:"gold_snapshot_size" validate:"omitempty,min=1"`

	// PollInterval is how often a booting VM is polled. Defaults to "2s".
	PollInterval string `yaml:"poll_interval" mapstructure:"poll_interval" validate:"omitempty,duration"`
}

// DockerConfig configures the docker VM provider.
type DockerConfig struct {
	// Host overrides DOCKER_HOST.
	Host string `yaml:"host" mapstructure:"host"`
	// Network is the bridge network for VMs. Defaults to "svmp".
	Network string `yaml:"network" mapstructure:"network"`
	// Subnet pins the network's IPv4 range, e.g. "172.30.0.0/16".
	Subnet string `yaml:"subnet" mapstructure:"subnet" validate:"omitempty,cidrv4"`
	// MountPath is where user volumes are mounted. Defaults to "/data".
	MountPath string `yaml:"mount_path" mapstructure:"mount_path"`
	// ShmSize is the VMs' /dev/shm size, e.g. "256m".
	ShmSize string `yaml:"shm_size" mapstructure:"shm_size"`
	// HelperImage seeds volumes from the gold snapshot. Defaults to "alpine:latest".
	HelperImage string `yaml:"helper_image" mapstructure:"helper_image"`
	// Flavors are the named resource limits VMs can be created with.
	Flavors []DockerFlavorConfig `yaml:"flavors" mapstructure:"flavors" validate:"omitempty,dive"`
}

// DockerFlavorConfig is a named resource profile.
type DockerFlavorConfig struct {
	Name   string `yaml:"name" mapstructure:"name" validate:"required"`
	Memory string `yaml:"memory" mapstructure:"memory"`
	CPUs   string `yaml:"cpus" mapstructure:"cpus" validate:"omitempty,numeric"`
}

// MemoryProviderConfig configures the in-memory VM provider.
type MemoryProviderConfig struct {
	// Images are the image names the provider accepts. Empty accepts any.
	Images []string `yaml:"images" mapstructure:"images"`
	// Flavors are the flavor names the provider lists.
	Flavors []string `yaml:"flavors" mapstructure:"flavors"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	// Driver is "memory", "file" or "sqlite". Defaults to "sqlite".
	// "file" keeps users in a JSON file and sessions in memory.
	Driver string `yaml:"driver" mapstructure:"driver" validate:"oneof=memory file sqlite"`

	// Path is the database or user file path.
	// Defaults to ~/.svmp-proxy/svmp.db (sqlite) or ~/.svmp-proxy/users.json (file).
	Path string `yaml:"path" mapstructure:"path"`
}

// WebRTCConfig is the video configuration sent to clients and VMs.
type WebRTCConfig struct {
	ICEServers []ICEServerConfig `yaml:"ice_servers" mapstructure:"ice_servers" validate:"omitempty,dive"`
	// Video holds the media constraints as a free-form object.
	Video map[string]any `yaml:"video" mapstructure:"video"`
	// PC holds the peer connection constraints as a free-form object.
	PC map[string]any `yaml:"pc" mapstructure:"pc"`
}

// ICEServerConfig is one STUN or TURN server.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls" mapstructure:"urls" validate:"required,min=1"`
	Username   string   `yaml:"username" mapstructure:"username"`
	Credential string   `yaml:"credential" mapstructure:"credential"`
}

// AdminConfig configures the operator HTTP API.
type AdminConfig struct {
	// Enabled turns the admin API on. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Addr is the listen address. Defaults to "127.0.0.1:8080".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	// AllowRemote serves requests from non-loopback clients.
	AllowRemote bool `yaml:"allow_remote" mapstructure:"allow_remote"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// Enabled exports traces and metrics to stdout.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// ServiceName defaults to "svmp-proxy".
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// SetDevDefaults applies permissive defaults for development mode:
// in-memory storage and VMs and debug logging.
func (c *ProxyConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	if !viper.IsSet("storage.driver") {
		c.Storage.Driver = "memory"
	}
	if !viper.IsSet("vms.provider") {
		c.VMs.Provider = "memory"
	}
	if len(c.VMs.Defaults.Images) == 0 {
		c.VMs.Defaults.Images = map[string]string{"default": "android"}
	}
}

// SetDefaults applies default values to unset fields.
func (c *ProxyConfig) SetDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8002
	}
	if c.Server.VMPort == 0 {
		c.Server.VMPort = 8001
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.VMDialTimeout == "" {
		c.Server.VMDialTimeout = "10s"
	}
	if c.Server.LogRequestFilter == nil {
		c.Server.LogRequestFilter = []string{"SENSOREVENT", "TOUCHEVENT"}
	}
	if c.Server.WebSocket.Addr == "" {
		c.Server.WebSocket.Addr = ":8003"
	}
	if c.Server.WebSocket.Path == "" {
		c.Server.WebSocket.Path = "/ws"
	}
	if c.Server.PIDFile == "" {
		c.Server.PIDFile = "~/.svmp-proxy/svmp-proxy.pid"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "password"
	}
	if c.Auth.CertField == "" {
		c.Auth.CertField = "common_name"
	}
	if c.Auth.External.Timeout == "" {
		c.Auth.External.Timeout = "10s"
	}
	// viper.IsSet distinguishes "not set" from "explicitly false".
	if !viper.IsSet("auth.rate_limit.enabled") {
		c.Auth.RateLimit.Enabled = true
	}
	if c.Auth.RateLimit.Rate == 0 {
		c.Auth.RateLimit.Rate = 10
	}
	if c.Auth.RateLimit.Burst == 0 {
		c.Auth.RateLimit.Burst = 5
	}
	if c.Auth.RateLimit.Period == "" {
		c.Auth.RateLimit.Period = "1m"
	}
	if c.Auth.RateLimit.CleanupInterval == "" {
		c.Auth.RateLimit.CleanupInterval = "5m"
	}
	if c.Auth.RateLimit.MaxTTL == "" {
		c.Auth.RateLimit.MaxTTL = "1h"
	}

	if c.Sessions.MaxLength == "" {
		c.Sessions.MaxLength = "6h"
	}
	if c.Sessions.TokenTTL == "" {
		c.Sessions.TokenTTL = "5m"
	}
	if c.Sessions.CheckInterval == "" {
		c.Sessions.CheckInterval = "1m"
	}

	if c.VMs.Provider == "" {
		c.VMs.Provider = "memory"
	}
	if c.VMs.IdleTTL == "" {
		c.VMs.IdleTTL = "1h"
	}
	if c.VMs.CheckInterval == "" {
		c.VMs.CheckInterval = "5m"
	}
	if c.VMs.Defaults.GoldSnapshotSize == 0 {
		c.VMs.Defaults.GoldSnapshotSize = 6
	}
	if c.VMs.Defaults.PollInterval == "" {
		c.VMs.Defaults.PollInterval = "2s"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		switch c.Storage.Driver {
		case "file":
			c.Storage.Path = "~/.svmp-proxy/users.json"
		default:
			c.Storage.Path = "~/.svmp-proxy/svmp.db"
		}
	}

	if c.WebRTC.ICEServers == nil {
		c.WebRTC.ICEServers = []ICEServerConfig{{URLs: []string{"stun:127.0.0.1:3478"}}}
	}
	if c.WebRTC.Video == nil {
		c.WebRTC.Video = map[string]any{
			"audio": true,
			"video": map[string]any{"mandatory": map[string]any{}, "optional": []any{}},
		}
	}
	if c.WebRTC.PC == nil {
		c.WebRTC.PC = map[string]any{
			"optional": []any{map[string]any{"DtlsSrtpKeyAgreement": true}},
		}
	}

	if !viper.IsSet("admin.enabled") {
		c.Admin.Enabled = true
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = "127.0.0.1:8080"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "svmp-proxy"
	}
}

// ExpandPaths replaces a leading "~" in every file path with the user's
// home directory.
func (c *ProxyConfig) ExpandPaths() error {
	for _, p := range []*string{
		&c.TLS.Certificate,
		&c.TLS.PrivateKey,
		&c.TLS.CACert,
		&c.Storage.Path,
		&c.Server.PIDFile,
		&c.Auth.External.Command,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// Duration parses a duration field that has already passed validation.
// Empty strings and "0" yield zero.
func Duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
