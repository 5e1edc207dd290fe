package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a defaulted ProxyConfig that passes validation.
func minimalValidConfig() *ProxyConfig {
	cfg := &ProxyConfig{}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	if err := minimalValidConfig().Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_Fields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*ProxyConfig)
		wantErr string
	}{
		{name: "bad port", mutate: func(c *ProxyConfig) { c.Server.Port = 70000 }, wantErr: "Server.Port"},
		{name: "bad log level", mutate: func(c *ProxyConfig) { c.Server.LogLevel = "silly" }, wantErr: "LogLevel"},
		{name: "bad duration", mutate: func(c *ProxyConfig) { c.Sessions.MaxLength = "six hours" }, wantErr: "MaxLength"},
		{name: "negative duration", mutate: func(c *ProxyConfig) { c.VMs.IdleTTL = "-1h" }, wantErr: "IdleTTL"},
		{name: "zero socket timeout", mutate: func(c *ProxyConfig) { c.Server.VMSocketTimeout = "0" }},
		{name: "unknown request type", mutate: func(c *ProxyConfig) { c.Server.LogRequestFilter = []string{"TOUCHEVENT", "SWIPE"} }, wantErr: "SWIPE"},
		{name: "bad auth mode", mutate: func(c *ProxyConfig) { c.Auth.Mode = "ldap" }, wantErr: "Auth.Mode"},
		{name: "bad storage driver", mutate: func(c *ProxyConfig) { c.Storage.Driver = "mongodb" }, wantErr: "Storage.Driver"},
		{name: "bad provider", mutate: func(c *ProxyConfig) { c.VMs.Provider = "openstack" }, wantErr: "VMs.Provider"},
		{name: "tls without cert", mutate: func(c *ProxyConfig) { c.TLS.Enabled = true; c.TLS.PrivateKey = "key.pem" }, wantErr: "TLS.Certificate"},
		{name: "bad subnet", mutate: func(c *ProxyConfig) { c.VMs.Docker.Subnet = "172.30.0.0" }, wantErr: "Subnet"},
		{name: "ice server without urls", mutate: func(c *ProxyConfig) { c.WebRTC.ICEServers = []ICEServerConfig{{}} }, wantErr: "URLs"},
		{name: "websocket path", mutate: func(c *ProxyConfig) { c.Server.WebSocket.Path = "ws" }, wantErr: "WebSocket.Path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := minimalValidConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_AuthMode(t *testing.T) {
	t.Parallel()

	t.Run("external needs command", func(t *testing.T) {
		t.Parallel()
		cfg := minimalValidConfig()
		cfg.Auth.Mode = "external"
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "auth.external.command") {
			t.Errorf("Validate() error = %v, want auth.external.command", err)
		}
		cfg.Auth.External.Command = "/usr/bin/pamtester"
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("certificate needs tls and ca", func(t *testing.T) {
		t.Parallel()
		cfg := minimalValidConfig()
		cfg.Auth.Mode = "certificate"
		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "tls.enabled") {
			t.Errorf("Validate() error = %v, want tls.enabled", err)
		}
		cfg.TLS = TLSConfig{Enabled: true, Certificate: "c.pem", PrivateKey: "k.pem"}
		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "tls.ca_cert") {
			t.Errorf("Validate() error = %v, want tls.ca_cert", err)
		}
		cfg.TLS.CACert = "ca.pem"
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})
}

func TestValidate_DockerFlavor(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.VMs.Provider = "docker"
	cfg.VMs.Defaults.Flavor = "small"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown docker flavor") {
		t.Fatalf("Validate() error = %v, want unknown docker flavor", err)
	}

	cfg.VMs.Docker.Flavors = []DockerFlavorConfig{{Name: "small", Memory: "2g", CPUs: "1.5"}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}

	cfg.VMs.Docker.Flavors[0].CPUs = "many"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted non-numeric cpus")
	}
}
