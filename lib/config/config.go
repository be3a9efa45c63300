/*
Copyright 2016 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the gateway's YAML configuration
// file (spec.md §6): one top-level section per protocol front-end, plus
// session recording. Validation follows the teacher's own
// validate-in-place idiom (CheckAndSetDefaults mutates the receiver and
// returns the first offending field as trace.BadParameter) rather than a
// separate validator pass.
package config

import (
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"
)

// ProtocolConfig is the common shape of every protocol section: whether
// the listener is enabled at all, and where it binds.
type ProtocolConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

// TLSConfig names the certificate/key pair a protocol terminates TLS
// with. HTTP and Kubernetes require it whenever enabled; Postgres offers
// TLS in answer to a client's SSLRequest only when a certificate is set;
// the MySQL listener does not use it.
type TLSConfig struct {
	CertificatePath string `yaml:"certificate"`
	KeyPath         string `yaml:"key"`
}

// SSHConfig is the `ssh:` section.
type SSHConfig struct {
	ProtocolConfig    `yaml:",inline"`
	Keys              string `yaml:"keys"`
	HostKeyVerification string `yaml:"host_key_verification"`
}

// HTTPConfig is the `http:` section.
type HTTPConfig struct {
	ProtocolConfig `yaml:",inline"`
	TLS            TLSConfig `yaml:"tls"`
}

// SQLConfig is the `mysql:` / `postgres:` section shape.
type SQLConfig struct {
	ProtocolConfig `yaml:",inline"`
	TLS            TLSConfig `yaml:"tls"`
}

// KubernetesConfig is the `kubernetes:` section.
type KubernetesConfig struct {
	ProtocolConfig `yaml:",inline"`
	TLS            TLSConfig `yaml:"tls"`
}

// RecordingsConfig is the `recordings:` section: whether sessions are
// captured and where, independent of any one protocol.
type RecordingsConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

// DataConfig points at the local state directory (host keys, recordings,
// any file-backed fallback store).
type DataConfig struct {
	Path string `yaml:"path"`
}

// SeedRole is one `seed.roles[]` entry: a role upserted by name at
// startup, with its file-transfer defaults.
type SeedRole struct {
	Name          string `yaml:"name"`
	AllowUpload   bool   `yaml:"allow_upload"`
	AllowDownload bool   `yaml:"allow_download"`
}

// SeedUser is one `seed.users[]` entry: a user upserted by username at
// startup, holding an already-hashed password credential (spec.md §6
// "targets, users, roles, credentials may also be seeded in the file,
// but the authoritative store is the DB" - re-applying the same seed on
// every `run` is what keeps the in-memory store populated across
// restarts until a persistent backend is wired in).
type SeedUser struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"`
	Roles        []string `yaml:"roles"`
}

// SeedConfig is the optional `seed:` section.
type SeedConfig struct {
	Roles []SeedRole `yaml:"roles"`
	Users []SeedUser `yaml:"users"`
}

// Config is the top-level gateway configuration file (spec.md §6).
type Config struct {
	SSH        SSHConfig        `yaml:"ssh"`
	HTTP       HTTPConfig       `yaml:"http"`
	MySQL      SQLConfig        `yaml:"mysql"`
	Postgres   SQLConfig        `yaml:"postgres"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Recordings RecordingsConfig `yaml:"recordings"`
	Data       DataConfig       `yaml:"data"`
	Seed       SeedConfig       `yaml:"seed"`
	Metrics    ProtocolConfig   `yaml:"metrics"`
}

const (
	// HostKeyAutoAccept and HostKeyStrict mirror sshproxy.HostKeyVerification's
	// string values; config stays independent of lib/srv/sshproxy so the
	// dependency runs front-end-on-config, never the reverse.
	HostKeyAutoAccept = "auto_accept"
	HostKeyStrict      = "strict"
)

// Load reads, parses, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, trace.Wrap(err, "parsing %v", path)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults fills in defaults and rejects an invalid
// combination of fields, in place.
func (c *Config) CheckAndSetDefaults() error {
	if c.Data.Path == "" {
		c.Data.Path = "/var/lib/warpgate"
	}

	if c.SSH.Enable {
		if c.SSH.Listen == "" {
			return trace.BadParameter("ssh.listen is required when ssh.enable is true")
		}
		if c.SSH.Keys == "" {
			c.SSH.Keys = c.Data.Path + "/ssh_host_keys"
		}
		switch c.SSH.HostKeyVerification {
		case "":
			c.SSH.HostKeyVerification = HostKeyAutoAccept
		case HostKeyAutoAccept, HostKeyStrict:
		default:
			return trace.BadParameter("ssh.host_key_verification must be %q or %q, got %q", HostKeyAutoAccept, HostKeyStrict, c.SSH.HostKeyVerification)
		}
	}

	if c.HTTP.Enable {
		if c.HTTP.Listen == "" {
			return trace.BadParameter("http.listen is required when http.enable is true")
		}
		if err := c.HTTP.TLS.checkAndSetDefaults("http"); err != nil {
			return trace.Wrap(err)
		}
	}

	if c.MySQL.Enable && c.MySQL.Listen == "" {
		return trace.BadParameter("mysql.listen is required when mysql.enable is true")
	}
	if c.Postgres.Enable && c.Postgres.Listen == "" {
		return trace.BadParameter("postgres.listen is required when postgres.enable is true")
	}
	if c.Kubernetes.Enable {
		if c.Kubernetes.Listen == "" {
			return trace.BadParameter("kubernetes.listen is required when kubernetes.enable is true")
		}
		if err := c.Kubernetes.TLS.checkAndSetDefaults("kubernetes"); err != nil {
			return trace.Wrap(err)
		}
	}

	if c.Recordings.Enable && c.Recordings.Path == "" {
		c.Recordings.Path = c.Data.Path + "/recordings"
	}

	if c.Metrics.Enable && c.Metrics.Listen == "" {
		return trace.BadParameter("metrics.listen is required when metrics.enable is true")
	}

	return nil
}

func (t *TLSConfig) checkAndSetDefaults(section string) error {
	if t.CertificatePath == "" || t.KeyPath == "" {
		return trace.BadParameter("%v.tls.certificate and %v.tls.key are both required", section, section)
	}
	return nil
}
