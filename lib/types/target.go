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

package types

// TargetKind is the tagged variant discriminator for Target.Options.
type TargetKind string

const (
	TargetSSH        TargetKind = "ssh"
	TargetHTTP       TargetKind = "http"
	TargetMySQL      TargetKind = "mysql"
	TargetPostgres   TargetKind = "postgres"
	TargetKubernetes TargetKind = "kubernetes"
)

// TLSMode controls how a proxy dials an upstream over TLS.
type TLSMode string

const (
	TLSDisabled TLSMode = "disabled"
	TLSPreferred TLSMode = "preferred"
	TLSRequired TLSMode = "required"
)

// TLSOptions describes upstream TLS behavior.
type TLSOptions struct {
	Mode   TLSMode
	Verify bool
}

// SSHAuthKind discriminates a Target's SSH upstream credential.
type SSHAuthKind string

const (
	SSHAuthPublicKey SSHAuthKind = "publickey"
	SSHAuthPassword  SSHAuthKind = "password"
)

// SSHOptions is the Target.Options variant for Target.Kind == TargetSSH.
type SSHOptions struct {
	Host     string
	Port     int
	Username string

	Auth SSHAuthKind
	// PrivateKeyPEM is used when Auth == SSHAuthPublicKey.
	PrivateKeyPEM string
	// SecretRef holds the upstream password itself, used when Auth ==
	// SSHAuthPassword. It is passed as-is to ssh.Password (dial.go) and is
	// not resolved through any credential store.
	SecretRef string

	AllowInsecureAlgos bool
}

// HTTPOptions is the Target.Options variant for Target.Kind == TargetHTTP.
type HTTPOptions struct {
	URL string
	TLS TLSOptions
}

// SQLOptions is shared by MySQL and Postgres targets.
type SQLOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      TLSOptions
}

// KubernetesAuthKind discriminates a Kubernetes Target's upstream credential.
type KubernetesAuthKind string

const (
	KubernetesAuthToken       KubernetesAuthKind = "token"
	KubernetesAuthCertificate KubernetesAuthKind = "certificate"
)

// KubernetesOptions is the Target.Options variant for TargetKubernetes.
type KubernetesOptions struct {
	ClusterURL string
	Namespace  string
	TLS        TLSOptions

	Auth        KubernetesAuthKind
	Token       string
	CertPEM     string
	KeyPEM      string
}

// Target is a backend service reachable through the gateway.
type Target struct {
	ID   string
	Name string
	Kind TargetKind

	SSH        *SSHOptions
	HTTP       *HTTPOptions
	MySQL      *SQLOptions
	Postgres   *SQLOptions
	Kubernetes *KubernetesOptions
}

// FileTransferOverride layers on top of a Role's FileTransferDefaults for a
// specific (Target, Role) pair. Every field independently either inherits
// (nil) or overrides (non-nil, including an empty non-nil slice meaning
// "clear the restriction").
type FileTransferOverride struct {
	AllowUpload   *bool
	AllowDownload *bool
	AllowedPaths      *[]string
	BlockedExtensions *[]string
	MaxFileSize       *uint64
}

// TargetRoleAssignment grants a Role access to a Target, with an optional
// file-transfer override.
type TargetRoleAssignment struct {
	TargetID string
	RoleID   string
	Override *FileTransferOverride
}
