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

// SFTPPermissionMode selects whether restricted SFTP permissions also
// close down shell/exec/forwarding channels on the same SSH connection.
type SFTPPermissionMode string

const (
	SFTPModeStrict     SFTPPermissionMode = "strict"
	SFTPModePermissive SFTPPermissionMode = "permissive"
)

// Parameters is the process-wide, admin-mutable singleton (spec.md §3).
type Parameters struct {
	SFTPPermissionMode SFTPPermissionMode

	SSHClientAuthPublicKey          bool
	SSHClientAuthPassword           bool
	SSHClientAuthKeyboardInteractive bool

	AllowOwnCredentialManagement bool

	// RateLimitBytesPerSecond, 0 means unlimited.
	RateLimitBytesPerSecond uint64
}

// EffectiveSSHClientAuth applies the "all false means all true" fallback
// rule from spec.md §4.2/§4.6.
func (p *Parameters) EffectiveSSHClientAuth() (publicKey, password, keyboardInteractive bool) {
	if !p.SSHClientAuthPublicKey && !p.SSHClientAuthPassword && !p.SSHClientAuthKeyboardInteractive {
		return true, true, true
	}
	return p.SSHClientAuthPublicKey, p.SSHClientAuthPassword, p.SSHClientAuthKeyboardInteractive
}

// DefaultParameters returns the out-of-the-box Parameters.
func DefaultParameters() Parameters {
	return Parameters{
		SFTPPermissionMode:               SFTPModePermissive,
		SSHClientAuthPublicKey:           true,
		SSHClientAuthPassword:            true,
		SSHClientAuthKeyboardInteractive: true,
		AllowOwnCredentialManagement:     true,
	}
}
