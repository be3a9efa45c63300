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

import "time"

// CredentialKind enumerates the tagged variant of a Credential.
type CredentialKind string

const (
	CredentialPassword        CredentialKind = "password"
	CredentialPublicKey       CredentialKind = "publickey"
	CredentialTotp            CredentialKind = "otp"
	CredentialCertificate     CredentialKind = "certificate"
	CredentialWebUserApproval CredentialKind = "web_user_approval"
)

// Credential is a single authentication factor owned by exactly one User.
//
// Only one of the fields matching Kind is populated; this mirrors the
// tagged-variant layout of the other types in this package rather than
// using an interface, since every factor is persisted the same way and
// evaluated by a single switch in lib/auth/credentials.
type Credential struct {
	ID     string
	UserID string
	Kind   CredentialKind

	// Password holds the Argon2id encoded hash (self-describing: algorithm,
	// params, salt and digest), e.g. "$argon2id$v=19$m=65536,t=3,p=2$...".
	Password string

	// PublicKey holds the credential in OpenSSH authorized_keys encoding.
	// Comparison is by the decoded key blob, never by the text.
	PublicKey string

	// TotpSecret holds the raw (unencoded) shared secret bytes.
	TotpSecret []byte

	// CertificatePEM / NotBefore / NotAfter / Revoked describe a
	// gateway-issued X.509 client certificate credential.
	CertificatePEM string
	NotBefore      time.Time
	NotAfter       time.Time
	Revoked        bool
}
