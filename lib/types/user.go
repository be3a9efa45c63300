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

// Protocol identifies a front-end protocol a user can authenticate over.
type Protocol string

const (
	ProtocolSSH        Protocol = "ssh"
	ProtocolHTTP       Protocol = "http"
	ProtocolMySQL      Protocol = "mysql"
	ProtocolPostgres   Protocol = "postgres"
	ProtocolKubernetes Protocol = "kubernetes"
)

// User is a gateway principal. Username is unique.
type User struct {
	ID       string
	Username string

	// CredentialPolicy maps a protocol to the ordered set of credential
	// kinds required to authenticate over it. A protocol absent from the
	// map accepts any single valid credential the user holds.
	CredentialPolicy map[Protocol][]CredentialKind
}

// Policy returns the explicit required factor set for p and whether one
// is configured. When ok is false, the caller falls back to "any one
// credential the user holds" (spec.md §4.2).
func (u *User) Policy(p Protocol) (kinds []CredentialKind, ok bool) {
	kinds, ok = u.CredentialPolicy[p]
	return kinds, ok
}
