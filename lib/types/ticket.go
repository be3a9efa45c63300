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

// Ticket is a single-target bearer secret. Only an HMAC-SHA256 digest of
// the secret, keyed by the ticket store's process-lifetime pepper, is
// persisted (there is no per-ticket salt); the plaintext is returned
// once, at issue time.
type Ticket struct {
	Digest    string
	UserID    string
	TargetID  string
	CreatedAt time.Time

	// UsesRemaining, nil means unlimited.
	UsesRemaining *int
	// ExpiresAt, nil means never.
	ExpiresAt *time.Time
}

// IsExpired reports whether the ticket is no longer redeemable due to age.
func (t *Ticket) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}
