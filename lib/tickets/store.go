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

// Package tickets implements C5: issuing and redeeming single-target
// bearer secrets (spec.md §4.5). A ticket's plaintext secret is returned
// once, at issue time; only a keyed-hash digest is ever persisted, so a
// leaked store dump cannot be replayed into a valid secret.
package tickets

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/warpgate/lib/services"
	"github.com/gravitational/warpgate/lib/types"
)

// secretLen is 256 bits, per spec.md §4.5.
const secretLen = 32

// Store issues and redeems tickets against a services.Store. Pepper is a
// process-lifetime secret key for the digest HMAC: it lets Redeem look a
// ticket up by digest in O(1) (a per-ticket random salt would not), while
// still making the digest unrecoverable without the running process'
// pepper, the same tradeoff commonly made for session-token indexes.
type Store struct {
	Backend services.Store
	Clock   clockwork.Clock
	Pepper  []byte
}

// NewStore constructs a Store with a freshly generated pepper and a real
// clock.
func NewStore(backend services.Store) (*Store, error) {
	pepper := make([]byte, 32)
	if _, err := rand.Read(pepper); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{Backend: backend, Clock: clockwork.NewRealClock(), Pepper: pepper}, nil
}

// Issue mints a fresh secret scoped to (userID, targetID). usesRemaining
// nil means unlimited; ttl nil means it never expires on its own.
func (s *Store) Issue(ctx context.Context, userID, targetID string, usesRemaining *int, ttl *time.Duration) (secret string, err error) {
	raw := make([]byte, secretLen)
	if _, err := rand.Read(raw); err != nil {
		return "", trace.Wrap(err)
	}
	secret = base64.RawURLEncoding.EncodeToString(raw)

	t := &types.Ticket{
		Digest:        s.digest(secret),
		UserID:        userID,
		TargetID:      targetID,
		CreatedAt:     s.Clock.Now(),
		UsesRemaining: usesRemaining,
	}
	if ttl != nil {
		expiresAt := s.Clock.Now().Add(*ttl)
		t.ExpiresAt = &expiresAt
	}
	if err := s.Backend.PutTicket(ctx, t); err != nil {
		return "", trace.Wrap(err)
	}
	return secret, nil
}

// Redeem reports the (userID, targetID) bound to secret iff the digest
// matches an unexpired ticket with uses remaining AND requestedTargetID
// is either empty or equal to the ticket's pinned target. Presenting the
// ticket against a different target is treated identically to an unknown
// secret (ok=false). The front-ends pass an empty requestedTargetID, so
// the ticket's own target wins over any other selector the request also
// carries (spec.md §4.5, §9).
func (s *Store) Redeem(ctx context.Context, secret, requestedTargetID string) (userID, targetID string, ok bool, err error) {
	t, getErr := s.Backend.GetTicketByDigest(ctx, s.digest(secret))
	if trace.IsNotFound(getErr) {
		return "", "", false, nil
	}
	if getErr != nil {
		return "", "", false, trace.Wrap(getErr)
	}
	if t.IsExpired(s.Clock.Now()) {
		return "", "", false, nil
	}
	if t.UsesRemaining != nil && *t.UsesRemaining <= 0 {
		return "", "", false, nil
	}
	if requestedTargetID != "" && requestedTargetID != t.TargetID {
		return "", "", false, nil
	}

	if t.UsesRemaining != nil {
		remaining := *t.UsesRemaining - 1
		t.UsesRemaining = &remaining
		if err := s.Backend.PutTicket(ctx, t); err != nil {
			return "", "", false, trace.Wrap(err)
		}
	}
	return t.UserID, t.TargetID, true, nil
}

// Revoke deletes a ticket immediately, independent of expiry/uses.
func (s *Store) Revoke(ctx context.Context, secret string) error {
	return trace.Wrap(s.Backend.DeleteTicket(ctx, s.digest(secret)))
}

func (s *Store) digest(secret string) string {
	mac := hmac.New(sha256.New, s.Pepper)
	mac.Write([]byte(secret))
	return base64.RawStdEncoding.EncodeToString(mac.Sum(nil))
}
