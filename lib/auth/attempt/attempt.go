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

// Package attempt implements C2, the auth state machine shared by every
// protocol front-end: Identify -> {PasswordNeeded, OtpNeeded,
// PublicKeyNeeded, WebUserApprovalNeeded} -> Success | Failed (spec.md
// §4.2). It consults C1 (lib/auth/credentials) to verify each offer and
// lib/loginprotect to enforce rate limiting, but never exposes anything
// more specific than the terminal FailReason to a caller.
package attempt

import (
	"context"
	"crypto/x509"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/warpgate/lib/auth/credentials"
	"github.com/gravitational/warpgate/lib/defaults"
	"github.com/gravitational/warpgate/lib/loginprotect"
	"github.com/gravitational/warpgate/lib/logutils"
	"github.com/gravitational/warpgate/lib/metrics"
	"github.com/gravitational/warpgate/lib/services"
	"github.com/gravitational/warpgate/lib/types"
)

// State is one node of the auth attempt automaton.
type State string

const (
	StateIdentify              State = "identify"
	StatePasswordNeeded        State = "password_needed"
	StateOtpNeeded             State = "otp_needed"
	StatePublicKeyNeeded       State = "publickey_needed"
	StateWebUserApprovalNeeded State = "web_user_approval_needed"
	StateSuccess               State = "success"
	StateFailed                State = "failed"
)

// FailReason is the taxonomy of terminal failures (spec.md §4.2, §7).
type FailReason string

const (
	ReasonUnknownUser       FailReason = "unknown_user"
	ReasonBadCredential     FailReason = "bad_credential"
	ReasonPolicyUnmet       FailReason = "policy_unmet"
	ReasonRateLimited       FailReason = "rate_limited"
	ReasonExpiredCredential FailReason = "expired_credential"
	ReasonApprovalDenied    FailReason = "approval_denied"
	ReasonApprovalTimeout   FailReason = "approval_timeout"
	ReasonAccountLocked     FailReason = "account_locked"
)

// neededState maps a still-pending credential kind to the State that
// advertises it. CredentialCertificate has no entry: a client certificate
// identifies and authenticates in the same step, via
// IdentifyByCertificate, never through an intermediate Needed state.
var neededState = map[types.CredentialKind]State{
	types.CredentialPassword:        StatePasswordNeeded,
	types.CredentialTotp:            StateOtpNeeded,
	types.CredentialPublicKey:       StatePublicKeyNeeded,
	types.CredentialWebUserApproval: StateWebUserApprovalNeeded,
}

// Offer is one credential presented by a protocol front-end for a
// still-unsatisfied factor.
type Offer struct {
	Kind      types.CredentialKind
	Password  string
	TOTPCode  string
	PublicKey ssh.PublicKey
}

// requirement is the resolved factor set for one attempt: either every
// kind in Kinds must be satisfied (explicit credential_policy), or any one
// of them suffices (the "any one credential the user has" fallback).
type requirement struct {
	kinds    []types.CredentialKind
	matchAny bool
}

// Manager owns every in-flight Attempt for one protocol listener (or a
// set of listeners sharing a store), and the shared services an Attempt
// consults: the store, a clock, login protection, the approval bus, and
// client-certificate trust roots.
type Manager struct {
	Store      services.Store
	Clock      clockwork.Clock
	Protect    *loginprotect.Guard
	Approvals  *ApprovalBus
	TrustRoots *x509.CertPool

	log logrus.FieldLogger

	mu       sync.Mutex
	attempts map[string]*Attempt
}

// NewManager constructs a Manager with a real clock and a fresh approval
// bus, the configuration every protocol front-end shares at startup.
func NewManager(store services.Store, protect *loginprotect.Guard, trustRoots *x509.CertPool) *Manager {
	return &Manager{
		Store:      store,
		Clock:      clockwork.NewRealClock(),
		Protect:    protect,
		Approvals:  NewApprovalBus(),
		TrustRoots: trustRoots,
		log:        logutils.NewComponentLogger("auth/attempt"),
		attempts:   make(map[string]*Attempt),
	}
}

// Begin starts a new auth attempt for protocol over remoteAddr. If
// remoteAddr is already past the login-protection threshold, the attempt
// begins pre-failed with ReasonRateLimited (spec.md §4.2).
func (m *Manager) Begin(protocol types.Protocol, remoteAddr string) *Attempt {
	a := &Attempt{
		ID:           uuid.NewString(),
		Protocol:     protocol,
		RemoteAddr:   remoteAddr,
		state:        StateIdentify,
		satisfied:    make(map[types.CredentialKind]bool),
		manager:      m,
		lastActivity: m.Clock.Now(),
	}
	a.log = m.log.WithField("auth_id", a.ID).WithField("protocol", string(protocol))

	if m.Protect != nil && m.Protect.IsIPBlocked(remoteAddr) {
		a.state = StateFailed
		a.failReason = ReasonRateLimited
	}

	m.mu.Lock()
	m.attempts[a.ID] = a
	m.mu.Unlock()
	return a
}

// Get looks up an in-flight attempt by id, used by the HTTP approval
// endpoints and the SSH keyboard-interactive loop resuming across calls.
func (m *Manager) Get(authID string) (*Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[authID]
	return a, ok
}

func (m *Manager) forget(authID string) {
	m.mu.Lock()
	delete(m.attempts, authID)
	m.mu.Unlock()
}

// Attempt is one in-flight authentication over one protocol connection
// (spec.md §4.2). All state transitions are serialized by mu, which
// satisfies the "concurrent offers on one attempt are serialized"
// ordering guarantee directly.
type Attempt struct {
	ID         string
	Protocol   types.Protocol
	RemoteAddr string

	mu           sync.Mutex
	state        State
	failReason   FailReason
	user         *types.User
	req          requirement
	satisfied    map[types.CredentialKind]bool
	lastActivity time.Time
	approvalCh   chan approvalOutcome

	manager *Manager
	log     logrus.FieldLogger
}

// State returns the attempt's current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Reason returns the terminal failure reason; zero value until Failed.
func (a *Attempt) Reason() FailReason {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failReason
}

// User returns the identified user, or nil before Identify succeeds.
func (a *Attempt) User() *types.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user
}

// Identify resolves username against the store, computes the required
// factor set from the user's credential_policy (or the "any one
// credential" fallback), and advances to the first Needed state.
func (a *Attempt) Identify(ctx context.Context, username string) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.terminalLocked() {
		return a.state, nil
	}
	if a.idleExpiredLocked() {
		a.failLocked(ReasonPolicyUnmet)
		return a.state, nil
	}
	if a.manager.Protect != nil && a.manager.Protect.IsUserLocked(username) {
		a.failLocked(ReasonAccountLocked)
		return a.state, nil
	}

	user, err := a.manager.Store.GetUserByUsername(ctx, username)
	if trace.IsNotFound(err) {
		a.failLocked(ReasonUnknownUser)
		a.recordFailureLocked("", username)
		return a.state, nil
	}
	if err != nil {
		return a.state, trace.Wrap(err)
	}

	req, err := a.resolveRequirementLocked(ctx, user)
	if err != nil {
		return a.state, trace.Wrap(err)
	}
	a.user = user
	a.req = req
	a.touchLocked()

	if len(req.kinds) == 0 {
		a.failLocked(ReasonPolicyUnmet)
		a.recordFailureLocked(user.ID, username)
		return a.state, nil
	}

	a.advanceLocked()
	if a.state == StateFailed {
		a.recordFailureLocked(user.ID, username)
	}
	return a.state, nil
}

// IdentifyByCertificate resolves a user directly from a verified client
// certificate chain, for protocols where identity and credential arrive
// together (HTTP, Kubernetes mTLS). It bypasses the per-kind Needed
// states entirely.
func (a *Attempt) IdentifyByCertificate(ctx context.Context, chain []*x509.Certificate) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.terminalLocked() {
		return a.state, nil
	}

	username, ok := credentials.VerifyClientCert(chain, a.manager.Clock.Now(), a.manager.TrustRoots)
	if !ok {
		a.failLocked(ReasonBadCredential)
		a.recordFailureLocked("", "")
		return a.state, nil
	}

	user, err := a.manager.Store.GetUserByUsername(ctx, username)
	if trace.IsNotFound(err) {
		a.failLocked(ReasonUnknownUser)
		a.recordFailureLocked("", username)
		return a.state, nil
	}
	if err != nil {
		return a.state, trace.Wrap(err)
	}

	a.user = user
	a.req = requirement{kinds: []types.CredentialKind{types.CredentialCertificate}}
	a.satisfied[types.CredentialCertificate] = true
	a.touchLocked()
	a.state = StateSuccess
	return a.state, nil
}

// Submit offers one credential for the still-pending factor it claims to
// satisfy. An offer for an already-consumed kind, or a kind the policy
// never asked for, is a caller error (trace.BadParameter): the protocol
// front-end should not have sent it. A kind that is pending but fails
// verification returns the unchanged state with trace.AccessDenied,
// leaving the attempt open for a further try (e.g. another SSH key);
// the front-end decides when to give up and call Fail explicitly.
func (a *Attempt) Submit(ctx context.Context, offer Offer) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.terminalLocked() {
		return a.state, nil
	}
	if a.idleExpiredLocked() {
		a.failLocked(ReasonPolicyUnmet)
		a.recordFailureLocked(a.userIDLocked(), a.usernameLocked())
		return a.state, nil
	}
	if a.user == nil {
		return a.state, trace.BadParameter("attempt %s has not identified a user yet", a.ID)
	}
	if a.satisfied[offer.Kind] {
		return a.state, trace.BadParameter("credential kind %q already consumed", offer.Kind)
	}
	if !a.requiresLocked(offer.Kind) {
		return a.state, trace.BadParameter("credential kind %q was not requested", offer.Kind)
	}

	ok, err := a.verifyLocked(ctx, offer)
	if err != nil {
		return a.state, trace.Wrap(err)
	}
	a.touchLocked()
	if !ok {
		return a.state, trace.AccessDenied("credential rejected")
	}

	a.satisfied[offer.Kind] = true
	a.advanceLocked()
	if a.state == StateFailed {
		a.recordFailureLocked(a.user.ID, a.user.Username)
	}
	return a.state, nil
}

// AwaitApproval blocks until the pending WebUserApprovalNeeded factor is
// resolved, denied, or times out after defaults.WebApprovalTimeout
// (spec.md §5). It is a no-op returning the current state if the attempt
// is not currently waiting on approval.
func (a *Attempt) AwaitApproval(ctx context.Context) (State, error) {
	a.mu.Lock()
	if a.state != StateWebUserApprovalNeeded {
		st := a.state
		a.mu.Unlock()
		return st, nil
	}
	ch := a.approvalCh
	a.mu.Unlock()
	if ch == nil {
		return a.State(), trace.BadParameter("attempt %s has no pending approval wait", a.ID)
	}

	timer := a.manager.Clock.NewTimer(defaults.WebApprovalTimeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		a.mu.Lock()
		defer a.mu.Unlock()
		if !outcome.approved {
			a.failLocked(ReasonApprovalDenied)
			a.recordFailureLocked(a.userIDLocked(), a.usernameLocked())
			return a.state, nil
		}
		a.satisfied[types.CredentialWebUserApproval] = true
		a.touchLocked()
		a.advanceLocked()
		if a.state == StateFailed {
			a.recordFailureLocked(a.userIDLocked(), a.usernameLocked())
		}
		return a.state, nil
	case <-timer.Chan():
		a.mu.Lock()
		defer a.mu.Unlock()
		a.failLocked(ReasonApprovalTimeout)
		a.recordFailureLocked(a.userIDLocked(), a.usernameLocked())
		return a.state, nil
	case <-ctx.Done():
		return a.State(), trace.Wrap(ctx.Err())
	}
}

// Fail explicitly terminates the attempt, for a front-end that has
// exhausted its own retry budget (e.g. SSH's NumberOfPasswordPrompts) and
// must report a definitive AuthFailure rather than leave the attempt open.
func (a *Attempt) Fail(reason FailReason) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminalLocked() {
		return a.state
	}
	a.failLocked(reason)
	a.recordFailureLocked(a.userIDLocked(), a.usernameLocked())
	return a.state
}

// Cancel tears down the attempt when the underlying protocol connection
// drops, per spec.md §4.2 ("cancellation is externally triggered when the
// protocol connection drops").
func (a *Attempt) Cancel() {
	a.mu.Lock()
	if !a.terminalLocked() {
		a.state = StateFailed
		a.failReason = ReasonPolicyUnmet
	}
	a.mu.Unlock()
	a.manager.forget(a.ID)
}

func (a *Attempt) terminalLocked() bool {
	return a.state == StateSuccess || a.state == StateFailed
}

func (a *Attempt) userIDLocked() string {
	if a.user == nil {
		return ""
	}
	return a.user.ID
}

func (a *Attempt) usernameLocked() string {
	if a.user == nil {
		return ""
	}
	return a.user.Username
}

func (a *Attempt) allSatisfiedLocked() bool {
	for _, k := range a.req.kinds {
		if !a.satisfied[k] {
			return false
		}
	}
	return true
}

func (a *Attempt) requiresLocked(kind types.CredentialKind) bool {
	for _, k := range a.req.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (a *Attempt) nextPendingLocked() (types.CredentialKind, bool) {
	for _, k := range a.req.kinds {
		if !a.satisfied[k] {
			return k, true
		}
	}
	return "", false
}

func (a *Attempt) failLocked(reason FailReason) {
	a.state = StateFailed
	a.failReason = reason
}

func (a *Attempt) touchLocked() {
	a.lastActivity = a.manager.Clock.Now()
}

func (a *Attempt) idleExpiredLocked() bool {
	return a.manager.Clock.Now().Sub(a.lastActivity) > defaults.AuthAttemptIdleTimeout
}

// advanceLocked recomputes the attempt's state from satisfied/req after a
// factor is consumed, per the matchAny-vs-all-required distinction.
func (a *Attempt) advanceLocked() {
	if a.req.matchAny {
		if len(a.satisfied) > 0 {
			a.state = StateSuccess
			return
		}
	} else if a.allSatisfiedLocked() {
		a.state = StateSuccess
		return
	}

	next, ok := a.nextPendingLocked()
	if !ok {
		a.state = StateSuccess
		return
	}
	st, known := neededState[next]
	if !known {
		// Only CredentialCertificate lacks a Needed state, and it can only
		// appear via IdentifyByCertificate, which never reaches here.
		a.state = StateFailed
		a.failReason = ReasonPolicyUnmet
		return
	}
	a.state = st
	if st == StateWebUserApprovalNeeded && a.manager.Approvals != nil {
		a.manager.Approvals.Publish(a.ID)
		a.approvalCh = a.manager.Approvals.await(a.ID)
	}
}

func (a *Attempt) resolveRequirementLocked(ctx context.Context, user *types.User) (requirement, error) {
	if kinds, ok := user.Policy(a.Protocol); ok {
		return requirement{kinds: kinds}, nil
	}
	creds, err := a.manager.Store.GetCredentials(ctx, user.ID)
	if err != nil {
		return requirement{}, trace.Wrap(err)
	}
	seen := make(map[types.CredentialKind]bool, len(creds))
	var kinds []types.CredentialKind
	for _, c := range creds {
		if c.Kind == types.CredentialWebUserApproval {
			continue
		}
		if !seen[c.Kind] {
			seen[c.Kind] = true
			kinds = append(kinds, c.Kind)
		}
	}
	return requirement{kinds: kinds, matchAny: true}, nil
}

func (a *Attempt) verifyLocked(ctx context.Context, offer Offer) (bool, error) {
	creds, err := a.manager.Store.GetCredentials(ctx, a.user.ID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	switch offer.Kind {
	case types.CredentialPassword:
		for _, c := range creds {
			if c.Kind == types.CredentialPassword {
				return credentials.VerifyPassword(offer.Password, c.Password), nil
			}
		}
		credentials.VerifyPassword(offer.Password, "")
		return false, nil
	case types.CredentialTotp:
		for _, c := range creds {
			if c.Kind == types.CredentialTotp {
				return credentials.VerifyTOTP(offer.TOTPCode, c.TotpSecret, a.manager.Clock.Now()), nil
			}
		}
		return false, nil
	case types.CredentialPublicKey:
		if offer.PublicKey == nil {
			return false, nil
		}
		for _, c := range creds {
			if c.Kind == types.CredentialPublicKey && credentials.VerifySSHPublicKey(offer.PublicKey, c.PublicKey) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, trace.BadParameter("credential kind %q is not offerable via Submit", offer.Kind)
	}
}

func (a *Attempt) recordFailureLocked(userID, username string) {
	_ = userID
	metrics.AuthFailuresTotal.WithLabelValues(string(a.Protocol)).Inc()
	if a.manager.Protect == nil {
		return
	}
	a.manager.Protect.RecordFailure(a.RemoteAddr, username)
}
