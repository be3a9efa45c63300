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

package attempt

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/warpgate/lib/auth/credentials"
	"github.com/gravitational/warpgate/lib/loginprotect"
	"github.com/gravitational/warpgate/lib/services"
	"github.com/gravitational/warpgate/lib/types"
)

func newTestManager(t *testing.T) (*Manager, *services.MemoryStore, clockwork.FakeClock) {
	t.Helper()
	store := services.NewMemoryStore()
	clock := clockwork.NewFakeClock()
	guard := loginprotect.NewGuard(loginprotect.DefaultConfig(), clock)
	m := NewManager(store, guard, nil)
	m.Clock = clock
	return m, store, clock
}

func TestPasswordOnlyPolicySucceeds(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	hash, err := credentials.HashPassword("123")
	require.NoError(t, err)
	require.NoError(t, store.PutUser(ctx, &types.User{
		ID: "u1", Username: "alice",
		CredentialPolicy: map[types.Protocol][]types.CredentialKind{
			types.ProtocolSSH: {types.CredentialPassword},
		},
	}))
	require.NoError(t, store.PutCredential(ctx, &types.Credential{UserID: "u1", Kind: types.CredentialPassword, Password: hash}))

	a := m.Begin(types.ProtocolSSH, "10.0.0.1:1234")
	st, err := a.Identify(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, StatePasswordNeeded, st)

	st, err = a.Submit(ctx, Offer{Kind: types.CredentialPassword, Password: "123"})
	require.NoError(t, err)
	require.Equal(t, StateSuccess, st)
	require.Equal(t, "u1", a.User().ID)
}

func TestWrongPasswordLeavesAttemptOpenForRetry(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	hash, err := credentials.HashPassword("123")
	require.NoError(t, err)
	require.NoError(t, store.PutUser(ctx, &types.User{
		ID: "u1", Username: "alice",
		CredentialPolicy: map[types.Protocol][]types.CredentialKind{types.ProtocolSSH: {types.CredentialPassword}},
	}))
	require.NoError(t, store.PutCredential(ctx, &types.Credential{UserID: "u1", Kind: types.CredentialPassword, Password: hash}))

	a := m.Begin(types.ProtocolSSH, "10.0.0.1:1234")
	_, err = a.Identify(ctx, "alice")
	require.NoError(t, err)

	_, err = a.Submit(ctx, Offer{Kind: types.CredentialPassword, Password: "wrong"})
	require.Error(t, err)
	require.Equal(t, StatePasswordNeeded, a.State())

	st, err := a.Submit(ctx, Offer{Kind: types.CredentialPassword, Password: "123"})
	require.NoError(t, err)
	require.Equal(t, StateSuccess, st)
}

func TestUnknownUserFails(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	a := m.Begin(types.ProtocolSSH, "10.0.0.1:1234")
	st, err := a.Identify(ctx, "ghost")
	require.NoError(t, err)
	require.Equal(t, StateFailed, st)
	require.Equal(t, ReasonUnknownUser, a.Reason())
}

func TestTwoFactorPolicyRequiresBoth(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	signer := mustGenerateSigner(t)
	require.NoError(t, store.PutUser(ctx, &types.User{
		ID: "u1", Username: "alice",
		CredentialPolicy: map[types.Protocol][]types.CredentialKind{
			types.ProtocolSSH: {types.CredentialPublicKey, types.CredentialTotp},
		},
	}))
	require.NoError(t, store.PutCredential(ctx, &types.Credential{
		UserID: "u1", Kind: types.CredentialPublicKey,
		PublicKey: string(ssh.MarshalAuthorizedKey(signer.PublicKey())),
	}))
	require.NoError(t, store.PutCredential(ctx, &types.Credential{
		UserID: "u1", Kind: types.CredentialTotp, TotpSecret: []byte("12345678901234567890"),
	}))

	a := m.Begin(types.ProtocolSSH, "10.0.0.1:1234")
	st, err := a.Identify(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, StatePublicKeyNeeded, st)

	st, err = a.Submit(ctx, Offer{Kind: types.CredentialPublicKey, PublicKey: signer.PublicKey()})
	require.NoError(t, err)
	require.Equal(t, StateOtpNeeded, st, "both factors required, so it must not succeed after just one")

	_, err = a.Submit(ctx, Offer{Kind: types.CredentialPublicKey})
	require.Error(t, err, "a consumed kind cannot be re-offered")
}

func TestAnyOneCredentialFallbackWhenPolicyUnset(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	hash, err := credentials.HashPassword("123")
	require.NoError(t, err)
	require.NoError(t, store.PutUser(ctx, &types.User{ID: "u1", Username: "alice"}))
	require.NoError(t, store.PutCredential(ctx, &types.Credential{UserID: "u1", Kind: types.CredentialPassword, Password: hash}))

	a := m.Begin(types.ProtocolSSH, "10.0.0.1:1234")
	_, err = a.Identify(ctx, "alice")
	require.NoError(t, err)

	st, err := a.Submit(ctx, Offer{Kind: types.CredentialPassword, Password: "123"})
	require.NoError(t, err)
	require.Equal(t, StateSuccess, st)
}

func TestIdleTimeoutFailsTheAttempt(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newTestManager(t)
	require.NoError(t, store.PutUser(ctx, &types.User{
		ID: "u1", Username: "alice",
		CredentialPolicy: map[types.Protocol][]types.CredentialKind{types.ProtocolSSH: {types.CredentialPassword}},
	}))

	a := m.Begin(types.ProtocolSSH, "10.0.0.1:1234")
	_, err := a.Identify(ctx, "alice")
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	st, err := a.Submit(ctx, Offer{Kind: types.CredentialPassword, Password: "123"})
	require.NoError(t, err)
	require.Equal(t, StateFailed, st)
}

func TestRateLimitedBeginsPreFailed(t *testing.T) {
	m, _, _ := newTestManager(t)
	for i := 0; i < 25; i++ {
		m.Protect.RecordFailure("10.0.0.9:1", "")
	}
	a := m.Begin(types.ProtocolSSH, "10.0.0.9:1")
	require.Equal(t, StateFailed, a.State())
	require.Equal(t, ReasonRateLimited, a.Reason())
}

func TestWebApprovalGrantedBySameUser(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)
	require.NoError(t, store.PutUser(ctx, &types.User{
		ID: "u1", Username: "alice",
		CredentialPolicy: map[types.Protocol][]types.CredentialKind{
			types.ProtocolPostgres: {types.CredentialWebUserApproval},
		},
	}))

	a := m.Begin(types.ProtocolPostgres, "10.0.0.1:1234")
	st, err := a.Identify(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, StateWebUserApprovalNeeded, st)

	go func() {
		require.True(t, m.Approvals.Resolve(a.ID, true))
	}()

	st, err = a.AwaitApproval(ctx)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, st)
}

func TestWebApprovalDenied(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)
	require.NoError(t, store.PutUser(ctx, &types.User{
		ID: "u1", Username: "alice",
		CredentialPolicy: map[types.Protocol][]types.CredentialKind{
			types.ProtocolHTTP: {types.CredentialWebUserApproval},
		},
	}))

	a := m.Begin(types.ProtocolHTTP, "10.0.0.1:1234")
	_, err := a.Identify(ctx, "alice")
	require.NoError(t, err)

	go func() { m.Approvals.Resolve(a.ID, false) }()

	st, err := a.AwaitApproval(ctx)
	require.NoError(t, err)
	require.Equal(t, StateFailed, st)
	require.Equal(t, ReasonApprovalDenied, a.Reason())
}

func mustGenerateSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}
