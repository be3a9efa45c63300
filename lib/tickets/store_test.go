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

package tickets

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/warpgate/lib/services"
)

func TestRedeemOnlyMatchesIssuedTarget(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(services.NewMemoryStore())
	require.NoError(t, err)

	secret, err := s.Issue(ctx, "u1", "t1", nil, nil)
	require.NoError(t, err)

	userID, targetID, ok, err := s.Redeem(ctx, secret, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", userID)
	require.Equal(t, "t1", targetID)

	_, _, ok, err = s.Redeem(ctx, secret, "t2")
	require.NoError(t, err)
	require.False(t, ok, "a ticket must not redeem against a different target")
}

func TestRedeemIgnoresRequestedTargetWhenEmpty(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(services.NewMemoryStore())
	require.NoError(t, err)
	secret, err := s.Issue(ctx, "u1", "t1", nil, nil)
	require.NoError(t, err)

	_, targetID, ok, err := s.Redeem(ctx, secret, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", targetID)
}

func TestMutatedSecretNeverRedeems(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(services.NewMemoryStore())
	require.NoError(t, err)
	secret, err := s.Issue(ctx, "u1", "t1", nil, nil)
	require.NoError(t, err)

	mutated := secret[:len(secret)-1] + "x"
	_, _, ok, err := s.Redeem(ctx, mutated, "t1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExpiryAndUsesRemaining(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(services.NewMemoryStore())
	require.NoError(t, err)
	s.Clock = clockwork.NewFakeClock()

	ttl := time.Minute
	secret, err := s.Issue(ctx, "u1", "t1", nil, &ttl)
	require.NoError(t, err)

	fc := s.Clock.(clockwork.FakeClock)
	fc.Advance(2 * time.Minute)
	_, _, ok, err := s.Redeem(ctx, secret, "t1")
	require.NoError(t, err)
	require.False(t, ok, "expired ticket must not redeem")

	uses := 1
	secret2, err := s.Issue(ctx, "u1", "t1", &uses, nil)
	require.NoError(t, err)
	_, _, ok, err = s.Redeem(ctx, secret2, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	_, _, ok, err = s.Redeem(ctx, secret2, "t1")
	require.NoError(t, err)
	require.False(t, ok, "uses_remaining must be consumed")
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(services.NewMemoryStore())
	require.NoError(t, err)
	secret, err := s.Issue(ctx, "u1", "t1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, secret))
	_, _, ok, err := s.Redeem(ctx, secret, "t1")
	require.NoError(t, err)
	require.False(t, ok)
}
