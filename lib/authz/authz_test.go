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

package authz

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/warpgate/lib/services"
	"github.com/gravitational/warpgate/lib/types"
)

func setup(t *testing.T) (*Checker, *services.MemoryStore, clockwork.FakeClock) {
	t.Helper()
	store := services.NewMemoryStore()
	clock := clockwork.NewFakeClock()
	return &Checker{Store: store, Clock: clock}, store, clock
}

func TestExpiredRoleGrantsNothing(t *testing.T) {
	ctx := context.Background()
	c, store, clock := setup(t)

	require.NoError(t, store.PutUser(ctx, &types.User{ID: "u1", Username: "alice"}))
	require.NoError(t, store.PutRole(ctx, &types.Role{ID: "r1", Name: "devs"}))
	require.NoError(t, store.PutTarget(ctx, &types.Target{ID: "t1", Name: "ssh1", Kind: types.TargetSSH}))
	require.NoError(t, store.GrantRoleToTarget(ctx, &types.TargetRoleAssignment{TargetID: "t1", RoleID: "r1"}))

	expiry := clock.Now().Add(time.Hour)
	require.NoError(t, c.GrantRole(ctx, "u1", "r1", "admin", &expiry))

	ok, err := c.Authorize(ctx, "u1", &types.Target{ID: "t1"})
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(2 * time.Hour)

	ok, err = c.Authorize(ctx, "u1", &types.Target{ID: "t1"})
	require.NoError(t, err)
	require.False(t, ok, "expired role assignment must not authorize")
}

func TestRevokedRoleGrantsNothing(t *testing.T) {
	ctx := context.Background()
	c, store, _ := setup(t)
	require.NoError(t, store.PutUser(ctx, &types.User{ID: "u1", Username: "alice"}))
	require.NoError(t, store.PutRole(ctx, &types.Role{ID: "r1", Name: "devs"}))
	require.NoError(t, store.PutTarget(ctx, &types.Target{ID: "t1", Name: "ssh1"}))
	require.NoError(t, store.GrantRoleToTarget(ctx, &types.TargetRoleAssignment{TargetID: "t1", RoleID: "r1"}))
	require.NoError(t, c.GrantRole(ctx, "u1", "r1", "admin", nil))

	require.NoError(t, c.RevokeRole(ctx, "u1", "r1", "admin"))

	ok, err := c.Authorize(ctx, "u1", &types.Target{ID: "t1"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReGrantIsConflict(t *testing.T) {
	ctx := context.Background()
	c, store, _ := setup(t)
	require.NoError(t, store.PutUser(ctx, &types.User{ID: "u1", Username: "alice"}))
	require.NoError(t, store.PutRole(ctx, &types.Role{ID: "r1", Name: "devs"}))

	require.NoError(t, c.GrantRole(ctx, "u1", "r1", "admin", nil))
	err := c.GrantRole(ctx, "u1", "r1", "admin", nil)
	require.Error(t, err)
}

func TestAdminRoleReachesEveryTarget(t *testing.T) {
	ctx := context.Background()
	c, store, _ := setup(t)
	require.NoError(t, store.PutUser(ctx, &types.User{ID: "u1", Username: "admin"}))
	require.NoError(t, store.PutRole(ctx, &types.Role{ID: "r1", Name: types.AdminRoleName}))
	require.NoError(t, store.PutTarget(ctx, &types.Target{ID: "t1", Name: "anything"}))
	require.NoError(t, c.GrantRole(ctx, "u1", "r1", "bootstrap", nil))

	ok, err := c.Authorize(ctx, "u1", &types.Target{ID: "t1"})
	require.NoError(t, err)
	require.True(t, ok)

	targets, err := c.EffectiveTargets(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, targets, 1)
}

func TestRoundTripGrantRevokeLeavesNoActiveAccessButHistoryExists(t *testing.T) {
	ctx := context.Background()
	c, store, _ := setup(t)
	require.NoError(t, store.PutUser(ctx, &types.User{ID: "u1", Username: "alice"}))
	require.NoError(t, store.PutRole(ctx, &types.Role{ID: "r1", Name: "devs"}))

	require.NoError(t, c.GrantRole(ctx, "u1", "r1", "admin", nil))
	require.NoError(t, c.RevokeRole(ctx, "u1", "r1", "admin"))

	roles, err := c.ActiveRoles(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, roles)

	hist, err := store.GetHistory(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
}
