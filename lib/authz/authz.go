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

// Package authz implements C3, the authorization/role resolver:
// effective_targets, active_roles and the single authorize() predicate
// consulted after an auth attempt reaches Success and again at SSH
// channel open (spec.md §4.3).
package authz

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/warpgate/lib/services"
	"github.com/gravitational/warpgate/lib/types"
)

// Checker resolves roles and authorizes target access for users.
type Checker struct {
	Store services.Store
	Clock clockwork.Clock
}

// NewChecker constructs a Checker with a real clock.
func NewChecker(store services.Store) *Checker {
	return &Checker{Store: store, Clock: clockwork.NewRealClock()}
}

// ActiveRoles returns the Roles currently granted to userID: revoked or
// expired UserRoleAssignment rows contribute nothing.
func (c *Checker) ActiveRoles(ctx context.Context, userID string) ([]*types.Role, error) {
	assignments, err := c.Store.GetUserRoleAssignments(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := c.Clock.Now()
	var roles []*types.Role
	for _, a := range assignments {
		if !a.IsActive(now) {
			continue
		}
		r, err := c.Store.GetRole(ctx, a.RoleID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		roles = append(roles, r)
	}
	return roles, nil
}

// isAdmin reports whether roles contains the reserved warpgate:admin role.
func isAdmin(roles []*types.Role) bool {
	for _, r := range roles {
		if r.Name == types.AdminRoleName {
			return true
		}
	}
	return false
}

// EffectiveTargets returns every Target reachable by any of userID's
// active roles. Holders of warpgate:admin reach every target (spec.md §9
// supplemental feature, grounded on the original's bootstrap admin role).
func (c *Checker) EffectiveTargets(ctx context.Context, userID string) ([]*types.Target, error) {
	roles, err := c.ActiveRoles(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if isAdmin(roles) {
		return c.Store.ListTargets(ctx)
	}

	roleSet := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		roleSet[r.ID] = struct{}{}
	}

	targets, err := c.Store.ListTargets(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []*types.Target
	for _, t := range targets {
		grants, err := c.Store.GetRolesForTarget(ctx, t.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, g := range grants {
			if _, ok := roleSet[g.RoleID]; ok {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// Authorize is the only public authorization predicate: it reports
// whether userID currently may reach target.
func (c *Checker) Authorize(ctx context.Context, userID string, target *types.Target) (bool, error) {
	roles, err := c.ActiveRoles(ctx, userID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if isAdmin(roles) {
		return true, nil
	}

	grants, err := c.Store.GetRolesForTarget(ctx, target.ID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	grantedRoles := make(map[string]struct{}, len(grants))
	for _, g := range grants {
		grantedRoles[g.RoleID] = struct{}{}
	}
	for _, r := range roles {
		if _, ok := grantedRoles[r.ID]; ok {
			return true, nil
		}
	}
	return false, nil
}

// ActiveAndGrantedRoles returns the roles in R = active_roles(user) ∩
// roles(target), used directly by C4 (lib/sftpperm) to compute effective
// file-transfer permissions.
func (c *Checker) ActiveAndGrantedRoles(ctx context.Context, userID string, targetID string) ([]*types.Role, []*types.TargetRoleAssignment, error) {
	active, err := c.ActiveRoles(ctx, userID)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	grants, err := c.Store.GetRolesForTarget(ctx, targetID)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	grantByRole := make(map[string]*types.TargetRoleAssignment, len(grants))
	for _, g := range grants {
		grantByRole[g.RoleID] = g
	}

	var roles []*types.Role
	var assignments []*types.TargetRoleAssignment
	for _, r := range active {
		if g, ok := grantByRole[r.ID]; ok {
			roles = append(roles, r)
			assignments = append(assignments, g)
		}
	}
	return roles, assignments, nil
}

// GrantRole grants roleID to userID, recording history. Granting a role
// the user already has an assignment row for (active, expired or
// revoked) is a conflict; a tombstoned row is re-enabled in place through
// the store's UpdateRoleAssignment instead (spec.md §3 invariant).
func (c *Checker) GrantRole(ctx context.Context, userID, roleID, actorID string, expiresAt *time.Time) error {
	now := c.Clock.Now()
	err := c.Store.GrantRole(ctx, &types.UserRoleAssignment{
		UserID:    userID,
		RoleID:    roleID,
		GrantedAt: now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.Store.AppendHistory(ctx, &types.UserRoleHistory{
		UserID: userID, RoleID: roleID, Action: types.HistoryGranted, At: now, ActorID: actorID,
	}))
}

// RevokeRole tombstones the (user,role) assignment.
func (c *Checker) RevokeRole(ctx context.Context, userID, roleID, actorID string) error {
	now := c.Clock.Now()
	if err := c.Store.RevokeRole(ctx, userID, roleID, now); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.Store.AppendHistory(ctx, &types.UserRoleHistory{
		UserID: userID, RoleID: roleID, Action: types.HistoryRevoked, At: now, ActorID: actorID,
	}))
}
