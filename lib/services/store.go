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

// Package services defines the store interface every protocol front-end
// and every core component (C1-C5) reads through, and a mutex-guarded
// in-memory implementation that stands in for "a relational KV with
// transactions" (spec.md §1 treats the real store as an external
// collaborator). Reads never round-trip further than this process'
// memory, the same cache-through contract the teacher's lib/services
// gives its AccessPoint callers.
package services

import (
	"context"
	"time"

	"github.com/gravitational/warpgate/lib/types"
)

// Store is the persistence boundary consumed by every component in this
// repository. A SQL-backed implementation satisfies the same interface;
// swapping Backend is a constructor change, never a rewrite of callers.
type Store interface {
	// Users
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)
	PutUser(ctx context.Context, u *types.User) error

	// Credentials
	GetCredentials(ctx context.Context, userID string) ([]*types.Credential, error)
	PutCredential(ctx context.Context, c *types.Credential) error
	DeleteCredential(ctx context.Context, id string) error

	// Roles
	GetRole(ctx context.Context, id string) (*types.Role, error)
	GetRoleByName(ctx context.Context, name string) (*types.Role, error)
	PutRole(ctx context.Context, r *types.Role) error

	// Role assignments
	GetUserRoleAssignments(ctx context.Context, userID string) ([]*types.UserRoleAssignment, error)
	GrantRole(ctx context.Context, a *types.UserRoleAssignment) error
	UpdateRoleAssignment(ctx context.Context, a *types.UserRoleAssignment) error
	RevokeRole(ctx context.Context, userID, roleID string, at time.Time) error
	AppendHistory(ctx context.Context, h *types.UserRoleHistory) error
	GetHistory(ctx context.Context, userID string) ([]*types.UserRoleHistory, error)

	// Targets
	GetTarget(ctx context.Context, id string) (*types.Target, error)
	GetTargetByName(ctx context.Context, name string) (*types.Target, error)
	ListTargets(ctx context.Context) ([]*types.Target, error)
	PutTarget(ctx context.Context, t *types.Target) error

	// Target role grants
	GetTargetRoleAssignments(ctx context.Context, targetID string) ([]*types.TargetRoleAssignment, error)
	GetRolesForTarget(ctx context.Context, targetID string) ([]*types.TargetRoleAssignment, error)
	GrantRoleToTarget(ctx context.Context, a *types.TargetRoleAssignment) error

	// Parameters
	GetParameters(ctx context.Context) (types.Parameters, error)
	PutParameters(ctx context.Context, p types.Parameters) error

	// Tickets
	PutTicket(ctx context.Context, t *types.Ticket) error
	GetTicketByDigest(ctx context.Context, digest string) (*types.Ticket, error)
	DeleteTicket(ctx context.Context, digest string) error
}

