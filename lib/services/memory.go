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

package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/warpgate/lib/types"
)

// MemoryStore is a mutex-guarded, in-process Store. It is the reference
// implementation used by tests and by `warpgate run` when no external
// database is configured; a relational implementation would satisfy the
// same Store interface without any caller changing.
type MemoryStore struct {
	mu sync.RWMutex

	usersByID       map[string]*types.User
	usersByName     map[string]string // username -> id
	credentials     map[string]*types.Credential
	credentialsByUser map[string][]string // userID -> credential IDs

	roles       map[string]*types.Role
	rolesByName map[string]string

	userRoles map[string]map[string]*types.UserRoleAssignment // userID -> roleID -> assignment
	history   map[string][]*types.UserRoleHistory             // userID -> history

	targets       map[string]*types.Target
	targetsByName map[string]string
	targetRoles   map[string]map[string]*types.TargetRoleAssignment // targetID -> roleID -> assignment

	tickets map[string]*types.Ticket // digest -> ticket

	params types.Parameters
}

// NewMemoryStore returns an empty store seeded with default Parameters.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		usersByID:         make(map[string]*types.User),
		usersByName:       make(map[string]string),
		credentials:       make(map[string]*types.Credential),
		credentialsByUser: make(map[string][]string),
		roles:             make(map[string]*types.Role),
		rolesByName:       make(map[string]string),
		userRoles:         make(map[string]map[string]*types.UserRoleAssignment),
		history:           make(map[string][]*types.UserRoleHistory),
		targets:           make(map[string]*types.Target),
		targetsByName:     make(map[string]string),
		targetRoles:       make(map[string]map[string]*types.TargetRoleAssignment),
		tickets:           make(map[string]*types.Ticket),
		params:            types.DefaultParameters(),
	}
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByID[id]
	if !ok {
		return nil, trace.NotFound("user %q not found", id)
	}
	return u, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByName[username]
	if !ok {
		return nil, trace.NotFound("user %q not found", username)
	}
	return s.usersByID[id], nil
}

func (s *MemoryStore) PutUser(_ context.Context, u *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.usersByID[u.ID] = u
	s.usersByName[u.Username] = u.ID
	return nil
}

func (s *MemoryStore) GetCredentials(_ context.Context, userID string) ([]*types.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Credential
	for _, id := range s.credentialsByUser[userID] {
		out = append(out, s.credentials[id])
	}
	return out, nil
}

func (s *MemoryStore) PutCredential(_ context.Context, c *types.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := s.credentials[c.ID]; !exists {
		s.credentialsByUser[c.UserID] = append(s.credentialsByUser[c.UserID], c.ID)
	}
	s.credentials[c.ID] = c
	return nil
}

func (s *MemoryStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return trace.NotFound("credential %q not found", id)
	}
	delete(s.credentials, id)
	ids := s.credentialsByUser[c.UserID]
	for i, cid := range ids {
		if cid == id {
			s.credentialsByUser[c.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) GetRole(_ context.Context, id string) (*types.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, trace.NotFound("role %q not found", id)
	}
	return r, nil
}

func (s *MemoryStore) GetRoleByName(_ context.Context, name string) (*types.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.rolesByName[name]
	if !ok {
		return nil, trace.NotFound("role %q not found", name)
	}
	return s.roles[id], nil
}

func (s *MemoryStore) PutRole(_ context.Context, r *types.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.roles[r.ID] = r
	s.rolesByName[r.Name] = r.ID
	return nil
}

func (s *MemoryStore) GetUserRoleAssignments(_ context.Context, userID string) ([]*types.UserRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.UserRoleAssignment
	for _, a := range s.userRoles[userID] {
		out = append(out, a)
	}
	return out, nil
}

func (s *MemoryStore) GrantRole(_ context.Context, a *types.UserRoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRole := s.userRoles[a.UserID]
	if byRole == nil {
		byRole = make(map[string]*types.UserRoleAssignment)
		s.userRoles[a.UserID] = byRole
	}
	if _, ok := byRole[a.RoleID]; ok {
		return trace.AlreadyExists("role %q is already granted to user %q", a.RoleID, a.UserID)
	}
	byRole[a.RoleID] = a
	return nil
}

func (s *MemoryStore) UpdateRoleAssignment(_ context.Context, a *types.UserRoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRole := s.userRoles[a.UserID]
	if byRole == nil {
		return trace.NotFound("no assignment of role %q to user %q", a.RoleID, a.UserID)
	}
	if _, ok := byRole[a.RoleID]; !ok {
		return trace.NotFound("no assignment of role %q to user %q", a.RoleID, a.UserID)
	}
	byRole[a.RoleID] = a
	return nil
}

func (s *MemoryStore) RevokeRole(_ context.Context, userID, roleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRole := s.userRoles[userID]
	if byRole == nil {
		return trace.NotFound("no assignment of role %q to user %q", roleID, userID)
	}
	a, ok := byRole[roleID]
	if !ok {
		return trace.NotFound("no assignment of role %q to user %q", roleID, userID)
	}
	revokedAt := at
	a.RevokedAt = &revokedAt
	return nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, h *types.UserRoleHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[h.UserID] = append(s.history[h.UserID], h)
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, userID string) ([]*types.UserRoleHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*types.UserRoleHistory(nil), s.history[userID]...), nil
}

func (s *MemoryStore) GetTarget(_ context.Context, id string) (*types.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, trace.NotFound("target %q not found", id)
	}
	return t, nil
}

func (s *MemoryStore) GetTargetByName(_ context.Context, name string) (*types.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.targetsByName[name]
	if !ok {
		return nil, trace.NotFound("target %q not found", name)
	}
	return s.targets[id], nil
}

func (s *MemoryStore) ListTargets(_ context.Context) ([]*types.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	return out, nil
}

func (s *MemoryStore) PutTarget(_ context.Context, t *types.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	s.targets[t.ID] = t
	s.targetsByName[t.Name] = t.ID
	return nil
}

func (s *MemoryStore) GetTargetRoleAssignments(_ context.Context, targetID string) ([]*types.TargetRoleAssignment, error) {
	return s.GetRolesForTarget(context.Background(), targetID)
}

func (s *MemoryStore) GetRolesForTarget(_ context.Context, targetID string) ([]*types.TargetRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.TargetRoleAssignment
	for _, a := range s.targetRoles[targetID] {
		out = append(out, a)
	}
	return out, nil
}

func (s *MemoryStore) GrantRoleToTarget(_ context.Context, a *types.TargetRoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRole := s.targetRoles[a.TargetID]
	if byRole == nil {
		byRole = make(map[string]*types.TargetRoleAssignment)
		s.targetRoles[a.TargetID] = byRole
	}
	if _, ok := byRole[a.RoleID]; ok {
		return trace.AlreadyExists("role %q is already granted to target %q", a.RoleID, a.TargetID)
	}
	byRole[a.RoleID] = a
	return nil
}

func (s *MemoryStore) GetParameters(_ context.Context) (types.Parameters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params, nil
}

func (s *MemoryStore) PutParameters(_ context.Context, p types.Parameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	return nil
}

func (s *MemoryStore) PutTicket(_ context.Context, t *types.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.Digest] = t
	return nil
}

func (s *MemoryStore) GetTicketByDigest(_ context.Context, digest string) (*types.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[digest]
	if !ok {
		return nil, trace.NotFound("ticket not found")
	}
	return t, nil
}

func (s *MemoryStore) DeleteTicket(_ context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[digest]; !ok {
		return trace.NotFound("ticket not found")
	}
	delete(s.tickets, digest)
	return nil
}

var _ Store = (*MemoryStore)(nil)
