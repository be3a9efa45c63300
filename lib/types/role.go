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

import (
	"strings"
	"time"
)

// AdminRoleName is reserved; holders are granted every target (spec.md
// §9 supplemental feature, mirroring the original's bootstrap admin role).
const AdminRoleName = "warpgate:admin"

// ReservedRolePrefix marks role names the admin store manages internally.
const ReservedRolePrefix = "warpgate:"

// IsReserved reports whether name is a reserved role name.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedRolePrefix)
}

// FileTransferDefaults is the per-role default SFTP/SCP permission set.
type FileTransferDefaults struct {
	AllowUpload   bool
	AllowDownload bool

	// AllowedPaths, nil means "no restriction configured at this layer".
	AllowedPaths []string
	// BlockedExtensions, lower-cased, without the leading dot.
	BlockedExtensions []string
	// MaxFileSize, nil means "no limit configured at this layer".
	MaxFileSize *uint64
}

// Role is a named permission bundle.
type Role struct {
	ID                  string
	Name                string
	FileTransferDefaults FileTransferDefaults
}

// UserRoleAssignment binds a User to a Role with an optional expiry.
type UserRoleAssignment struct {
	UserID     string
	RoleID     string
	GrantedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
}

// IsActive reports whether the assignment currently grants the role.
func (a *UserRoleAssignment) IsActive(now time.Time) bool {
	if a.RevokedAt != nil {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		return false
	}
	return true
}

// IsExpired reports whether the assignment's expiry has passed (regardless
// of revocation — spec.md's invariant is that the two are mutually
// exclusive as far as IsActive is concerned, not that IsExpired implies
// non-revoked).
func (a *UserRoleAssignment) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// HistoryAction enumerates UserRoleHistory entries.
type HistoryAction string

const (
	HistoryGranted       HistoryAction = "granted"
	HistoryExpiryChanged HistoryAction = "expiry_changed"
	HistoryExpiryRemoved HistoryAction = "expiry_removed"
	HistoryRevoked       HistoryAction = "revoked"
)

// UserRoleHistory is an append-only audit row over a UserRoleAssignment.
type UserRoleHistory struct {
	UserID  string
	RoleID  string
	Action  HistoryAction
	At      time.Time
	ActorID string
}
