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

// Package sftpperm implements C4, the file-transfer permission engine:
// it layers target-role overrides on top of role defaults, combines
// across a user's roles permissively, and evaluates individual SFTP/SCP
// operations against the result (spec.md §4.4).
package sftpperm

import (
	"context"
	"path"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/warpgate/lib/authz"
	"github.com/gravitational/warpgate/lib/types"
)

// Operation enumerates the SFTP/SCP request kinds C4 classifies.
type Operation string

const (
	OpOpenRead       Operation = "open_read"
	OpOpenWrite      Operation = "open_write"
	OpMkdir          Operation = "mkdir"
	OpRmdir          Operation = "rmdir"
	OpRename         Operation = "rename"
	OpRemove         Operation = "remove"
	OpSetstat        Operation = "setstat"
	OpSymlink        Operation = "symlink"
	OpStatvfs        Operation = "statvfs"
	OpReaddir        Operation = "readdir"
	OpStat           Operation = "stat"
	OpExtendedSafe   Operation = "extended_safe"
	OpExtendedWrite  Operation = "extended_write"
	OpExtendedUnknown Operation = "extended_unknown"
)

var readOps = map[Operation]bool{
	OpOpenRead: true, OpReaddir: true, OpStat: true, OpStatvfs: true, OpExtendedSafe: true,
}

var writeOps = map[Operation]bool{
	OpOpenWrite: true, OpMkdir: true, OpRmdir: true, OpRename: true,
	OpRemove: true, OpSetstat: true, OpSymlink: true, OpExtendedWrite: true,
}

// metadataOnlyOps are allowed even when both upload and download are
// false: they don't move bytes (spec.md §4.4 step 4).
var metadataOnlyOps = map[Operation]bool{
	OpReaddir: true, OpStat: true, OpStatvfs: true, OpExtendedSafe: true,
}

// ClassifyExtended maps an SFTP SSH_FXP_EXTENDED request name to an
// Operation, per spec.md §4.6.
func ClassifyExtended(name string) Operation {
	switch name {
	case "statvfs@openssh.com", "fstatvfs@openssh.com":
		return OpExtendedSafe
	case "posix-rename@openssh.com", "hardlink@openssh.com", "fsync@openssh.com":
		return OpExtendedWrite
	default:
		return OpExtendedUnknown
	}
}

// Effective is the merged, permissively-combined permission set for a
// (user, target) pair.
type Effective struct {
	AllowUpload   bool
	AllowDownload bool
	AllowedPaths      []string // empty means "no restriction"
	BlockedExtensions []string
	MaxFileSize       *uint64 // nil means "no limit"

	// FullyOpen is true when every restriction is absent, used by C6 to
	// decide whether strict mode also gates shell/exec/forwarding
	// (spec.md §4.4 "strict vs permissive mode").
	FullyOpen bool
}

// Engine evaluates file-transfer permissions.
type Engine struct {
	Checker *authz.Checker
}

// NewEngine constructs an Engine.
func NewEngine(checker *authz.Checker) *Engine {
	return &Engine{Checker: checker}
}

// Resolve computes the Effective permission set for (userID, target),
// per spec.md §4.4 steps 1-3. If the user holds no role granted on the
// target, the caller must treat this as a deny for every operation.
func (e *Engine) Resolve(ctx context.Context, userID string, target *types.Target) (*Effective, bool, error) {
	roles, grants, err := e.Checker.ActiveAndGrantedRoles(ctx, userID, target.ID)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	if len(roles) == 0 {
		return nil, false, nil
	}

	eff := &Effective{}
	blockedCounts := map[string]int{}
	allowedPathSet := map[string]struct{}{}
	var allowedPathsOrdered []string
	noCap := false

	for i, role := range roles {
		def := role.FileTransferDefaults
		override := grants[i].Override

		upload := def.AllowUpload
		download := def.AllowDownload
		paths := def.AllowedPaths
		blocked := def.BlockedExtensions
		maxSize := def.MaxFileSize

		if override != nil {
			if override.AllowUpload != nil {
				upload = *override.AllowUpload
			}
			if override.AllowDownload != nil {
				download = *override.AllowDownload
			}
			if override.AllowedPaths != nil {
				paths = *override.AllowedPaths
			}
			if override.BlockedExtensions != nil {
				blocked = *override.BlockedExtensions
			}
			if override.MaxFileSize != nil {
				maxSize = override.MaxFileSize
			}
		}

		eff.AllowUpload = eff.AllowUpload || upload
		eff.AllowDownload = eff.AllowDownload || download

		if len(paths) == 0 {
			// no restriction from this role: mark "unrestricted" by
			// clearing any accumulated restriction once any role allows
			// everything (union of "what each role allows").
			allowedPathsOrdered = nil
			allowedPathSet = nil
		} else if allowedPathSet != nil {
			for _, p := range paths {
				if _, ok := allowedPathSet[p]; !ok {
					allowedPathSet[p] = struct{}{}
					allowedPathsOrdered = append(allowedPathsOrdered, p)
				}
			}
		}

		for _, ext := range blocked {
			blockedCounts[strings.ToLower(ext)]++
		}

		if maxSize != nil {
			if !noCap && (eff.MaxFileSize == nil || *maxSize > *eff.MaxFileSize) {
				v := *maxSize
				eff.MaxFileSize = &v
			}
		} else {
			// any role with no cap at all means no cap overall, since
			// max_file_size combines as the maximum (most permissive). Keep
			// iterating: the remaining roles' upload/download/paths/blocked
			// contributions still need to be merged in.
			noCap = true
			eff.MaxFileSize = nil
		}
	}

	eff.AllowedPaths = allowedPathsOrdered

	// An extension is blocked only if every role blocks it.
	for ext, count := range blockedCounts {
		if count == len(roles) {
			eff.BlockedExtensions = append(eff.BlockedExtensions, ext)
		}
	}

	eff.FullyOpen = eff.AllowUpload && eff.AllowDownload &&
		len(eff.AllowedPaths) == 0 && len(eff.BlockedExtensions) == 0 && eff.MaxFileSize == nil

	return eff, true, nil
}

// Decision is the result of evaluating one operation.
type Decision struct {
	Allowed bool
	Reason  string
}

func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }
func allow() Decision             { return Decision{Allowed: true} }

// Evaluate classifies and authorizes a single SFTP/SCP operation against
// eff, per spec.md §4.4 steps 4-7. paths is the set of paths the
// operation concerns (two for rename: source and destination).
func Evaluate(eff *Effective, op Operation, paths []string, writeSize *uint64) Decision {
	switch {
	case op == OpExtendedUnknown:
		if !eff.AllowUpload || !eff.AllowDownload {
			return deny("extended request requires both upload and download")
		}
	case readOps[op]:
		if !metadataOnlyOps[op] && !eff.AllowDownload {
			return deny("download not permitted")
		}
	case writeOps[op]:
		if !eff.AllowUpload {
			return deny("upload not permitted")
		}
	default:
		return deny("unrecognized operation")
	}

	for _, p := range paths {
		if p == "" {
			continue
		}
		if !pathAllowed(eff.AllowedPaths, p) {
			return deny("path not in allowed_paths")
		}
	}

	if op == OpOpenWrite {
		for _, p := range paths {
			if ext := extensionOf(p); ext != "" && isBlockedExtension(eff.BlockedExtensions, ext) {
				return deny("blocked extension")
			}
		}
		if writeSize != nil && eff.MaxFileSize != nil && *writeSize > *eff.MaxFileSize {
			return deny("max_file_size exceeded")
		}
	}

	return allow()
}

func extensionOf(p string) string {
	ext := path.Ext(p)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

func isBlockedExtension(blocked []string, ext string) bool {
	for _, b := range blocked {
		if strings.ToLower(b) == ext {
			return true
		}
	}
	return false
}

// pathAllowed reports whether p matches at least one glob in allowed.
// An empty allowed list means "no restriction". "*" matches a run of
// non-'/' characters; "**" matches any run including '/'.
func pathAllowed(allowed []string, p string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, glob := range allowed {
		if globMatch(glob, p) {
			return true
		}
	}
	return false
}

func globMatch(glob, name string) bool {
	return matchGlob([]rune(glob), []rune(name))
}

// matchGlob implements the "*" (non-slash run) / "**" (any run) glob
// dialect described in spec.md §4.4 step 5, via straightforward
// backtracking over the pattern.
func matchGlob(pattern, name []rune) bool {
	var p, n int
	var starIdx = -1
	var starMatch = -1
	var starIsDouble bool

	for n < len(name) {
		if p < len(pattern) && pattern[p] == '*' {
			double := p+1 < len(pattern) && pattern[p+1] == '*'
			starIdx = p
			starMatch = n
			starIsDouble = double
			if double {
				p += 2
			} else {
				p++
			}
			continue
		}
		if p < len(pattern) && (pattern[p] == name[n]) {
			p++
			n++
			continue
		}
		if starIdx >= 0 && (starIsDouble || name[starMatch] != '/') {
			starMatch++
			n = starMatch
			if starIsDouble {
				p = starIdx + 2
			} else {
				p = starIdx + 1
			}
			continue
		}
		return false
	}
	for p < len(pattern) && pattern[p] == '*' {
		if p+1 < len(pattern) && pattern[p+1] == '*' {
			p += 2
		} else {
			p++
		}
	}
	return p == len(pattern)
}
