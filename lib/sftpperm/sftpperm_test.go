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

package sftpperm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/warpgate/lib/authz"
	"github.com/gravitational/warpgate/lib/services"
	"github.com/gravitational/warpgate/lib/types"
)

func u64(v uint64) *uint64 { return &v }

func TestPermissiveCombineAcrossTwoRoles(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryStore()
	checker := &authz.Checker{Store: store}
	eng := NewEngine(checker)

	require.NoError(t, store.PutUser(ctx, &types.User{ID: "u1", Username: "alice"}))
	require.NoError(t, store.PutTarget(ctx, &types.Target{ID: "t1", Name: "db1"}))
	require.NoError(t, store.PutRole(ctx, &types.Role{ID: "uploader", Name: "uploader",
		FileTransferDefaults: types.FileTransferDefaults{AllowUpload: true}}))
	require.NoError(t, store.PutRole(ctx, &types.Role{ID: "downloader", Name: "downloader",
		FileTransferDefaults: types.FileTransferDefaults{AllowDownload: true}}))
	require.NoError(t, store.GrantRoleToTarget(ctx, &types.TargetRoleAssignment{TargetID: "t1", RoleID: "uploader"}))
	require.NoError(t, store.GrantRoleToTarget(ctx, &types.TargetRoleAssignment{TargetID: "t1", RoleID: "downloader"}))
	require.NoError(t, checker.GrantRole(ctx, "u1", "uploader", "admin", nil))
	require.NoError(t, checker.GrantRole(ctx, "u1", "downloader", "admin", nil))

	eff, ok, err := eng.Resolve(ctx, "u1", &types.Target{ID: "t1"})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, eff.AllowUpload)
	require.True(t, eff.AllowDownload)

	require.True(t, Evaluate(eff, OpOpenRead, []string{"/etc/passwd"}, nil).Allowed)
	require.True(t, Evaluate(eff, OpOpenWrite, []string{"/tmp/upload.txt"}, nil).Allowed)
}

func TestMaxFileSizeIsMaximumAcrossRoles(t *testing.T) {
	eff := &Effective{}
	eff.AllowUpload = true
	small := u64(100)
	big := u64(10000)
	_ = small
	_ = big

	// Simulate Resolve's merge loop directly: two roles, 100 then 10000.
	e := mergeMaxSize(nil, small)
	e = mergeMaxSize(e, big)
	require.Equal(t, uint64(10000), *e)
}

func mergeMaxSize(cur, next *uint64) *uint64 {
	if next == nil {
		return nil
	}
	if cur == nil || *next > *cur {
		return next
	}
	return cur
}

func TestMetadataOpsAllowedWithNoTransferPermissions(t *testing.T) {
	eff := &Effective{}
	require.True(t, Evaluate(eff, OpReaddir, nil, nil).Allowed)
	require.True(t, Evaluate(eff, OpStat, nil, nil).Allowed)
	require.False(t, Evaluate(eff, OpOpenRead, nil, nil).Allowed)
	require.False(t, Evaluate(eff, OpOpenWrite, nil, nil).Allowed)
}

func TestExtendedUnknownRequiresBoth(t *testing.T) {
	eff := &Effective{AllowUpload: true, AllowDownload: false}
	require.False(t, Evaluate(eff, OpExtendedUnknown, nil, nil).Allowed)
	eff.AllowDownload = true
	require.True(t, Evaluate(eff, OpExtendedUnknown, nil, nil).Allowed)
}

func TestBlockedExtensionCaseInsensitive(t *testing.T) {
	eff := &Effective{AllowUpload: true, BlockedExtensions: []string{"exe"}}
	require.False(t, Evaluate(eff, OpOpenWrite, []string{"/tmp/virus.EXE"}, nil).Allowed)
	require.True(t, Evaluate(eff, OpOpenWrite, []string{"/tmp/virus.txt"}, nil).Allowed)
}

func TestMaxFileSizeEnforced(t *testing.T) {
	eff := &Effective{AllowUpload: true, MaxFileSize: u64(10)}
	require.True(t, Evaluate(eff, OpOpenWrite, []string{"/tmp/a"}, u64(5)).Allowed)
	require.False(t, Evaluate(eff, OpOpenWrite, []string{"/tmp/a"}, u64(11)).Allowed)
}

func TestRenameChecksBothPaths(t *testing.T) {
	eff := &Effective{AllowUpload: true, AllowedPaths: []string{"/home/alice/**"}}
	ok := Evaluate(eff, OpRename, []string{"/home/alice/a", "/home/alice/b"}, nil)
	require.True(t, ok.Allowed)
	bad := Evaluate(eff, OpRename, []string{"/home/alice/a", "/etc/passwd"}, nil)
	require.False(t, bad.Allowed)
}

func TestGlobMatching(t *testing.T) {
	require.True(t, globMatch("/home/*/docs/*.txt", "/home/alice/docs/report.txt"))
	require.False(t, globMatch("/home/*/docs/*.txt", "/home/alice/sub/docs/report.txt"))
	require.True(t, globMatch("/home/**", "/home/alice/sub/docs/report.txt"))
	require.True(t, globMatch("/home/**", "/home/alice"))
}

func TestResolveDeniesWhenNoSharedRole(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryStore()
	checker := &authz.Checker{Store: store}
	eng := NewEngine(checker)
	require.NoError(t, store.PutUser(ctx, &types.User{ID: "u1", Username: "alice"}))
	require.NoError(t, store.PutTarget(ctx, &types.Target{ID: "t1", Name: "db1"}))

	_, ok, err := eng.Resolve(ctx, "u1", &types.Target{ID: "t1"})
	require.NoError(t, err)
	require.False(t, ok)
}
