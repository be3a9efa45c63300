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

package loginprotect

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestIPBlocksAfterThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewGuard(Config{MaxFailuresPerIP: 3, MaxFailuresPerUser: 100, Window: time.Minute}, clock)

	for i := 0; i < 2; i++ {
		g.RecordFailure("1.2.3.4", "")
	}
	require.False(t, g.IsIPBlocked("1.2.3.4"))

	g.RecordFailure("1.2.3.4", "")
	require.True(t, g.IsIPBlocked("1.2.3.4"))
}

func TestWindowExpiresOldFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewGuard(Config{MaxFailuresPerIP: 2, MaxFailuresPerUser: 100, Window: time.Minute}, clock)

	g.RecordFailure("1.2.3.4", "")
	g.RecordFailure("1.2.3.4", "")
	require.True(t, g.IsIPBlocked("1.2.3.4"))

	clock.Advance(2 * time.Minute)
	require.False(t, g.IsIPBlocked("1.2.3.4"), "failures outside the window must not count")
}

func TestUserLockAndUnlock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewGuard(Config{MaxFailuresPerIP: 100, MaxFailuresPerUser: 2, Window: time.Minute}, clock)

	g.RecordFailure("1.2.3.4", "alice")
	g.RecordFailure("1.2.3.4", "alice")
	require.True(t, g.IsUserLocked("alice"))
	require.Contains(t, g.LockedUsers(), "alice")

	g.UnlockUser("alice")
	require.False(t, g.IsUserLocked("alice"))
}
