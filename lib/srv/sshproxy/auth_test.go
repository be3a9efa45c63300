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

package sshproxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitSSHUsernameColon(t *testing.T) {
	user, target, secret, isTicket, err := splitSSHUsername("alice:prod-web")
	require.NoError(t, err)
	require.False(t, isTicket)
	require.Empty(t, secret)
	require.Equal(t, "alice", user)
	require.Equal(t, "prod-web", target)
}

func TestSplitSSHUsernameHash(t *testing.T) {
	user, target, _, isTicket, err := splitSSHUsername("bob#db1")
	require.NoError(t, err)
	require.False(t, isTicket)
	require.Equal(t, "bob", user)
	require.Equal(t, "db1", target)
}

func TestSplitSSHUsernameTicket(t *testing.T) {
	user, target, secret, isTicket, err := splitSSHUsername("ticket-abc123")
	require.NoError(t, err)
	require.True(t, isTicket)
	require.Empty(t, user)
	require.Empty(t, target)
	require.Equal(t, "abc123", secret)
}

func TestSplitSSHUsernameRejectsBare(t *testing.T) {
	_, _, _, _, err := splitSSHUsername("alice")
	require.Error(t, err)
}

func TestPortStringDefaultsTo22(t *testing.T) {
	require.Equal(t, "22", portString(0))
	require.Equal(t, "2222", portString(2222))
}

func TestSubsystemNameDecodesWireString(t *testing.T) {
	payload := appendString(nil, "sftp")
	require.Equal(t, "sftp", decodeWireString(payload))
}

func TestSubsystemNameRejectsShortPayload(t *testing.T) {
	require.Empty(t, decodeWireString([]byte{0, 0}))
}
