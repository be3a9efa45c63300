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

package credentials

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestVerifyPassword(t *testing.T) {
	hash, err := HashPassword("123")
	require.NoError(t, err)

	require.True(t, VerifyPassword("123", hash))
	require.False(t, VerifyPassword("321", hash))
	// Unknown user/no stored credential: always false, never panics.
	require.False(t, VerifyPassword("123", ""))
}

func TestVerifyTOTP(t *testing.T) {
	secret := []byte("0123456789abcdef")
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	code, err := totp.GenerateCodeCustom(base32NoPad(secret), now, totp.ValidateOpts{
		Period: 30, Skew: 1, Digits: 6, Algorithm: 0,
	})
	require.NoError(t, err)

	require.True(t, VerifyTOTP(code, secret, now))
	require.True(t, VerifyTOTP(code, secret, now.Add(30*time.Second)))
	require.False(t, VerifyTOTP(code, secret, now.Add(90*time.Second)))
	require.False(t, VerifyTOTP("12345678", secret, now))
}

func TestVerifySSHPublicKey(t *testing.T) {
	_, pub, authorizedLine := generateTestKey(t)
	require.True(t, VerifySSHPublicKey(pub, authorizedLine))

	_, otherPub, _ := generateTestKey(t)
	require.False(t, VerifySSHPublicKey(otherPub, authorizedLine))
}

func generateTestKey(t *testing.T) (ssh.Signer, ssh.PublicKey, string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer, signer.PublicKey(), string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
}
