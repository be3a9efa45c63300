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

// Package credentials implements C1, the credential evaluator: it verifies
// one offered credential against one stored credential and never returns
// anything more informative than a boolean. Distinguishing "wrong
// password" from "unknown user" is the auth state machine's job (C2), not
// this package's — see VerifyPassword's decoy-hash comment.
package credentials

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/ssh"
)

// Argon2id parameters. Fixed rather than configurable: every hash
// self-describes its own params, so rotating these only affects newly
// hashed passwords.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 2
	argonKeyLen  = 32
	saltLen      = 16
)

// HashPassword returns a self-contained Argon2id encoded hash, in the
// conventional "$argon2id$v=19$m=...,t=...,p=...$salt$hash" form. No
// pepper: the spec forbids one, since the hash must be independently
// verifiable by any node holding only the stored value.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", trace.Wrap(err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// decoyHash is computed once, at package initialization (init), and
// compared against whenever the caller has no real stored hash to check
// (i.e. the user does not exist). This keeps VerifyPassword's runtime independent of whether the username
// was valid, per spec.md §4.1/§7 ("uniform timing ... regardless of
// whether the user existed").
var decoyHash string

func init() {
	h, err := HashPassword("warpgate-decoy-password-used-for-timing-uniformity")
	if err != nil {
		panic(err)
	}
	decoyHash = h
}

// VerifyPassword checks input against storedHash using constant-time
// comparison of the derived key. If storedHash is empty (no matching
// user/credential), it still runs one full Argon2id verification against
// a fixed decoy hash so the call takes the same wall-clock time either
// way, then returns false.
func VerifyPassword(input, storedHash string) bool {
	if storedHash == "" {
		verifyArgon2id(input, decoyHash)
		return false
	}
	return verifyArgon2id(input, storedHash)
}

func verifyArgon2id(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	// ["", "argon2id", "v=19", "m=...,t=...,p=...", salt, hash]
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false
	}
	var memory, time_, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time_, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, time_, memory, uint8(threads), uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// VerifyTOTP checks a 6-digit code against secret, accepting the current
// 30s window plus one step of drift in either direction (spec.md §4.1).
func VerifyTOTP(inputDigits string, secret []byte, now time.Time) bool {
	ok, err := totp.ValidateCustom(inputDigits, base32NoPad(secret), now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    6,
		Algorithm: 0, // otp.AlgorithmSHA1, the RFC 6238 default
	})
	if err != nil {
		return false
	}
	return ok
}

// base32NoPad encodes raw secret bytes the way pquerna/otp expects them:
// unpadded base32.
func base32NoPad(secret []byte) string {
	return strings.TrimRight(toBase32(secret), "=")
}

// VerifySSHPublicKey compares the offered key blob against storedOpenSSH
// (an authorized_keys-formatted line), by decoded key bytes, not by text.
func VerifySSHPublicKey(offered ssh.PublicKey, storedOpenSSH string) bool {
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(storedOpenSSH))
	if err != nil {
		return false
	}
	return bytes.Equal(offered.Marshal(), parsed.Marshal())
}

// VerifyClientCert validates an X.509 chain against trustRoots at time
// `now` and, if valid, returns the username derived from the leaf's
// subject CN.
func VerifyClientCert(chain []*x509.Certificate, now time.Time, trustRoots *x509.CertPool) (username string, ok bool) {
	if len(chain) == 0 {
		return "", false
	}
	leaf := chain[0]
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         trustRoots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return "", false
	}
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return "", false
	}
	if leaf.Subject.CommonName == "" {
		return "", false
	}
	return leaf.Subject.CommonName, true
}

// toBase32 is split out only so base32NoPad reads cleanly above.
func toBase32(b []byte) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	var sb strings.Builder
	var buf uint32
	var bits uint
	for _, c := range b {
		buf = buf<<8 | uint32(c)
		bits += 8
		for bits >= 5 {
			bits -= 5
			sb.WriteByte(alphabet[(buf>>bits)&0x1f])
		}
	}
	if bits > 0 {
		sb.WriteByte(alphabet[(buf<<(5-bits))&0x1f])
	}
	for sb.Len()%8 != 0 {
		sb.WriteByte('=')
	}
	return sb.String()
}

// FingerprintSHA256 returns the OpenSSH-style SHA256 fingerprint of key,
// used only for logging.
func FingerprintSHA256(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}
