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
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/warpgate/lib/defaults"
)

// KnownHostsStore pins one upstream host key per target name, in
// memory. It backs both host_key_verification modes: auto_accept
// records the first key seen; strict only ever reads a key that was
// pinned ahead of time (by the admin surface, out of scope here).
type KnownHostsStore struct {
	mu   sync.Mutex
	keys map[string]ssh.PublicKey
}

// NewKnownHostsStore constructs an empty store.
func NewKnownHostsStore() *KnownHostsStore {
	return &KnownHostsStore{keys: make(map[string]ssh.PublicKey)}
}

// Get returns the pinned key for target, if any.
func (s *KnownHostsStore) Get(target string) (ssh.PublicKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[target]
	return k, ok
}

// Put pins key for target, overwriting any previous pin (used to seed
// strict mode ahead of time, and by auto_accept on first connect).
func (s *KnownHostsStore) Put(target string, key ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[target] = key
}

// LoadOrGenerateHostKeys loads Ed25519 and RSA host key signers from
// dir, generating and persisting them on first run. Both algorithms are
// always advertised (spec.md §4.6 "advertising host keys of both
// Ed25519 and RSA").
func LoadOrGenerateHostKeys(dir string) ([]ssh.Signer, error) {
	if err := os.MkdirAll(dir, defaults.SharedDirMode); err != nil {
		return nil, trace.Wrap(err)
	}

	ed25519Signer, err := loadOrGenerateKey(filepath.Join(dir, "ssh_host_ed25519_key"), generateEd25519)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rsaSigner, err := loadOrGenerateKey(filepath.Join(dir, "ssh_host_rsa_key"), generateRSA)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return []ssh.Signer{ed25519Signer, rsaSigner}, nil
}

func generateEd25519() (any, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, err
}

func generateRSA() (any, error) {
	return rsa.GenerateKey(rand.Reader, 4096)
}

// loadOrGenerateKey reads an existing PKCS#8 PEM-encoded private key
// from path, or generates, persists, and returns a fresh one via gen.
func loadOrGenerateKey(path string, gen func() (any, error)) (ssh.Signer, error) {
	if pemBytes, err := os.ReadFile(path); err == nil {
		return ssh.ParsePrivateKey(pemBytes)
	}

	key, err := gen()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, trace.Wrap(err)
	}
	return ssh.ParsePrivateKey(pemBytes)
}
