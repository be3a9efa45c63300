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
	"context"
	"net"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/warpgate/lib/defaults"
	"github.com/gravitational/warpgate/lib/types"
)

// insecureHostKeyAlgos names the weak host-key algorithm (bare ssh-rsa
// with SHA-1) accepted from an upstream only when
// target.AllowInsecureAlgos is set. KEX and MAC algorithms are left at
// the library defaults either way.
var insecureHostKeyAlgos = []string{ssh.KeyAlgoRSA}

// secureHostKeyAlgos is the host-key algorithm list every upstream dial
// offers.
var secureHostKeyAlgos = []string{
	ssh.KeyAlgoED25519, ssh.KeyAlgoECDSA256, ssh.KeyAlgoECDSA384,
	ssh.KeyAlgoECDSA521, ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256,
}

// dialUpstream opens the upstream ssh.Client to target using the
// target's configured credential, applying defaults.UpstreamDialTimeout
// and the target's host-key verification policy.
func (p *Proxy) dialUpstream(ctx context.Context, target *types.Target) (*ssh.Client, error) {
	opts := target.SSH
	addr := net.JoinHostPort(opts.Host, portString(opts.Port))

	authMethods, err := p.upstreamAuthMethods(opts)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	config := &ssh.ClientConfig{
		User:            opts.Username,
		Auth:            authMethods,
		Timeout:         defaults.UpstreamDialTimeout,
		HostKeyCallback: p.hostKeyCallback(target.Name),
	}
	config.HostKeyAlgorithms = append([]string{}, secureHostKeyAlgos...)
	if opts.AllowInsecureAlgos {
		config.HostKeyAlgorithms = append(config.HostKeyAlgorithms, insecureHostKeyAlgos...)
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaults.UpstreamDialTimeout)
	defer cancel()
	netConn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return nil, trace.Wrap(err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// upstreamAuthMethods resolves the credential this gateway presents to
// the target's own SSH server. SecretRef is used directly as the
// plaintext password, mirroring SQLOptions.Password's direct-field
// approach elsewhere in this repo (the target model carries no separate
// secret-store indirection).
func (p *Proxy) upstreamAuthMethods(opts *types.SSHOptions) ([]ssh.AuthMethod, error) {
	switch opts.Auth {
	case types.SSHAuthPublicKey:
		signer, err := ssh.ParsePrivateKey([]byte(opts.PrivateKeyPEM))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case types.SSHAuthPassword:
		return []ssh.AuthMethod{ssh.Password(opts.SecretRef)}, nil
	default:
		return nil, trace.BadParameter("unknown ssh target auth kind %q", opts.Auth)
	}
}

// hostKeyCallback implements spec.md §4.6's "host_key_verification":
// auto_accept pins the first key seen per target name; strict requires
// a key already pinned (e.g. by admin import) to match exactly.
func (p *Proxy) hostKeyCallback(targetName string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		pinned, ok := p.KnownHosts.Get(targetName)
		if !ok {
			if p.HostKeyVerification == HostKeyStrict {
				return trace.AccessDenied("no pinned host key for target %q in strict mode", targetName)
			}
			p.KnownHosts.Put(targetName, key)
			return nil
		}
		if !bytesEqualMarshaled(pinned, key) {
			return trace.AccessDenied("host key for target %q does not match the pinned key", targetName)
		}
		return nil
	}
}

func bytesEqualMarshaled(a, b ssh.PublicKey) bool {
	am, bm := a.Marshal(), b.Marshal()
	if len(am) != len(bm) {
		return false
	}
	for i := range am {
		if am[i] != bm[i] {
			return false
		}
	}
	return true
}
