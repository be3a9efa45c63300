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

// Package sshproxy implements C6, the largest subsystem: an SSH-2 server
// that terminates client connections, drives the shared auth state
// machine (lib/auth/attempt) across password/public-key/keyboard-
// interactive/in-browser-approval factors, resolves a target from the
// connecting username, opens an upstream SSH client connection to that
// target, and bridges every downstream channel to a matching upstream
// one (spec.md §4.6). Subsystem "sftp" channels are additionally parsed
// so C4 (lib/sftpperm) can authorize or deny each individual file-
// transfer operation (sftp.go); session channels that exec an scp
// server-mode command are gated through C4 as well (scp.go); every other
// channel type is piped opaquely (bridge.go).
package sshproxy

import (
	"context"
	"net"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/warpgate/lib/auth/attempt"
	"github.com/gravitational/warpgate/lib/authz"
	"github.com/gravitational/warpgate/lib/logutils"
	"github.com/gravitational/warpgate/lib/services"
	"github.com/gravitational/warpgate/lib/sftpperm"
	"github.com/gravitational/warpgate/lib/tickets"
	"github.com/gravitational/warpgate/lib/types"
)

// HostKeyVerification selects how the proxy trusts an upstream target's
// host key (spec.md §4.6 "host-key verification follows the target
// configuration").
type HostKeyVerification string

const (
	HostKeyAutoAccept HostKeyVerification = "auto_accept"
	HostKeyStrict     HostKeyVerification = "strict"
)

// Proxy is the SSH-2 front-end. One Proxy serves every accepted
// connection on the configured listener.
type Proxy struct {
	Store    services.Store
	Attempts *attempt.Manager
	Authz    *authz.Checker
	Tickets  *tickets.Store
	SFTP     *sftpperm.Engine

	// HostKeys are the gateway's own signers, offered to clients. Both
	// Ed25519 and RSA are advertised per spec.md §4.6.
	HostKeys []ssh.Signer

	// HostKeyVerification governs trust of upstream target host keys.
	HostKeyVerification HostKeyVerification
	// KnownHosts records pinned upstream host keys by target name, used
	// in HostKeyStrict mode and populated on first connect in
	// HostKeyAutoAccept mode.
	KnownHosts *KnownHostsStore

	Log logrus.FieldLogger
}

// NewProxy constructs a Proxy serving the given host keys (see
// LoadOrGenerateHostKeys).
func NewProxy(store services.Store, attempts *attempt.Manager, az *authz.Checker, tk *tickets.Store, hostKeys []ssh.Signer, verification HostKeyVerification) *Proxy {
	return &Proxy{
		Store:                store,
		Attempts:             attempts,
		Authz:                az,
		Tickets:              tk,
		SFTP:                 sftpperm.NewEngine(az),
		HostKeys:             hostKeys,
		HostKeyVerification:  verification,
		KnownHosts:           NewKnownHostsStore(),
		Log:                  logutils.NewComponentLogger("srv/sshproxy"),
	}
}

// Serve accepts connections on ln until it is closed or ctx is
// cancelled, handling each on its own goroutine (spec.md §5 "each
// accepted client connection becomes a root task").
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return trace.Wrap(err)
		}
		go func() {
			if err := p.HandleConnection(ctx, conn); err != nil {
				p.Log.WithError(err).Debug("ssh connection closed")
			}
		}()
	}
}

// HandleConnection is the per-accepted-connection entry point: it
// completes the SSH handshake (authenticating via config built in
// auth.go), resolves the authenticated target, opens the upstream
// client, and bridges every channel until the connection closes.
func (p *Proxy) HandleConnection(ctx context.Context, netConn net.Conn) error {
	defer netConn.Close()

	cc := &connContext{proxy: p, remoteAddr: netConn.RemoteAddr().String()}
	config := p.serverConfig(ctx, cc)

	sConn, chans, globalReqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		return trace.Wrap(err)
	}
	defer sConn.Close()

	if cc.target == nil {
		return trace.AccessDenied("authentication succeeded without a resolved target")
	}

	log := p.Log.WithField("user", cc.user.Username).WithField("target", cc.target.Name).WithField("remote", cc.remoteAddr)
	log.Info("ssh session established")

	upstream, err := p.dialUpstream(ctx, cc.target)
	if err != nil {
		log.WithError(err).Warn("failed to connect to upstream target")
		return trace.Wrap(err)
	}
	defer upstream.Close()

	strict, err := p.strictModeEngaged(ctx, cc)
	if err != nil {
		return trace.Wrap(err)
	}

	b := &bridge{
		proxy:       p,
		ctx:         ctx,
		log:         log,
		downstream:  sConn,
		upstream:    upstream,
		cc:          cc,
		strictGated: strict,
	}
	return b.run(chans, globalReqs)
}

// strictModeEngaged implements spec.md §4.4 "strict vs permissive mode":
// when sftp_permission_mode is strict and the user's effective
// permissions on this target are not fully open, shell/exec/forwarding
// channels are also denied.
func (p *Proxy) strictModeEngaged(ctx context.Context, cc *connContext) (bool, error) {
	params, err := p.Store.GetParameters(ctx)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if params.SFTPPermissionMode != types.SFTPModeStrict {
		return false, nil
	}
	eff, ok, err := p.SFTP.Resolve(ctx, cc.user.ID, cc.target)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if !ok {
		// No role grants file transfer at all on this target: treat as
		// the most restrictive case, strict mode applies.
		return true, nil
	}
	return !eff.FullyOpen, nil
}
