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
	"fmt"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/warpgate/lib/auth/attempt"
	"github.com/gravitational/warpgate/lib/types"
)

// connContext accumulates what a single downstream connection has
// resolved across userauth callbacks: username/target, the in-flight
// auth attempt, and finally (on success) the authenticated user and
// target rows.
type connContext struct {
	proxy      *Proxy
	remoteAddr string

	rawUsername string
	ticketMode   bool
	ticketSecret string
	targetName   string

	attempt *attempt.Attempt
	user    *types.User
	target  *types.Target
}

const ticketUsernamePrefix = "ticket-"

// splitSSHUsername parses the SSH username per spec.md §4.6: either
// "user:target", "user#target", or the special "ticket-<secret>" form.
func splitSSHUsername(raw string) (username, target, ticketSecret string, isTicket bool, err error) {
	if strings.HasPrefix(raw, ticketUsernamePrefix) {
		return "", "", strings.TrimPrefix(raw, ticketUsernamePrefix), true, nil
	}
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		return raw[:i], raw[i+1:], "", false, nil
	}
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i], raw[i+1:], "", false, nil
	}
	return "", "", "", false, trace.BadParameter("ssh username %q does not carry a target (expected user:target or user#target)", raw)
}

// serverConfig builds the per-connection ssh.ServerConfig. Every
// userauth method funnels into the connection's single attempt.Attempt
// via cc, so concurrent offers on one connection are serialized by
// Attempt's own mutex exactly as spec.md §4.2 requires.
func (p *Proxy) serverConfig(ctx context.Context, cc *connContext) *ssh.ServerConfig {
	config := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-Warpgate",
		AuthLogCallback: func(meta ssh.ConnMetadata, method string, err error) {
			if err != nil {
				p.Log.WithField("user", meta.User()).WithField("method", method).WithField("remote", meta.RemoteAddr()).Debug("ssh auth attempt rejected")
			}
		},
	}
	for _, signer := range p.HostKeys {
		config.AddHostKey(signer)
	}

	// Only register a callback for an enabled method: golang.org/x/crypto/ssh
	// advertises exactly the methods with a non-nil callback, which
	// implements spec.md §4.6's "advertise the intersection of
	// {publickey, password, keyboard-interactive} and the
	// ssh_client_auth_* parameters" (including the all-false fallback,
	// resolved once per connection by EffectiveSSHClientAuth).
	publicKey, password, keyboardInteractive := true, true, true
	if params, err := p.Store.GetParameters(ctx); err == nil {
		publicKey, password, keyboardInteractive = params.EffectiveSSHClientAuth()
	}
	if password {
		config.PasswordCallback = func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			return p.handlePassword(ctx, cc, meta, pw)
		}
	}
	if publicKey {
		config.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return p.handlePublicKey(ctx, cc, meta, key)
		}
	}
	if keyboardInteractive {
		config.KeyboardInteractiveCallback = func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			return p.handleKeyboardInteractive(ctx, cc, meta, challenge)
		}
	}
	return config
}

func (p *Proxy) beginOrResume(ctx context.Context, cc *connContext, meta ssh.ConnMetadata) (*connContext, error) {
	if cc.attempt != nil {
		return cc, nil
	}
	username, target, ticketSecret, isTicket, err := splitSSHUsername(meta.User())
	if err != nil {
		return cc, trace.Wrap(err)
	}
	cc.rawUsername = username
	cc.targetName = target
	cc.ticketMode = isTicket
	cc.ticketSecret = ticketSecret

	if isTicket {
		userID, targetID, ok, rerr := p.Tickets.Redeem(ctx, ticketSecret, "")
		if rerr != nil {
			return cc, trace.Wrap(rerr)
		}
		if !ok {
			return cc, trace.AccessDenied("invalid or expired ticket")
		}
		user, uerr := p.Store.GetUser(ctx, userID)
		if uerr != nil {
			return cc, trace.Wrap(uerr)
		}
		tgt, terr := p.Store.GetTarget(ctx, targetID)
		if terr != nil {
			return cc, trace.Wrap(terr)
		}
		cc.user = user
		cc.target = tgt
		return cc, nil
	}

	cc.attempt = p.Attempts.Begin(types.ProtocolSSH, cc.remoteAddr)
	if _, err := cc.attempt.Identify(ctx, username); err != nil {
		return cc, trace.Wrap(err)
	}
	return cc, nil
}

// resolveAndAuthorizeTarget is called once the attempt reaches Success:
// it looks up the named target, requires it be an SSH target, and
// authorizes it for the identified user (spec.md §4.6 "the server
// resolves the target ... must be an Ssh target authorized for the
// user").
func (p *Proxy) resolveAndAuthorizeTarget(ctx context.Context, cc *connContext) error {
	user := cc.attempt.User()
	target, err := p.Store.GetTargetByName(ctx, cc.targetName)
	if err != nil {
		return trace.AccessDenied("no such target %q", cc.targetName)
	}
	if target.Kind != types.TargetSSH || target.SSH == nil {
		return trace.AccessDenied("target %q is not an ssh target", cc.targetName)
	}
	ok, err := p.Authz.Authorize(ctx, user.ID, target)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.AccessDenied("user %q is not authorized for target %q", user.Username, cc.targetName)
	}
	cc.user = user
	cc.target = target
	return nil
}

func (p *Proxy) handlePassword(ctx context.Context, cc *connContext, meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if _, err := p.beginOrResume(ctx, cc, meta); err != nil {
		return nil, trace.Wrap(err)
	}
	if cc.ticketMode {
		return nil, trace.AccessDenied("ticket authentication requires no further factors")
	}
	state, err := cc.attempt.Submit(ctx, attempt.Offer{Kind: types.CredentialPassword, Password: string(password)})
	if err != nil {
		return nil, trace.AccessDenied("password rejected")
	}
	return p.finishIfTerminal(ctx, cc, state)
}

func (p *Proxy) handlePublicKey(ctx context.Context, cc *connContext, meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if _, err := p.beginOrResume(ctx, cc, meta); err != nil {
		return nil, trace.Wrap(err)
	}
	if cc.ticketMode {
		return nil, trace.AccessDenied("ticket authentication requires no further factors")
	}
	state, err := cc.attempt.Submit(ctx, attempt.Offer{Kind: types.CredentialPublicKey, PublicKey: key})
	if err != nil {
		return nil, trace.AccessDenied("public key rejected")
	}
	return p.finishIfTerminal(ctx, cc, state)
}

// handleKeyboardInteractive drives OTP prompts and the in-browser
// approval poll over the keyboard-interactive exchange, per spec.md
// §4.6: "keyboard-interactive is used to drive interactive OTP prompts
// and in-browser approval polling."
func (p *Proxy) handleKeyboardInteractive(ctx context.Context, cc *connContext, meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
	if _, err := p.beginOrResume(ctx, cc, meta); err != nil {
		return nil, trace.Wrap(err)
	}
	if cc.ticketMode {
		return nil, trace.AccessDenied("ticket authentication requires no further factors")
	}

	state := cc.attempt.State()
	for {
		switch state {
		case attempt.StateOtpNeeded:
			answers, err := challenge("Two-factor authentication", "", []string{"Enter OTP code: "}, []bool{true})
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if len(answers) == 0 {
				return nil, trace.AccessDenied("no otp code provided")
			}
			state, err = cc.attempt.Submit(ctx, attempt.Offer{Kind: types.CredentialTotp, TOTPCode: answers[0]})
			if err != nil {
				return nil, trace.AccessDenied("otp code rejected")
			}
		case attempt.StateWebUserApprovalNeeded:
			if _, err := challenge("Waiting for approval", fmt.Sprintf("Approve this login in your browser (auth id %s), then press enter.", cc.attempt.ID), nil, nil); err != nil {
				return nil, trace.Wrap(err)
			}
			var err error
			state, err = cc.attempt.AwaitApproval(ctx)
			if err != nil {
				return nil, trace.Wrap(err)
			}
		default:
			return p.finishIfTerminal(ctx, cc, state)
		}
	}
}

func (p *Proxy) finishIfTerminal(ctx context.Context, cc *connContext, state attempt.State) (*ssh.Permissions, error) {
	switch state {
	case attempt.StateSuccess:
		if err := p.resolveAndAuthorizeTarget(ctx, cc); err != nil {
			return nil, trace.Wrap(err)
		}
		return &ssh.Permissions{Extensions: map[string]string{"warpgate-auth-id": cc.attempt.ID}}, nil
	case attempt.StateFailed:
		return nil, trace.AccessDenied("authentication failed: %s", cc.attempt.Reason())
	default:
		// Still pending another factor: golang.org/x/crypto/ssh expects a
		// definitive per-callback result, so a still-open attempt reports
		// a (recoverable) rejection and the client retries the same or a
		// different method, exactly as it would against OpenSSH when one
		// factor of several has been accepted so far.
		return nil, trace.AccessDenied("additional authentication required")
	}
}

// portString renders a port number, defaulting to 22.
func portString(port int) string {
	if port == 0 {
		port = 22
	}
	return strconv.Itoa(port)
}
