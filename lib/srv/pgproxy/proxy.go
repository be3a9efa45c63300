/*
Copyright 2020-2021 Gravitational, Inc.

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

// Package pgproxy implements C9: a PostgreSQL wire-protocol terminator
// that authenticates the client against the shared auth state machine and
// then splices to the named target using the target's own upstream
// credentials (spec.md §4.9). handleStartup is adapted directly from the
// teacher's Postgres proxy, which drives the identical SSLRequest /
// GSSEncRequest / StartupMessage exchange over the same
// github.com/jackc/pgproto3/v2 frame types.
package pgproxy

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgproto3/v2"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/warpgate/lib/auth/attempt"
	"github.com/gravitational/warpgate/lib/authz"
	"github.com/gravitational/warpgate/lib/logutils"
	"github.com/gravitational/warpgate/lib/services"
	"github.com/gravitational/warpgate/lib/types"
)

// Proxy terminates Postgres client connections.
type Proxy struct {
	Store    services.Store
	Attempts *attempt.Manager
	Authz    *authz.Checker

	// TLSConfig is the gateway's own certificate, offered to the client
	// when it issues an SSLRequest. Nil disables TLS with the client.
	TLSConfig *tls.Config

	Log logrus.FieldLogger
}

// NewProxy constructs a Proxy.
func NewProxy(store services.Store, attempts *attempt.Manager, az *authz.Checker, tlsConfig *tls.Config) *Proxy {
	return &Proxy{
		Store:     store,
		Attempts:  attempts,
		Authz:     az,
		TLSConfig: tlsConfig,
		Log:       logutils.NewComponentLogger("srv/pgproxy"),
	}
}

// HandleConnection is the per-accepted-connection entry point.
func (p *Proxy) HandleConnection(ctx context.Context, clientConn net.Conn) error {
	defer clientConn.Close()

	startup, conn, backend, err := p.handleStartup(clientConn)
	if err != nil {
		return trace.Wrap(err)
	}

	rawUser := startup.Parameters["user"]
	username, targetName, err := splitUsername(rawUser)
	if err != nil {
		return p.deny(backend, err)
	}

	a := p.Attempts.Begin(types.ProtocolPostgres, conn.RemoteAddr().String())
	state, err := a.Identify(ctx, username)
	if err != nil {
		return trace.Wrap(err)
	}

	state, err = p.driveAttempt(ctx, a, state, backend)
	if err != nil {
		return trace.Wrap(err)
	}
	if state != attempt.StateSuccess {
		return p.deny(backend, trace.AccessDenied("authentication failed"))
	}

	target, err := p.Store.GetTargetByName(ctx, targetName)
	if err != nil {
		return p.deny(backend, trace.NotFound("no such target %q", targetName))
	}
	if target.Kind != types.TargetPostgres || target.Postgres == nil {
		return p.deny(backend, trace.BadParameter("target %q is not a postgres target", targetName))
	}
	ok, err := p.Authz.Authorize(ctx, a.User().ID, target)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return p.deny(backend, trace.AccessDenied("not authorized for target %q", targetName))
	}

	upstream, err := p.dialUpstream(ctx, target.Postgres, startup)
	if err != nil {
		return p.deny(backend, trace.Wrap(err))
	}
	defer upstream.Close()

	if err := backend.Send(&pgproto3.AuthenticationOk{}); err != nil {
		return trace.Wrap(err)
	}
	if err := backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'}); err != nil {
		return trace.Wrap(err)
	}

	p.Log.WithField("target", targetName).WithField("user", username).Info("postgres session established")
	return splice(conn, upstream)
}

// driveAttempt walks the attempt through every factor the client's
// credential policy requires, prompting over the wire as each Needed
// state demands. AuthenticationCleartextPassword doubles as the wire
// carrier for both password and OTP factors: Postgres' wire protocol has
// no native second factor, so the code is requested exactly like a
// password, in its own round (spec.md leaves the exact prompt mechanics
// unspecified beyond "cleartext / SASL").
func (p *Proxy) driveAttempt(ctx context.Context, a *attempt.Attempt, state attempt.State, backend *pgproto3.Backend) (attempt.State, error) {
	for {
		switch state {
		case attempt.StatePasswordNeeded, attempt.StateOtpNeeded:
			kind := types.CredentialPassword
			if state == attempt.StateOtpNeeded {
				kind = types.CredentialTotp
			}
			value, err := p.collectCleartext(backend)
			if err != nil {
				return state, trace.Wrap(err)
			}
			offer := attempt.Offer{Kind: kind}
			if kind == types.CredentialPassword {
				offer.Password = value
			} else {
				offer.TOTPCode = value
			}
			next, err := a.Submit(ctx, offer)
			if err != nil && next != attempt.StateFailed {
				// Rejected offer: stay in the same Needed state and prompt
				// again, mirroring psql's own retry loop.
				continue
			}
			state = next
		case attempt.StateWebUserApprovalNeeded:
			next, err := a.AwaitApproval(ctx)
			if err != nil {
				return state, trace.Wrap(err)
			}
			state = next
		case attempt.StatePublicKeyNeeded:
			// Postgres has no public-key client auth; a policy demanding
			// one here can never be satisfied over this protocol.
			return a.Fail(attempt.ReasonPolicyUnmet), nil
		default:
			return state, nil
		}
	}
}

func (p *Proxy) collectCleartext(backend *pgproto3.Backend) (string, error) {
	if err := backend.Send(&pgproto3.AuthenticationCleartextPassword{}); err != nil {
		return "", trace.Wrap(err)
	}
	msg, err := backend.Receive()
	if err != nil {
		return "", trace.Wrap(err)
	}
	pm, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return "", trace.BadParameter("expected password message, got %T", msg)
	}
	return pm.Password, nil
}

func (p *Proxy) deny(backend *pgproto3.Backend, cause error) error {
	_ = backend.Send(&pgproto3.ErrorResponse{
		Severity: "FATAL",
		Code:     pgerrcode.InvalidAuthorizationSpecification,
		Message:  "authentication failed",
	})
	return trace.Wrap(cause)
}

// handleStartup handles the SSLRequest / GSSEncRequest / StartupMessage
// exchange, adapted from the teacher's Postgres proxy handleStartup.
func (p *Proxy) handleStartup(clientConn net.Conn) (*pgproto3.StartupMessage, net.Conn, *pgproto3.Backend, error) {
	receivedSSLRequest := false
	for {
		backend := pgproto3.NewBackend(pgproto3.NewChunkReader(clientConn), clientConn)
		startupMessage, err := backend.ReceiveStartupMessage()
		if err != nil {
			return nil, nil, nil, trace.Wrap(err)
		}
		switch m := startupMessage.(type) {
		case *pgproto3.SSLRequest:
			if receivedSSLRequest {
				return nil, nil, nil, trace.BadParameter("received more than one SSLRequest")
			}
			receivedSSLRequest = true
			if p.TLSConfig == nil {
				if _, err := clientConn.Write([]byte("N")); err != nil {
					return nil, nil, nil, trace.Wrap(err)
				}
			} else {
				if _, err := clientConn.Write([]byte("S")); err != nil {
					return nil, nil, nil, trace.Wrap(err)
				}
				clientConn = tls.Server(clientConn, p.TLSConfig)
			}
			continue
		case *pgproto3.GSSEncRequest:
			if _, err := clientConn.Write([]byte("N")); err != nil {
				return nil, nil, nil, trace.Wrap(err)
			}
			continue
		case *pgproto3.StartupMessage:
			return m, clientConn, backend, nil
		}
		return nil, nil, nil, trace.BadParameter("unsupported startup message: %#v", startupMessage)
	}
}

// dialUpstream connects to target using the target's own credentials and
// performs the client-side half of the startup handshake.
func (p *Proxy) dialUpstream(ctx context.Context, target *types.SQLOptions, startup *pgproto3.StartupMessage) (net.Conn, error) {
	addr := net.JoinHostPort(target.Host, portString(target.Port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if target.TLS.Mode != types.TLSDisabled {
		conn, err = upgradeToTLS(conn, target)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	frontend := pgproto3.NewFrontend(pgproto3.NewChunkReader(conn), conn)
	params := map[string]string{}
	for k, v := range startup.Parameters {
		params[k] = v
	}
	params["user"] = target.Username
	if err := frontend.Send(&pgproto3.StartupMessage{ProtocolVersion: startup.ProtocolVersion, Parameters: params}); err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}

	for {
		msg, err := frontend.Receive()
		if err != nil {
			conn.Close()
			return nil, trace.Wrap(err)
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationCleartextPassword:
			if err := frontend.Send(&pgproto3.PasswordMessage{Password: target.Password}); err != nil {
				conn.Close()
				return nil, trace.Wrap(err)
			}
		case *pgproto3.AuthenticationOk:
			// keep draining until ReadyForQuery
		case *pgproto3.ReadyForQuery:
			return conn, nil
		case *pgproto3.ErrorResponse:
			conn.Close()
			return nil, trace.AccessDenied("upstream rejected credentials: %s", m.Message)
		}
	}
}

func upgradeToTLS(conn net.Conn, target *types.SQLOptions) (net.Conn, error) {
	// Like a real client: send an SSLRequest (length 8, code 80877103)
	// and read the server's one-byte reply before upgrading.
	if _, err := conn.Write([]byte{0, 0, 0, 8, 0x04, 0xd2, 0x16, 0x2f}); err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}
	reply := make([]byte, 1)
	if _, err := io.ReadFull(conn, reply); err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}
	if reply[0] != 'S' {
		if target.TLS.Mode == types.TLSRequired {
			conn.Close()
			return nil, trace.AccessDenied("upstream postgres refused TLS")
		}
		return conn, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: !target.TLS.Verify}
	return tls.Client(conn, cfg), nil
}

func splice(a, b net.Conn) error {
	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(a, b)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(b, a)
		errCh <- err
	}()
	return trace.Wrap(<-errCh)
}

func splitUsername(raw string) (username, target string, err error) {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i], raw[i+1:], nil
	}
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		return raw[:i], raw[i+1:], nil
	}
	return "", "", trace.BadParameter("username %q does not carry a target (expected user#target)", raw)
}

func portString(port int) string {
	if port == 0 {
		port = 5432
	}
	return strconv.Itoa(port)
}
