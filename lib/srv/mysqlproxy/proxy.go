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

// Package mysqlproxy implements C8: a MySQL wire-protocol terminator.
// The downstream handshake is hand-rolled against the raw frame shapes
// the MySQL protocol defines (this package owns the Handshake v10
// greeting and the AuthSwitchRequest/Response exchange it uses to drive
// the shared auth state machine one factor at a time); the upstream
// connection to the target's own database reuses
// github.com/go-mysql-org/go-mysql's client package, the same driver
// the teacher's database access layer links against for MySQL targets.
package mysqlproxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"strings"

	gomysqlclient "github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/packet"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/warpgate/lib/auth/attempt"
	"github.com/gravitational/warpgate/lib/authz"
	"github.com/gravitational/warpgate/lib/logutils"
	"github.com/gravitational/warpgate/lib/services"
	"github.com/gravitational/warpgate/lib/types"
)

const serverVersion = "8.0.28-warpgate"

// clearPasswordPlugin is advertised and re-advertised (via
// AuthSwitchRequest) for every cleartext-carrying factor: both the
// password and, when the policy requires it, the OTP code. MySQL's wire
// protocol has no dedicated second-factor frame, so a required OTP is
// requested as a second round of the same plugin exchange (mirrors the
// same choice made in lib/srv/pgproxy for Postgres).
const clearPasswordPlugin = "mysql_clear_password"

// Proxy terminates MySQL client connections.
type Proxy struct {
	Store    services.Store
	Attempts *attempt.Manager
	Authz    *authz.Checker
	Log      logrus.FieldLogger
}

// NewProxy constructs a Proxy.
func NewProxy(store services.Store, attempts *attempt.Manager, az *authz.Checker) *Proxy {
	return &Proxy{
		Store:    store,
		Attempts: attempts,
		Authz:    az,
		Log:      logutils.NewComponentLogger("srv/mysqlproxy"),
	}
}

// HandleConnection is the per-accepted-connection entry point.
func (p *Proxy) HandleConnection(ctx context.Context, clientConn net.Conn) error {
	defer clientConn.Close()
	conn := newWireConn(clientConn)

	scramble, err := conn.sendGreeting()
	if err != nil {
		return trace.Wrap(err)
	}

	rawUser, _, err := conn.readHandshakeResponse(scramble)
	if err != nil {
		return trace.Wrap(err)
	}

	username, targetName, err := splitUsername(rawUser)
	if err != nil {
		return p.deny(conn, err)
	}

	a := p.Attempts.Begin(types.ProtocolMySQL, clientConn.RemoteAddr().String())
	state, err := a.Identify(ctx, username)
	if err != nil {
		return trace.Wrap(err)
	}

	state, err = p.driveAttempt(ctx, a, state, conn)
	if err != nil {
		return trace.Wrap(err)
	}
	if state != attempt.StateSuccess {
		return p.deny(conn, trace.AccessDenied("authentication failed"))
	}

	target, err := p.Store.GetTargetByName(ctx, targetName)
	if err != nil {
		return p.deny(conn, trace.NotFound("no such target %q", targetName))
	}
	if target.Kind != types.TargetMySQL || target.MySQL == nil {
		return p.deny(conn, trace.BadParameter("target %q is not a mysql target", targetName))
	}
	ok, err := p.Authz.Authorize(ctx, a.User().ID, target)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return p.deny(conn, trace.AccessDenied("not authorized for target %q", targetName))
	}

	upstream, err := p.dialUpstream(target.MySQL)
	if err != nil {
		return p.deny(conn, trace.Wrap(err))
	}
	defer upstream.Close()

	if err := conn.writeOK(); err != nil {
		return trace.Wrap(err)
	}

	p.Log.WithField("target", targetName).WithField("user", username).Info("mysql session established")
	return splice(clientConn, upstream)
}

// driveAttempt walks the attempt through every factor its policy
// requires, issuing an AuthSwitchRequest for each cleartext-carrying
// round.
func (p *Proxy) driveAttempt(ctx context.Context, a *attempt.Attempt, state attempt.State, conn *wireConn) (attempt.State, error) {
	for {
		switch state {
		case attempt.StatePasswordNeeded, attempt.StateOtpNeeded:
			kind := types.CredentialPassword
			if state == attempt.StateOtpNeeded {
				kind = types.CredentialTotp
			}
			value, err := conn.switchToClearPassword()
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
			// MySQL's client auth plugins carry no public-key mechanism.
			return a.Fail(attempt.ReasonPolicyUnmet), nil
		default:
			return state, nil
		}
	}
}

func (p *Proxy) deny(conn *wireConn, cause error) error {
	_ = conn.writeErr(mysql.ER_ACCESS_DENIED_ERROR, "access denied")
	return trace.Wrap(cause)
}

// dialUpstream authenticates to the target's real database using its
// own stored credentials and returns the raw connection for splicing.
func (p *Proxy) dialUpstream(target *types.SQLOptions) (net.Conn, error) {
	addr := net.JoinHostPort(target.Host, portString(target.Port))
	c, err := gomysqlclient.Connect(addr, target.Username, target.Password, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return c.Conn.Conn, nil
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
		port = 3306
	}
	var buf [8]byte
	i := len(buf)
	n := port
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// wireConn wraps the raw per-connection packet framing used for the
// downstream handshake.
type wireConn struct {
	*packet.Conn
}

func newWireConn(nc net.Conn) *wireConn {
	return &wireConn{Conn: packet.NewConn(nc)}
}

// sendGreeting writes the Handshake v10 packet and returns the 20-byte
// scramble seed embedded in it.
func (c *wireConn) sendGreeting() ([]byte, error) {
	scramble := make([]byte, 20)
	if _, err := rand.Read(scramble); err != nil {
		return nil, trace.Wrap(err)
	}

	var buf bytes.Buffer
	buf.WriteByte(0x0a) // protocol version
	buf.WriteString(serverVersion)
	buf.WriteByte(0x00)
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // connection id
	buf.Write(scramble[:8])
	buf.WriteByte(0x00) // filler

	capabilities := uint32(mysql.CLIENT_LONG_PASSWORD | mysql.CLIENT_PROTOCOL_41 |
		mysql.CLIENT_SECURE_CONNECTION | mysql.CLIENT_PLUGIN_AUTH | mysql.CLIENT_CONNECT_WITH_DB)
	binary.Write(&buf, binary.LittleEndian, uint16(capabilities&0xffff))
	buf.WriteByte(0xff)                                      // character set (utf8mb4 placeholder)
	binary.Write(&buf, binary.LittleEndian, uint16(0x0002))  // status flags: autocommit
	binary.Write(&buf, binary.LittleEndian, uint16(capabilities>>16))
	buf.WriteByte(byte(len(scramble) + 1))
	buf.Write(make([]byte, 10)) // reserved
	buf.Write(scramble[8:])
	buf.WriteByte(0x00)
	buf.WriteString(clearPasswordPlugin)
	buf.WriteByte(0x00)

	if err := c.WritePacket(buf.Bytes()); err != nil {
		return nil, trace.Wrap(err)
	}
	return scramble, nil
}

// readHandshakeResponse parses the client's Handshake Response 41 packet
// and returns the username and initial auth response bytes.
func (c *wireConn) readHandshakeResponse(scramble []byte) (username string, authResponse []byte, err error) {
	data, err := c.ReadPacket()
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	if len(data) < 32 {
		return "", nil, trace.BadParameter("handshake response too short")
	}
	capabilities := binary.LittleEndian.Uint32(data[0:4])
	pos := 32

	end := bytes.IndexByte(data[pos:], 0x00)
	if end < 0 {
		return "", nil, trace.BadParameter("malformed username in handshake response")
	}
	username = string(data[pos : pos+end])
	pos += end + 1

	if capabilities&mysql.CLIENT_PLUGIN_AUTH_LENENC_CLIENT_DATA != 0 {
		n, size := readLenEnc(data[pos:])
		pos += size
		authResponse = data[pos : pos+int(n)]
		pos += int(n)
	} else if capabilities&mysql.CLIENT_SECURE_CONNECTION != 0 {
		n := int(data[pos])
		pos++
		authResponse = data[pos : pos+n]
		pos += n
	} else {
		end := bytes.IndexByte(data[pos:], 0x00)
		authResponse = data[pos : pos+end]
		pos += end + 1
	}
	return username, authResponse, nil
}

func readLenEnc(data []byte) (value uint64, size int) {
	if len(data) == 0 {
		return 0, 0
	}
	switch {
	case data[0] < 0xfb:
		return uint64(data[0]), 1
	case data[0] == 0xfc:
		return uint64(binary.LittleEndian.Uint16(data[1:3])), 3
	case data[0] == 0xfd:
		return uint64(data[1]) | uint64(data[2])<<8 | uint64(data[3])<<16, 4
	default:
		return binary.LittleEndian.Uint64(data[1:9]), 9
	}
}

// switchToClearPassword issues an AuthSwitchRequest for the cleartext
// plugin and returns whatever the client sends back, unmodified.
func (c *wireConn) switchToClearPassword() (string, error) {
	var buf bytes.Buffer
	buf.WriteByte(0xfe)
	buf.WriteString(clearPasswordPlugin)
	buf.WriteByte(0x00)
	if err := c.WritePacket(buf.Bytes()); err != nil {
		return "", trace.Wrap(err)
	}
	resp, err := c.ReadPacket()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(bytes.TrimRight(resp, "\x00")), nil
}

func (c *wireConn) writeOK() error {
	var buf bytes.Buffer
	buf.WriteByte(0x00) // OK header
	buf.WriteByte(0x00) // affected rows
	buf.WriteByte(0x00) // last insert id
	binary.Write(&buf, binary.LittleEndian, uint16(0x0002))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	return trace.Wrap(c.WritePacket(buf.Bytes()))
}

func (c *wireConn) writeErr(code uint16, message string) error {
	var buf bytes.Buffer
	buf.WriteByte(0xff)
	binary.Write(&buf, binary.LittleEndian, code)
	buf.WriteByte('#')
	buf.WriteString("HY000")
	buf.WriteString(message)
	return trace.Wrap(c.WritePacket(buf.Bytes()))
}
