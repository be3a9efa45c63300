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
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// bridge owns one authenticated downstream<->upstream connection pair
// and pumps every channel between them (spec.md §4.6 "channel bridge").
// Each downstream channel spawns exactly one matching upstream channel;
// data, window adjustments, EOF and close are forwarded verbatim.
type bridge struct {
	proxy *Proxy
	ctx   context.Context
	log   logrus.FieldLogger

	downstream *ssh.ServerConn
	upstream   *ssh.Client
	cc         *connContext

	// strictGated is true when sftp_permission_mode=strict and this
	// user's permissions on this target are not fully open: shell/exec/
	// forwarding channels are denied, SFTP stays subject to C4 alone
	// (spec.md §4.4 "strict vs permissive mode").
	strictGated bool

	mu        sync.Mutex
	forwards  map[string]net.Listener
}

func (b *bridge) run(chans <-chan ssh.NewChannel, globalReqs <-chan *ssh.Request) error {
	b.forwards = make(map[string]net.Listener)
	go b.handleGlobalRequests(globalReqs)

	for nc := range chans {
		nc := nc
		go b.handleChannel(nc)
	}

	b.mu.Lock()
	for _, ln := range b.forwards {
		ln.Close()
	}
	b.mu.Unlock()
	return nil
}

func (b *bridge) handleChannel(nc ssh.NewChannel) {
	switch nc.ChannelType() {
	case "session":
		b.handleSession(nc)
	case "direct-tcpip", "direct-streamlocal@openssh.com":
		if b.strictGated {
			nc.Reject(ssh.Prohibited, "blocked by sftp_permission_mode=strict")
			return
		}
		b.pipeChannel(nc)
	default:
		nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
	}
}

// pipeChannel opens a matching upstream channel and forwards requests
// and data in both directions verbatim, for channel types that carry no
// special semantics here (direct-tcpip and direct-streamlocal).
func (b *bridge) pipeChannel(nc ssh.NewChannel) {
	upCh, upReqs, err := b.upstream.OpenChannel(nc.ChannelType(), nc.ExtraData())
	if err != nil {
		openErr, ok := err.(*ssh.OpenChannelError)
		if ok {
			nc.Reject(openErr.Reason, openErr.Message)
		} else {
			nc.Reject(ssh.ConnectionFailed, err.Error())
		}
		return
	}
	downCh, downReqs, err := nc.Accept()
	if err != nil {
		upCh.Close()
		return
	}
	b.pump(downCh, downReqs, upCh, upReqs)
}

// pump forwards channel requests and data symmetrically until either
// side closes, per spec.md §5 "byte order is preserved end-to-end;
// window updates are respected so backpressure flows both ways" (this
// falls out of using ssh.Channel's own flow control on both sides).
func (b *bridge) pump(downCh ssh.Channel, downReqs <-chan *ssh.Request, upCh ssh.Channel, upReqs <-chan *ssh.Request) {
	defer downCh.Close()
	defer upCh.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upCh, downCh)
		upCh.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		io.Copy(downCh, upCh)
		downCh.CloseWrite()
	}()
	go forwardChannelRequests(downReqs, upCh)
	go forwardChannelRequests(upReqs, downCh)
	wg.Wait()
}

func forwardChannelRequests(reqs <-chan *ssh.Request, dst ssh.Channel) {
	for req := range reqs {
		ok, err := dst.SendRequest(req.Type, req.WantReply, req.Payload)
		if req.WantReply {
			req.Reply(ok && err == nil, nil)
		}
	}
}

// decodeWireString decodes a single SSH wire string (4-byte big-endian
// length, then the bytes): the payload shape of a "subsystem" request's
// name and an "exec" request's command line alike.
func decodeWireString(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload[:4])
	if uint64(n) > uint64(len(payload)-4) {
		return ""
	}
	return string(payload[4 : 4+n])
}

// handleSession bridges a "session" channel: pty-req/env/window-change/
// signal pass straight through; shell/exec are denied in strict mode;
// subsystem "sftp" hands the channel to the parsing interceptor instead
// of the opaque byte pump (spec.md §4.6).
func (b *bridge) handleSession(nc ssh.NewChannel) {
	upCh, upReqs, err := b.upstream.OpenChannel("session", nil)
	if err != nil {
		nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	downCh, downReqs, err := nc.Accept()
	if err != nil {
		upCh.Close()
		return
	}
	defer downCh.Close()
	defer upCh.Close()

	go forwardChannelRequests(upReqs, downCh)

	var sftpMode, started bool
	var scpPath string
	var scpUpload bool
loop:
	for req := range downReqs {
		if b.strictGated && (req.Type == "shell" || req.Type == "exec") {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		if req.Type == "exec" {
			if path, upload, ok := scpCommand(decodeWireString(req.Payload)); ok {
				sent, sendErr := upCh.SendRequest(req.Type, req.WantReply, req.Payload)
				if req.WantReply {
					req.Reply(sent && sendErr == nil, nil)
				}
				if sent && sendErr == nil {
					started, sftpMode, scpPath, scpUpload = true, false, path, upload
					break loop
				}
				continue
			}
		}

		wantsSFTP := req.Type == "subsystem" && decodeWireString(req.Payload) == "sftp"
		ok, sendErr := upCh.SendRequest(req.Type, req.WantReply, req.Payload)
		if req.WantReply {
			req.Reply(ok && sendErr == nil, nil)
		}
		if ok && sendErr == nil && (req.Type == "shell" || req.Type == "exec" || req.Type == "subsystem") {
			started = true
			sftpMode = wantsSFTP
			break loop
		}
	}
	if !started {
		return
	}

	// Further requests (window-change, signal) may still arrive once
	// data is flowing; keep forwarding them concurrently with the pump.
	go forwardChannelRequests(downReqs, upCh)

	if sftpMode {
		b.runSFTPIntercept(downCh, upCh)
		return
	}

	if scpPath != "" {
		b.runSCPIntercept(downCh, upCh, scpPath, scpUpload)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upCh, downCh)
		upCh.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		io.Copy(downCh, upCh)
		downCh.CloseWrite()
	}()
	wg.Wait()
}

// tcpipForwardRequest / cancelTCPIPForwardRequest mirror the wire
// payload of the "tcpip-forward" / "cancel-tcpip-forward" global
// requests (RFC 4254 §7.1), decoded with ssh.Unmarshal.
type tcpipForwardRequest struct {
	Addr string
	Port uint32
}

// forwardedTCPIPPayload is the "forwarded-tcpip" channel-open payload
// sent back to the downstream client for each accepted forwarded
// connection.
type forwardedTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// handleGlobalRequests implements keepalives, tcpip-forward and
// cancel-tcpip-forward at the connection level (spec.md §4.6 "global
// keepalive is honoured; ignoring an unknown global request replies
// with request_failure").
func (b *bridge) handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			b.handleTCPIPForward(req)
		case "cancel-tcpip-forward":
			b.handleCancelTCPIPForward(req)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (b *bridge) handleTCPIPForward(req *ssh.Request) {
	if b.strictGated {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}
	var payload tcpipForwardRequest
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}

	addr := net.JoinHostPort(payload.Addr, portString(int(payload.Port)))
	ln, err := b.upstream.Listen("tcp", addr)
	if err != nil {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}

	b.mu.Lock()
	b.forwards[addr] = ln
	b.mu.Unlock()

	if req.WantReply {
		req.Reply(true, nil)
	}

	go b.acceptForwarded(ln, payload.Addr, payload.Port)
}

func (b *bridge) handleCancelTCPIPForward(req *ssh.Request) {
	var payload tcpipForwardRequest
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}
	addr := net.JoinHostPort(payload.Addr, portString(int(payload.Port)))

	b.mu.Lock()
	ln, ok := b.forwards[addr]
	delete(b.forwards, addr)
	b.mu.Unlock()

	if ok {
		ln.Close()
	}
	if req.WantReply {
		req.Reply(ok, nil)
	}
}

// acceptForwarded relays every connection accepted on ln (opened on the
// upstream target by tcpip-forward) to the downstream client as a new
// "forwarded-tcpip" channel (spec.md §4.6 "incoming forwarded-tcpip from
// upstream yields a new forwarded-tcpip channel on the client").
func (b *bridge) acceptForwarded(ln net.Listener, listenAddr string, listenPort uint32) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go b.relayForwarded(conn, listenAddr, listenPort)
	}
}

func (b *bridge) relayForwarded(conn net.Conn, listenAddr string, listenPort uint32) {
	defer conn.Close()

	originHost, originPort := splitHostPortOr(conn.RemoteAddr().String())
	payload := ssh.Marshal(&forwardedTCPIPPayload{
		Addr:       listenAddr,
		Port:       listenPort,
		OriginAddr: originHost,
		OriginPort: originPort,
	})

	downCh, downReqs, err := b.downstream.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		return
	}
	defer downCh.Close()
	go ssh.DiscardRequests(downReqs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(downCh, conn)
		downCh.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		io.Copy(conn, downCh)
	}()
	wg.Wait()
}

func splitHostPortOr(addr string) (string, uint32) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var port uint32
	for _, c := range []byte(portStr) {
		if c < '0' || c > '9' {
			return host, 0
		}
		port = port*10 + uint32(c-'0')
	}
	return host, port
}
