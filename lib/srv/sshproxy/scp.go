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
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/gravitational/warpgate/lib/sftpperm"
)

// scp has its own interceptor here, separate from the SFTP packet
// interceptor in sftp.go: the legacy SCP protocol carried over an "exec"
// channel is gated by the same C4 (lib/sftpperm) evaluation the "sftp"
// subsystem uses, but it is not routed through the SFTP interceptor.
//
// scp's own wire protocol has no request/reply framing to intercept
// surgically the way SFTP does: a `C<mode> <size> <name>\n` control line
// is immediately followed by exactly <size> bytes of file content with
// no further markers, and the two ends take turns being producer and
// consumer depending on -t (upload, client is source) versus -f
// (download, server is source). So the interceptor here gates once per
// control line rather than once per packet, and aborts the whole
// transfer on denial rather than continuing with the next file -
// adequate for the single-file case this bridges, and still strictly
// more conservative than forwarding opaquely.

// scpNAKByte is the single-byte synchronization marker the scp control
// protocol exchanges after every control line and data block: 0
// acknowledges, 1/2 reject with an attached message line.
const scpNAKByte = 1

// scpCommand recognizes an OpenSSH scp server-mode invocation ("scp -t
// <path>" for upload, "scp -f <path>" for download - the shape the scp
// client itself invokes over a session's exec channel) and extracts the
// destination/source path and direction.
func scpCommand(cmd string) (path string, upload bool, ok bool) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "", false, false
	}
	base := fields[0]
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	if base != "scp" {
		return "", false, false
	}

	var dir byte
	var target string
	for _, f := range fields[1:] {
		switch {
		case f == "-t" || f == "-f":
			dir = f[1]
		case strings.HasPrefix(f, "-"):
			// -r, -d, -p, -v, -q and friends carry no path of their own.
		default:
			target = f
		}
	}
	if dir == 0 {
		return "", false, false
	}
	return target, dir == 't', true
}

// runSCPIntercept takes over a session channel that exec'd an scp
// server-mode command, resolving file-transfer permissions once (as
// runSFTPIntercept does) and gating the single control line that names
// the file being transferred before any of its bytes cross the bridge.
func (b *bridge) runSCPIntercept(downCh, upCh ssh.Channel, path string, upload bool) {
	eff, granted, err := b.proxy.SFTP.Resolve(b.ctx, b.cc.user.ID, b.cc.target)
	if err != nil {
		b.log.WithError(err).Warn("failed to resolve file transfer permissions, denying scp session")
		eff, granted = &sftpperm.Effective{}, false
	}

	if upload {
		b.scpGateUpload(downCh, upCh, path, eff, granted)
	} else {
		b.scpGateDownload(downCh, upCh, path, eff, granted)
	}
}

// scpGateUpload handles "scp -t": the client is the data source. After
// relaying the upstream's initial ready byte, it reads the client's
// control line, classifies it, then either forwards the control line and
// pumps exactly size+1 bytes of file content through verbatim, or
// synthesizes a NAK to the client and stops without forwarding the
// control line upstream.
func (b *bridge) scpGateUpload(downCh, upCh ssh.Channel, path string, eff *sftpperm.Effective, granted bool) {
	down := bufio.NewReader(downCh)
	up := bufio.NewReader(upCh)

	// The sink (the upstream "scp -t") sends a single ready byte before
	// the client sends its first control line.
	if !relayAck(up, downCh) {
		return
	}

	line, err := down.ReadString('\n')
	if err != nil {
		return
	}
	_, size, _, ok := parseSCPControlLine(line)
	if !ok {
		upCh.Write([]byte(line))
		pumpBothDirections(up, upCh, down, downCh)
		return
	}

	decision := b.evaluateSCPOp(eff, granted, sftpperm.OpOpenWrite, path, &size)
	b.logFileTransfer(sftpperm.OpOpenWrite, []string{path}, decision.Allowed, decision.Reason)
	if !decision.Allowed {
		writeSCPNAK(downCh, decision.Reason)
		return
	}

	if _, err := upCh.Write([]byte(line)); err != nil {
		return
	}
	if !relayAck(up, downCh) {
		return
	}

	if _, err := copyExactly(upCh, down, size+1); err != nil {
		return
	}
	relayAck(up, downCh)
}

// scpGateDownload handles "scp -f": the upstream target is the data
// source. We read its control line, classify it, then either forward
// the client's readiness ack and pump the file content verbatim, or
// answer the client with a NAK ourselves and close the session without
// ever asking the target for the file's bytes.
func (b *bridge) scpGateDownload(downCh, upCh ssh.Channel, path string, eff *sftpperm.Effective, granted bool) {
	down := bufio.NewReader(downCh)
	up := bufio.NewReader(upCh)

	// scp -f protocol: the client must send a single ready byte before
	// the source sends anything.
	if !relayAck(down, upCh) {
		return
	}

	line, err := up.ReadString('\n')
	if err != nil {
		return
	}
	_, size, _, ok := parseSCPControlLine(line)
	if !ok {
		downCh.Write([]byte(line))
		pumpBothDirections(up, upCh, down, downCh)
		return
	}

	decision := b.evaluateSCPOp(eff, granted, sftpperm.OpOpenRead, path, nil)
	b.logFileTransfer(sftpperm.OpOpenRead, []string{path}, decision.Allowed, decision.Reason)
	if !decision.Allowed {
		writeSCPNAK(downCh, decision.Reason)
		return
	}

	if _, err := downCh.Write([]byte(line)); err != nil {
		return
	}
	if !relayAck(down, upCh) {
		return
	}

	if _, err := copyExactly(downCh, up, size+1); err != nil {
		return
	}
	relayAck(down, upCh)
}

func (b *bridge) evaluateSCPOp(eff *sftpperm.Effective, granted bool, op sftpperm.Operation, path string, size *uint64) sftpperm.Decision {
	if !granted {
		return sftpperm.Decision{Allowed: false, Reason: "no role grants file transfer on this target"}
	}
	return sftpperm.Evaluate(eff, op, []string{path}, size)
}

// parseSCPControlLine parses a "C<mode> <size> <name>\n" / "D..." line.
// Directory push/pop ("D"/"E") lines carry no byte count of their own
// and are let through unclassified by the caller (ok=false).
func parseSCPControlLine(line string) (mode string, size uint64, name string, ok bool) {
	trimmed := strings.TrimRight(line, "\n")
	if len(trimmed) == 0 || trimmed[0] != 'C' {
		return "", 0, "", false
	}
	fields := strings.SplitN(trimmed[1:], " ", 3)
	if len(fields) != 3 {
		return "", 0, "", false
	}
	n, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return "", 0, "", false
	}
	return fields[0], n, fields[2], true
}

// writeSCPNAK answers the client directly with a protocol-level error,
// matching what the real scp binary would send on a permission failure.
func writeSCPNAK(w ssh.Channel, reason string) {
	if reason == "" {
		reason = "permission denied"
	}
	w.Write([]byte{scpNAKByte})
	w.Write([]byte(reason + "\n"))
}

// relayAck copies a single synchronization byte from src to dst,
// reporting whether it was a (possibly non-fatal) ACK/NAK rather than a
// read error.
func relayAck(src *bufio.Reader, dst ssh.Channel) bool {
	b, err := src.ReadByte()
	if err != nil {
		return false
	}
	dst.Write([]byte{b})
	return true
}

// copyExactly copies exactly n bytes from src to dst.
func copyExactly(dst ssh.Channel, src *bufio.Reader, n uint64) (int64, error) {
	var written int64
	buf := make([]byte, 32*1024)
	for n > 0 {
		chunk := uint64(len(buf))
		if n < chunk {
			chunk = n
		}
		r, err := src.Read(buf[:chunk])
		if r > 0 {
			if _, werr := dst.Write(buf[:r]); werr != nil {
				return written, werr
			}
			written += int64(r)
			n -= uint64(r)
		}
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// pumpBothDirections forwards whatever remains verbatim once the
// control-line parser sees something it doesn't recognize (a directory
// push/pop line, or an unsupported scp protocol extension): fail open
// to forwarding rather than wedging the session, since at that point
// nothing has been classified to deny. It reads through the buffered
// readers already wrapping each channel so nothing already buffered is
// dropped.
func pumpBothDirections(up *bufio.Reader, upCh ssh.Channel, down *bufio.Reader, downCh ssh.Channel) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upCh, down)
	}()
	go func() {
		defer wg.Done()
		io.Copy(downCh, up)
	}()
	wg.Wait()
}
