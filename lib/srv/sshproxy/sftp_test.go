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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/warpgate/lib/sftpperm"
)

func TestSFTPPacketRoundTrip(t *testing.T) {
	body := []byte{sftpTypeOpen}
	body = appendUint32(body, 7)
	body = appendString(body, "/home/alice/file.txt")
	body = appendUint32(body, sftpFlagWrite)

	packet := make([]byte, 4+len(body))
	bigEndianPutUint32(packet, uint32(len(body)))
	copy(packet[4:], body)

	raw, parsedBody, err := readSFTPPacket(bytes.NewReader(packet))
	require.NoError(t, err)
	require.Equal(t, packet, raw)
	require.Equal(t, body, parsedBody)
}

func TestClassifySFTPRequestOpenWrite(t *testing.T) {
	st := &sftpState{handles: map[string]*sftpHandleState{}, pending: map[uint32]*sftpPendingOp{}}
	body := appendString(nil, "/data/out.bin")
	body = appendUint32(body, sftpFlagWrite)

	op, paths, size, meta := classifySFTPRequest(sftpTypeOpen, body, st)
	require.Equal(t, sftpperm.OpOpenWrite, op)
	require.Equal(t, []string{"/data/out.bin"}, paths)
	require.Nil(t, size)
	require.NotNil(t, meta)
	require.True(t, meta.openWrite)
	require.Equal(t, "/data/out.bin", meta.openPath)
}

func TestClassifySFTPRequestWriteAccumulatesSize(t *testing.T) {
	st := &sftpState{
		handles: map[string]*sftpHandleState{"h1": {path: "/data/out.bin", write: true, bytesWritten: 100}},
		pending: map[uint32]*sftpPendingOp{},
	}
	var req []byte
	req = appendString(req, "h1")
	req = append(req, 0, 0, 0, 0, 0, 0, 0, 0) // offset = 0
	req = appendString(req, "abcde")          // 5 bytes

	op, paths, size, _ := classifySFTPRequest(sftpTypeWrite, req, st)
	require.Equal(t, sftpperm.OpOpenWrite, op)
	require.Equal(t, []string{"/data/out.bin"}, paths)
	require.NotNil(t, size)
	require.EqualValues(t, 105, *size)
}

func TestEvaluateSFTPOpDeniesWithoutGrant(t *testing.T) {
	b := &bridge{}
	st := &sftpState{eff: &sftpperm.Effective{}, granted: false}
	decision := b.evaluateSFTPOp(st, sftpperm.OpOpenRead, []string{"/x"}, nil)
	require.False(t, decision.Allowed)
}

func TestEvaluateSFTPOpAllowsWithinGrant(t *testing.T) {
	b := &bridge{}
	st := &sftpState{eff: &sftpperm.Effective{AllowDownload: true, FullyOpen: false}, granted: true}
	decision := b.evaluateSFTPOp(st, sftpperm.OpOpenRead, []string{"/x"}, nil)
	require.True(t, decision.Allowed)
}

func bigEndianPutUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
