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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/warpgate/lib/sftpperm"
)

func TestScpCommandUpload(t *testing.T) {
	path, upload, ok := scpCommand("scp -t /home/alice/file.txt")
	require.True(t, ok)
	require.True(t, upload)
	require.Equal(t, "/home/alice/file.txt", path)
}

func TestScpCommandDownload(t *testing.T) {
	path, upload, ok := scpCommand("/usr/bin/scp -f /data/report.csv")
	require.True(t, ok)
	require.False(t, upload)
	require.Equal(t, "/data/report.csv", path)
}

func TestScpCommandIgnoresOtherFlags(t *testing.T) {
	path, upload, ok := scpCommand("scp -r -p -t /data/dir")
	require.True(t, ok)
	require.True(t, upload)
	require.Equal(t, "/data/dir", path)
}

func TestScpCommandRejectsNonSCP(t *testing.T) {
	_, _, ok := scpCommand("bash -c 'ls'")
	require.False(t, ok)
}

func TestParseSCPControlLine(t *testing.T) {
	mode, size, name, ok := parseSCPControlLine("C0644 1234 upload.bin\n")
	require.True(t, ok)
	require.Equal(t, "0644", mode)
	require.EqualValues(t, 1234, size)
	require.Equal(t, "upload.bin", name)
}

func TestParseSCPControlLineRejectsDirectoryLine(t *testing.T) {
	_, _, _, ok := parseSCPControlLine("D0755 0 subdir\n")
	require.False(t, ok)
}

func TestEvaluateSCPOpDeniesWithoutGrant(t *testing.T) {
	b := &bridge{}
	decision := b.evaluateSCPOp(&sftpperm.Effective{}, false, sftpperm.OpOpenWrite, "/x", nil)
	require.False(t, decision.Allowed)
}

func TestEvaluateSCPOpAllowsWithinGrant(t *testing.T) {
	b := &bridge{}
	decision := b.evaluateSCPOp(&sftpperm.Effective{AllowUpload: true}, true, sftpperm.OpOpenWrite, "/x", nil)
	require.True(t, decision.Allowed)
}
