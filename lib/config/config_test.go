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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
ssh:
  enable: true
  listen: "0.0.0.0:2222"
http:
  enable: true
  listen: "0.0.0.0:8443"
  tls:
    certificate: /data/tls.crt
    key: /data/tls.key
mysql:
  enable: false
postgres:
  enable: false
kubernetes:
  enable: false
recordings:
  enable: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "warpgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:2222", cfg.SSH.Listen)
	require.Equal(t, HostKeyAutoAccept, cfg.SSH.HostKeyVerification)
	require.NotEmpty(t, cfg.SSH.Keys)
	require.False(t, cfg.MySQL.Enable)
}

func TestLoadRejectsMissingListen(t *testing.T) {
	path := writeConfig(t, "ssh:\n  enable: true\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadHostKeyVerification(t *testing.T) {
	path := writeConfig(t, "ssh:\n  enable: true\n  listen: \"0.0.0.0:2222\"\n  host_key_verification: bogus\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsHTTPWithoutTLS(t *testing.T) {
	path := writeConfig(t, "http:\n  enable: true\n  listen: \"0.0.0.0:8443\"\n")
	_, err := Load(path)
	require.Error(t, err)
}
