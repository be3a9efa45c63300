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

package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/gravitational/warpgate/lib/auth/credentials"
	"github.com/gravitational/warpgate/lib/config"
	"github.com/gravitational/warpgate/lib/defaults"
)

type setupOptions struct {
	configPath     string
	sshPort        int
	httpPort       int
	mysqlPort      int
	postgresPort   int
	kubernetesPort int
	dataPath       string
	externalHost   string
}

// unattendedSetup writes a fresh configuration file to opts.configPath
// and bootstraps an `admin` user in the reserved warpgate:admin role,
// seeded with the password from WARPGATE_ADMIN_PASSWORD (spec.md §6).
// The front-ends that terminate TLS themselves (http, kubernetes) are
// given a freshly generated self-signed certificate under opts.dataPath
// so they come up enabled out of the box, the same way ssh's host keys
// are generated on first run rather than requiring an operator to
// supply material up front.
func unattendedSetup(opts setupOptions, log logrus.FieldLogger) error {
	password := os.Getenv("WARPGATE_ADMIN_PASSWORD")
	if password == "" {
		return trace.BadParameter("WARPGATE_ADMIN_PASSWORD must be set for unattended-setup")
	}
	passwordHash, err := credentials.HashPassword(password)
	if err != nil {
		return trace.Wrap(err, "hashing admin password")
	}

	if err := os.MkdirAll(opts.dataPath, defaults.SharedDirMode); err != nil {
		return trace.Wrap(err, "creating data path")
	}
	tlsDir := filepath.Join(opts.dataPath, "tls")
	certPath, keyPath, err := generateSelfSignedCert(tlsDir, opts.externalHost)
	if err != nil {
		return trace.Wrap(err, "generating front-end TLS certificate")
	}

	cfg := config.Config{
		SSH: config.SSHConfig{
			ProtocolConfig:      config.ProtocolConfig{Enable: true, Listen: fmt.Sprintf(":%d", opts.sshPort)},
			Keys:                filepath.Join(opts.dataPath, "ssh_host_keys"),
			HostKeyVerification: config.HostKeyAutoAccept,
		},
		HTTP: config.HTTPConfig{
			ProtocolConfig: config.ProtocolConfig{Enable: true, Listen: fmt.Sprintf(":%d", opts.httpPort)},
			TLS:            config.TLSConfig{CertificatePath: certPath, KeyPath: keyPath},
		},
		MySQL: config.SQLConfig{
			ProtocolConfig: config.ProtocolConfig{Enable: true, Listen: fmt.Sprintf(":%d", opts.mysqlPort)},
		},
		Postgres: config.SQLConfig{
			ProtocolConfig: config.ProtocolConfig{Enable: true, Listen: fmt.Sprintf(":%d", opts.postgresPort)},
		},
		Kubernetes: config.KubernetesConfig{
			ProtocolConfig: config.ProtocolConfig{Enable: true, Listen: fmt.Sprintf(":%d", opts.kubernetesPort)},
			TLS:            config.TLSConfig{CertificatePath: certPath, KeyPath: keyPath},
		},
		Data: config.DataConfig{Path: opts.dataPath},
		Seed: config.SeedConfig{
			Roles: []config.SeedRole{{Name: "warpgate:admin", AllowUpload: true, AllowDownload: true}},
			Users: []config.SeedUser{{Username: "admin", PasswordHash: passwordHash, Roles: []string{"warpgate:admin"}}},
		},
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err, "validating generated configuration")
	}

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return trace.Wrap(err, "encoding configuration")
	}
	if err := os.MkdirAll(filepath.Dir(opts.configPath), defaults.SharedDirMode); err != nil {
		return trace.Wrap(err, "creating config directory")
	}
	if err := os.WriteFile(opts.configPath, out, 0o600); err != nil {
		return trace.Wrap(err, "writing configuration file")
	}

	log.WithField("config", opts.configPath).WithField("external_host", opts.externalHost).
		Info("unattended setup complete; admin user seeded in warpgate:admin")
	return nil
}

// generateSelfSignedCert writes a freshly generated ECDSA P-256
// certificate/key pair for host under dir, reusing the
// x509.MarshalPKCS8PrivateKey/pem pattern sshproxy's host-key loader
// already uses for the same reason: no vendored certificate-generation
// helper is available to verify at the pinned dependency versions, so
// this sticks to stdlib primitives the rest of the repo already trusts
// for key material.
func generateSelfSignedCert(dir, host string) (certPath, keyPath string, err error) {
	certPath = filepath.Join(dir, "tls.crt")
	keyPath = filepath.Join(dir, "tls.key")
	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			return certPath, keyPath, nil
		}
	}

	if err := os.MkdirAll(dir, defaults.SharedDirMode); err != nil {
		return "", "", trace.Wrap(err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host, Organization: []string{"warpgate"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{host},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return "", "", trace.Wrap(err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return "", "", trace.Wrap(err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return "", "", trace.Wrap(err)
	}

	return certPath, keyPath, nil
}
