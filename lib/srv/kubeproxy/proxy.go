/*
Copyright 2020 Gravitational, Inc.

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

// Package kubeproxy implements C10: an HTTPS listener that routes
// `/<target_name>/<rest>` requests to the named cluster's API server,
// reauthenticating to that cluster with the target's own stored
// credentials independent of however the client authenticated to the
// gateway (spec.md §4.10). Building the upstream RoundTripper from a
// token or a client certificate via k8s.io/client-go/rest mirrors how
// the teacher's own Kubernetes access layer (lib/kube/proxy) builds a
// transport per cluster; path-prefix stripping and streaming reuse
// net/http/httputil.ReverseProxy exactly as lib/srv/httpproxy does for
// C7, since both are "terminate here, reauthenticate there" reverse
// proxies over HTTP/1.1 and HTTP/2.
package kubeproxy

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"k8s.io/client-go/rest"

	"github.com/gravitational/warpgate/lib/authz"
	"github.com/gravitational/warpgate/lib/logutils"
	"github.com/gravitational/warpgate/lib/services"
	"github.com/gravitational/warpgate/lib/tickets"
	"github.com/gravitational/warpgate/lib/types"
)

// Proxy is the Kubernetes API front-end.
type Proxy struct {
	Store      services.Store
	Authz      *authz.Checker
	Tickets    *tickets.Store
	TrustRoots *x509.CertPool
	TLSConfig  *tls.Config

	Log logrus.FieldLogger
}

// NewProxy constructs a Proxy.
func NewProxy(store services.Store, az *authz.Checker, tk *tickets.Store, trustRoots *x509.CertPool, tlsConfig *tls.Config) *Proxy {
	return &Proxy{
		Store:      store,
		Authz:      az,
		Tickets:    tk,
		TrustRoots: trustRoots,
		TLSConfig:  tlsConfig,
		Log:        logutils.NewComponentLogger("srv/kubeproxy"),
	}
}

// ServeHTTP authenticates the caller (bearer ticket or mTLS client
// certificate), resolves /<target_name>/... to a Target, authorizes it,
// and reverse-proxies the remainder of the path to the cluster.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := p.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	targetName, rest, err := splitPath(r.URL.Path)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	target, err := p.Store.GetTargetByName(r.Context(), targetName)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if target.Kind != types.TargetKubernetes || target.Kubernetes == nil {
		http.Error(w, "not a kubernetes target", http.StatusNotFound)
		return
	}
	ok, err := p.Authz.Authorize(r.Context(), userID, target)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	rp, err := p.reverseProxyFor(target.Kubernetes)
	if err != nil {
		http.Error(w, "bad cluster configuration", http.StatusBadGateway)
		return
	}
	r.URL.Path = rest
	rp.ServeHTTP(w, r)
}

// authenticate implements the bearer-ticket/mTLS split of spec.md §4.10:
// a ticket secret in the Authorization header identifies the caller
// without any TLS client certificate being required; otherwise the
// connection's own verified client certificate chain is used.
func (p *Proxy) authenticate(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		secret := strings.TrimPrefix(auth, "Bearer ")
		userID, _, ok, err := p.Tickets.Redeem(r.Context(), secret, "")
		if err != nil {
			return "", trace.Wrap(err)
		}
		if !ok {
			return "", trace.AccessDenied("invalid or expired ticket")
		}
		return userID, nil
	}

	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", trace.AccessDenied("no bearer ticket and no client certificate presented")
	}
	cert := r.TLS.PeerCertificates[0]
	opts := x509.VerifyOptions{Roots: p.TrustRoots, Intermediates: x509.NewCertPool()}
	for _, c := range r.TLS.PeerCertificates[1:] {
		opts.Intermediates.AddCert(c)
	}
	if _, err := cert.Verify(opts); err != nil {
		return "", trace.AccessDenied("client certificate did not verify: %v", err)
	}
	user, err := p.Store.GetUserByUsername(r.Context(), cert.Subject.CommonName)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return user.ID, nil
}

// reverseProxyFor builds a ReverseProxy whose transport reauthenticates
// to the target cluster using the target's own stored credentials,
// independent of how the caller authenticated to the gateway.
func (p *Proxy) reverseProxyFor(k *types.KubernetesOptions) (*httputil.ReverseProxy, error) {
	clusterURL, err := url.Parse(k.ClusterURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cfg := &rest.Config{
		Host: k.ClusterURL,
		TLSClientConfig: rest.TLSClientConfig{
			Insecure: !k.TLS.Verify,
		},
	}
	switch k.Auth {
	case types.KubernetesAuthToken:
		cfg.BearerToken = k.Token
	case types.KubernetesAuthCertificate:
		cfg.TLSClientConfig.CertData = []byte(k.CertPEM)
		cfg.TLSClientConfig.KeyData = []byte(k.KeyPEM)
	default:
		return nil, trace.BadParameter("kubernetes target has no upstream auth configured")
	}

	transport, err := rest.TransportFor(cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = clusterURL.Scheme
			req.URL.Host = clusterURL.Host
			req.Host = clusterURL.Host
		},
		Transport: transport,
		FlushInterval: -1, // stream watch responses promptly; never buffer.
	}, nil
}

// splitPath extracts the leading path segment as the target name and
// returns the remainder, prefix stripped, per spec.md §4.10.4.
func splitPath(p string) (targetName, rest string, err error) {
	trimmed := strings.TrimPrefix(p, "/")
	i := strings.IndexByte(trimmed, '/')
	if i < 0 {
		if trimmed == "" {
			return "", "", trace.BadParameter("no target in path")
		}
		return trimmed, "/", nil
	}
	return trimmed[:i], trimmed[i:], nil
}
