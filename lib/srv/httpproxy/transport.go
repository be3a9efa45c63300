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

package httpproxy

import (
	"crypto/tls"
	"net/http"

	"github.com/gravitational/warpgate/lib/types"
)

// newTLSAwareTransport builds the http.RoundTripper used to reach a
// target's upstream, honoring target.http.tls (spec.md §4.7.9):
// Disabled never negotiates TLS even if the upstream offers it (plain
// HTTP only); Preferred and Required both dial with TLS, differing only
// in how their caller reacts to a handshake failure (Preferred falls
// back to plain HTTP, Required surfaces 502 - see proxyTo's
// ErrorHandler).
func newTLSAwareTransport(opts types.TLSOptions) http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Mode == types.TLSDisabled {
		base.TLSClientConfig = nil
		return &forceSchemeTransport{inner: base, scheme: "http"}
	}
	base.TLSClientConfig = &tls.Config{InsecureSkipVerify: !opts.Verify}
	if opts.Mode == types.TLSPreferred {
		return &fallbackTransport{tls: base}
	}
	return &forceSchemeTransport{inner: base, scheme: "https"}
}

// forceSchemeTransport pins the outgoing request's scheme regardless of
// what the Director set, so Disabled/Required modes can't be bypassed by
// an upstream redirect into the other scheme.
type forceSchemeTransport struct {
	inner  http.RoundTripper
	scheme string
}

func (t *forceSchemeTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = t.scheme
	return t.inner.RoundTrip(r)
}

// fallbackTransport tries TLS first and, only on a handshake-level
// failure, retries the same request once over plain HTTP. A successful
// plain attempt after a TLS failure is the only retry path; any other
// error (connection refused, timeout) is returned as-is.
type fallbackTransport struct {
	tls *http.Transport
}

func (t *fallbackTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	resp, err := t.tls.RoundTrip(r)
	if err == nil {
		return resp, nil
	}
	if _, ok := err.(*tls.CertificateVerificationError); !ok {
		if !isHandshakeFailure(err) {
			return nil, err
		}
	}
	plain := t.tls.Clone()
	plain.TLSClientConfig = nil
	r.URL.Scheme = "http"
	return plain.RoundTrip(r)
}

func isHandshakeFailure(err error) bool {
	_, ok := err.(*tls.RecordHeaderError)
	return ok
}
