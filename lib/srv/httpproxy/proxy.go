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

// Package httpproxy implements C7: a TLS-terminating HTTP(S) reverse
// proxy that resolves a target from the request (ticket, selector
// cookie, or query tag), authenticates/authorizes it, then forwards to
// target.http.url with redirect and cookie rewriting. Its self-served
// `/@warpgate/...` surface (login, OTP submission, the in-browser
// approval stream) is handled by api.go. The request rewriting and
// redirect-location logic is adapted from the teacher's
// lib/srv/app/transport.go rewriting http.RoundTripper, generalized from
// a single fixed application URI to a per-request target lookup.
package httpproxy

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/warpgate/lib/auth/attempt"
	"github.com/gravitational/warpgate/lib/authz"
	"github.com/gravitational/warpgate/lib/logutils"
	"github.com/gravitational/warpgate/lib/services"
	"github.com/gravitational/warpgate/lib/tickets"
	"github.com/gravitational/warpgate/lib/types"
)

const (
	selectorTargetParam = "warpgate-target"
	selectorTicketParam = "warpgate-ticket"
	sessionCookieName   = "warpgate-session"
	authHeaderScheme    = "Warpgate "
	loginPathPrefix     = "/@warpgate#/login?next="
)

// Proxy is the HTTP(S) reverse proxy front-end.
type Proxy struct {
	Store    services.Store
	Attempts *attempt.Manager
	Authz    *authz.Checker
	Tickets  *tickets.Store
	API      *API

	Log logrus.FieldLogger
}

// NewProxy constructs a Proxy.
func NewProxy(store services.Store, attempts *attempt.Manager, az *authz.Checker, tk *tickets.Store) *Proxy {
	p := &Proxy{
		Store:    store,
		Attempts: attempts,
		Authz:    az,
		Tickets:  tk,
		Log:      logutils.NewComponentLogger("srv/httpproxy"),
	}
	p.API = newAPI(p)
	return p
}

// ServeHTTP dispatches to the self-served admin surface or to a proxied
// target, per spec.md §4.7.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/@warpgate/") {
		p.API.ServeHTTP(w, r)
		return
	}

	userID, target, err := p.resolveTarget(r)
	if err != nil {
		p.redirectToLogin(w, r)
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

	p.proxyTo(w, r, target)
}

// resolveTarget implements the selector precedence of spec.md §4.7.2-3:
// Authorization header, then warpgate-ticket, then warpgate-target +
// session cookie. warpgate_target (underscore) is never a selector.
func (p *Proxy) resolveTarget(r *http.Request) (userID string, target *types.Target, err error) {
	ctx := r.Context()

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, authHeaderScheme) {
		secret := strings.TrimPrefix(auth, authHeaderScheme)
		return p.redeemTicket(ctx, secret)
	}

	if secret := r.URL.Query().Get(selectorTicketParam); secret != "" {
		return p.redeemTicket(ctx, secret)
	}

	targetName := r.URL.Query().Get(selectorTargetParam)
	if targetName == "" {
		return "", nil, trace.BadParameter("no target selector present")
	}
	cookie, cerr := r.Cookie(sessionCookieName)
	if cerr != nil || cookie.Value == "" {
		return "", nil, trace.AccessDenied("no authenticated session")
	}
	userID, ok := p.API.sessionUser(cookie.Value)
	if !ok {
		return "", nil, trace.AccessDenied("session not authenticated")
	}
	target, err = p.Store.GetTargetByName(ctx, targetName)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	return userID, target, nil
}

// redeemTicket resolves a target via a ticket secret. The ticket's own
// target always wins over a concurrently supplied warpgate-target, per
// spec.md §4.5/§9: a ticket's binding is never second-guessed by a
// plain selector, so warpgate-target is never threaded into the
// redemption call at all, let alone as a mismatch pin.
func (p *Proxy) redeemTicket(ctx context.Context, secret string) (string, *types.Target, error) {
	userID, targetID, ok, err := p.Tickets.Redeem(ctx, secret, "")
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	if !ok {
		return "", nil, trace.AccessDenied("invalid or expired ticket")
	}
	target, err := p.Store.GetTarget(ctx, targetID)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	return userID, target, nil
}

// redirectToLogin issues the 307 described in spec.md §4.7.3. The
// encoded "next" carries the original request path and query verbatim,
// percent-encoded with url.QueryEscape semantics so '?'/'&'/'=' and
// spaces are escaped but the path's own '-' characters are not
// over-escaped.
func (p *Proxy) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	original := r.URL.Path
	if r.URL.RawQuery != "" {
		original += "?" + r.URL.RawQuery
	}
	location := loginPathPrefix + url.QueryEscape(original)
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusTemporaryRedirect)
}

// proxyTo forwards the request to target.http.url, stripping the
// selector query parameters and rewriting any upstream redirect that
// points back at the target's own host.
func (p *Proxy) proxyTo(w http.ResponseWriter, r *http.Request, target *types.Target) {
	if target.Kind != types.TargetHTTP || target.HTTP == nil {
		http.Error(w, "not an http target", http.StatusBadGateway)
		return
	}
	upstreamURL, err := url.Parse(target.HTTP.URL)
	if err != nil {
		http.Error(w, "bad upstream url", http.StatusBadGateway)
		return
	}

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			q := req.URL.Query()
			q.Del(selectorTargetParam)
			q.Del(selectorTicketParam)
			req.URL.RawQuery = q.Encode()
			req.URL.Scheme = upstreamURL.Scheme
			req.URL.Host = upstreamURL.Host
			req.Host = upstreamURL.Host
		},
		ModifyResponse: func(resp *http.Response) error {
			rewriteRedirectLocation(resp, upstreamURL)
			return nil
		},
		Transport: p.upstreamTransport(target.HTTP.TLS),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if target.HTTP.TLS.Mode == types.TLSRequired {
				http.Error(w, "upstream tls handshake failed", http.StatusBadGateway)
				return
			}
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}

	if isWebSocketUpgrade(r) {
		proxyWebSocket(w, r, upstreamURL, target.HTTP.TLS)
		return
	}
	rp.ServeHTTP(w, r)
}

// rewriteRedirectLocation keeps the browser on the gateway origin: an
// absolute Location whose host matches the upstream is rewritten to its
// path-only form. Relative Locations pass through untouched.
func rewriteRedirectLocation(resp *http.Response, upstream *url.URL) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return
	}
	u, err := url.Parse(loc)
	if err != nil || !u.IsAbs() {
		return
	}
	if u.Host != upstream.Host {
		return
	}
	rewritten := u.Path
	if u.RawQuery != "" {
		rewritten += "?" + u.RawQuery
	}
	resp.Header.Set("Location", rewritten)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (p *Proxy) upstreamTransport(tlsOpts types.TLSOptions) http.RoundTripper {
	return newTLSAwareTransport(tlsOpts)
}
