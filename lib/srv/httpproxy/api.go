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
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gravitational/warpgate/lib/auth/attempt"
	"github.com/gravitational/warpgate/lib/types"
)

// API serves the gateway's own `/@warpgate/...` surface: the browser
// login flow every other protocol's web approval depends on (spec.md
// §4.7.1).
type API struct {
	proxy *Proxy

	mu       sync.Mutex
	sessions map[string]*webSession
}

type webSession struct {
	attempt       *attempt.Attempt
	username      string
	authenticated bool
}

func newAPI(p *Proxy) *API {
	return &API{proxy: p, sessions: make(map[string]*webSession)}
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/@warpgate/api/auth/login" && r.Method == http.MethodPost:
		a.handleLogin(w, r)
	case r.URL.Path == "/@warpgate/api/auth/otp" && r.Method == http.MethodPost:
		a.handleOTP(w, r)
	case r.URL.Path == "/@warpgate/api/auth/logout" && r.Method == http.MethodPost:
		a.handleLogout(w, r)
	case r.URL.Path == "/@warpgate/api/info" && r.Method == http.MethodGet:
		a.handleInfo(w, r)
	case strings.HasPrefix(r.URL.Path, "/@warpgate/api/auth/state/") && strings.HasSuffix(r.URL.Path, "/approve") && r.Method == http.MethodPost:
		a.handleApprove(w, r)
	case strings.HasPrefix(r.URL.Path, "/@warpgate/api/auth/state/") && r.Method == http.MethodGet:
		a.handleState(w, r)
	case r.URL.Path == "/@warpgate/api/auth/web-auth-requests/stream":
		a.handleApprovalStream(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	sess, sessionID := a.sessionFor(r)
	if sess.attempt == nil {
		sess.attempt = a.proxy.Attempts.Begin(types.ProtocolHTTP, r.RemoteAddr)
		sess.username = body.Username
	}

	state, err := sess.attempt.State(), error(nil)
	if state == attempt.StateIdentify {
		state, err = sess.attempt.Identify(r.Context(), body.Username)
	} else if state == attempt.StatePasswordNeeded && body.Password != "" {
		state, err = sess.attempt.Submit(r.Context(), attempt.Offer{Kind: types.CredentialPassword, Password: body.Password})
	}
	if err != nil && state != attempt.StateFailed {
		// Rejected credential: stay put and let the browser retry.
		state = sess.attempt.State()
	}

	if state == attempt.StateSuccess {
		sess.authenticated = true
		sess.username = sess.attempt.User().Username
	}

	a.setSessionCookie(w, sessionID)
	writeJSON(w, map[string]interface{}{"state": string(state), "auth_id": sess.attempt.ID})
}

func (a *API) handleOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	sess, _ := a.sessionFor(r)
	if sess.attempt == nil {
		http.Error(w, "no attempt in progress", http.StatusBadRequest)
		return
	}
	state, err := sess.attempt.Submit(r.Context(), attempt.Offer{Kind: types.CredentialTotp, TOTPCode: body.Code})
	if err != nil && state != attempt.StateFailed {
		state = sess.attempt.State()
	}
	if state == attempt.StateSuccess {
		sess.authenticated = true
		sess.username = sess.attempt.User().Username
	}
	writeJSON(w, map[string]interface{}{"state": string(state)})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil {
		a.mu.Lock()
		delete(a.sessions, cookie.Value)
		a.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		writeJSON(w, map[string]interface{}{})
		return
	}
	a.mu.Lock()
	sess, ok := a.sessions[cookie.Value]
	a.mu.Unlock()
	if !ok || !sess.authenticated {
		writeJSON(w, map[string]interface{}{})
		return
	}
	writeJSON(w, map[string]interface{}{"username": sess.username})
}

// handleState lets a protocol front-end's browser tab poll the state of
// the auth_id it was handed, and handleApprove is what that tab's
// "approve" click calls to resolve the waiting AwaitApproval.
func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	authID := strings.TrimPrefix(r.URL.Path, "/@warpgate/api/auth/state/")
	at, ok := a.proxy.Attempts.Get(authID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]interface{}{"state": string(at.State())})
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	authID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/@warpgate/api/auth/state/"), "/approve")
	sess, _ := a.sessionFor(r)
	if !sess.authenticated {
		http.Error(w, "must be signed in to approve", http.StatusUnauthorized)
		return
	}
	var body struct {
		Approved *bool `json:"approved"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	approved := true // absent body defaults to an explicit approval click
	if body.Approved != nil {
		approved = *body.Approved
	}
	if !a.proxy.Attempts.Approvals.Resolve(authID, approved) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleApprovalStream pushes every newly pending auth_id to the
// authenticated browser so its UI can offer "approve" without polling.
func (a *API) handleApprovalStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := a.proxy.Attempts.Approvals.Subscribe()
	defer cancel()
	for authID := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(authID)); err != nil {
			return
		}
	}
}

func (a *API) sessionFor(r *http.Request) (*webSession, string) {
	cookie, err := r.Cookie(sessionCookieName)
	id := ""
	if err == nil {
		id = cookie.Value
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if id != "" {
		if sess, ok := a.sessions[id]; ok {
			return sess, id
		}
	}
	id = uuid.NewString()
	sess := &webSession{}
	a.sessions[id] = sess
	return sess, id
}

// sessionUser resolves a cookie value to its authenticated user ID, used
// by Proxy.resolveTarget for the warpgate-target + cookie selector path.
func (a *API) sessionUser(cookieValue string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[cookieValue]
	if !ok || !sess.authenticated {
		return "", false
	}
	return sess.attempt.User().ID, true
}

func (a *API) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: id, Path: "/", HttpOnly: true})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
