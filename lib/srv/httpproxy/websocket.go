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
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/gravitational/warpgate/lib/types"
)

var upgrader = websocket.Upgrader{
	// Target applications set their own CORS/origin policy; the gateway
	// itself only gates on the auth attempt and authorization check that
	// already ran in ServeHTTP before this is reached.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// proxyWebSocket upgrades the client connection and opens a matching
// WebSocket connection to the upstream, then pumps frames in both
// directions until either side closes.
func proxyWebSocket(w http.ResponseWriter, r *http.Request, upstream *url.URL, tlsOpts types.TLSOptions) {
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	target := *upstream
	target.Scheme = wsScheme(upstream.Scheme, tlsOpts)
	target.Path = r.URL.Path
	q := r.URL.Query()
	q.Del(selectorTargetParam)
	q.Del(selectorTicketParam)
	target.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !tlsOpts.Verify},
	}
	upstreamConn, _, err := dialer.Dial(target.String(), nil)
	if err != nil {
		return
	}
	defer upstreamConn.Close()

	errCh := make(chan error, 2)
	go pumpWS(clientConn, upstreamConn, errCh)
	go pumpWS(upstreamConn, clientConn, errCh)
	<-errCh
}

func pumpWS(dst, src *websocket.Conn, errCh chan<- error) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			errCh <- err
			return
		}
	}
}

func wsScheme(httpScheme string, tlsOpts types.TLSOptions) string {
	if tlsOpts.Mode == types.TLSDisabled {
		return "ws"
	}
	if httpScheme == "https" {
		return "wss"
	}
	return "ws"
}
