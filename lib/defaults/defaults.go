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

// Package defaults holds the gateway-wide constants (timeouts, directory
// modes) referenced from more than one subsystem.
package defaults

import "time"

const (
	// AuthAttemptIdleTimeout is how long an auth attempt (C2) may sit
	// without a credential offer before it is failed.
	AuthAttemptIdleTimeout = 120 * time.Second

	// UpstreamDialTimeout bounds connecting to a backend target.
	UpstreamDialTimeout = 10 * time.Second

	// UpstreamTLSHandshakeTimeout bounds the upstream TLS handshake.
	UpstreamTLSHandshakeTimeout = 10 * time.Second

	// WebApprovalTimeout bounds an in-browser approval wait.
	WebApprovalTimeout = 300 * time.Second

	// GracefulCloseTimeout is how long a cancelled connection is given to
	// close on its own before being forcibly aborted.
	GracefulCloseTimeout = 3 * time.Second

	// SignalGracePeriod is the grace period given to all connections on
	// SIGINT before the process exits.
	SignalGracePeriod = 5 * time.Second
)

const (
	// SharedDirMode is used when the gateway itself needs to create a
	// directory on the local filesystem (data dir, host key dir).
	SharedDirMode = 0o755
)
