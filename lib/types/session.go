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

package types

import "time"

// Session describes one proxied client connection.
type Session struct {
	ID         string
	UserID     string
	Protocol   Protocol
	TargetID   string
	StartedAt  time.Time
	EndedAt    *time.Time
	RemoteAddr string

	// BytesIn/BytesOut are protocol-agnostic transfer counters.
	BytesIn  uint64
	BytesOut uint64
}
