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
	"context"
	"net"
	"net/url"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/warpgate/lib/config"
	"github.com/gravitational/warpgate/lib/defaults"
	"github.com/gravitational/warpgate/lib/services"
	"github.com/gravitational/warpgate/lib/types"
)

// testTarget exits true iff a network-level connection to the named
// target succeeds, for use in external health probes (spec.md §6
// "test-target <name> - exit 0 iff a connection to the named target
// succeeds"). It only proves reachability, the same thing an operator's
// probe cares about; it deliberately does not attempt the full
// credentialed handshake each front-end's own dialUpstream performs.
func testTarget(configPath, name string, log logrus.FieldLogger) (bool, error) {
	if _, err := config.Load(configPath); err != nil {
		return false, trace.Wrap(err)
	}

	store := services.NewMemoryStore()
	target, err := store.GetTargetByName(context.Background(), name)
	if err != nil {
		return false, trace.Wrap(err, "target %q not found in store", name)
	}

	addr, err := dialAddressFor(target)
	if err != nil {
		return false, trace.Wrap(err)
	}

	conn, err := net.DialTimeout("tcp", addr, defaults.UpstreamDialTimeout)
	if err != nil {
		log.WithError(err).WithField("target", name).WithField("address", addr).Warn("test-target connection failed")
		return false, nil
	}
	conn.Close()
	log.WithField("target", name).WithField("address", addr).Info("test-target connection succeeded")
	return true, nil
}

// dialAddressFor extracts the host:port a plain TCP dial should probe
// for target's kind.
func dialAddressFor(target *types.Target) (string, error) {
	switch target.Kind {
	case types.TargetSSH:
		return net.JoinHostPort(target.SSH.Host, strconv.Itoa(target.SSH.Port)), nil
	case types.TargetMySQL:
		return net.JoinHostPort(target.MySQL.Host, strconv.Itoa(target.MySQL.Port)), nil
	case types.TargetPostgres:
		return net.JoinHostPort(target.Postgres.Host, strconv.Itoa(target.Postgres.Port)), nil
	case types.TargetHTTP:
		u, err := url.Parse(target.HTTP.URL)
		if err != nil {
			return "", trace.Wrap(err, "parsing target http url")
		}
		return hostPortWithDefault(u.Host, defaultPortForScheme(u.Scheme)), nil
	case types.TargetKubernetes:
		u, err := url.Parse(target.Kubernetes.ClusterURL)
		if err != nil {
			return "", trace.Wrap(err, "parsing target kubernetes cluster url")
		}
		return hostPortWithDefault(u.Host, "443"), nil
	default:
		return "", trace.BadParameter("unknown target kind %q", target.Kind)
	}
}

func defaultPortForScheme(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func hostPortWithDefault(hostport, defaultPort string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(hostport, defaultPort)
}
