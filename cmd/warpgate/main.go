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

// Command warpgate is the gateway's single binary (spec.md §6): `run`
// starts the configured protocol front-ends, `unattended-setup` writes a
// fresh configuration file and bootstrap admin credentials for scripted
// installs, and `test-target` exits 0 iff a connection to a named
// target succeeds, for use in external health probes.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/warpgate/lib/logutils"
)

var (
	app = kingpin.New("warpgate", "Identity-aware access gateway for SSH, HTTP, MySQL, Postgres and Kubernetes.")

	configPath = app.Flag("config", "Path to the gateway's YAML configuration file.").
			Short('c').Default("/etc/warpgate/warpgate.yaml").String()
	logFormat = app.Flag("log-format", "Structured log encoding.").
			Default("text").Enum("text", "json")

	runCmd             = app.Command("run", "Start the gateway's configured protocol front-ends.")
	runEnableAdminToken = runCmd.Flag("enable-admin-token", "Accept WARPGATE_ADMIN_TOKEN as a bearer token on the admin API.").Bool()

	setupCmd       = app.Command("unattended-setup", "Generate a configuration file and bootstrap admin credentials for scripted installs.")
	setupSSHPort   = setupCmd.Flag("ssh-port", "Port the ssh front-end listens on.").Default("2222").Int()
	setupHTTPPort  = setupCmd.Flag("http-port", "Port the http front-end listens on.").Default("8443").Int()
	setupMySQLPort = setupCmd.Flag("mysql-port", "Port the mysql front-end listens on.").Default("33066").Int()
	setupPgPort    = setupCmd.Flag("postgres-port", "Port the postgres front-end listens on.").Default("54320").Int()
	setupKubePort  = setupCmd.Flag("kubernetes-port", "Port the kubernetes front-end listens on.").Default("6443").Int()
	setupDataPath  = setupCmd.Flag("data-path", "Local state directory (host keys, TLS material, recordings).").Default("/var/lib/warpgate").String()
	setupExtHost   = setupCmd.Flag("external-host", "Hostname clients use to reach this gateway.").Default("0.0.0.0").String()

	testTargetCmd  = app.Command("test-target", "Exit 0 iff a connection to the named target succeeds.")
	testTargetName = testTargetCmd.Arg("name", "Target name as configured in the store.").Required().String()
)

func main() {
	selected := kingpin.MustParse(app.Parse(os.Args[1:]))

	level := logrus.InfoLevel
	if err := logutils.Initialize(logutils.Format(*logFormat), level); err != nil {
		fmt.Fprintln(os.Stderr, "warpgate:", err)
		os.Exit(1)
	}
	log := logutils.NewComponentLogger("cmd/warpgate")

	var err error
	switch selected {
	case runCmd.FullCommand():
		err = runGateway(*configPath, *runEnableAdminToken, log)
	case setupCmd.FullCommand():
		err = unattendedSetup(setupOptions{
			configPath:     *configPath,
			sshPort:        *setupSSHPort,
			httpPort:       *setupHTTPPort,
			mysqlPort:      *setupMySQLPort,
			postgresPort:   *setupPgPort,
			kubernetesPort: *setupKubePort,
			dataPath:       *setupDataPath,
			externalHost:   *setupExtHost,
		}, log)
	case testTargetCmd.FullCommand():
		ok, testErr := testTarget(*configPath, *testTargetName, log)
		if testErr != nil {
			log.WithError(testErr).Error("test-target failed")
			os.Exit(1)
		}
		if !ok {
			os.Exit(1)
		}
		return
	}

	if err != nil {
		log.WithError(err).Error("warpgate exiting")
		os.Exit(1)
	}
}
