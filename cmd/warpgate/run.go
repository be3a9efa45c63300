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
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/warpgate/lib/auth/attempt"
	"github.com/gravitational/warpgate/lib/authz"
	"github.com/gravitational/warpgate/lib/config"
	"github.com/gravitational/warpgate/lib/defaults"
	"github.com/gravitational/warpgate/lib/loginprotect"
	"github.com/gravitational/warpgate/lib/metrics"
	"github.com/gravitational/warpgate/lib/services"
	"github.com/gravitational/warpgate/lib/srv/httpproxy"
	"github.com/gravitational/warpgate/lib/srv/kubeproxy"
	"github.com/gravitational/warpgate/lib/srv/mysqlproxy"
	"github.com/gravitational/warpgate/lib/srv/pgproxy"
	"github.com/gravitational/warpgate/lib/srv/sshproxy"
	"github.com/gravitational/warpgate/lib/tickets"
	"github.com/gravitational/warpgate/lib/types"
)

// runGateway loads configuration, wires every C1-C10 component against a
// fresh in-memory store (lib/services.NewMemoryStore - the persistent
// backend's actual implementation is explicitly out of scope), starts
// whichever protocol front-ends are enabled, and blocks until SIGINT/
// SIGTERM, giving every in-flight connection defaults.SignalGracePeriod
// to wind down (spec.md §5 "graceful shutdown").
func runGateway(configPath string, enableAdminToken bool, log logrus.FieldLogger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	if enableAdminToken {
		if os.Getenv("WARPGATE_ADMIN_TOKEN") == "" {
			log.Warn("--enable-admin-token set but WARPGATE_ADMIN_TOKEN is empty")
		} else {
			log.Info("admin bearer token authentication enabled")
		}
		// No admin REST/CRUD surface exists to gate with this token yet
		// (spec.md §5 places it out of scope); accepted and logged only,
		// so a future admin API can read the same flag without a format
		// change.
	}

	store := services.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := applySeed(ctx, store, cfg.Seed); err != nil {
		return trace.Wrap(err, "applying seeded users/roles")
	}

	clock := clockwork.NewRealClock()
	guard := loginprotect.NewGuard(loginprotect.DefaultConfig(), clock)
	trustRoots := x509.NewCertPool()
	attempts := attempt.NewManager(store, guard, trustRoots)
	az := authz.NewChecker(store)
	tk, err := tickets.NewStore(store)
	if err != nil {
		return trace.Wrap(err)
	}

	registry := prometheus.NewRegistry()
	if err := metrics.RegisterPrometheusCollectors(registry); err != nil {
		return trace.Wrap(err, "registering metrics collectors")
	}

	var wg sync.WaitGroup
	var listeners []io.Closer
	var httpServer, kubeServer, metricsServer *http.Server

	if cfg.Metrics.Enable {
		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Listen,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		log.WithField("listen", cfg.Metrics.Listen).Info("metrics endpoint listening")
	}

	if cfg.SSH.Enable {
		hostKeys, err := sshproxy.LoadOrGenerateHostKeys(cfg.SSH.Keys)
		if err != nil {
			return trace.Wrap(err, "loading ssh host keys")
		}
		proxy := sshproxy.NewProxy(store, attempts, az, tk, hostKeys, sshproxy.HostKeyVerification(cfg.SSH.HostKeyVerification))
		ln, err := net.Listen("tcp", cfg.SSH.Listen)
		if err != nil {
			return trace.Wrap(err, "binding ssh listener")
		}
		ln = instrumentedListener{Listener: ln, protocol: "ssh"}
		listeners = append(listeners, ln)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := proxy.Serve(ctx, ln); err != nil {
				log.WithError(err).Error("ssh front-end stopped")
			}
		}()
		log.WithField("listen", cfg.SSH.Listen).Info("ssh front-end listening")
	}

	if cfg.HTTP.Enable {
		proxy := httpproxy.NewProxy(store, attempts, az, tk)
		httpServer = &http.Server{Addr: cfg.HTTP.Listen, Handler: proxy}
		ln, err := net.Listen("tcp", cfg.HTTP.Listen)
		if err != nil {
			return trace.Wrap(err, "binding http listener")
		}
		ln = instrumentedListener{Listener: ln, protocol: "http"}
		listeners = append(listeners, ln)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpServer.ServeTLS(ln, cfg.HTTP.TLS.CertificatePath, cfg.HTTP.TLS.KeyPath); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("http front-end stopped")
			}
		}()
		log.WithField("listen", cfg.HTTP.Listen).Info("http front-end listening")
	}

	if cfg.Kubernetes.Enable {
		cert, err := tls.LoadX509KeyPair(cfg.Kubernetes.TLS.CertificatePath, cfg.Kubernetes.TLS.KeyPath)
		if err != nil {
			return trace.Wrap(err, "loading kubernetes front-end certificate")
		}
		tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
		proxy := kubeproxy.NewProxy(store, az, tk, trustRoots, tlsConfig)
		kubeServer = &http.Server{Addr: cfg.Kubernetes.Listen, Handler: proxy, TLSConfig: tlsConfig}
		ln, err := net.Listen("tcp", cfg.Kubernetes.Listen)
		if err != nil {
			return trace.Wrap(err, "binding kubernetes listener")
		}
		ln = instrumentedListener{Listener: ln, protocol: "kubernetes"}
		listeners = append(listeners, ln)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := kubeServer.ServeTLS(ln, "", ""); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("kubernetes front-end stopped")
			}
		}()
		log.WithField("listen", cfg.Kubernetes.Listen).Info("kubernetes front-end listening")
	}

	if cfg.MySQL.Enable {
		proxy := mysqlproxy.NewProxy(store, attempts, az)
		ln, err := net.Listen("tcp", cfg.MySQL.Listen)
		if err != nil {
			return trace.Wrap(err, "binding mysql listener")
		}
		ln = instrumentedListener{Listener: ln, protocol: "mysql"}
		listeners = append(listeners, ln)
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConnections(ctx, ln, log, func(conn net.Conn) {
				if err := proxy.HandleConnection(ctx, conn); err != nil {
					log.WithError(err).Debug("mysql connection closed")
				}
			})
		}()
		log.WithField("listen", cfg.MySQL.Listen).Info("mysql front-end listening")
	}

	if cfg.Postgres.Enable {
		var pgTLS *tls.Config
		if cfg.Postgres.TLS.CertificatePath != "" {
			cert, err := tls.LoadX509KeyPair(cfg.Postgres.TLS.CertificatePath, cfg.Postgres.TLS.KeyPath)
			if err != nil {
				return trace.Wrap(err, "loading postgres front-end certificate")
			}
			pgTLS = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
		proxy := pgproxy.NewProxy(store, attempts, az, pgTLS)
		ln, err := net.Listen("tcp", cfg.Postgres.Listen)
		if err != nil {
			return trace.Wrap(err, "binding postgres listener")
		}
		ln = instrumentedListener{Listener: ln, protocol: "postgres"}
		listeners = append(listeners, ln)
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConnections(ctx, ln, log, func(conn net.Conn) {
				if err := proxy.HandleConnection(ctx, conn); err != nil {
					log.WithError(err).Debug("postgres connection closed")
				}
			})
		}()
		log.WithField("listen", cfg.Postgres.Listen).Info("postgres front-end listening")
	}

	waitForShutdownSignal(log)
	cancel()
	for _, ln := range listeners {
		ln.Close()
	}
	if httpServer != nil {
		shutdownHTTP(httpServer)
	}
	if kubeServer != nil {
		shutdownHTTP(kubeServer)
	}
	if metricsServer != nil {
		shutdownHTTP(metricsServer)
	}
	wg.Wait()
	return nil
}

// instrumentedListener wraps a net.Listener to feed warpgate_connections_total
// and warpgate_active_sessions without requiring every front-end's Proxy
// type to know about lib/metrics itself.
type instrumentedListener struct {
	net.Listener
	protocol string
}

func (l instrumentedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	metrics.ConnectionsTotal.WithLabelValues(l.protocol).Inc()
	gauge := metrics.ActiveSessions.WithLabelValues(l.protocol)
	gauge.Inc()
	return &instrumentedConn{Conn: conn, onClose: gauge.Dec}, nil
}

// instrumentedConn decrements the active-session gauge exactly once, the
// first time Close is called, mirroring net.Conn's own "Close may be
// called more than once" allowance.
type instrumentedConn struct {
	net.Conn
	onClose func()
	closed  sync.Once
}

func (c *instrumentedConn) Close() error {
	c.closed.Do(c.onClose)
	return c.Conn.Close()
}

func shutdownHTTP(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), defaults.SignalGracePeriod)
	defer cancel()
	srv.Shutdown(ctx)
}

// serveConnections runs a plain accept loop for front-ends (MySQL,
// Postgres) whose Proxy only exposes a per-connection HandleConnection,
// mirroring sshproxy.Proxy.Serve's own accept-loop shape.
func serveConnections(ctx context.Context, ln net.Listener, log logrus.FieldLogger, handle func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.WithError(err).Debug("accept failed")
			return
		}
		go handle(conn)
	}
}

func waitForShutdownSignal(log logrus.FieldLogger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("received shutdown signal, draining connections")
}

// applySeed upserts the `seed:` section's roles and users into store on
// every startup, since the in-memory store does not itself survive a
// process restart (spec.md §6 "targets, users, roles, credentials may
// also be seeded in the file").
func applySeed(ctx context.Context, store services.Store, seed config.SeedConfig) error {
	roleIDs := make(map[string]string, len(seed.Roles))
	for _, r := range seed.Roles {
		role, err := store.GetRoleByName(ctx, r.Name)
		if err != nil {
			role = &types.Role{
				Name: r.Name,
				FileTransferDefaults: types.FileTransferDefaults{
					AllowUpload:   r.AllowUpload,
					AllowDownload: r.AllowDownload,
				},
			}
			if err := store.PutRole(ctx, role); err != nil {
				return trace.Wrap(err, "seeding role %q", r.Name)
			}
		}
		roleIDs[r.Name] = role.ID
	}

	for _, u := range seed.Users {
		user, err := store.GetUserByUsername(ctx, u.Username)
		if err != nil {
			user = &types.User{Username: u.Username}
			if err := store.PutUser(ctx, user); err != nil {
				return trace.Wrap(err, "seeding user %q", u.Username)
			}
		}
		if u.PasswordHash != "" {
			cred := &types.Credential{UserID: user.ID, Kind: types.CredentialPassword, Password: u.PasswordHash}
			if err := store.PutCredential(ctx, cred); err != nil {
				return trace.Wrap(err, "seeding credential for %q", u.Username)
			}
		}
		for _, roleName := range u.Roles {
			roleID, ok := roleIDs[roleName]
			if !ok {
				role, err := store.GetRoleByName(ctx, roleName)
				if err != nil {
					return trace.Wrap(err, "seed user %q references unknown role %q", u.Username, roleName)
				}
				roleID = role.ID
			}
			assignment := &types.UserRoleAssignment{UserID: user.ID, RoleID: roleID, GrantedAt: time.Now()}
			if err := store.GrantRole(ctx, assignment); err != nil {
				return trace.Wrap(err, "granting role %q to %q", roleName, u.Username)
			}
		}
	}
	return nil
}
