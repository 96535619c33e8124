/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/corvidmail/corvid/framework/log"
	"github.com/corvidmail/corvid/internal/auth"
	"github.com/corvidmail/corvid/internal/clusternotify"
	"github.com/corvidmail/corvid/internal/imapcommand"
	"github.com/corvidmail/corvid/internal/imapsession"
	"github.com/corvidmail/corvid/internal/inject"
	"github.com/corvidmail/corvid/internal/intern"
	"github.com/corvidmail/corvid/internal/lmtpendpoint"
	"github.com/corvidmail/corvid/internal/registry"
	"github.com/corvidmail/corvid/internal/serverconfig"
	"github.com/corvidmail/corvid/internal/smtpendpoint"
	"github.com/corvidmail/corvid/internal/storage"
)

// imapCapabilities is advertised in the greeting and in response to
// CAPABILITY; it lists the extensions imapcommand actually implements.
const imapCapabilities = "IMAP4rev1 ENABLE UIDPLUS"

// server holds every long-lived dependency wired together by runServer,
// so Close can tear them down in the right order.
type server struct {
	log           log.Logger
	pool          *storage.Pool
	registry      *registry.Registry
	notifier      *clusternotify.Notifier
	injector      *inject.Injector
	authenticator auth.Authenticator

	imapListeners []net.Listener
	smtp          *smtpendpoint.Endpoint
	lmtp          *lmtpendpoint.Endpoint
}

func runServer(ctx context.Context, configPath string) error {
	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", configPath, err)
	}
	defer f.Close()

	cfg, err := serverconfig.Load(f, configPath)
	if err != nil {
		return fmt.Errorf("cannot parse %s: %w", configPath, err)
	}

	logger, closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	srv, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.listen(ctx, cfg); err != nil {
		return err
	}

	logger.Printf("corvid listening as %s", cfg.Hostname)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	logger.Println("shutting down")
	return nil
}

func setupLogging(cfg serverconfig.Config) (log.Logger, func(), error) {
	out := log.WriterOutput(os.Stderr, true)
	closeFn := func() {}
	if cfg.Logfile != "" {
		f, err := os.OpenFile(cfg.Logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, os.FileMode(cfg.LogfileMode))
		if err != nil {
			return log.Logger{}, nil, fmt.Errorf("logfile: %w", err)
		}
		out = log.WriteCloserOutput(f, true)
		closeFn = func() { f.Close() }
	}
	return log.Logger{Out: out}, closeFn, nil
}

// wire constructs every dependency the protocol endpoints share: the
// database pool, the mailbox Registry, the intern caches, the Cluster
// Notifier, the Injector, and an Authenticator chosen by which
// credential-backend directives are present.
func wire(ctx context.Context, cfg serverconfig.Config, logger log.Logger) (*server, error) {
	dsn := buildDSN(cfg)
	pool, err := storage.Open(dsn, logger)
	if err != nil {
		return nil, err
	}
	if err := pool.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	reg := registry.New()
	notifier := clusternotify.New(ocdAddress(cfg), logger)

	inj := inject.New(
		intern.NewCache("header_field_names", "name"),
		intern.NewCache("flag_names", "name"),
		intern.NewCache("annotation_names", "name"),
		intern.NewAddressCache(),
		reg,
		notifier,
		logger,
	)

	authenticator, err := buildAuthenticator(cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	smtp := smtpendpoint.New(cfg.Hostname, authenticator, pool, reg, inj, logger)
	if cfg.UseTLS {
		tlsConfig, err := loadTLSConfig(cfg)
		if err != nil {
			pool.Close()
			return nil, err
		}
		smtp.TLSConfig = tlsConfig
	}

	lmtp := lmtpendpoint.New(cfg.Hostname, pool, reg, inj, logger)

	return &server{
		log:           logger,
		pool:          pool,
		registry:      reg,
		notifier:      notifier,
		injector:      inj,
		authenticator: authenticator,
		smtp:          smtp,
		lmtp:          lmtp,
	}, nil
}

// listen starts every network-facing service: the raw IMAP accept loop,
// the SMTP submission endpoint, the LMTP delivery endpoint, and (if
// configured) the cluster coordination listener.
func (s *server) listen(ctx context.Context, cfg serverconfig.Config) error {
	if cfg.AllowPlaintextAccess {
		if err := s.listenIMAP(ctx, ":143", nil); err != nil {
			return err
		}
	}
	if cfg.UseTLS {
		tlsConfig, err := loadTLSConfig(cfg)
		if err != nil {
			return err
		}
		if err := s.listenIMAP(ctx, ":993", tlsConfig); err != nil {
			return err
		}
	}

	network, addr := lmtpAddress(cfg)
	if err := s.lmtp.ListenAndServe(network, addr); err != nil {
		return err
	}

	if err := s.smtp.ListenAndServe(submissionAddress(cfg)); err != nil {
		return err
	}

	if cfg.OCDAddress != "" {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.OCDAddress, cfg.OCDPort))
		if err != nil {
			return fmt.Errorf("ocd: listen: %w", err)
		}
		s.imapListeners = append(s.imapListeners, ln)
		go s.notifier.Listen(ln, registrySink{reg: s.registry})
	}

	return nil
}

func (s *server) listenIMAP(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("imap: listen %s: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	s.imapListeners = append(s.imapListeners, ln)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveIMAP(ctx, conn)
		}
	}()
	return nil
}

// serveIMAP drives one connection's imapsession.Session off raw network
// bytes: read, Feed, write back whatever TakeOutput produced, honoring
// the deadline Feed returns for the next read.
func (s *server) serveIMAP(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess := imapsession.New(s.log, imapCapabilities)
	imapcommand.Register(sess, &imapcommand.Deps{Pool: s.pool, Registry: s.registry}, s.authenticator, s.injector)

	buf := make([]byte, 4096)
	deadline := sess.Feed(ctx, nil)
	for {
		if out := sess.TakeOutput(); len(out) > 0 {
			if _, err := conn.Write(out); err != nil {
				return
			}
		}
		if sess.State() == imapsession.Logout {
			return
		}
		conn.SetReadDeadline(deadline)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		deadline = sess.Feed(ctx, buf[:n])
	}
}

// Close shuts every listener and endpoint down concurrently; a slow LMTP
// drain should not hold up the IMAP listeners from closing promptly.
func (s *server) Close() error {
	var g errgroup.Group
	for _, ln := range s.imapListeners {
		ln := ln
		g.Go(func() error { return ln.Close() })
	}
	if s.smtp != nil {
		g.Go(s.smtp.Close)
	}
	if s.lmtp != nil {
		g.Go(s.lmtp.Close)
	}
	err := g.Wait()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

func buildDSN(cfg serverconfig.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		cfg.DBAddress, cfg.DBPort, cfg.DBName, cfg.DBUser, cfg.DBPassword)
	return b.String()
}

func ocdAddress(cfg serverconfig.Config) string {
	if cfg.OCDAddress == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", cfg.OCDAddress, cfg.OCDPort)
}

func lmtpAddress(cfg serverconfig.Config) (network, addr string) {
	if cfg.LMTPPort == 0 {
		return "unix", cfg.LMTPAddress
	}
	return "tcp", fmt.Sprintf("%s:%d", cfg.LMTPAddress, cfg.LMTPPort)
}

func submissionAddress(cfg serverconfig.Config) string {
	if cfg.UseTLS {
		return ":465"
	}
	return ":587"
}

func loadTLSConfig(cfg serverconfig.Config) (*tls.Config, error) {
	data, err := os.ReadFile(cfg.TLSCertificate)
	if err != nil {
		return nil, fmt.Errorf("tls-certificate: %w", err)
	}
	cert, err := tls.X509KeyPair(data, data)
	if err != nil {
		return nil, fmt.Errorf("tls-certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func buildAuthenticator(cfg serverconfig.Config, logger log.Logger) (auth.Authenticator, error) {
	if cfg.LDAPServerAddress == "" {
		logger.Println("WARNING: no ldap-server-address configured, falling back to an empty static credential store")
		return auth.NewStaticProvider(), nil
	}

	base := ldapBaseDN(cfg.Hostname)
	ldapCfg := auth.LDAPConfig{
		URLs:   []string{fmt.Sprintf("ldap://%s:%d", cfg.LDAPServerAddress, cfg.LDAPServerPort)},
		BaseDN: base,
		Filter: "(uid={username})",
	}
	return auth.NewLDAPProvider(ldapCfg)
}

// ldapBaseDN derives a conventional base DN from hostname's domain
// components ("mail.example.com" -> "dc=example,dc=com"), since the
// configuration surface carries no dedicated base-DN directive.
func ldapBaseDN(hostname string) string {
	labels := strings.Split(hostname, ".")
	if len(labels) > 2 {
		labels = labels[len(labels)-2:]
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = "dc=" + l
	}
	return strings.Join(parts, ",")
}

// registrySink adapts the Cluster Notifier's Sink interface to the
// mailbox Registry: a peer's change notification updates this process's
// cached Mailbox record if (and only if) it has already been loaded
// here, matching the Registry's own "sessions hold weak references
// resolved by name" ownership model — a peer event about a mailbox this
// process has never referenced has nothing local to update.
type registrySink struct {
	reg *registry.Registry
}

func (s registrySink) Apply(ev clusternotify.Event) {
	mb, ok := s.reg.FindByName(ev.Mailbox)
	if !ok {
		return
	}
	if ev.HasDeleted {
		s.reg.SetDeleted(mb, ev.Deleted)
		return
	}
	if ev.HasCounters {
		s.reg.SetUIDNextAndNextModSeq(mb, ev.UIDNext, ev.NextModSeq)
	}
}
