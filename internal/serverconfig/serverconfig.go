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

// Package serverconfig declares the top-level configuration directives for
// a corvid instance and loads them through framework/config's block/directive
// DSL, the way maddy's own endpoint modules declare their Init schemas.
package serverconfig

import (
	"fmt"
	"io"

	"github.com/corvidmail/corvid/framework/cfgparser"
	"github.com/corvidmail/corvid/framework/config"
	"github.com/corvidmail/corvid/framework/log"
)

// Config is the fully parsed instance configuration.
type Config struct {
	Hostname string

	DBAddress       string
	DBPort          int
	DBName          string
	DBUser          string
	DBPassword      string
	DBOwner         string
	DBOwnerPassword string
	DBMaxHandles    int

	Logfile     string
	LogfileMode int
	LogLevel    log.Severity

	LMTPAddress string
	LMTPPort    int

	UseSubaddressing     bool
	MessageCopy          bool
	MessageCopyDirectory string

	UseTLS         bool
	TLSCertificate string

	AllowPlaintextPasswords bool
	AllowPlaintextAccess    bool

	UsePOP bool

	OCDAddress string
	OCDPort    int

	LDAPServerAddress string
	LDAPServerPort    int
}

// defaults mirrors the values cfg.* matchers fall back to when a directive
// is absent, collected up front so Load can hand them to config.NewMap as
// globals usable by nested blocks the way maddy's own top-level config does.
func defaults() Config {
	return Config{
		DBAddress:    "localhost",
		DBPort:       5432,
		DBName:       "corvid",
		DBMaxHandles: 10,

		LogfileMode: 0600,

		LMTPPort: 24,

		OCDPort: 2514,

		LDAPServerPort: 389,
	}
}

// Load reads and parses a configuration file in maddy's block/directive
// syntax from r and resolves every directive named in spec section 6 into
// a Config.
func Load(r io.Reader, location string) (Config, error) {
	nodes, err := cfgparser.Read(r, location)
	if err != nil {
		return Config{}, fmt.Errorf("serverconfig: %w", err)
	}
	return loadFromNodes(nodes)
}

func loadFromNodes(nodes []cfgparser.Node) (Config, error) {
	cfg := defaults()

	var logLevel string

	block := config.Node{Children: nodes}
	m := config.NewMap(nil, block)
	m.AllowUnknown()

	m.String("hostname", false, false, "localhost", &cfg.Hostname)

	m.String("db-address", false, false, cfg.DBAddress, &cfg.DBAddress)
	m.Int("db-port", false, false, cfg.DBPort, &cfg.DBPort)
	m.String("db-name", false, false, cfg.DBName, &cfg.DBName)
	m.String("db-user", false, true, "", &cfg.DBUser)
	m.String("db-password", false, true, "", &cfg.DBPassword)
	m.String("db-owner", false, false, "", &cfg.DBOwner)
	m.String("db-owner-password", false, false, "", &cfg.DBOwnerPassword)
	m.Int("db-max-handles", false, false, cfg.DBMaxHandles, &cfg.DBMaxHandles)

	m.String("logfile", false, false, "", &cfg.Logfile)
	m.Int("logfile-mode", false, false, cfg.LogfileMode, &cfg.LogfileMode)
	m.String("log-level", false, false, "info", &logLevel)

	m.String("lmtp-address", false, true, "", &cfg.LMTPAddress)
	m.Int("lmtp-port", false, false, cfg.LMTPPort, &cfg.LMTPPort)

	m.Bool("use-subaddressing", false, false, &cfg.UseSubaddressing)
	m.Bool("message-copy", false, false, &cfg.MessageCopy)
	m.String("message-copy-directory", false, false, "", &cfg.MessageCopyDirectory)

	m.Bool("use-tls", false, false, &cfg.UseTLS)
	m.String("tls-certificate", false, false, "", &cfg.TLSCertificate)

	m.Bool("allow-plaintext-passwords", false, false, &cfg.AllowPlaintextPasswords)
	m.Bool("allow-plaintext-access", false, false, &cfg.AllowPlaintextAccess)

	m.Bool("use-pop", false, false, &cfg.UsePOP)

	m.String("ocd-address", false, false, "", &cfg.OCDAddress)
	m.Int("ocd-port", false, false, cfg.OCDPort, &cfg.OCDPort)

	m.String("ldap-server-address", false, false, "", &cfg.LDAPServerAddress)
	m.Int("ldap-server-port", false, false, cfg.LDAPServerPort, &cfg.LDAPServerPort)

	if _, err := m.Process(); err != nil {
		return Config{}, fmt.Errorf("serverconfig: %w", err)
	}

	sev, err := log.ParseSeverity(logLevel)
	if err != nil {
		return Config{}, fmt.Errorf("serverconfig: log-level: %w", err)
	}
	cfg.LogLevel = sev

	if cfg.UseTLS && cfg.TLSCertificate == "" {
		return Config{}, fmt.Errorf("serverconfig: use-tls requires tls-certificate")
	}
	if cfg.MessageCopy && cfg.MessageCopyDirectory == "" {
		return Config{}, fmt.Errorf("serverconfig: message-copy requires message-copy-directory")
	}

	return cfg, nil
}
