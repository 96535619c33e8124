package main

import (
	"strings"
	"testing"

	"github.com/corvidmail/corvid/internal/clusternotify"
	"github.com/corvidmail/corvid/internal/registry"
	"github.com/corvidmail/corvid/internal/serverconfig"
)

func TestBuildDSNIncludesEveryField(t *testing.T) {
	cfg := serverconfig.Config{
		DBAddress:  "db.example.com",
		DBPort:     5432,
		DBName:     "corvid",
		DBUser:     "corvid",
		DBPassword: "secret",
	}
	dsn := buildDSN(cfg)
	for _, want := range []string{"host=db.example.com", "port=5432", "dbname=corvid", "user=corvid", "password=secret"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}
}

func TestLmtpAddressUsesUnixSocketWhenPortIsZero(t *testing.T) {
	network, addr := lmtpAddress(serverconfig.Config{LMTPAddress: "/run/corvid/lmtp.sock"})
	if network != "unix" || addr != "/run/corvid/lmtp.sock" {
		t.Errorf("lmtpAddress = %q, %q", network, addr)
	}
}

func TestLmtpAddressUsesTCPWhenPortSet(t *testing.T) {
	network, addr := lmtpAddress(serverconfig.Config{LMTPAddress: "127.0.0.1", LMTPPort: 24})
	if network != "tcp" || addr != "127.0.0.1:24" {
		t.Errorf("lmtpAddress = %q, %q", network, addr)
	}
}

func TestSubmissionAddressPrefersTLSPort(t *testing.T) {
	if got := submissionAddress(serverconfig.Config{UseTLS: true}); got != ":465" {
		t.Errorf("submissionAddress = %q", got)
	}
	if got := submissionAddress(serverconfig.Config{}); got != ":587" {
		t.Errorf("submissionAddress = %q", got)
	}
}

func TestOCDAddressEmptyWhenUnconfigured(t *testing.T) {
	if got := ocdAddress(serverconfig.Config{}); got != "" {
		t.Errorf("ocdAddress = %q", got)
	}
	got := ocdAddress(serverconfig.Config{OCDAddress: "10.0.0.1", OCDPort: 2514})
	if got != "10.0.0.1:2514" {
		t.Errorf("ocdAddress = %q", got)
	}
}

func TestLdapBaseDNUsesLastTwoLabels(t *testing.T) {
	if got := ldapBaseDN("mail.corp.example.com"); got != "dc=example,dc=com" {
		t.Errorf("ldapBaseDN = %q", got)
	}
	if got := ldapBaseDN("example.com"); got != "dc=example,dc=com" {
		t.Errorf("ldapBaseDN = %q", got)
	}
}

func TestRegistrySinkIgnoresUnknownMailbox(t *testing.T) {
	sink := registrySink{reg: registry.New()}
	// Must not panic when the mailbox was never loaded locally.
	sink.Apply(clusternotify.Event{Mailbox: "nobody/INBOX", HasDeleted: true, Deleted: true})
}
