package dsn

import (
	"strings"
	"testing"
	"time"

	"github.com/Pyxxilated-Studios/empath/internal/spool"
)

func TestShouldGenerateSuppressesNullSender(t *testing.T) {
	cfg := Config{Enabled: true, Postmaster: "postmaster@example.com"}
	if ShouldGenerate(cfg, Sender(""), spool.StatusFailed) {
		t.Error("expected null-sender to suppress DSN")
	}
}

func TestShouldGenerateSuppressesWhenDisabled(t *testing.T) {
	cfg := Config{Enabled: false}
	if ShouldGenerate(cfg, Sender("user@example.com"), spool.StatusFailed) {
		t.Error("expected disabled config to suppress DSN")
	}
}

func TestShouldGenerateSuppressesStillRetrying(t *testing.T) {
	cfg := Config{Enabled: true, Postmaster: "postmaster@example.com"}
	if ShouldGenerate(cfg, Sender("user@example.com"), spool.StatusRetry) {
		t.Error("expected a still-retrying temporary failure to suppress DSN")
	}
	if ShouldGenerate(cfg, Sender("user@example.com"), spool.StatusPending) {
		t.Error("expected pending status to suppress DSN")
	}
}

func TestShouldGenerateForPermanentFailure(t *testing.T) {
	cfg := Config{Enabled: true, Postmaster: "postmaster@example.com"}
	if !ShouldGenerate(cfg, Sender("user@example.com"), spool.StatusFailed) {
		t.Error("expected permanent failure to generate a DSN")
	}
	if !ShouldGenerate(cfg, Sender("user@example.com"), spool.StatusExpired) {
		t.Error("expected expiry to generate a DSN")
	}
}

func TestGenerateProducesThreeParts(t *testing.T) {
	cfg := Config{Enabled: true, ReportingMTA: "mail.example.com", Postmaster: "postmaster@example.com"}
	recipients := []RecipientOutcome{
		{Address: "bob@remote.example.com", Permanent: true, Error: "550 no such user", RemoteMTA: "mx.remote.example.com", LastAttempt: time.Now()},
	}
	orig := []byte("From: alice@example.com\r\nTo: bob@remote.example.com\r\nSubject: hi\r\n\r\nbody text\r\n")

	out, err := Generate(cfg, "alice@example.com", recipients, 3, "remote.example.com", orig, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := string(out)
	for _, want := range []string{
		"multipart/report",
		"message/delivery-status",
		"text/rfc822-headers",
		"Reporting-MTA: dns; mail.example.com",
		"Final-Recipient: rfc822; bob@remote.example.com",
		"Status: 5.0.0",
		"Diagnostic-Code: smtp; 550 no such user",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("expected output to contain %q; got:\n%s", want, s)
		}
	}
}

func TestGenerateExpiredUsesStatus4(t *testing.T) {
	cfg := Config{Enabled: true, ReportingMTA: "mail.example.com", Postmaster: "postmaster@example.com"}
	recipients := []RecipientOutcome{
		{Address: "bob@remote.example.com", Permanent: false, Error: "timed out retrying"},
	}

	out, err := Generate(cfg, "alice@example.com", recipients, 25, "remote.example.com", []byte("Subject: x\r\n\r\nbody"), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), "Status: 4.0.0") {
		t.Errorf("expected Status: 4.0.0 for expired-retry recipient, got:\n%s", out)
	}
}
