package smtpcommand

import (
	"errors"
	"testing"
)

func TestParseSimpleCommands(t *testing.T) {
	cases := []struct {
		line string
		kind Kind
	}{
		{"DATA", KindData},
		{"QUIT", KindQuit},
		{"RSET", KindRset},
		{"STARTTLS", KindStartTLS},
		{"AUTH", KindAuth},
		{"HELP", KindHelp},
		{"NOOP", KindNoop},
		{"data", KindData},
		{"Quit", KindQuit},
	}

	for _, c := range cases {
		cmd, err := Parse(c.line)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", c.line, err)
			continue
		}
		if cmd.Kind != c.kind {
			t.Errorf("%q: expected kind %v, got %v", c.line, c.kind, cmd.Kind)
		}
	}
}

func TestParseHeloEhlo(t *testing.T) {
	cases := []struct {
		line   string
		kind   Kind
		domain string
	}{
		{"HELO example.com", KindHelo, "example.com"},
		{"EHLO example.com", KindEhlo, "example.com"},
		{"ehlo mail.example.com", KindEhlo, "mail.example.com"},
	}

	for _, c := range cases {
		cmd, err := Parse(c.line)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", c.line, err)
			continue
		}
		if cmd.Kind != c.kind || cmd.Domain != c.domain {
			t.Errorf("%q: got kind=%v domain=%q", c.line, cmd.Kind, cmd.Domain)
		}
	}
}

func TestParseHeloMissingArgument(t *testing.T) {
	_, err := Parse("HELO")
	if !errors.Is(err, ErrMissingArgument) {
		t.Errorf("expected ErrMissingArgument, got %v", err)
	}
}

func TestParseMailFromSimple(t *testing.T) {
	cmd, err := Parse("MAIL FROM:<user@example.com>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindMailFrom {
		t.Fatalf("expected KindMailFrom, got %v", cmd.Kind)
	}
	if cmd.Mailbox == nil || cmd.Mailbox.String() != "user@example.com" {
		t.Errorf("got mailbox %v", cmd.Mailbox)
	}
}

func TestParseMailFromNullSender(t *testing.T) {
	cmd, err := Parse("MAIL FROM:<>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Mailbox != nil {
		t.Errorf("expected nil mailbox for null sender, got %v", cmd.Mailbox)
	}
}

func TestParseMailFromWithParams(t *testing.T) {
	cmd, err := Parse("MAIL FROM:<user@example.com> SIZE=1024 BODY=8BITMIME")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	size, ok := cmd.Params.Size()
	if !ok || size != 1024 {
		t.Errorf("expected SIZE=1024, got %v ok=%v", size, ok)
	}
	if v, ok := cmd.Params.Get("BODY"); !ok || v != "8BITMIME" {
		t.Errorf("expected BODY=8BITMIME, got %q ok=%v", v, ok)
	}
}

func TestParseRcptToSimple(t *testing.T) {
	cmd, err := Parse("RCPT TO:<user@example.com>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindRcptTo {
		t.Fatalf("expected KindRcptTo, got %v", cmd.Kind)
	}
	if cmd.Mailbox == nil || cmd.Mailbox.String() != "user@example.com" {
		t.Errorf("got mailbox %v", cmd.Mailbox)
	}
}

func TestParametersRejectZeroSize(t *testing.T) {
	cases := []string{"SIZE=0", "SIZE=", "SIZE=abc"}
	for _, c := range cases {
		_, err := ParseParameters(c)
		if !errors.Is(err, ErrInvalidSize) {
			t.Errorf("%q: expected ErrInvalidSize, got %v", c, err)
		}
	}
}

func TestParametersRejectDuplicates(t *testing.T) {
	_, err := ParseParameters("SIZE=1024 SIZE=2048")
	if !errors.Is(err, ErrDuplicateParam) {
		t.Errorf("expected ErrDuplicateParam, got %v", err)
	}
}

func TestParametersCaseInsensitiveSize(t *testing.T) {
	p, err := ParseParameters("size=1024")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	size, ok := p.Size()
	if !ok || size != 1024 {
		t.Errorf("expected SIZE=1024, got %v ok=%v", size, ok)
	}
}

func TestParametersFlagWithoutValue(t *testing.T) {
	p, err := ParseParameters("BODY=8BITMIME SMTPUTF8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := p.Get("SMTPUTF8")
	if !ok || v != "" {
		t.Errorf("expected empty-value flag present, got %q ok=%v", v, ok)
	}
}

func TestParseUnknownCommand(t *testing.T) {
	_, err := Parse("BOGUS")
	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestParseMailFromMissingCloseBracket(t *testing.T) {
	_, err := Parse("MAIL FROM:<user@example.com")
	if !errors.Is(err, ErrMissingArgument) {
		t.Errorf("expected ErrMissingArgument, got %v", err)
	}
}
