// Package smtpclient drives a single outbound delivery attempt: connect,
// EHLO, opportunistic or required STARTTLS, MAIL FROM, RCPT TO (one per
// recipient), DATA, and QUIT — classifying every failure along the way as
// permanent or temporary so the delivery pipeline knows whether to retry.
package smtpclient

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	empathsmtp "github.com/Pyxxilated-Studios/empath/internal/smtp"
)

// Outcome kinds, mirroring the error taxonomy of §7.
var (
	ErrConnectionFailed = errors.New("smtpclient: connection failed")
	ErrTimeout          = errors.New("smtpclient: timeout")
	ErrSmtpTemporary    = errors.New("smtpclient: temporary SMTP error")
	ErrMessageRejected  = errors.New("smtpclient: message rejected")
	ErrInvalidRecipient = errors.New("smtpclient: invalid recipient")
	ErrTlsRequired      = errors.New("smtpclient: TLS required but unavailable")
	ErrTlsNegotiation   = errors.New("smtpclient: TLS negotiation failed")
)

// DeliveryError wraps one of the sentinels above with detail and whether
// retrying is futile.
type DeliveryError struct {
	Kind      error
	Detail    string
	Permanent bool
}

func (e *DeliveryError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Detail)
}

func (e *DeliveryError) Unwrap() error { return e.Kind }

func tempErr(kind error, detail string) error {
	return &DeliveryError{Kind: kind, Detail: detail, Permanent: false}
}

func permErr(kind error, detail string) error {
	return &DeliveryError{Kind: kind, Detail: detail, Permanent: true}
}

// Timeouts groups the per-step timers of the outbound transaction (§4.8,
// §6 "SMTP client timeouts").
type Timeouts struct {
	Connect  time.Duration
	Ehlo     time.Duration
	StartTLS time.Duration
	MailFrom time.Duration
	RcptTo   time.Duration
	Data     time.Duration
	Quit     time.Duration
}

// Policy carries the per-domain TLS requirements applied to this attempt.
type Policy struct {
	RequireTLS         bool
	AcceptInvalidCerts bool
}

// Transaction drives one outbound delivery attempt against a single
// server.
type Transaction struct {
	HelloDomain string
	Server      string // host:port
	Timeouts    Timeouts
	Policy      Policy

	conn net.Conn
	c    *empathsmtp.Client

	// dial defaults to net.DialTimeout; tests substitute an in-memory
	// connection.
	dial func(network, address string, timeout time.Duration) (net.Conn, error)
}

// Deliver performs the full 9-step sequence of §4.8 against one MX target
// for a single (sender, recipients, data) message.
func (t *Transaction) Deliver(sender string, recipients []string, data []byte) error {
	if err := t.connectAndGreet(); err != nil {
		return err
	}
	defer t.quit()

	if err := t.ehlo(); err != nil {
		return err
	}

	if err := t.negotiateTLS(); err != nil {
		return err
	}

	if err := t.mailFrom(sender); err != nil {
		return err
	}

	for _, rcpt := range recipients {
		if err := t.rcptTo(rcpt); err != nil {
			return err
		}
	}

	return t.data(data)
}

func (t *Transaction) connectAndGreet() error {
	dial := t.dial
	if dial == nil {
		dial = net.DialTimeout
	}
	conn, err := dial("tcp", t.Server, nonZero(t.Timeouts.Connect, 30*time.Second))
	if err != nil {
		return tempErr(ErrConnectionFailed, err.Error())
	}
	t.conn = conn

	host, _, _ := net.SplitHostPort(t.Server)
	c, err := empathsmtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return tempErr(ErrConnectionFailed, err.Error())
	}
	t.c = c
	return nil
}

// deadline sets conn's read/write deadline to d from now, falling back to
// fallback when d is unset, matching nonZero's convention elsewhere in this
// file. A zero conn (not yet dialed) is a no-op.
func (t *Transaction) deadline(d, fallback time.Duration) {
	if t.conn == nil {
		return
	}
	t.conn.SetDeadline(time.Now().Add(nonZero(d, fallback)))
}

func (t *Transaction) ehlo() error {
	t.deadline(t.Timeouts.Ehlo, 5*time.Minute)
	if err := t.c.Hello(t.HelloDomain); err != nil {
		return classify(err)
	}
	return nil
}

// negotiateTLS implements STARTTLS as required by policy or opportunistically
// when advertised, with the reconnect-without-TLS fallback of RFC 3207 §4.1.
func (t *Transaction) negotiateTLS() error {
	ok, _ := t.c.Extension("STARTTLS")

	if !ok {
		if t.Policy.RequireTLS {
			return permErr(ErrTlsRequired, "STARTTLS not advertised")
		}
		return nil
	}

	cfg := &tls.Config{ServerName: hostOf(t.Server)}
	if t.Policy.AcceptInvalidCerts {
		cfg.InsecureSkipVerify = true
	}

	t.deadline(t.Timeouts.StartTLS, 2*time.Minute)
	if err := t.c.StartTLS(cfg); err != nil {
		if t.Policy.RequireTLS {
			return permErr(ErrTlsRequired, err.Error())
		}

		// Opportunistic TLS: close and reconnect plaintext, then re-EHLO.
		t.c.Close()
		t.conn.Close()
		if rerr := t.connectAndGreet(); rerr != nil {
			return rerr
		}
		if rerr := t.ehlo(); rerr != nil {
			return rerr
		}
		return nil
	}

	return t.ehlo()
}

func (t *Transaction) mailFrom(sender string) error {
	if sender == "" {
		sender = "<>"
	}
	t.deadline(t.Timeouts.MailFrom, 5*time.Minute)
	if err := t.c.Mail(sender); err != nil {
		return classifyMailFrom(err)
	}
	return nil
}

// mailFromWithParams issues MAIL FROM with explicit ESMTP parameters (e.g.
// SIZE=..., RET=...) appended after the bracketed address, bypassing
// Client.Mail's automatic BODY=/SMTPUTF8 wrapping so a diagnostic session
// can assert an exact wire form.
func (t *Transaction) mailFromWithParams(addr, params string) error {
	format := "MAIL FROM:<%s>"
	if params != "" {
		format += " " + params
	}
	t.deadline(t.Timeouts.MailFrom, 5*time.Minute)
	id, err := t.c.Text.Cmd(format, addr)
	if err != nil {
		return classifyMailFrom(err)
	}
	t.c.Text.StartResponse(id)
	_, _, err = t.c.Text.ReadResponse(250)
	t.c.Text.EndResponse(id)
	return classifyMailFrom(err)
}

func (t *Transaction) rcptTo(rcpt string) error {
	t.deadline(t.Timeouts.RcptTo, 5*time.Minute)
	if err := t.c.Rcpt(rcpt); err != nil {
		return classifyRcptTo(err)
	}
	return nil
}

func (t *Transaction) data(payload []byte) error {
	t.deadline(t.Timeouts.Data, 10*time.Minute)
	w, err := t.c.Data()
	if err != nil {
		return classify(err)
	}
	if _, err := w.Write(payload); err != nil {
		return classify(err)
	}
	return classify(w.Close())
}

// quit is best-effort: a failure here never fails an already-successful
// delivery.
func (t *Transaction) quit() {
	if t.c != nil {
		t.deadline(t.Timeouts.Quit, 2*time.Minute)
		_ = t.c.Quit()
	}
	if t.conn != nil {
		t.conn.Close()
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if empathsmtp.IsPermanent(err) {
		return permErr(ErrMessageRejected, err.Error())
	}
	return tempErr(ErrSmtpTemporary, err.Error())
}

func classifyMailFrom(err error) error {
	if err == nil {
		return nil
	}
	if empathsmtp.IsPermanent(err) {
		return permErr(ErrMessageRejected, err.Error())
	}
	return tempErr(ErrSmtpTemporary, err.Error())
}

func classifyRcptTo(err error) error {
	if err == nil {
		return nil
	}
	if empathsmtp.IsPermanent(err) {
		return permErr(ErrInvalidRecipient, err.Error())
	}
	return tempErr(ErrSmtpTemporary, err.Error())
}

func hostOf(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}
