// Package dsn builds RFC 3464 delivery status notifications ("bounces")
// for permanently (or finally) failed deliveries.
package dsn

import (
	"bytes"
	"fmt"
	"net/mail"
	"text/template"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Pyxxilated-Studios/empath/internal/spool"
)

// maxOrigHeadersLen caps how much of the original message we embed in the
// text/rfc822-headers part.
const maxOrigHeadersLen = 1024

// Config carries the identity a DSN is sent from.
type Config struct {
	Enabled      bool
	ReportingMTA string
	Postmaster   string
}

// ShouldGenerate reports whether a DSN should be produced for this
// delivery outcome. Null-sender messages never get one (loop prevention);
// a still-retrying temporary failure doesn't either — only a permanent
// failure or an expiry is bounce-worthy.
func ShouldGenerate(cfg Config, sender *mailboxLike, status spool.DeliveryStatus) bool {
	if !cfg.Enabled {
		return false
	}
	if sender == nil || sender.Empty() {
		return false
	}
	return status == spool.StatusFailed || status == spool.StatusExpired
}

// mailboxLike is the minimal shape DSN generation needs from a sender
// mailbox, avoiding a hard dependency on the mailaddress package's concrete
// type so this package can be tested in isolation.
type mailboxLike struct {
	str   string
	empty bool
}

func (m *mailboxLike) Empty() bool { return m == nil || m.empty }

func (m *mailboxLike) String() string {
	if m == nil {
		return ""
	}
	return m.str
}

// Sender wraps a sender address string into the shape ShouldGenerate and
// Generate expect.
func Sender(addr string) *mailboxLike {
	if addr == "" {
		return &mailboxLike{empty: true}
	}
	return &mailboxLike{str: addr}
}

// RecipientOutcome is one recipient's final status, for the
// machine-readable part.
type RecipientOutcome struct {
	Address    string
	Permanent  bool // true: Status 5.0.0, false (expired retry): Status 4.0.0
	Error      string
	RemoteMTA  string
	LastAttempt time.Time
}

// Generate builds the raw RFC 5322 message bytes for a bounce.
func Generate(cfg Config, sender string, recipients []RecipientOutcome, attemptCount int, domain string, originalData []byte, arrivalDate time.Time) ([]byte, error) {
	boundary := fmt.Sprintf("----=_Part_%s_%d", ulid.Make().String(), time.Now().UnixMicro())

	info := dsnInfo{
		ReportingMTA: cfg.ReportingMTA,
		Postmaster:   cfg.Postmaster,
		Sender:       sender,
		Domain:       domain,
		AttemptCount: attemptCount,
		Recipients:   recipients,
		ArrivalDate:  arrivalDate.Format(time.RFC1123Z),
		Date:         time.Now().Format(time.RFC1123Z),
		Boundary:     boundary,
		Headers:      truncateHeaders(originalData),
		LastServer:   lastServer(recipients),
	}

	buf := &bytes.Buffer{}
	if err := dsnTemplate.Execute(buf, info); err != nil {
		return nil, fmt.Errorf("dsn: rendering template: %w", err)
	}
	return buf.Bytes(), nil
}

func lastServer(recipients []RecipientOutcome) string {
	for i := len(recipients) - 1; i >= 0; i-- {
		if recipients[i].RemoteMTA != "" {
			return recipients[i].RemoteMTA
		}
	}
	return "unknown"
}

// truncateHeaders returns up to maxOrigHeadersLen bytes of the original
// message, preferring to cut at the header/body boundary when it falls
// within that window.
func truncateHeaders(data []byte) string {
	limit := len(data)
	if limit > maxOrigHeadersLen {
		limit = maxOrigHeadersLen
	}

	if msg, err := mail.ReadMessage(bytes.NewReader(data)); err == nil {
		var hdr bytes.Buffer
		for k, vs := range msg.Header {
			for _, v := range vs {
				fmt.Fprintf(&hdr, "%s: %s\r\n", k, v)
			}
		}
		if hdr.Len() > 0 && hdr.Len() <= maxOrigHeadersLen {
			return hdr.String()
		}
	}

	return string(data[:limit])
}

type dsnInfo struct {
	ReportingMTA string
	Postmaster   string
	Sender       string
	Domain       string
	AttemptCount int
	Recipients   []RecipientOutcome
	ArrivalDate  string
	Date         string
	Boundary     string
	Headers      string
	LastServer   string
}

var dsnTemplate = template.Must(template.New("dsn").Parse(
	`From: Mail Delivery System <{{.Postmaster}}>
To: <{{.Sender}}>
Subject: Delivery Status Notification (Failure)
Auto-Submitted: auto-replied
MIME-Version: 1.0
Content-Type: multipart/report; report-type="delivery-status";
    boundary="{{.Boundary}}"

This is a MIME-encapsulated delivery status notification.

--{{.Boundary}}
Content-Type: text/plain; charset="utf-8"

Delivery to the following recipient(s) failed after {{.AttemptCount}} attempt(s)
to domain {{.Domain}} (last server tried: {{.LastServer}}):
{{range .Recipients}}
  {{.Address}}: {{.Error}}
{{- end}}

--{{.Boundary}}
Content-Type: message/delivery-status

Reporting-MTA: dns; {{.ReportingMTA}}
Arrival-Date: {{.ArrivalDate}}
{{range .Recipients}}
Final-Recipient: rfc822; {{.Address}}
Action: failed
Status: {{if .Permanent}}5.0.0{{else}}4.0.0{{end}}
Diagnostic-Code: smtp; {{.Error}}
{{if .RemoteMTA}}Remote-MTA: dns; {{.RemoteMTA}}
{{end -}}
{{if not .LastAttempt.IsZero}}Last-Attempt-Date: {{.LastAttempt.Format "Mon, 02 Jan 2006 15:04:05 -0700"}}
{{end -}}
{{end}}
--{{.Boundary}}
Content-Type: text/rfc822-headers

{{.Headers}}
--{{.Boundary}}--
`))
