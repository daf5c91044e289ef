package smtpsrv

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Pyxxilated-Studios/empath/internal/envelope"
	"github.com/Pyxxilated-Studios/empath/internal/log"
	"github.com/Pyxxilated-Studios/empath/internal/normalize"
	"github.com/Pyxxilated-Studios/empath/internal/smtpcommand"
	"github.com/Pyxxilated-Studios/empath/internal/spool"
	"github.com/Pyxxilated-Studios/empath/internal/tlsconst"
)

// State is one node of the inbound session's canonical state machine
// (§4.7). Per-transaction data (the EHLO domain, the accumulating
// envelope) lives on the Session rather than being embedded in the state
// value, which keeps the transition table a plain function of
// (state, command).
type State int

const (
	StateConnect State = iota
	StateGreeted       // post EHLO/HELO, no MAIL transaction open
	StateMailFrom      // sender set, no RCPT yet
	StateRcptTo        // one or more recipients accumulated
	StateData
	StateReading
	StatePostDot
	StateQuit
	StateClose
)

const maxCommandLineLen = 4 * 1024

// effectiveMaxMessageSize returns the configured MaxMessageSize, or, per
// §3/§6, treats 0 as "no limit" by substituting a cap large enough never
// to be hit in practice (kept below MaxInt64 so callers can add 1 without
// overflow).
func (s *Session) effectiveMaxMessageSize() int64 {
	if s.maxMessageSize <= 0 {
		return math.MaxInt64 - 1
	}
	return s.maxMessageSize
}

// Session drives one inbound SMTP connection end to end.
type Session struct {
	conn           net.Conn
	hostname       string
	banner         string
	maxMessageSize int64
	timeouts       Timeouts
	spool          spool.Spool
	hooks          Hooks
	tlsConfig      *tls.Config
	tlsAvailable   bool

	reader       *bufio.Reader
	connDeadline time.Time

	state      State
	ehloDomain string
	extended   bool

	tlsActive    bool
	tlsProtocol  string
	tlsCipher    string

	env  envelope.Envelope
	data []byte
}

func (s *Session) serve() {
	defer s.conn.Close()

	s.reader = bufio.NewReader(s.conn)
	s.connDeadline = time.Now().Add(s.timeouts.Connection)
	s.state = StateConnect

	if v := runHook(s.hooks.OnConnect, s); !v.Accept {
		s.respond(v.Code, v.Message)
		return
	}

	s.respond(220, fmt.Sprintf("%s %s", s.hostname, s.banner))

	for {
		if time.Now().After(s.connDeadline) {
			s.respond(421, "connection timed out")
			return
		}

		s.conn.SetReadDeadline(time.Now().Add(s.timeouts.Command))
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}
		if len(line) > maxCommandLineLen {
			s.respond(500, "line too long")
			continue
		}

		cmd, perr := smtpcommand.Parse(line)
		if perr != nil {
			s.respond(501, "syntax error: "+perr.Error())
			continue
		}

		if s.dispatch(cmd) {
			return
		}
	}
}

// dispatch handles one parsed command and reports whether the connection
// should close.
func (s *Session) dispatch(cmd *smtpcommand.Command) (done bool) {
	switch cmd.Kind {
	case smtpcommand.KindQuit:
		s.respond(221, s.hostname+" closing connection")
		return true

	case smtpcommand.KindHelp:
		s.respond(214, "see RFC 5321")
		return false

	case smtpcommand.KindNoop:
		s.respond(250, "Ok")
		return false

	case smtpcommand.KindRset:
		s.resetTransaction()
		s.respond(250, "Ok")
		return false

	case smtpcommand.KindEhlo, smtpcommand.KindHelo:
		return s.handleGreeting(cmd)

	case smtpcommand.KindStartTLS:
		return s.handleStartTLS()

	case smtpcommand.KindMailFrom:
		return s.handleMailFrom(cmd)

	case smtpcommand.KindRcptTo:
		return s.handleRcptTo(cmd)

	case smtpcommand.KindData:
		return s.handleData()

	case smtpcommand.KindAuth:
		s.respond(502, "command not implemented")
		return false

	default:
		if s.state == StateConnect {
			s.respond(503, "bad sequence of commands: send EHLO/HELO first")
			return false
		}
		s.respond(500, "unrecognized command")
		return false
	}
}

func (s *Session) handleGreeting(cmd *smtpcommand.Command) bool {
	s.ehloDomain = cmd.Domain
	s.extended = cmd.Kind == smtpcommand.KindEhlo
	s.state = StateGreeted

	if v := runHook(s.hooks.OnEhlo, s); !v.Accept {
		s.respond(v.Code, v.Message)
		return v.Close
	}

	if !s.extended {
		s.respond(250, s.hostname)
		return false
	}

	lines := []string{s.hostname + " Hello " + cmd.Domain}
	lines = append(lines, "PIPELINING")
	lines = append(lines, "SIZE "+strconv.FormatInt(s.maxMessageSize, 10))
	lines = append(lines, "8BITMIME")
	lines = append(lines, "HELP")
	if s.tlsAvailable && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	s.respondMultiline(250, lines)
	return false
}

func (s *Session) handleStartTLS() bool {
	if s.state == StateConnect {
		s.respond(503, "bad sequence of commands: send EHLO/HELO first")
		return false
	}
	if !s.tlsAvailable || s.tlsActive {
		s.respond(502, "command not implemented")
		return false
	}

	s.respond(220, "Ready to begin TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		log.Errorf("smtpsrv: TLS handshake failed: %v", err)
		return true
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	cs := tlsConn.ConnectionState()
	s.tlsActive = true
	s.tlsProtocol = tlsconst.VersionName(cs.Version)
	s.tlsCipher = tlsconst.CipherSuiteName(cs.CipherSuite)

	// RFC 3207 §4.2: discard prior knowledge, client must re-EHLO.
	s.state = StateConnect
	s.ehloDomain = ""
	s.resetTransaction()
	return false
}

func (s *Session) handleMailFrom(cmd *smtpcommand.Command) bool {
	if s.state == StateConnect {
		s.respond(503, "bad sequence of commands: send EHLO/HELO first")
		return false
	}

	if cmd.Params != nil {
		if size, ok := cmd.Params.Size(); ok && size > uint64(s.effectiveMaxMessageSize()) {
			s.respond(552, "5.5.2 message size exceeds fixed maximum")
			return false
		}
	}

	s.env = envelope.Envelope{Sender: cmd.Mailbox}
	s.state = StateMailFrom

	if v := runHook(s.hooks.OnMailFrom, s); !v.Accept {
		s.resetTransaction()
		s.respond(v.Code, v.Message)
		return v.Close
	}

	s.respond(250, "Ok")
	return false
}

func (s *Session) handleRcptTo(cmd *smtpcommand.Command) bool {
	if s.state != StateMailFrom && s.state != StateRcptTo {
		s.respond(503, "bad sequence of commands: send MAIL FROM first")
		return false
	}

	if cmd.Mailbox != nil && len(s.env.Recipients) > 0 {
		existingDomain := s.env.Recipients[0].Domain
		if !strings.EqualFold(cmd.Mailbox.Domain, existingDomain) {
			s.respond(550, "5.1.6 all recipients must share one domain")
			return false
		}
	}

	rcpt := *cmd.Mailbox
	if norm, err := normalize.User(rcpt.LocalPart); err == nil {
		rcpt.LocalPart = norm
	}
	s.env.AddRecipient(rcpt)
	s.state = StateRcptTo

	if v := runHook(s.hooks.OnRcptTo, s); !v.Accept {
		s.env.Recipients = s.env.Recipients[:len(s.env.Recipients)-1]
		if len(s.env.Recipients) == 0 {
			s.state = StateMailFrom
		}
		s.respond(v.Code, v.Message)
		return v.Close
	}

	s.respond(250, "Ok")
	return false
}

func (s *Session) handleData() bool {
	if s.state != StateRcptTo {
		s.respond(503, "bad sequence of commands: send RCPT TO first")
		return false
	}

	s.state = StateReading
	s.respond(354, "go ahead")

	limit := s.effectiveMaxMessageSize()

	s.conn.SetReadDeadline(time.Now().Add(s.timeouts.DataTermination))
	data, err := readUntilDot(s.reader, limit+1)
	if err != nil {
		if err == errMessageTooLarge {
			s.respond(552, "5.3.4 message too large")
			s.resetToGreeted()
			return false
		}
		s.respond(421, "error reading message data")
		return true
	}

	if int64(len(data)) > limit {
		s.respond(552, "5.3.4 message too large")
		s.resetToGreeted()
		return false
	}

	s.state = StatePostDot
	return s.finishMessage(data)
}

func (s *Session) finishMessage(data []byte) bool {
	s.data = data
	defer func() { s.data = nil }()

	ctx := &spool.Context{
		Envelope:       s.env,
		Data:           data,
		Extended:       s.extended,
		Banner:         s.banner,
		MaxMessageSize: s.maxMessageSize,
	}
	if s.tlsActive {
		ctx.Metadata = map[string]string{
			"tls":          "true",
			"tls_protocol": s.tlsProtocol,
			"tls_cipher":   s.tlsCipher,
		}
	}

	if v := runHook(s.hooks.OnPostDot, s); !v.Accept {
		s.respond(v.Code, v.Message)
		s.resetToGreeted()
		return v.Close
	}

	id, err := s.spool.Write(ctx)
	if err != nil {
		log.Errorf("smtpsrv: failed to spool message: %v", err)
		s.respond(452, "4.3.0 insufficient system storage")
		s.resetToGreeted()
		return false
	}

	s.respond(250, fmt.Sprintf("Ok: queued as %s", id))
	s.resetToGreeted()
	return false
}

// resetTransaction clears the envelope and, if a mail transaction is open,
// returns the session to StateGreeted; StateConnect and StateGreeted are
// left as they are.
func (s *Session) resetTransaction() {
	s.env = envelope.Envelope{}
	if s.state == StateMailFrom || s.state == StateRcptTo || s.state == StateData || s.state == StateReading || s.state == StatePostDot {
		s.state = StateGreeted
	}
}

func (s *Session) resetToGreeted() {
	s.env = envelope.Envelope{}
	s.state = StateGreeted
}

func (s *Session) respond(code int, msg string) {
	fmt.Fprintf(s.conn, "%d %s\r\n", code, msg)
}

func (s *Session) respondMultiline(code int, lines []string) {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(s.conn, "%d%s%s\r\n", code, sep, l)
	}
}
