// Package smtpsrv implements the inbound SMTP receiver: the listener that
// accepts connections, and the per-connection session state machine that
// turns an SMTP dialog into a spooled Context for the delivery pipeline.
package smtpsrv

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/Pyxxilated-Studios/empath/internal/log"
	"github.com/Pyxxilated-Studios/empath/internal/spool"
)

// Timeouts groups the receiver's per-phase timers (§4.7, §6).
type Timeouts struct {
	Command         time.Duration
	DataInit        time.Duration
	DataBlock       time.Duration
	DataTermination time.Duration
	Connection      time.Duration
}

var DefaultTimeouts = Timeouts{
	Command:         time.Minute,
	DataInit:        2 * time.Minute,
	DataBlock:       3 * time.Minute,
	DataTermination: 5 * time.Minute,
	Connection:      20 * time.Minute,
}

// Server accepts inbound SMTP connections and drives one Session per
// connection.
type Server struct {
	Hostname       string
	Banner         string
	MaxMessageSize int64
	Timeouts       Timeouts
	Spool          spool.Spool
	Hooks          Hooks

	tlsConfig *tls.Config
	addr      string
}

func NewServer(spl spool.Spool) *Server {
	return &Server{
		Hostname:       "localhost",
		MaxMessageSize: 32 * 1024 * 1024,
		Timeouts:       DefaultTimeouts,
		Spool:          spl,
	}
}

// AddAddr sets the bind address to listen on.
func (s *Server) AddAddr(addr string) {
	s.addr = addr
}

// AddCerts loads a certificate/key pair, enabling STARTTLS advertisement.
func (s *Server) AddCerts(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}
	if s.tlsConfig == nil {
		s.tlsConfig = &tls.Config{}
	}
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	return nil
}

func (s *Server) tlsAvailable() bool {
	return s.tlsConfig != nil && len(s.tlsConfig.Certificates) > 0
}

// ListenAndServe blocks accepting connections on the configured address.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve blocks accepting connections on l, for callers that bind their own
// listener (systemd socket activation, or tests that need the ephemeral
// port net.Listen chose).
func (s *Server) Serve(l net.Listener) error {
	log.Infof("smtpsrv: listening on %s", l.Addr())

	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	sess := &Session{
		conn:           conn,
		hostname:       s.Hostname,
		banner:         s.Banner,
		maxMessageSize: s.MaxMessageSize,
		timeouts:       s.Timeouts,
		spool:          s.Spool,
		hooks:          s.Hooks,
		tlsConfig:      s.tlsConfig,
		tlsAvailable:   s.tlsAvailable(),
	}
	sess.serve()
}
